// Package processtest provides a scripted process.Runner for tests.
package processtest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentstation/depot/internal/process"
)

// Script describes how one fake process behaves.
type Script struct {
	// Lines are emitted in order.
	Lines []string
	// LineDelay is slept before each line.
	LineDelay time.Duration
	// ExitCode is reported when the script finishes on its own.
	ExitCode int
	// Hang keeps the process alive with no output until it is terminated.
	Hang bool
	// CloseOutput ends the output after Lines while the process keeps
	// running until Hang, Release or ExitCode ends it.
	CloseOutput bool
	// Release, when set, holds the process open after its lines until closed.
	Release <-chan struct{}
	// OnStart runs before any output; use it to create files in spec.Dir
	// or the install directory. A returned error becomes the Start error.
	OnStart func(spec process.Spec) error
}

// Runner returns scripted processes. Each Start consumes the next script;
// the last script repeats.
type Runner struct {
	mu      sync.Mutex
	scripts []Script
	calls   []process.Spec

	running    atomic.Int32
	maxRunning atomic.Int32
}

// NewRunner creates a runner that plays scripts in order.
func NewRunner(scripts ...Script) *Runner {
	return &Runner{scripts: scripts}
}

// Calls returns the specs passed to Start so far.
func (r *Runner) Calls() []process.Spec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]process.Spec(nil), r.calls...)
}

// MaxRunning returns the largest number of simultaneously running processes seen.
func (r *Runner) MaxRunning() int {
	return int(r.maxRunning.Load())
}

// Running returns the number of processes currently running.
func (r *Runner) Running() int {
	return int(r.running.Load())
}

// Start implements process.Runner.
func (r *Runner) Start(ctx context.Context, spec process.Spec) (process.Process, error) {
	r.mu.Lock()
	idx := len(r.calls)
	r.calls = append(r.calls, spec)
	var script Script
	switch {
	case len(r.scripts) == 0:
	case idx < len(r.scripts):
		script = r.scripts[idx]
	default:
		script = r.scripts[len(r.scripts)-1]
	}
	r.mu.Unlock()

	if script.OnStart != nil {
		if err := script.OnStart(spec); err != nil {
			return nil, err
		}
	}

	n := r.running.Add(1)
	for {
		m := r.maxRunning.Load()
		if n <= m || r.maxRunning.CompareAndSwap(m, n) {
			break
		}
	}

	p := &fakeProcess{
		script:    script,
		spec:      spec,
		lines:     make(chan string),
		stalled:   make(chan struct{}),
		terminate: make(chan struct{}),
		done:      make(chan struct{}),
		started:   time.Now(),
		onExit:    func() { r.running.Add(-1) },
		pid:       10000 + idx,
	}
	go p.run()
	return p, nil
}

type fakeProcess struct {
	script    Script
	spec      process.Spec
	lines     chan string
	stalled   chan struct{}
	terminate chan struct{}
	done      chan struct{}
	started   time.Time
	onExit    func()
	pid       int

	termOnce  sync.Once
	stallOnce sync.Once
	linesOnce sync.Once
	result    Result
}

// Result aliases process.Result for brevity inside the package.
type Result = process.Result

func (p *fakeProcess) PID() int                 { return p.pid }
func (p *fakeProcess) Lines() <-chan string     { return p.lines }
func (p *fakeProcess) Stalled() <-chan struct{} { return p.stalled }
func (p *fakeProcess) Done() <-chan struct{}    { return p.done }

func (p *fakeProcess) closeLines() {
	p.linesOnce.Do(func() { close(p.lines) })
}

func (p *fakeProcess) run() {
	defer close(p.done)
	defer p.onExit()

	finish := func(res Result) {
		res.Duration = time.Since(p.started)
		p.result = res
		p.closeLines()
	}
	killed := func() {
		finish(Result{ExitCode: -1, Killed: true, TimedOut: p.isStalled()})
	}

	for _, line := range p.script.Lines {
		if p.script.LineDelay > 0 {
			select {
			case <-time.After(p.script.LineDelay):
			case <-p.terminate:
				killed()
				return
			}
		}
		select {
		case p.lines <- line:
		case <-p.terminate:
			killed()
			return
		}
	}

	if p.script.CloseOutput {
		p.closeLines()
	}

	if p.script.Hang {
		var stall <-chan time.Time
		if p.spec.StallTimeout > 0 {
			stall = time.After(p.spec.StallTimeout)
		}
		select {
		case <-stall:
			p.stallOnce.Do(func() { close(p.stalled) })
			<-p.terminate
		case <-p.terminate:
		}
		killed()
		return
	}

	if p.script.Release != nil {
		select {
		case <-p.script.Release:
		case <-p.terminate:
			killed()
			return
		}
	}
	finish(Result{ExitCode: p.script.ExitCode})
}

func (p *fakeProcess) isStalled() bool {
	select {
	case <-p.stalled:
		return true
	default:
		return false
	}
}

func (p *fakeProcess) Terminate(ctx context.Context) error {
	p.termOnce.Do(func() { close(p.terminate) })
	<-p.done
	return nil
}

func (p *fakeProcess) Wait() Result {
	<-p.done
	return p.result
}

func (p *fakeProcess) Close() error {
	return p.Terminate(context.Background())
}
