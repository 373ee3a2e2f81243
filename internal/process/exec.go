package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentstation/depot/pkg/constants"
	pkgerrors "github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/logging"
)

// ExecRunner starts real operating system processes.
type ExecRunner struct {
	logger *zerolog.Logger
}

// NewExecRunner creates a runner that logs through logger (nil for the default).
func NewExecRunner(logger *zerolog.Logger) *ExecRunner {
	if logger == nil {
		logger = logging.Default()
	}
	return &ExecRunner{logger: logger}
}

// Start launches spec. It returns a LaunchError when the executable cannot
// be found or started, or when the process exits before accepting its
// scripted input.
func (r *ExecRunner) Start(ctx context.Context, spec Spec) (Process, error) {
	path, err := exec.LookPath(spec.Command)
	if err != nil {
		return nil, pkgerrors.NewJobError(pkgerrors.KindLaunch,
			fmt.Sprintf("executable %s not found", spec.Command), err)
	}

	// exec.Command rather than CommandContext: termination goes through
	// Terminate so the process gets its grace period.
	cmd := exec.Command(path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcessGroup(cmd)

	// stdout and stderr share one pipe so lines keep their relative order.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, pkgerrors.NewJobError(pkgerrors.KindLaunch, "creating output pipe", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	var stdin io.WriteCloser
	if len(spec.Stdin) > 0 {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			_ = pr.Close()
			_ = pw.Close()
			return nil, pkgerrors.NewJobError(pkgerrors.KindLaunch, "creating input pipe", err)
		}
	}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, pkgerrors.NewJobError(pkgerrors.KindLaunch,
			fmt.Sprintf("starting %s", spec.Command), err)
	}
	// The child holds its own copy of the write end.
	_ = pw.Close()

	p := &execProcess{
		cmd:     cmd,
		spec:    spec,
		output:  pr,
		lines:   make(chan string, constants.ChannelBufferSize),
		stalled: make(chan struct{}),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		started: time.Now(),
		logger:  r.logger.With().Str("command", spec.Command).Int("pid", cmd.Process.Pid).Logger(),
	}
	p.lastOutput.Store(p.started.UnixNano())

	go p.wait()
	go p.read()
	if spec.StallTimeout > 0 {
		go p.watch()
	}

	if stdin != nil {
		if err := writeScript(stdin, spec.Stdin); err != nil {
			_ = p.Close()
			return nil, pkgerrors.NewJobError(pkgerrors.KindLaunch,
				"process exited before accepting input", err)
		}
	}

	p.logger.Debug().Msg("Process started")
	return p, nil
}

func writeScript(w io.WriteCloser, lines []string) error {
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

type execProcess struct {
	cmd     *exec.Cmd
	spec    Spec
	output  *os.File
	lines   chan string
	stalled chan struct{}
	done    chan struct{}
	closing chan struct{}
	started time.Time
	logger  zerolog.Logger

	lastOutput  atomic.Int64
	timedOut    atomic.Bool
	killed      atomic.Bool
	stallOnce   sync.Once
	closingOnce sync.Once
	result      Result
}

func (p *execProcess) PID() int                 { return p.cmd.Process.Pid }
func (p *execProcess) Lines() <-chan string     { return p.lines }
func (p *execProcess) Stalled() <-chan struct{} { return p.stalled }
func (p *execProcess) Done() <-chan struct{}    { return p.done }

// wait reaps the process. It is the only caller of cmd.Wait.
func (p *execProcess) wait() {
	err := p.cmd.Wait()
	res := Result{
		ExitCode: p.cmd.ProcessState.ExitCode(),
		Killed:   p.killed.Load(),
		TimedOut: p.timedOut.Load(),
		Duration: time.Since(p.started),
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		res.Err = err
	}
	p.result = res
	close(p.done)
}

// read splits output into lines until the pipe closes.
func (p *execProcess) read() {
	defer close(p.lines)
	defer func() { _ = p.output.Close() }()

	scanner := bufio.NewScanner(p.output)
	scanner.Buffer(make([]byte, 0, 4096), constants.MaxLineLength)
	scanner.Split(ScanLines)
	for scanner.Scan() {
		p.lastOutput.Store(time.Now().UnixNano())
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" {
			continue
		}
		select {
		case p.lines <- line:
		case <-p.closing:
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Warn().Err(err).Msg("Reading process output")
	}
}

// watch closes stalled when output stops for longer than the stall timeout.
func (p *execProcess) watch() {
	interval := p.spec.StallTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			silent := time.Since(time.Unix(0, p.lastOutput.Load()))
			if silent >= p.spec.StallTimeout {
				p.stallOnce.Do(func() {
					p.timedOut.Store(true)
					p.logger.Warn().Dur("silent", silent).Msg("Process stalled")
					close(p.stalled)
				})
				return
			}
		}
	}
}

// Terminate interrupts the process group and kills it if it has not exited
// within the grace period or before ctx is done.
func (p *execProcess) Terminate(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	if err := interrupt(p.cmd); err != nil {
		p.logger.Debug().Err(err).Msg("Interrupt failed, killing")
		return p.kill()
	}

	grace := p.spec.GracePeriod
	if grace <= 0 {
		grace = constants.DefaultGracePeriod
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return p.kill()
}

func (p *execProcess) kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	p.killed.Store(true)
	p.logger.Debug().Msg("Killing process")
	if err := kill(p.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return pkgerrors.NewProcessError("kill", p.spec.Command, "", err)
	}
	<-p.done
	return nil
}

// Wait blocks until the process is reaped.
func (p *execProcess) Wait() Result {
	<-p.done
	return p.result
}

// Close terminates the process if it is still running, reaps it and
// releases the output pipe.
func (p *execProcess) Close() error {
	err := p.Terminate(context.Background())
	<-p.done
	p.closingOnce.Do(func() { close(p.closing) })
	// A grandchild outside the process group may still hold the pipe open.
	_ = p.output.Close()
	return err
}
