// Package process spawns and supervises an external command line tool.
//
// A Process is owned by exactly one caller. Its output is exposed as a
// channel of lines; the caller drains Lines until it is closed, then reads
// the Result from Wait. Close must be called on every path (normally with
// defer); it terminates the process if it is still running and reaps it.
package process

import (
	"context"
	"time"
)

// Spec describes a process to start.
type Spec struct {
	// Command is the executable, resolved through PATH when it has no separator.
	Command string
	Args    []string
	// Dir is the working directory. Empty means the current directory.
	Dir string
	// Env entries are appended to the current environment.
	Env []string
	// Stdin lines are written to the process after it starts, then stdin is closed.
	Stdin []string
	// StallTimeout closes Stalled when no output arrives for this long. Zero disables it.
	StallTimeout time.Duration
	// GracePeriod is the time between interrupt and kill during Terminate.
	GracePeriod time.Duration
}

// Result is the final outcome of a process.
type Result struct {
	ExitCode int           `json:"exit_code"`
	Killed   bool          `json:"killed,omitempty"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Success reports whether the process exited on its own with code 0.
func (r Result) Success() bool {
	return r.Err == nil && !r.Killed && !r.TimedOut && r.ExitCode == 0
}

// Runner starts processes.
type Runner interface {
	Start(ctx context.Context, spec Spec) (Process, error)
}

// Process is a running external process.
type Process interface {
	// PID returns the operating system process id, or 0 if unknown.
	PID() int
	// Lines yields output lines. It is closed when output ends.
	Lines() <-chan string
	// Stalled is closed once the stall timeout elapses without output.
	Stalled() <-chan struct{}
	// Done is closed once the process has exited and been reaped. Output
	// can end before that when the process closes its stdout early.
	Done() <-chan struct{}
	// Terminate interrupts the process, then kills it after the grace period.
	Terminate(ctx context.Context) error
	// Wait blocks until the process has exited and been reaped.
	Wait() Result
	// Close terminates the process if needed and waits for it.
	Close() error
}
