package jobs

import (
	"fmt"
	"strings"

	"github.com/agentstation/depot/pkg/errors"
)

// State is a job lifecycle state.
type State string

// Job states.
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// States lists every state in lifecycle order.
var States = []State{StatePending, StateRunning, StateSucceeded, StateFailed, StateCancelled}

// IsActive reports whether the state is pending or running.
func (s State) IsActive() bool {
	return s == StatePending || s == StateRunning
}

// IsTerminal reports whether the state is an end state. Use Job.IsTerminal
// for failed jobs, which may still be retried.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// ParseState parses a state name, case-insensitively.
func ParseState(s string) (State, error) {
	st := State(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range States {
		if st == known {
			return st, nil
		}
	}
	return "", errors.NewValidationError("state", s, "unknown job state")
}

// Platform is a SteamCMD target platform.
type Platform string

// Supported platforms.
const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformMacOS   Platform = "macos"
)

// ParsePlatform parses a platform name. The empty string is rejected so
// callers apply their own default first.
func ParsePlatform(s string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(s))); p {
	case PlatformWindows, PlatformLinux, PlatformMacOS:
		return p, nil
	case "mac", "osx", "darwin":
		return PlatformMacOS, nil
	}
	return "", errors.NewValidationError("platform", s, "must be one of windows, linux, macos")
}

// transitions lists the allowed edges of the state machine.
var transitions = map[State][]State{
	StatePending: {StateRunning, StateCancelled},
	// running -> pending covers shutdown and crash recovery.
	StateRunning: {StateRunning, StateSucceeded, StateFailed, StateCancelled, StatePending},
	// failed -> pending is the automatic retry edge, guarded by Policy.
	StateFailed: {StatePending},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError reports a rejected state change.
type TransitionError struct {
	JobID string
	From  State
	To    State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: invalid transition %s -> %s", e.JobID, e.From, e.To)
}
