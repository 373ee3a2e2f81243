// Package jobs defines the download job, its lifecycle state machine and the
// retry policy that decides what happens after a failed attempt.
//
// A Job is a value type. The queue that owns it computes every transition on
// a copy, persists the copy and only then publishes it, so a Job observed by
// a reader has always been durably recorded.
package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/agentstation/depot/pkg/errors"
)

// Job is one queued, running or finished download of a title.
type Job struct {
	ID          string   `json:"id" yaml:"id"`
	TitleID     string   `json:"title_id" yaml:"title_id"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Platform    Platform `json:"platform" yaml:"platform"`
	Destination string   `json:"destination" yaml:"destination"`
	Validate    bool     `json:"validate" yaml:"validate"`

	State        State   `json:"state" yaml:"state"`
	Phase        string  `json:"phase,omitempty" yaml:"phase,omitempty"`
	Percent      float64 `json:"percent" yaml:"percent"`
	PhasePercent float64 `json:"phase_percent" yaml:"phase_percent"`

	Error                *Failure `json:"error,omitempty" yaml:"error,omitempty"`
	RetryCount           int      `json:"retry_count" yaml:"retry_count"`
	VerificationFailures int      `json:"verification_failures,omitempty" yaml:"verification_failures,omitempty"`
	Attempts             int      `json:"attempts" yaml:"attempts"`

	RequestedAt time.Time  `json:"requested_at" yaml:"requested_at"`
	UpdatedAt   time.Time  `json:"updated_at" yaml:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`

	// PID of the attached SteamCMD process while running. Not persisted.
	PID int `json:"-" yaml:"-"`
}

// Failure is the last error recorded on a job.
type Failure struct {
	Kind        errors.Kind `json:"kind" yaml:"kind"`
	Message     string      `json:"message" yaml:"message"`
	Disposition Disposition `json:"disposition" yaml:"disposition"`
	At          time.Time   `json:"at" yaml:"at"`
}

// Error implements the error interface so a Failure can be returned directly.
func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// Request describes a download to submit.
type Request struct {
	TitleID     string   `json:"title_id" yaml:"title_id"`
	// Name is an optional display name. It is not part of the job identity.
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Platform    Platform `json:"platform,omitempty" yaml:"platform,omitempty"`
	Destination string   `json:"destination,omitempty" yaml:"destination,omitempty"`
	Validate    *bool    `json:"validate,omitempty" yaml:"validate,omitempty"`
}

// ID returns the identity of the job a request maps to. Resubmitting an
// identical request yields the same ID.
func ID(titleID string, platform Platform, destination string) string {
	h := sha256.New()
	h.Write([]byte(titleID))
	h.Write([]byte{0})
	h.Write([]byte(platform))
	h.Write([]byte{0})
	h.Write([]byte(filepath.Clean(destination)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// New creates a pending job for a validated request.
func New(titleID string, platform Platform, destination string, validate bool, now time.Time) Job {
	destination = filepath.Clean(destination)
	return Job{
		ID:          ID(titleID, platform, destination),
		TitleID:     titleID,
		Platform:    platform,
		Destination: destination,
		Validate:    validate,
		State:       StatePending,
		RequestedAt: now,
		UpdatedAt:   now,
	}
}

// Label is the display name when one was given, the title ID otherwise.
func (j Job) Label() string {
	if j.Name != "" {
		return j.Name
	}
	return j.TitleID
}

// IsActive reports whether the job is waiting for or holding a worker.
func (j Job) IsActive() bool {
	return j.State.IsActive()
}

// IsTerminal reports whether the job will never transition again. A failed
// job whose failure is marked for retry is not terminal: the retry edge
// back to pending is still ahead of it.
func (j Job) IsTerminal() bool {
	if j.State == StateFailed && j.Error != nil && j.Error.Disposition == DispositionRetry {
		return false
	}
	return j.State.IsTerminal()
}

// Less orders jobs by submission time, then by ID.
func Less(a, b Job) bool {
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return a.ID < b.ID
}
