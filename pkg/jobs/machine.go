package jobs

import (
	"time"
)

// transition validates and applies a state change.
func (j *Job) transition(to State, now time.Time) error {
	if !CanTransition(j.State, to) {
		return &TransitionError{JobID: j.ID, From: j.State, To: to}
	}
	j.State = to
	j.UpdatedAt = now
	return nil
}

// Start moves a pending job to running and opens a new running episode.
// Progress starts over; the last error stays visible until the job succeeds.
func (j *Job) Start(now time.Time) error {
	if j.State != StatePending {
		return &TransitionError{JobID: j.ID, From: j.State, To: StateRunning}
	}
	if err := j.transition(StateRunning, now); err != nil {
		return err
	}
	j.Attempts++
	j.Percent = 0
	j.PhasePercent = 0
	j.Phase = ""
	j.StartedAt = &now
	j.FinishedAt = nil
	return nil
}

// ApplyProgress records a progress report from the running tool.
//
// Percent never decreases within a running episode. A report lower than the
// current phase percent means the tool started a new phase (for example
// verifying after downloading), so only PhasePercent resets.
// It reports whether anything visible changed.
func (j *Job) ApplyProgress(percent float64, phase string, now time.Time) bool {
	if j.State != StateRunning {
		return false
	}
	percent = ClampPercent(percent)
	changed := false
	if phase != "" && phase != j.Phase {
		j.Phase = phase
		changed = true
	}
	if percent != j.PhasePercent {
		j.PhasePercent = percent
		changed = true
	}
	if percent > j.Percent {
		j.Percent = percent
		changed = true
	}
	if changed {
		j.UpdatedAt = now
	}
	return changed
}

// SetPhase records a phase change without a percent.
func (j *Job) SetPhase(phase string, now time.Time) bool {
	if j.State != StateRunning || phase == "" || phase == j.Phase {
		return false
	}
	j.Phase = phase
	j.PhasePercent = 0
	j.UpdatedAt = now
	return true
}

// Succeed marks a running job as downloaded and verified.
func (j *Job) Succeed(now time.Time) error {
	if j.State != StateRunning {
		return &TransitionError{JobID: j.ID, From: j.State, To: StateSucceeded}
	}
	if err := j.transition(StateSucceeded, now); err != nil {
		return err
	}
	j.Percent = 100
	j.PhasePercent = 100
	j.Error = nil
	j.FinishedAt = &now
	j.PID = 0
	return nil
}

// Fail records a failed attempt. The failure's Disposition must already be
// decided by a Policy; Retry acts on it.
func (j *Job) Fail(f Failure, now time.Time) error {
	if j.State != StateRunning {
		return &TransitionError{JobID: j.ID, From: j.State, To: StateFailed}
	}
	if err := j.transition(StateFailed, now); err != nil {
		return err
	}
	f.At = now
	j.Error = &f
	if f.Kind == kindVerification {
		j.VerificationFailures++
	}
	j.FinishedAt = &now
	j.PID = 0
	return nil
}

// Retry moves a failed job marked for retry back to pending.
func (j *Job) Retry(now time.Time) error {
	if j.State != StateFailed || j.Error == nil || j.Error.Disposition != DispositionRetry {
		return &TransitionError{JobID: j.ID, From: j.State, To: StatePending}
	}
	if err := j.transition(StatePending, now); err != nil {
		return err
	}
	j.RetryCount++
	j.FinishedAt = nil
	return nil
}

// Cancel stops a pending or running job.
func (j *Job) Cancel(now time.Time) error {
	if err := j.transition(StateCancelled, now); err != nil {
		return err
	}
	j.FinishedAt = &now
	j.PID = 0
	return nil
}

// Requeue returns a running job to pending without charging a retry. Used
// when the orchestrator shuts down mid-download and when a job persisted as
// running is loaded after a crash.
func (j *Job) Requeue(now time.Time) error {
	if j.State != StateRunning {
		return &TransitionError{JobID: j.ID, From: j.State, To: StatePending}
	}
	if err := j.transition(StatePending, now); err != nil {
		return err
	}
	j.PID = 0
	j.StartedAt = nil
	return nil
}

// ClampPercent bounds a percent to [0, 100].
func ClampPercent(p float64) float64 {
	switch {
	case p != p: // NaN
		return 0
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
