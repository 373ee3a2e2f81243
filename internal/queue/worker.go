package queue

import (
	"context"
	"sort"
	"time"

	"github.com/agentstation/depot/internal/steamcmd"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/logging"
)

// schedule runs the housekeeping tick until ctx is done.
func (q *Queue) schedule(ctx context.Context) error {
	ticker := time.NewTicker(q.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.tick(ctx)
		}
	}
}

// tick flushes writes held back while degraded, retries failed jobs that
// are still owed a retry and wakes workers when work is waiting.
func (q *Queue) tick(ctx context.Context) {
	persistCtx := context.WithoutCancel(ctx)
	var changed []jobs.Job

	q.mu.Lock()
	if q.degraded != nil {
		changed = append(changed, q.recoverLocked(persistCtx)...)
	}
	if q.degraded == nil {
		changed = append(changed, q.retryOwedLocked(persistCtx)...)
	}
	q.lastTick = q.now()
	waiting := len(q.pending) > 0 && q.degraded == nil
	q.mu.Unlock()

	q.emit(changed...)
	if waiting {
		q.signal()
	}
}

// recoverLocked pings the store and writes held-back transitions in
// submission order. It clears the degraded state once all are written.
func (q *Queue) recoverLocked(ctx context.Context) []jobs.Job {
	if err := q.store.Ping(ctx); err != nil {
		q.degradeLocked(err)
		return nil
	}
	held := make([]jobs.Job, 0, len(q.unflushed))
	for _, j := range q.unflushed {
		held = append(held, j)
	}
	sort.Slice(held, func(a, b int) bool { return jobs.Less(held[a], held[b]) })

	var changed []jobs.Job
	for _, j := range held {
		if err := q.store.SaveJob(ctx, j); err != nil {
			q.degradeLocked(err)
			return changed
		}
		delete(q.unflushed, j.ID)
		q.publishLocked(j)
		changed = append(changed, j)
	}
	q.degraded = nil
	q.logger.Info().Int("flushed", len(held)).Msg("State store recovered")
	return changed
}

// retryOwedLocked moves failed jobs marked for retry back to pending. This
// normally happens right after the failure; it is repeated here for
// retries whose write failed.
func (q *Queue) retryOwedLocked(ctx context.Context) []jobs.Job {
	var owed []jobs.Job
	for _, j := range q.jobs {
		if j.State == jobs.StateFailed && !j.IsTerminal() {
			owed = append(owed, *j)
		}
	}
	sort.Slice(owed, func(a, b int) bool { return jobs.Less(owed[a], owed[b]) })

	var changed []jobs.Job
	for _, j := range owed {
		if err := j.Retry(q.now()); err != nil {
			continue
		}
		if !q.commitLocked(ctx, j) {
			break
		}
		changed = append(changed, j)
	}
	return changed
}

// work is one worker: it takes the oldest pending job, runs it to an
// outcome and repeats until ctx is done.
func (q *Queue) work(ctx context.Context, worker int) error {
	log := q.logger.With().Int("worker", worker).Logger()
	for {
		job, runCtx, ok := q.claim(ctx)
		if !ok {
			return nil
		}
		log.Debug().Str("job_id", job.ID).Msg("Claimed job")
		q.execute(ctx, runCtx, job)
	}
}

// claim blocks until it moves a pending job to running or ctx is done.
func (q *Queue) claim(ctx context.Context) (jobs.Job, context.Context, bool) {
	for {
		if ctx.Err() != nil {
			return jobs.Job{}, nil, false
		}

		q.mu.Lock()
		if q.degraded == nil && len(q.pending) > 0 {
			id := q.pending[0]
			next := *q.jobs[id]
			if err := next.Start(q.now()); err != nil {
				// Not actually pending; drop it from the line.
				q.pending = q.pending[1:]
				q.mu.Unlock()
				q.logger.Error().Err(err).Str("job_id", id).Msg("Dropped invalid pending entry")
				continue
			}
			if err := q.persistLocked(context.WithoutCancel(ctx), next); err == nil {
				q.publishLocked(next)
				runCtx, cancel := context.WithCancel(ctx)
				q.running[id] = &run{cancel: cancel}
				q.mu.Unlock()
				q.emit(next)
				return next, runCtx, true
			}
		}
		q.mu.Unlock()

		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return jobs.Job{}, nil, false
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// withJobLogger tags the queue logger with the job's identity for one attempt.
func (q *Queue) withJobLogger(ctx context.Context, job jobs.Job) context.Context {
	ctx = logging.WithLogger(ctx, q.logger)
	ctx = logging.WithJob(ctx, job.ID)
	ctx = logging.WithTitle(ctx, job.TitleID, string(job.Platform))
	return logging.WithAttempt(ctx, job.Attempts)
}

// execute runs one attempt of job and records its outcome.
func (q *Queue) execute(ctx, runCtx context.Context, job jobs.Job) {
	ctx = q.withJobLogger(ctx, job)
	runCtx = q.withJobLogger(runCtx, job)
	out := q.driver.Run(runCtx, job, steamcmd.Callbacks{
		Started: func(pid int) {
			q.update(job.ID, func(j *jobs.Job) bool {
				j.PID = pid
				return true
			})
		},
		Event: func(ev steamcmd.Event) {
			q.update(job.ID, func(j *jobs.Job) bool {
				switch ev.Kind {
				case steamcmd.EventProgress:
					return j.ApplyProgress(ev.Percent, ev.Phase, q.now())
				case steamcmd.EventStateChanged:
					return j.SetPhase(ev.Phase, q.now())
				}
				return false
			})
		},
	})

	q.mu.Lock()
	r := q.running[job.ID]
	delete(q.running, job.ID)
	q.mu.Unlock()
	userCancelled := false
	if r != nil {
		userCancelled = r.cancelled
		r.cancel()
	}

	q.finish(ctx, job.ID, out, userCancelled)
	// A worker just freed up; let an idle one look too.
	q.signal()
}

// update applies an in-memory change to a running job and publishes it.
func (q *Queue) update(id string, fn func(*jobs.Job) bool) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || j.State != jobs.StateRunning || !fn(j) {
		q.mu.Unlock()
		return
	}
	snapshot := *j
	q.mu.Unlock()
	q.emit(snapshot)
}

// finish records the outcome of an attempt.
func (q *Queue) finish(ctx context.Context, id string, out steamcmd.Outcome, userCancelled bool) {
	persistCtx := context.WithoutCancel(ctx)
	shuttingDown := ctx.Err() != nil

	// Verification touches the filesystem, so it runs outside the lock.
	var failure *jobs.Failure
	succeeded := false
	if out.Succeeded() {
		current, err := q.Status(id)
		if err != nil {
			return
		}
		entry, verr := q.verifier.Verify(persistCtx, current)
		switch {
		case verr != nil:
			kind, msg := errors.KindVerification, verr.Error()
			var je *errors.JobError
			if errors.As(verr, &je) {
				kind, msg = je.Kind, je.Message
			}
			f := q.policy.Failure(current, kind, msg)
			failure = &f
		default:
			if err := q.verifier.Record(persistCtx, entry); err != nil {
				// The install is good; a later library rebuild recovers the entry.
				logging.FromContext(ctx).Error().Err(err).Msg("Could not record library entry")
				if errors.IsPersistence(err) {
					q.mu.Lock()
					q.degradeLocked(err)
					q.mu.Unlock()
				}
			}
			succeeded = true
		}
	}

	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	next := *j
	now := q.now()
	log := logging.FromContext(ctx)

	var changed []jobs.Job
	commit := func(job jobs.Job) bool {
		if q.commitLocked(persistCtx, job) {
			changed = append(changed, job)
			return true
		}
		return false
	}

	switch {
	case succeeded:
		_ = next.Succeed(now)
		commit(next)
		log.Info().Msg("Job succeeded")

	case userCancelled:
		_ = next.Cancel(now)
		commit(next)
		log.Info().Msg("Job cancelled")

	case shuttingDown && failure == nil:
		_ = next.Requeue(now)
		commit(next)
		log.Info().Msg("Job interrupted by shutdown, requeued")

	default:
		if failure == nil {
			failure = q.outcomeFailure(next, out)
		}
		_ = next.Fail(*failure, now)
		ev := log.Warn()
		if failure.Disposition != jobs.DispositionRetry {
			ev = log.Error()
		}
		ev.Str("kind", string(failure.Kind)).
			Str("disposition", string(failure.Disposition)).
			Int("retry_count", next.RetryCount).
			Str("message", failure.Message).
			Msg("Job failed")
		if commit(next) && failure.Disposition == jobs.DispositionRetry {
			retry := next
			if err := retry.Retry(q.now()); err == nil && commit(retry) {
				log.Info().Int("retry_count", retry.RetryCount).Msg("Job requeued for retry")
			}
		}
	}
	q.mu.Unlock()
	q.emit(changed...)
}

// outcomeFailure classifies an attempt that did not succeed.
func (q *Queue) outcomeFailure(job jobs.Job, out steamcmd.Outcome) *jobs.Failure {
	kind, msg := errors.KindToolReported, "steamcmd did not report success"
	if out.Err != nil {
		kind, msg = out.Err.Kind, out.Err.Message
	}
	f := q.policy.Failure(job, kind, msg)
	return &f
}
