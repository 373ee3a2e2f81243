// Package queue runs download jobs on a bounded pool of workers.
//
// The queue owns every Job. All state transitions are computed on a copy,
// written to the store and only then published in memory, so anything a
// caller can observe has been durably recorded. Progress updates are the
// exception: they are kept in memory only and are rebuilt by the next run
// after a restart.
//
// When the store rejects a write the queue becomes degraded: new
// submissions are refused, workers stop taking jobs and the scheduler keeps
// retrying the writes it could not make until the store recovers.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentstation/depot/internal/steamcmd"
	"github.com/agentstation/depot/pkg/constants"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
	"github.com/agentstation/depot/pkg/logging"
)

// Store is the part of the state store the queue needs.
type Store interface {
	SaveJob(ctx context.Context, job jobs.Job) error
	DeleteJob(ctx context.Context, id string) error
	LoadJobs(ctx context.Context) ([]jobs.Job, error)
	Ping(ctx context.Context) error
}

// Driver runs one attempt of a job. *steamcmd.Driver implements it.
type Driver interface {
	Run(ctx context.Context, job jobs.Job, cb steamcmd.Callbacks) steamcmd.Outcome
}

// Verifier checks a finished install and records it in the library.
// *reconcile.Reconciler implements it.
type Verifier interface {
	Verify(ctx context.Context, job jobs.Job) (library.Entry, error)
	Record(ctx context.Context, entry library.Entry) error
}

// Health is a snapshot of the queue's liveness and load.
type Health struct {
	// Alive is true while the scheduler has ticked within the liveness window.
	Alive bool `json:"alive"`
	// Degraded is true while the store is rejecting writes.
	Degraded bool      `json:"degraded"`
	Reason   string    `json:"reason,omitempty"`
	LastTick time.Time `json:"last_tick"`
	Pending  int       `json:"pending"`
	Running  int       `json:"running"`
	Workers  int       `json:"workers"`
	// Unflushed counts finished attempts whose outcome is waiting for the store.
	Unflushed int `json:"unflushed,omitempty"`
}

// run tracks a job held by a worker.
type run struct {
	cancel context.CancelFunc
	// cancelled is set when a user asked to cancel the job.
	cancelled bool
}

// Queue schedules download jobs.
type Queue struct {
	store    Store
	driver   Driver
	verifier Verifier

	workers        int
	policy         jobs.Policy
	defaults       jobs.Defaults
	tickInterval   time.Duration
	pollInterval   time.Duration
	livenessWindow time.Duration
	logger         *zerolog.Logger
	now            func() time.Time

	mu        sync.Mutex
	jobs      map[string]*jobs.Job
	pending   []string
	running   map[string]*run
	unflushed map[string]jobs.Job
	degraded  error
	lastTick  time.Time
	started   bool
	closed    bool

	listenersMu sync.RWMutex
	listeners   []func(jobs.Job)

	wake   chan struct{}
	cancel context.CancelFunc
	group  *errgroup.Group
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the number of concurrent SteamCMD processes.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithPolicy sets the retry policy.
func WithPolicy(p jobs.Policy) Option {
	return func(q *Queue) { q.policy = p }
}

// WithDefaults sets the defaults applied to submitted requests.
func WithDefaults(d jobs.Defaults) Option {
	return func(q *Queue) { q.defaults = d }
}

// WithTickInterval sets how often the scheduler runs.
func WithTickInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.tickInterval = d
		}
	}
}

// WithPollInterval bounds how long an idle worker sleeps between checks.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithLivenessWindow sets how stale the last tick may be before the queue
// reports itself not alive.
func WithLivenessWindow(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.livenessWindow = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a queue. Call Start to load persisted jobs and begin work.
func New(store Store, driver Driver, verifier Verifier, opts ...Option) *Queue {
	q := &Queue{
		store:          store,
		driver:         driver,
		verifier:       verifier,
		workers:        constants.DefaultConcurrency,
		policy:         jobs.DefaultPolicy(),
		defaults:       jobs.Defaults{Platform: jobs.Platform(constants.DefaultPlatform), Validate: true},
		tickInterval:   constants.DefaultTickInterval,
		pollInterval:   constants.DefaultPollInterval,
		livenessWindow: constants.DefaultLivenessWindow,
		logger:         logging.Default(),
		now:            time.Now,
		jobs:           make(map[string]*jobs.Job),
		running:        make(map[string]*run),
		unflushed:      make(map[string]jobs.Job),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.workers > constants.MaxConcurrency {
		q.workers = constants.MaxConcurrency
	}
	q.wake = make(chan struct{}, q.workers)
	return q
}

// OnChange registers fn to receive every published job change, including
// progress. fn is called without the queue lock held and must not block.
func (q *Queue) OnChange(fn func(jobs.Job)) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.listeners = append(q.listeners, fn)
}

func (q *Queue) emit(changed ...jobs.Job) {
	if len(changed) == 0 {
		return
	}
	q.listenersMu.RLock()
	listeners := q.listeners
	q.listenersMu.RUnlock()
	for _, j := range changed {
		for _, fn := range listeners {
			fn(j)
		}
	}
}

// signal wakes one idle worker without blocking.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start loads persisted jobs and starts the scheduler and workers. Jobs
// persisted as running were interrupted by a crash and go back to pending;
// failed jobs marked for retry are retried.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("queue already started")
	}
	if q.closed {
		q.mu.Unlock()
		return errors.ErrClosed
	}
	q.started = true
	q.mu.Unlock()

	changed, err := q.load(ctx)
	if err != nil {
		return err
	}
	q.emit(changed...)

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	q.mu.Lock()
	q.cancel = cancel
	q.group = g
	q.lastTick = q.now()
	q.mu.Unlock()

	g.Go(func() error { return q.schedule(gctx) })
	for i := 0; i < q.workers; i++ {
		id := i
		g.Go(func() error { return q.work(gctx, id) })
	}

	q.logger.Info().
		Int("workers", q.workers).
		Int("jobs", len(changed)).
		Msg("Download queue started")
	return nil
}

func (q *Queue) load(ctx context.Context) ([]jobs.Job, error) {
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(loaded, func(a, b int) bool { return jobs.Less(loaded[a], loaded[b]) })

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var changed []jobs.Job
	for _, j := range loaded {
		if _, known := q.jobs[j.ID]; known {
			// Submitted before Start.
			continue
		}
		j.PID = 0
		switch {
		case j.State == jobs.StateRunning:
			if err := j.Requeue(now); err != nil {
				return nil, err
			}
			if err := q.store.SaveJob(ctx, j); err != nil {
				return nil, err
			}
			q.logger.Info().Str("job_id", j.ID).Str("title_id", j.TitleID).Msg("Requeued job interrupted by restart")
		case j.State == jobs.StateFailed && !j.IsTerminal():
			if err := j.Retry(now); err != nil {
				return nil, err
			}
			if err := q.store.SaveJob(ctx, j); err != nil {
				return nil, err
			}
			q.logger.Info().Str("job_id", j.ID).Int("retry_count", j.RetryCount).Msg("Retrying job failed before restart")
		}
		job := j
		q.jobs[j.ID] = &job
		if job.State == jobs.StatePending {
			q.pending = append(q.pending, job.ID)
		}
		changed = append(changed, job)
	}
	return changed, nil
}

// Stop stops the workers and waits for them. Running jobs are interrupted
// and returned to pending without being charged a retry.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	cancel, g := q.cancel, q.group
	q.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		q.logger.Info().Msg("Download queue stopped")
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues the download described by req and returns its job ID.
// Submitting a request whose job is already pending or running returns the
// existing ID. A finished job with the same identity must be purged first.
func (q *Queue) Submit(ctx context.Context, req jobs.Request) (string, error) {
	job, err := req.Resolve(q.defaults, q.now())
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", errors.ErrClosed
	}
	if existing, ok := q.jobs[job.ID]; ok {
		q.mu.Unlock()
		if !existing.IsTerminal() {
			return job.ID, nil
		}
		return "", &errors.ConflictError{
			Resource: "job",
			ID:       job.ID,
			Message:  "a " + string(existing.State) + " job exists for this title and destination; purge it first",
		}
	}
	if q.degraded != nil {
		err := q.degraded
		q.mu.Unlock()
		return "", err
	}
	if err := q.persistLocked(ctx, job); err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.publishLocked(job)
	q.mu.Unlock()

	q.logger.Info().
		Str("job_id", job.ID).
		Str("title_id", job.TitleID).
		Str("platform", string(job.Platform)).
		Str("destination", job.Destination).
		Msg("Job submitted")
	q.emit(job)
	q.signal()
	return job.ID, nil
}

// Cancel cancels a job. A pending job is cancelled at once. A running job
// is flagged and its process is terminated in the background; the worker
// records the cancellation. Cancelling a finished job does nothing.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return errors.NewNotFoundError("job", id)
	}

	switch j.State {
	case jobs.StatePending:
		next := *j
		if err := next.Cancel(q.now()); err != nil {
			q.mu.Unlock()
			return err
		}
		if err := q.persistLocked(ctx, next); err != nil {
			q.mu.Unlock()
			return err
		}
		q.publishLocked(next)
		q.mu.Unlock()
		q.logger.Info().Str("job_id", id).Msg("Cancelled pending job")
		q.emit(next)
		return nil

	case jobs.StateRunning:
		if r, ok := q.running[id]; ok && !r.cancelled {
			r.cancelled = true
			r.cancel()
			q.logger.Info().Str("job_id", id).Msg("Cancelling running job")
		}
	}
	q.mu.Unlock()
	return nil
}

// Purge deletes a finished job so the same title can be submitted again.
func (q *Queue) Purge(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return errors.NewNotFoundError("job", id)
	}
	if !j.IsTerminal() {
		return &errors.ConflictError{Resource: "job", ID: id, Message: "job is " + string(j.State) + "; cancel it first"}
	}
	if err := q.store.DeleteJob(ctx, id); err != nil {
		q.degradeLocked(err)
		return err
	}
	delete(q.jobs, id)
	q.logger.Info().Str("job_id", id).Msg("Purged job")
	return nil
}

// Status returns a job.
func (q *Queue) Status(id string) (jobs.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return jobs.Job{}, errors.NewNotFoundError("job", id)
	}
	return *j, nil
}

// List returns all jobs in submission order.
func (q *Queue) List() []jobs.Job {
	q.mu.Lock()
	out := make([]jobs.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	q.mu.Unlock()
	sort.Slice(out, func(a, b int) bool { return jobs.Less(out[a], out[b]) })
	return out
}

// History returns every known job in submission order. Before Start it
// reads the store without recovering interrupted jobs, so a stopped queue
// can be inspected safely.
func (q *Queue) History(ctx context.Context) ([]jobs.Job, error) {
	q.mu.Lock()
	started := q.started
	q.mu.Unlock()
	if started {
		return q.List(), nil
	}

	stored, err := q.store.LoadJobs(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]jobs.Job, len(stored))
	for _, j := range stored {
		byID[j.ID] = j
	}
	for _, j := range q.List() {
		byID[j.ID] = j
	}
	out := make([]jobs.Job, 0, len(byID))
	for _, j := range byID {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return jobs.Less(out[a], out[b]) })
	return out, nil
}

// Health reports liveness and load.
func (q *Queue) Health() Health {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := Health{
		LastTick:  q.lastTick,
		Pending:   len(q.pending),
		Running:   len(q.running),
		Workers:   q.workers,
		Unflushed: len(q.unflushed),
		Degraded:  q.degraded != nil,
	}
	if q.degraded != nil {
		h.Reason = q.degraded.Error()
	}
	h.Alive = q.started && !q.closed && !q.lastTick.IsZero() && q.now().Sub(q.lastTick) <= q.livenessWindow
	return h
}

// persistLocked writes job to the store. A failure degrades the queue.
func (q *Queue) persistLocked(ctx context.Context, job jobs.Job) error {
	if err := q.store.SaveJob(ctx, job); err != nil {
		q.degradeLocked(err)
		return err
	}
	return nil
}

// publishLocked makes a persisted job visible and keeps the pending list
// in step with job states.
func (q *Queue) publishLocked(job jobs.Job) {
	if cur, ok := q.jobs[job.ID]; ok {
		*cur = job
	} else {
		j := job
		q.jobs[job.ID] = &j
	}
	idx := -1
	for i, id := range q.pending {
		if id == job.ID {
			idx = i
			break
		}
	}
	switch {
	case job.State == jobs.StatePending && idx < 0:
		q.pending = append(q.pending, job.ID)
	case job.State != jobs.StatePending && idx >= 0:
		q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	}
}

// commitLocked persists and publishes job. If the store fails the job is
// kept aside and flushed by the scheduler once the store recovers.
func (q *Queue) commitLocked(ctx context.Context, job jobs.Job) bool {
	if err := q.persistLocked(ctx, job); err != nil {
		q.unflushed[job.ID] = job
		q.logger.Error().Err(err).Str("job_id", job.ID).Str("state", string(job.State)).
			Msg("Could not persist job transition, will retry")
		return false
	}
	delete(q.unflushed, job.ID)
	q.publishLocked(job)
	return true
}

func (q *Queue) degradeLocked(err error) {
	if !errors.IsPersistence(err) {
		err = errors.NewPersistenceError("save", "", err)
	}
	if q.degraded == nil {
		q.logger.Error().Err(err).Msg("State store failing, queue degraded")
	}
	q.degraded = err
}
