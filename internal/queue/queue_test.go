package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/depot/internal/process/processtest"
	"github.com/agentstation/depot/internal/queue"
	"github.com/agentstation/depot/internal/steamcmd"
	"github.com/agentstation/depot/internal/store/memory"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
	"github.com/agentstation/depot/pkg/logging"
)

const waitFor = 5 * time.Second

var successLines = []string{
	"Connecting anonymously to Steam Public...OK",
	" Update state (0x61) downloading, progress: 50.00 (50 / 100)",
	"Success! App '440' fully installed.",
}

type fakeVerifier struct {
	mu       sync.Mutex
	fail     error
	verified int
	recorded []library.Entry
}

func (f *fakeVerifier) Verify(_ context.Context, job jobs.Job) (library.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified++
	if f.fail != nil {
		return library.Entry{}, f.fail
	}
	return library.Entry{TitleID: job.TitleID, Platform: job.Platform, Path: job.Destination, SizeBytes: 1, JobID: job.ID}, nil
}

func (f *fakeVerifier) Record(_ context.Context, entry library.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, entry)
	return nil
}

func (f *fakeVerifier) Verified() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verified
}

type harness struct {
	q        *queue.Queue
	store    *memory.Store
	runner   *processtest.Runner
	verifier *fakeVerifier
}

func newHarness(t *testing.T, runner *processtest.Runner, opts ...queue.Option) *harness {
	t.Helper()
	h := &harness{store: memory.New(), runner: runner, verifier: &fakeVerifier{}}
	driver := steamcmd.NewDriver(runner, steamcmd.Config{
		Path:         "steamcmd",
		StallTimeout: 50 * time.Millisecond,
		GracePeriod:  10 * time.Millisecond,
	}, logging.NewNopLogger())
	base := []queue.Option{
		queue.WithLogger(logging.NewNopLogger()),
		queue.WithWorkers(1),
		queue.WithTickInterval(10 * time.Millisecond),
		queue.WithPollInterval(10 * time.Millisecond),
		queue.WithDefaults(jobs.Defaults{Platform: jobs.PlatformLinux, DownloadRoot: "/srv/steam"}),
	}
	h.q = queue.New(h.store, driver, h.verifier, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = h.q.Stop(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.q.Start(context.Background()))
}

func (h *harness) submit(t *testing.T, title string) string {
	t.Helper()
	id, err := h.q.Submit(context.Background(), jobs.Request{TitleID: title})
	require.NoError(t, err)
	return id
}

func waitState(t *testing.T, q *queue.Queue, id string, state jobs.State) jobs.Job {
	t.Helper()
	var last jobs.Job
	require.Eventually(t, func() bool {
		j, err := q.Status(id)
		last = j
		return err == nil && j.State == state
	}, waitFor, 5*time.Millisecond, "job %s never reached %s", id, state)
	return last
}

// recorder collects published changes per job.
type recorder struct {
	mu      sync.Mutex
	changes []jobs.Job
}

func (r *recorder) record(j jobs.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, j)
}

func (r *recorder) states(id string) []jobs.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []jobs.Job
	for _, j := range r.changes {
		if j.ID == id {
			out = append(out, j)
		}
	}
	return out
}

func TestSuccess(t *testing.T) {
	h := newHarness(t, processtest.NewRunner(processtest.Script{Lines: successLines}))
	h.start(t)
	id := h.submit(t, "440")

	job := waitState(t, h.q, id, jobs.StateSucceeded)
	assert.Equal(t, 100.0, job.Percent)
	assert.Nil(t, job.Error)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "/srv/steam/linux/440", job.Destination)
	assert.Equal(t, 1, h.verifier.Verified())

	stored, ok := h.store.Job(id)
	require.True(t, ok)
	assert.Equal(t, jobs.StateSucceeded, stored.State)
}

func TestSubmitIsIdempotent(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, processtest.NewRunner(processtest.Script{Lines: successLines, Release: release}))
	h.start(t)

	id := h.submit(t, "440")
	waitState(t, h.q, id, jobs.StateRunning)
	again := h.submit(t, "440")
	assert.Equal(t, id, again)

	pendingID := h.submit(t, "570")
	assert.Equal(t, pendingID, h.submit(t, "570"))
	assert.Len(t, h.q.List(), 2)
	assert.Len(t, h.runner.Calls(), 1)

	other, err := h.q.Submit(context.Background(), jobs.Request{TitleID: "440", Platform: "windows"})
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}

func TestSubmitAfterFinishNeedsPurge(t *testing.T) {
	h := newHarness(t, processtest.NewRunner(processtest.Script{Lines: successLines}))
	h.start(t)
	id := h.submit(t, "440")
	waitState(t, h.q, id, jobs.StateSucceeded)

	_, err := h.q.Submit(context.Background(), jobs.Request{TitleID: "440"})
	require.Error(t, err)
	assert.True(t, errors.IsAlreadyExists(err))

	require.NoError(t, h.q.Purge(context.Background(), id))
	_, err = h.q.Status(id)
	assert.True(t, errors.IsNotFound(err))
	_, ok := h.store.Job(id)
	assert.False(t, ok)

	assert.Equal(t, id, h.submit(t, "440"))
	waitState(t, h.q, id, jobs.StateSucceeded)
}

func TestPurgeActiveJobIsRejected(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, processtest.NewRunner(processtest.Script{Release: release}))
	h.start(t)
	id := h.submit(t, "440")
	waitState(t, h.q, id, jobs.StateRunning)

	err := h.q.Purge(context.Background(), id)
	assert.True(t, errors.IsAlreadyExists(err))
	assert.True(t, errors.IsNotFound(h.q.Purge(context.Background(), "nope")))
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t, processtest.NewRunner())
	_, err := h.q.Submit(context.Background(), jobs.Request{TitleID: "team fortress"})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestConcurrencyBound(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, processtest.NewRunner(processtest.Script{Lines: successLines, Release: release}),
		queue.WithWorkers(2))

	titles := []string{"10", "20", "30", "40", "50", "60"}
	ids := make([]string, 0, len(titles))
	for _, title := range titles {
		ids = append(ids, h.submit(t, title))
	}
	h.start(t)

	require.Eventually(t, func() bool { return h.runner.Running() == 2 }, waitFor, 5*time.Millisecond)
	health := h.q.Health()
	assert.Equal(t, 2, health.Running)
	assert.Equal(t, 4, health.Pending)

	close(release)
	for _, id := range ids {
		waitState(t, h.q, id, jobs.StateSucceeded)
	}
	assert.Equal(t, 2, h.runner.MaxRunning())
	assert.Len(t, h.runner.Calls(), len(titles))
}

func TestStartOrderIsFIFO(t *testing.T) {
	h := newHarness(t, processtest.NewRunner(processtest.Script{Lines: successLines}))
	titles := []string{"300", "100", "200"}
	for _, title := range titles {
		h.submit(t, title)
		time.Sleep(time.Millisecond)
	}
	h.start(t)
	require.Eventually(t, func() bool { return len(h.runner.Calls()) == 3 }, waitFor, 5*time.Millisecond)

	for i, call := range h.runner.Calls() {
		assert.Contains(t, call.Stdin, "app_update "+titles[i])
	}
}

func TestRunningJobReloadsAsPending(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, processtest.NewRunner(processtest.Script{Release: release}))

	crashed := jobs.New("440", jobs.PlatformLinux, "/srv/steam/linux/440", true, time.Now().Add(-time.Minute))
	require.NoError(t, crashed.Start(time.Now()))
	crashed.ApplyProgress(42, "downloading", time.Now())
	require.NoError(t, h.store.SaveJob(context.Background(), crashed))

	rec := &recorder{}
	h.q.OnChange(rec.record)
	h.start(t)

	changes := rec.states(crashed.ID)
	require.NotEmpty(t, changes)
	assert.Equal(t, jobs.StatePending, changes[0].State)
	assert.Equal(t, 0, changes[0].RetryCount)
	assert.Equal(t, 1, changes[0].Attempts)

	job := waitState(t, h.q, crashed.ID, jobs.StateRunning)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 0.0, job.Percent)
}

func TestFailedRetryingJobReloadsAsPending(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, processtest.NewRunner(processtest.Script{Release: release}))

	job := jobs.New("440", jobs.PlatformLinux, "/srv/steam/linux/440", true, time.Now())
	require.NoError(t, job.Start(time.Now()))
	require.NoError(t, job.Fail(jobs.Failure{Kind: errors.KindStall, Message: "no output", Disposition: jobs.DispositionRetry}, time.Now()))
	require.NoError(t, h.store.SaveJob(context.Background(), job))

	rec := &recorder{}
	h.q.OnChange(rec.record)
	h.start(t)

	changes := rec.states(job.ID)
	require.NotEmpty(t, changes)
	assert.Equal(t, jobs.StatePending, changes[0].State)
	assert.Equal(t, 1, changes[0].RetryCount)
}

func TestStallIsRetried(t *testing.T) {
	runner := processtest.NewRunner(
		processtest.Script{Lines: []string{" Update state (0x61) downloading, progress: 12.00 (12 / 100)"}, Hang: true},
		processtest.Script{Lines: successLines},
	)
	h := newHarness(t, runner)
	rec := &recorder{}
	h.q.OnChange(rec.record)
	h.start(t)
	id := h.submit(t, "440")

	job := waitState(t, h.q, id, jobs.StateSucceeded)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, 2, job.Attempts)

	var failedAt = -1
	changes := rec.states(id)
	for i, c := range changes {
		if c.State == jobs.StateFailed {
			failedAt = i
			break
		}
	}
	require.GreaterOrEqual(t, failedAt, 0, "no failed transition published")
	failed := changes[failedAt]
	require.NotNil(t, failed.Error)
	assert.Equal(t, errors.KindStall, failed.Error.Kind)
	assert.Equal(t, jobs.DispositionRetry, failed.Error.Disposition)
	assert.Equal(t, 0, failed.RetryCount)

	require.Greater(t, len(changes), failedAt+1)
	retried := changes[failedAt+1]
	assert.Equal(t, jobs.StatePending, retried.State)
	assert.Equal(t, 1, retried.RetryCount)
}

func TestLoginFailedIsNotRetried(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{
		Lines:    []string{"Logging in user 'gabe' to Steam Public...FAILED (Invalid Password)"},
		ExitCode: 5,
	})
	h := newHarness(t, runner)
	h.start(t)
	id := h.submit(t, "440")

	job := waitState(t, h.q, id, jobs.StateFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, errors.KindLoginFailed, job.Error.Kind)
	assert.Equal(t, jobs.DispositionAttention, job.Error.Disposition)
	assert.Equal(t, 0, job.RetryCount)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, runner.Calls(), 1)
	assert.Equal(t, 0, h.verifier.Verified())
}

func TestVerificationFailureIsRetriedOnce(t *testing.T) {
	h := newHarness(t, processtest.NewRunner(processtest.Script{Lines: successLines}))
	h.verifier.fail = errors.NewJobError(errors.KindVerification, "destination holds 0 bytes", nil)
	h.start(t)
	id := h.submit(t, "440")

	require.Eventually(t, func() bool {
		j, err := h.q.Status(id)
		return err == nil && j.IsTerminal()
	}, waitFor, 5*time.Millisecond)

	job, err := h.q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	assert.Equal(t, errors.KindVerification, job.Error.Kind)
	assert.Equal(t, "destination holds 0 bytes", job.Error.Message)
	assert.Equal(t, jobs.DispositionPermanent, job.Error.Disposition)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, 2, job.VerificationFailures)
	assert.Equal(t, 2, h.verifier.Verified())
}

func TestExitWithoutSuccessNeverSucceeds(t *testing.T) {
	h := newHarness(t, processtest.NewRunner(processtest.Script{Lines: successLines[:2]}),
		queue.WithPolicy(jobs.Policy{MaxRetries: 0, MaxVerificationRetries: 0}))
	h.start(t)
	id := h.submit(t, "440")

	job := waitState(t, h.q, id, jobs.StateFailed)
	assert.Equal(t, errors.KindToolReported, job.Error.Kind)
	assert.Equal(t, 0, h.verifier.Verified())
}

func TestCancel(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, processtest.NewRunner(processtest.Script{Release: release}))
	h.start(t)
	ctx := context.Background()

	running := h.submit(t, "440")
	waitState(t, h.q, running, jobs.StateRunning)
	pending := h.submit(t, "570")

	require.NoError(t, h.q.Cancel(ctx, pending))
	job, err := h.q.Status(pending)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCancelled, job.State)

	require.NoError(t, h.q.Cancel(ctx, running))
	waitState(t, h.q, running, jobs.StateCancelled)
	assert.Equal(t, 0, h.runner.Running())

	// Finished jobs ignore cancellation.
	require.NoError(t, h.q.Cancel(ctx, running))
	assert.True(t, errors.IsNotFound(h.q.Cancel(ctx, "nope")))
	assert.Len(t, h.runner.Calls(), 1)
}

func TestStopRequeuesRunningJobs(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, processtest.NewRunner(processtest.Script{Release: release}))
	h.start(t)
	id := h.submit(t, "440")
	waitState(t, h.q, id, jobs.StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, h.q.Stop(ctx))

	job, err := h.q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatePending, job.State)
	assert.Equal(t, 0, job.RetryCount)
	stored, ok := h.store.Job(id)
	require.True(t, ok)
	assert.Equal(t, jobs.StatePending, stored.State)

	assert.False(t, h.q.Health().Alive)
	_, err = h.q.Submit(context.Background(), jobs.Request{TitleID: "570"})
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestDegradedRejectsSubmitsUntilStoreRecovers(t *testing.T) {
	h := newHarness(t, processtest.NewRunner(processtest.Script{Lines: successLines}))
	h.start(t)

	h.store.FailWrites(errors.New("disk full"))
	_, err := h.q.Submit(context.Background(), jobs.Request{TitleID: "440"})
	require.Error(t, err)
	assert.True(t, errors.IsPersistence(err))
	assert.Empty(t, h.q.List())

	health := h.q.Health()
	assert.True(t, health.Degraded)
	assert.Contains(t, health.Reason, "disk full")
	assert.True(t, health.Alive)

	_, err = h.q.Submit(context.Background(), jobs.Request{TitleID: "570"})
	assert.True(t, errors.IsPersistence(err))

	h.store.FailWrites(nil)
	require.Eventually(t, func() bool { return !h.q.Health().Degraded }, waitFor, 5*time.Millisecond)
	id := h.submit(t, "440")
	waitState(t, h.q, id, jobs.StateSucceeded)
}

func TestDegradedHoldsOutcomeUntilFlushed(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, processtest.NewRunner(processtest.Script{Lines: successLines, Release: release}))
	h.start(t)
	id := h.submit(t, "440")
	waitState(t, h.q, id, jobs.StateRunning)

	h.store.FailWrites(errors.New("disk full"))
	close(release)

	require.Eventually(t, func() bool { return h.q.Health().Unflushed == 1 }, waitFor, 5*time.Millisecond)
	job, err := h.q.Status(id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateRunning, job.State, "unpersisted outcome must not be visible")
	stored, _ := h.store.Job(id)
	assert.Equal(t, jobs.StateRunning, stored.State)

	h.store.FailWrites(nil)
	waitState(t, h.q, id, jobs.StateSucceeded)
	stored, _ = h.store.Job(id)
	assert.Equal(t, jobs.StateSucceeded, stored.State)
	assert.False(t, h.q.Health().Degraded)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, processtest.NewRunner(), queue.WithWorkers(3))
	assert.False(t, h.q.Health().Alive, "not alive before start")

	h.start(t)
	health := h.q.Health()
	assert.True(t, health.Alive)
	assert.Equal(t, 3, health.Workers)
	assert.False(t, health.Degraded)
	require.Eventually(t, func() bool {
		return time.Since(h.q.Health().LastTick) < time.Second
	}, waitFor, 5*time.Millisecond)
}

func TestLivenessWindow(t *testing.T) {
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	h := newHarness(t, processtest.NewRunner(),
		queue.WithClock(clock),
		queue.WithTickInterval(time.Hour),
		queue.WithLivenessWindow(time.Minute))
	h.start(t)
	assert.True(t, h.q.Health().Alive)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	assert.False(t, h.q.Health().Alive, "scheduler has not ticked within the window")
}

func TestHistoryBeforeStartDoesNotRecover(t *testing.T) {
	h := newHarness(t, processtest.NewRunner())

	crashed := jobs.New("440", jobs.PlatformLinux, "/srv/steam/linux/440", true, time.Now().Add(-time.Minute))
	require.NoError(t, crashed.Start(time.Now()))
	require.NoError(t, h.store.SaveJob(context.Background(), crashed))
	queued := h.submit(t, "570")

	history, err := h.q.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, crashed.ID, history[0].ID)
	assert.Equal(t, jobs.StateRunning, history[0].State)
	assert.Equal(t, queued, history[1].ID)

	stored, ok := h.store.Job(crashed.ID)
	require.True(t, ok)
	assert.Equal(t, jobs.StateRunning, stored.State)
}
