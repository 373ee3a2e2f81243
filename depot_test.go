package depot_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/depot"
	"github.com/agentstation/depot/internal/process"
	"github.com/agentstation/depot/internal/process/processtest"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
	"github.com/agentstation/depot/pkg/logging"
)

const waitFor = 5 * time.Second

var successLines = []string{
	"Connecting anonymously to Steam Public...OK",
	" Update state (0x61) downloading, progress: 12.50 (125 / 1000)",
	" Update state (0x61) downloading, progress: 80.00 (800 / 1000)",
	" Update state (0x5) verifying install, progress: 40.00 (400 / 1000)",
	"Success! App '440' fully installed.",
}

// installs writes a game file into dest when the fake SteamCMD starts.
func installs(dest string) func(process.Spec) error {
	return func(process.Spec) error {
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dest, "tf2_misc_dir.vpk"), []byte("vpk"), 0o644)
	}
}

// recorder collects every job update delivered through hooks.
type recorder struct {
	mu      sync.Mutex
	updates []jobs.Job
	library [][]library.Entry
}

func (r *recorder) job(j jobs.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, j)
}

func (r *recorder) lib(entries []library.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.library = append(r.library, entries)
}

func (r *recorder) Updates() []jobs.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jobs.Job(nil), r.updates...)
}

func (r *recorder) Library() [][]library.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]library.Entry(nil), r.library...)
}

func newClient(t *testing.T, root, state string, runner process.Runner, opts ...depot.Option) (depot.Client, *recorder) {
	t.Helper()
	base := []depot.Option{
		depot.WithDownloadRoot(root),
		depot.WithStateDir(state),
		depot.WithRunner(runner),
		depot.WithSteamCMD("steamcmd"),
		depot.WithDefaultPlatform("linux"),
		depot.WithStallTimeout(50 * time.Millisecond),
		depot.WithGracePeriod(10 * time.Millisecond),
		depot.WithTickInterval(10 * time.Millisecond),
		depot.WithPollInterval(10 * time.Millisecond),
		depot.WithConcurrency(1),
		depot.WithLogger(logging.NewNopLogger()),
	}
	c, err := depot.New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	rec := &recorder{}
	c.OnJobUpdated(rec.job)
	c.OnLibraryUpdated(rec.lib)
	return c, rec
}

func waitState(t *testing.T, c depot.Client, id string, state jobs.State) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = c.Status(id)
		return err == nil && job.State == state
	}, waitFor, 5*time.Millisecond, "job never reached %s", state)
	return job
}

func TestInstallSucceeds(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "linux", "440")
	runner := processtest.NewRunner(processtest.Script{Lines: successLines, OnStart: installs(dest)})
	c, rec := newClient(t, root, t.TempDir(), runner)
	require.NoError(t, c.Start(context.Background()))

	id, err := c.Submit(context.Background(), jobs.Request{TitleID: "440", Platform: jobs.PlatformLinux})
	require.NoError(t, err)

	job := waitState(t, c, id, jobs.StateSucceeded)
	assert.Equal(t, 100.0, job.Percent)
	assert.Equal(t, dest, job.Destination)
	assert.Equal(t, 0, job.RetryCount)
	assert.Nil(t, job.Error)

	// Percent never went down while the job ran, even when verifying restarted the phase.
	last := 0.0
	for _, u := range rec.Updates() {
		if u.ID != id || u.State != jobs.StateRunning {
			continue
		}
		assert.GreaterOrEqual(t, u.Percent, last)
		last = u.Percent
	}
	assert.Equal(t, 80.0, last)

	entries, err := c.Library(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "440", entries[0].TitleID)
	assert.Equal(t, jobs.PlatformLinux, entries[0].Platform)
	assert.Equal(t, id, entries[0].JobID)
	assert.Positive(t, entries[0].SizeBytes)

	require.Eventually(t, func() bool {
		got := rec.Library()
		return len(got) > 0 && len(got[len(got)-1]) == 1
	}, waitFor, 5*time.Millisecond)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].Stdin, "@sSteamCmdForcePlatformType linux")
	assert.Contains(t, calls[0].Stdin, "app_update 440 validate")
}

func TestLoginFailedIsNotRetried(t *testing.T) {
	root := t.TempDir()
	runner := processtest.NewRunner(processtest.Script{
		Lines: []string{
			"Logging in user 'gabe' to Steam Public...FAILED (Invalid Password)",
		},
		ExitCode: 5,
	})
	c, _ := newClient(t, root, t.TempDir(), runner, depot.WithLogin("gabe", "hunter2"))
	require.NoError(t, c.Start(context.Background()))

	id, err := c.Submit(context.Background(), jobs.Request{TitleID: "440"})
	require.NoError(t, err)

	job := waitState(t, c, id, jobs.StateFailed)
	require.NotNil(t, job.Error)
	assert.Equal(t, errors.KindLoginFailed, job.Error.Kind)
	assert.Equal(t, jobs.DispositionAttention, job.Error.Disposition)
	assert.Equal(t, 0, job.RetryCount)
	assert.True(t, job.IsTerminal())

	// Give the scheduler a few ticks to prove nothing retries it.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, runner.Calls(), 1)
	job, err = c.Status(id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
}

func TestStallFailsThenRetries(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "linux", "440")
	runner := processtest.NewRunner(
		processtest.Script{Lines: []string{" Update state (0x61) downloading, progress: 10.00 (10 / 100)"}, Hang: true},
		processtest.Script{Lines: successLines, OnStart: installs(dest)},
	)
	c, rec := newClient(t, root, t.TempDir(), runner)
	require.NoError(t, c.Start(context.Background()))

	id, err := c.Submit(context.Background(), jobs.Request{TitleID: "440"})
	require.NoError(t, err)
	job := waitState(t, c, id, jobs.StateSucceeded)
	assert.Equal(t, 1, job.RetryCount)

	failedAt, pendingAt := -1, -1
	for i, u := range rec.Updates() {
		if u.State == jobs.StateFailed && failedAt < 0 {
			failedAt = i
			require.NotNil(t, u.Error)
			assert.Equal(t, errors.KindStall, u.Error.Kind)
			assert.Equal(t, jobs.DispositionRetry, u.Error.Disposition)
			assert.Equal(t, 0, u.RetryCount)
		}
		if failedAt >= 0 && pendingAt < 0 && u.State == jobs.StatePending {
			pendingAt = i
			assert.Equal(t, 1, u.RetryCount)
		}
	}
	assert.GreaterOrEqual(t, failedAt, 0, "never failed")
	assert.Greater(t, pendingAt, failedAt, "never requeued")
	assert.Len(t, runner.Calls(), 2)
}

func TestNeverSucceedsWithoutVerification(t *testing.T) {
	root := t.TempDir()
	// SteamCMD claims success but writes nothing.
	runner := processtest.NewRunner(processtest.Script{Lines: successLines})
	c, rec := newClient(t, root, t.TempDir(), runner)
	require.NoError(t, c.Start(context.Background()))

	id, err := c.Submit(context.Background(), jobs.Request{TitleID: "440"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := c.Status(id)
		return err == nil && job.IsTerminal()
	}, waitFor, 5*time.Millisecond)

	job, err := c.Status(id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateFailed, job.State)
	require.NotNil(t, job.Error)
	assert.Equal(t, errors.KindVerification, job.Error.Kind)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, 2, job.VerificationFailures)
	assert.Len(t, runner.Calls(), 2)

	for _, u := range rec.Updates() {
		assert.NotEqual(t, jobs.StateSucceeded, u.State)
	}
	entries, err := c.Library(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSubmitIsIdempotent(t *testing.T) {
	root := t.TempDir()
	release := make(chan struct{})
	dest := filepath.Join(root, "linux", "440")
	runner := processtest.NewRunner(processtest.Script{Lines: successLines, OnStart: installs(dest), Release: release})
	c, _ := newClient(t, root, t.TempDir(), runner)

	first, err := c.Submit(context.Background(), jobs.Request{TitleID: "440"})
	require.NoError(t, err)
	second, err := c.Submit(context.Background(), jobs.Request{TitleID: " 440 ", Platform: jobs.PlatformLinux})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, c.Start(context.Background()))
	waitState(t, c, first, jobs.StateRunning)
	third, err := c.Submit(context.Background(), jobs.Request{TitleID: "440", Destination: dest})
	require.NoError(t, err)
	assert.Equal(t, first, third)
	assert.Len(t, c.Jobs(), 1)

	close(release)
	waitState(t, c, first, jobs.StateSucceeded)
	_, err = c.Submit(context.Background(), jobs.Request{TitleID: "440"})
	assert.ErrorIs(t, err, errors.ErrAlreadyExists)

	require.NoError(t, c.Purge(context.Background(), first))
	again, err := c.Submit(context.Background(), jobs.Request{TitleID: "440"})
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestSubmitValidation(t *testing.T) {
	root := t.TempDir()
	c, _ := newClient(t, root, t.TempDir(), processtest.NewRunner())

	blocker := filepath.Join(root, "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	tests := []struct {
		name string
		req  jobs.Request
	}{
		{"empty title", jobs.Request{}},
		{"non numeric title", jobs.Request{TitleID: "tf2"}},
		{"unknown platform", jobs.Request{TitleID: "440", Platform: "amiga"}},
		{"relative destination", jobs.Request{TitleID: "440", Destination: "games/tf2"}},
		{"destination under a file", jobs.Request{TitleID: "440", Destination: filepath.Join(blocker, "tf2")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Submit(context.Background(), tt.req)
			assert.True(t, errors.IsValidationError(err), "got %v", err)
		})
	}
	assert.Empty(t, c.Jobs())
}

func TestJobsSurviveRestart(t *testing.T) {
	root, state := t.TempDir(), t.TempDir()
	dest := filepath.Join(root, "linux", "440")

	first, _ := newClient(t, root, state, processtest.NewRunner(processtest.Script{Hang: true}),
		depot.WithStallTimeout(time.Hour))
	require.NoError(t, first.Start(context.Background()))
	id, err := first.Submit(context.Background(), jobs.Request{TitleID: "440"})
	require.NoError(t, err)
	waitState(t, first, id, jobs.StateRunning)
	require.NoError(t, first.Close(context.Background()))

	runner := processtest.NewRunner(processtest.Script{Lines: successLines, OnStart: installs(dest)})
	second, _ := newClient(t, root, state, runner)
	job, err := second.Status(id)
	require.Error(t, err, "jobs load on Start")
	assert.Empty(t, job.ID)

	require.NoError(t, second.Start(context.Background()))
	job = waitState(t, second, id, jobs.StateSucceeded)
	assert.Equal(t, 0, job.RetryCount)
}

func TestStartDropsVanishedLibraryEntries(t *testing.T) {
	root, state := t.TempDir(), t.TempDir()
	dest := filepath.Join(root, "linux", "440")

	first, _ := newClient(t, root, state,
		processtest.NewRunner(processtest.Script{Lines: successLines, OnStart: installs(dest)}))
	require.NoError(t, first.Start(context.Background()))
	id, err := first.Submit(context.Background(), jobs.Request{TitleID: "440"})
	require.NoError(t, err)
	waitState(t, first, id, jobs.StateSucceeded)
	require.NoError(t, first.Close(context.Background()))

	require.NoError(t, os.RemoveAll(dest))
	stray := filepath.Join(root, "windows", "730")
	require.NoError(t, os.MkdirAll(stray, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stray, "csgo.exe"), []byte("exe"), 0o644))

	second, rec := newClient(t, root, state, processtest.NewRunner())
	require.NoError(t, second.Start(context.Background()))

	entries, err := second.Library(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)

	got := rec.Library()
	require.Len(t, got, 1)
	assert.Empty(t, got[0])
}

func TestStartKeepsVerifiedLibraryEntries(t *testing.T) {
	root, state := t.TempDir(), t.TempDir()
	dest := filepath.Join(root, "linux", "440")

	first, _ := newClient(t, root, state,
		processtest.NewRunner(processtest.Script{Lines: successLines, OnStart: installs(dest)}))
	require.NoError(t, first.Start(context.Background()))
	id, err := first.Submit(context.Background(), jobs.Request{TitleID: "440"})
	require.NoError(t, err)
	waitState(t, first, id, jobs.StateSucceeded)
	require.NoError(t, first.Close(context.Background()))

	require.NoError(t, os.WriteFile(filepath.Join(dest, "patch.vpk"), make([]byte, 100), 0o644))

	second, _ := newClient(t, root, state, processtest.NewRunner())
	require.NoError(t, second.Start(context.Background()))

	entries, err := second.Library(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(103), entries[0].SizeBytes)
}

func TestCancelPending(t *testing.T) {
	c, _ := newClient(t, t.TempDir(), t.TempDir(), processtest.NewRunner())
	id, err := c.Submit(context.Background(), jobs.Request{TitleID: "570"})
	require.NoError(t, err)

	require.NoError(t, c.Cancel(context.Background(), id))
	job, err := c.Status(id)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCancelled, job.State)

	assert.True(t, errors.IsNotFound(c.Cancel(context.Background(), "missing")))
}

func TestReconcileAndForget(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "linux", "440")
	runner := processtest.NewRunner(processtest.Script{Lines: successLines, OnStart: installs(dest)})
	c, rec := newClient(t, root, t.TempDir(), runner)
	require.NoError(t, c.Start(context.Background()))

	id, err := c.Submit(context.Background(), jobs.Request{TitleID: "440"})
	require.NoError(t, err)
	waitState(t, c, id, jobs.StateSucceeded)

	loose := filepath.Join(root, "windows", "730")
	require.NoError(t, os.MkdirAll(loose, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(loose, "csgo.exe"), []byte("exe"), 0o644))

	idx, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, idx.Entries, 1)
	require.Len(t, idx.Untracked, 1)
	assert.Equal(t, loose, idx.Untracked[0].Path)

	entry, err := c.MarkPlayed(context.Background(), "440", jobs.PlatformLinux)
	require.NoError(t, err)
	assert.NotNil(t, entry.LastPlayed)

	require.NoError(t, c.Forget(context.Background(), "440", jobs.PlatformLinux))
	entries, err := c.Library(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)

	got := rec.Library()
	require.NotEmpty(t, got)
	assert.Empty(t, got[len(got)-1])
}

func TestHealth(t *testing.T) {
	c, _ := newClient(t, t.TempDir(), t.TempDir(), processtest.NewRunner(), depot.WithConcurrency(3))
	assert.False(t, c.Health().Alive)

	require.NoError(t, c.Start(context.Background()))
	require.Eventually(t, func() bool { return c.Health().Alive }, waitFor, 5*time.Millisecond)
	h := c.Health()
	assert.Equal(t, 3, h.Workers)
	assert.False(t, h.Degraded)

	require.NoError(t, c.Close(context.Background()))
	assert.False(t, c.Health().Alive)
	require.NoError(t, c.Close(context.Background()))
}

func TestNewRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  depot.Option
	}{
		{"concurrency zero", depot.WithConcurrency(0)},
		{"concurrency too high", depot.WithConcurrency(17)},
		{"unknown platform", depot.WithDefaultPlatform("dos")},
		{"unknown store", depot.WithStoreBackend("postgres")},
		{"negative stall timeout", depot.WithStallTimeout(-time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := depot.New(depot.WithStoreBackend("memory"), tt.opt)
			assert.True(t, errors.IsValidationError(err), "got %v", err)
		})
	}
}
