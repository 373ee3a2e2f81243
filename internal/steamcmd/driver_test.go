package steamcmd_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/depot/internal/process"
	"github.com/agentstation/depot/internal/process/processtest"
	"github.com/agentstation/depot/internal/steamcmd"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/logging"
)

func testJob() jobs.Job {
	return jobs.New("440", jobs.PlatformLinux, "/tmp/depot/linux/440", false, time.Now())
}

func newDriver(r process.Runner, stall time.Duration) *steamcmd.Driver {
	return steamcmd.NewDriver(r, steamcmd.Config{
		Path:         "/opt/steamcmd/steamcmd.sh",
		StallTimeout: stall,
		GracePeriod:  10 * time.Millisecond,
	}, logging.NewNopLogger())
}

type recorder struct {
	mu     sync.Mutex
	pid    int
	events []steamcmd.Event
}

func (r *recorder) callbacks() steamcmd.Callbacks {
	return steamcmd.Callbacks{
		Started: func(pid int) { r.mu.Lock(); r.pid = pid; r.mu.Unlock() },
		Event:   func(ev steamcmd.Event) { r.mu.Lock(); r.events = append(r.events, ev); r.mu.Unlock() },
	}
}

func TestDriverSuccess(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{Lines: []string{
		"Redirecting stderr to '/root/Steam/logs/stderr.txt'",
		"Connecting anonymously to Steam Public...OK",
		" Update state (0x61) downloading, progress: 10.00 (10 / 100)",
		" Update state (0x61) downloading, progress: 80.00 (80 / 100)",
		"Success! App '440' fully installed.",
	}})
	rec := &recorder{}
	out := newDriver(runner, time.Second).Run(context.Background(), testJob(), rec.callbacks())

	require.Nil(t, out.Err)
	assert.True(t, out.Succeeded())
	assert.Equal(t, 10000, rec.pid)
	require.Len(t, rec.events, 4)
	assert.Equal(t, steamcmd.EventProgress, rec.events[2].Kind)
	assert.Equal(t, 80.0, rec.events[2].Percent)

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/opt/steamcmd", calls[0].Dir)
	assert.Contains(t, calls[0].Stdin, "@sSteamCmdForcePlatformType linux")
	assert.Contains(t, calls[0].Env, "STEAM_NOINTERACTIVE=1")
}

func TestDriverExitZeroWithoutSuccessLine(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{Lines: []string{
		" Update state (0x61) downloading, progress: 100.00 (100 / 100)",
	}})
	out := newDriver(runner, time.Second).Run(context.Background(), testJob(), steamcmd.Callbacks{})

	require.NotNil(t, out.Err)
	assert.False(t, out.Succeeded())
	assert.Equal(t, errors.KindToolReported, out.Err.Kind)
}

func TestDriverToolError(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{
		Lines:    []string{"ERROR! Failed to install app '440' (No subscription)"},
		ExitCode: 8,
	})
	out := newDriver(runner, time.Second).Run(context.Background(), testJob(), steamcmd.Callbacks{})

	require.NotNil(t, out.Err)
	assert.Equal(t, errors.KindToolReported, out.Err.Kind)
	assert.Equal(t, "Failed to install app '440' (No subscription)", out.Err.Message)
	assert.Equal(t, 8, out.Result.ExitCode)
}

func TestDriverNonZeroExit(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{ExitCode: 5})
	out := newDriver(runner, time.Second).Run(context.Background(), testJob(), steamcmd.Callbacks{})

	require.NotNil(t, out.Err)
	assert.Equal(t, "steamcmd exited with code 5", out.Err.Message)
}

func TestDriverLoginFailedStopsEarly(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	runner := processtest.NewRunner(processtest.Script{
		Lines:   []string{"Logging in user 'gabe' to Steam Public...", "FAILED (Invalid Password)"},
		Release: release,
	})
	out := newDriver(runner, time.Second).Run(context.Background(), testJob(), steamcmd.Callbacks{})

	require.NotNil(t, out.Err)
	assert.Equal(t, errors.KindLoginFailed, out.Err.Kind)
	assert.Equal(t, "Invalid Password", out.Err.Message)
	assert.True(t, out.Result.Killed)
	assert.True(t, errors.Is(out.Err, errors.ErrLoginFailed))
}

func TestDriverSteamGuardIsLoginFailure(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	runner := processtest.NewRunner(processtest.Script{
		Lines:   []string{"Steam Guard code:"},
		Release: release,
	})
	out := newDriver(runner, time.Second).Run(context.Background(), testJob(), steamcmd.Callbacks{})

	require.NotNil(t, out.Err)
	assert.Equal(t, errors.KindLoginFailed, out.Err.Kind)
	assert.Contains(t, out.Err.Message, "interactive login required")
}

func TestDriverStall(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{
		Lines: []string{" Update state (0x61) downloading, progress: 12.00 (12 / 100)"},
		Hang:  true,
	})
	out := newDriver(runner, 30*time.Millisecond).Run(context.Background(), testJob(), steamcmd.Callbacks{})

	require.NotNil(t, out.Err)
	assert.Equal(t, errors.KindStall, out.Err.Kind)
	assert.True(t, out.Result.Killed)
	assert.Equal(t, 0, runner.Running())
}

func TestDriverCancel(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{Hang: true})
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}
	cb := rec.callbacks()
	started := cb.Started
	cb.Started = func(pid int) {
		started(pid)
		cancel()
	}
	out := newDriver(runner, time.Minute).Run(ctx, testJob(), cb)

	assert.True(t, out.Cancelled)
	assert.Nil(t, out.Err)
	assert.False(t, out.Succeeded())
	assert.Equal(t, 0, runner.Running())
}

func TestDriverLaunchError(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{
		OnStart: func(process.Spec) error {
			return errors.NewJobError(errors.KindLaunch, "steamcmd not found", nil)
		},
	})
	out := newDriver(runner, time.Second).Run(context.Background(), testJob(), steamcmd.Callbacks{})

	require.NotNil(t, out.Err)
	assert.Equal(t, errors.KindLaunch, out.Err.Kind)
	assert.Equal(t, testJob().ID, out.Err.JobID)
}

func TestDriverPlainStartErrorIsLaunch(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{
		OnStart: func(process.Spec) error { return errors.New("permission denied") },
	})
	out := newDriver(runner, time.Second).Run(context.Background(), testJob(), steamcmd.Callbacks{})

	require.NotNil(t, out.Err)
	assert.Equal(t, errors.KindLaunch, out.Err.Kind)
}

func TestDriverErrorLineFailsDespiteSuccess(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{Lines: []string{
		" Update state (0x61) downloading, progress: 50.00 (50 / 100)",
		"ERROR! Failed to write chunk to disk",
		"Success! App '440' fully installed.",
	}})
	out := newDriver(runner, time.Second).Run(context.Background(), testJob(), steamcmd.Callbacks{})

	require.NotNil(t, out.Err)
	assert.False(t, out.Succeeded())
	assert.True(t, out.SawSuccess)
	assert.Equal(t, errors.KindToolReported, out.Err.Kind)
	assert.Equal(t, "Failed to write chunk to disk", out.Err.Message)
	assert.Equal(t, 0, out.Result.ExitCode)
}

func TestDriverOutputClosedThenStalls(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{
		Lines:       []string{" Update state (0x61) downloading, progress: 12.00 (12 / 100)"},
		CloseOutput: true,
		Hang:        true,
	})

	done := make(chan steamcmd.Outcome, 1)
	go func() {
		done <- newDriver(runner, 30*time.Millisecond).Run(context.Background(), testJob(), steamcmd.Callbacks{})
	}()

	var out steamcmd.Outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run blocked after output closed")
	}
	require.NotNil(t, out.Err)
	assert.Equal(t, errors.KindStall, out.Err.Kind)
	assert.True(t, out.Result.Killed)
	assert.Equal(t, 0, runner.Running())
}

func TestDriverOutputClosedThenCancelled(t *testing.T) {
	runner := processtest.NewRunner(processtest.Script{
		Lines:       []string{" Update state (0x61) downloading, progress: 12.00 (12 / 100)"},
		CloseOutput: true,
		Hang:        true,
	})
	ctx, cancel := context.WithCancel(context.Background())
	cb := steamcmd.Callbacks{Event: func(steamcmd.Event) { cancel() }}

	done := make(chan steamcmd.Outcome, 1)
	go func() { done <- newDriver(runner, time.Minute).Run(ctx, testJob(), cb) }()

	var out steamcmd.Outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run ignored cancellation after output closed")
	}
	assert.True(t, out.Cancelled)
	assert.Nil(t, out.Err)
	assert.Equal(t, 0, runner.Running())
}

func TestDriverLogsJobFields(t *testing.T) {
	tl := logging.NewTestLogger(t)
	runner := processtest.NewRunner(processtest.Script{ExitCode: 5})
	job := testJob()
	job.Attempts = 2
	steamcmd.NewDriver(runner, steamcmd.Config{Path: "steamcmd"}, tl.Logger).
		Run(context.Background(), job, steamcmd.Callbacks{})

	entry, ok := tl.Find("SteamCMD finished")
	require.True(t, ok, tl.Output())
	assert.Equal(t, job.ID, entry["job_id"])
	assert.Equal(t, "440", entry["title_id"])
	assert.Equal(t, "linux", entry["platform"])
	assert.Equal(t, 2.0, entry["attempt"])
	assert.Equal(t, "ToolReportedError", entry["kind"])
}
