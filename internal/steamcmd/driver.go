package steamcmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/agentstation/depot/internal/observability"
	"github.com/agentstation/depot/internal/process"
	"github.com/agentstation/depot/pkg/constants"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/logging"
)

// Config configures how SteamCMD is launched.
type Config struct {
	// Path to steamcmd.sh (or steamcmd.exe).
	Path         string
	Login        Login
	StallTimeout time.Duration
	GracePeriod  time.Duration
	// Env entries added to the process environment.
	Env []string
}

// Callbacks receive notifications while a job runs. Both are optional and
// are called from the goroutine running the job.
type Callbacks struct {
	Started func(pid int)
	Event   func(Event)
}

// Outcome is the result of one SteamCMD run.
type Outcome struct {
	Result     process.Result
	SawSuccess bool
	// Cancelled is set when ctx ended the run.
	Cancelled bool
	// Err classifies a failed run. Nil when the run succeeded or was cancelled.
	Err *errors.JobError
}

// Succeeded reports whether SteamCMD both exited 0 and printed its success
// line. An exit code alone is not trusted.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && !o.Cancelled && o.SawSuccess && o.Result.ExitCode == 0 && !o.Result.Killed
}

// Driver runs SteamCMD for a job.
type Driver struct {
	runner process.Runner
	cfg    Config
	logger *zerolog.Logger
}

// NewDriver creates a driver.
func NewDriver(runner process.Runner, cfg Config, logger *zerolog.Logger) *Driver {
	if cfg.Path == "" {
		cfg.Path = constants.DefaultSteamCMDPath
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = constants.DefaultStallTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = constants.DefaultGracePeriod
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Driver{runner: runner, cfg: cfg, logger: logger}
}

// Spec returns the process spec used to run job.
func (d *Driver) Spec(job jobs.Job) process.Spec {
	spec := process.Spec{
		Command:      d.cfg.Path,
		Stdin:        Script(job, d.cfg.Login),
		Env:          append([]string{"STEAM_NOINTERACTIVE=1"}, d.cfg.Env...),
		StallTimeout: d.cfg.StallTimeout,
		GracePeriod:  d.cfg.GracePeriod,
	}
	if filepath.IsAbs(d.cfg.Path) {
		spec.Dir = filepath.Dir(d.cfg.Path)
	}
	return spec
}

// Run installs job with SteamCMD and blocks until the process is reaped.
// Cancelling ctx terminates the process gracefully and yields an outcome
// with Cancelled set.
func (d *Driver) Run(ctx context.Context, job jobs.Job, cb Callbacks) (out Outcome) {
	ctx, span := observability.StartSpan(ctx, "steamcmd.app_update",
		attribute.String("depot.job_id", job.ID),
		attribute.String("depot.title_id", job.TitleID),
		attribute.String("depot.platform", string(job.Platform)),
		attribute.Int("depot.attempt", job.Attempts),
	)
	defer func() {
		var err error
		if out.Err != nil {
			err = out.Err
		}
		span.SetAttributes(attribute.Int("depot.exit_code", out.Result.ExitCode))
		observability.EndSpan(span, err)
	}()

	if !logging.HasLogger(ctx) {
		ctx = logging.WithLogger(ctx, d.logger)
		ctx = logging.WithJob(ctx, job.ID)
		ctx = logging.WithTitle(ctx, job.TitleID, string(job.Platform))
		ctx = logging.WithAttempt(ctx, job.Attempts)
	}
	log := logging.FromContext(ctx)

	spec := d.Spec(job)
	log.Debug().Strs("script", Redact(spec.Stdin, d.cfg.Login)).Msg("Launching SteamCMD")

	p, err := d.runner.Start(ctx, spec)
	if err != nil {
		out.Err = asJobError(job.ID, err)
		log.Error().Err(err).Msg("SteamCMD failed to launch")
		return out
	}
	defer func() { _ = p.Close() }()

	if cb.Started != nil {
		cb.Started(p.PID())
	}

	var (
		dec      Decoder
		toolErr  string
		loginErr *errors.JobError
	)
	// handle returns true when the run must stop early.
	handle := func(events []Event) bool {
		for _, ev := range events {
			if ev.Clamped {
				log.Warn().Float64("raw", ev.Raw).Float64("percent", ev.Percent).Msg("Progress out of range, clamped")
			}
			if cb.Event != nil {
				cb.Event(ev)
			}
			switch ev.Kind {
			case EventSuccess:
				out.SawSuccess = true
			case EventError:
				toolErr = ev.Message
				log.Warn().Str("message", ev.Message).Msg("SteamCMD reported an error")
			case EventLoginFailed:
				loginErr = &errors.JobError{Kind: errors.KindLoginFailed, JobID: job.ID, Message: ev.Message}
				return true
			case EventLoginRequired:
				loginErr = &errors.JobError{Kind: errors.KindLoginFailed, JobID: job.ID,
					Message: "interactive login required: " + ev.Message}
				return true
			}
		}
		return false
	}

	stalled := false
	outputEnded := false
	lines := p.Lines()
loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				if handle(dec.Flush()) {
					_ = p.Terminate(context.Background())
				} else {
					outputEnded = true
				}
				break loop
			}
			if handle(dec.Feed(line)) {
				_ = p.Terminate(context.Background())
				break loop
			}
		case <-p.Stalled():
			stalled = true
			log.Warn().Dur("stall_timeout", d.cfg.StallTimeout).Msg("SteamCMD stalled, terminating")
			_ = p.Terminate(context.Background())
			break loop
		case <-ctx.Done():
			out.Cancelled = true
			log.Info().Msg("Terminating SteamCMD")
			_ = p.Terminate(context.Background())
			break loop
		}
	}

	// SteamCMD may close its output and keep running; the stall timer and
	// ctx still apply until it exits.
	if outputEnded {
		select {
		case <-p.Done():
		case <-p.Stalled():
			stalled = true
			log.Warn().Dur("stall_timeout", d.cfg.StallTimeout).Msg("SteamCMD closed its output but did not exit, terminating")
			_ = p.Terminate(context.Background())
		case <-ctx.Done():
			out.Cancelled = true
			log.Info().Msg("Terminating SteamCMD")
			_ = p.Terminate(context.Background())
		}
	}

	out.Result = p.Wait()
	res := out.Result

	switch {
	case loginErr != nil:
		out.Err = loginErr
		out.Cancelled = false
	case out.Cancelled:
	case stalled || res.TimedOut:
		out.Err = &errors.JobError{Kind: errors.KindStall, JobID: job.ID,
			Message: fmt.Sprintf("no output for %s", d.cfg.StallTimeout)}
	case res.Err != nil:
		out.Err = &errors.JobError{Kind: errors.KindToolReported, JobID: job.ID, Message: res.Err.Error(), Err: res.Err}
	case toolErr != "":
		// An error line fails the attempt even when a success line and
		// exit code 0 follow.
		out.Err = &errors.JobError{Kind: errors.KindToolReported, JobID: job.ID, Message: toolErr}
	case res.ExitCode == 0 && out.SawSuccess:
		// success
	case res.ExitCode != 0:
		out.Err = &errors.JobError{Kind: errors.KindToolReported, JobID: job.ID,
			Message: fmt.Sprintf("steamcmd exited with code %d", res.ExitCode)}
	default:
		out.Err = &errors.JobError{Kind: errors.KindToolReported, JobID: job.ID,
			Message: "steamcmd exited without reporting success"}
	}

	ev := log.Info()
	if out.Err != nil {
		ev = log.Warn().Str("kind", string(out.Err.Kind)).Str("message", out.Err.Message)
	}
	ev.Int("exit_code", res.ExitCode).
		Bool("cancelled", out.Cancelled).
		Dur("duration", res.Duration).
		Msg("SteamCMD finished")
	return out
}

func asJobError(jobID string, err error) *errors.JobError {
	var je *errors.JobError
	if errors.As(err, &je) {
		cp := *je
		cp.JobID = jobID
		return &cp
	}
	return &errors.JobError{Kind: errors.KindLaunch, JobID: jobID, Message: err.Error(), Err: err}
}
