// Package depot provides the main entry point for the depot SteamCMD download
// orchestrator. It accepts download requests for Steam titles, runs SteamCMD
// under a concurrency budget, tracks progress and outcome from its output,
// keeps queue state across restarts and reconciles the on-disk library with
// what was downloaded.
//
// Example usage:
//
//	d, err := depot.New(
//	    depot.WithDownloadRoot("/srv/steam"),
//	    depot.WithStateDir("/var/lib/depot"),
//	    depot.WithConcurrency(2),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close(context.Background())
//
//	d.OnJobUpdated(func(job jobs.Job) {
//	    log.Printf("%s %s %.1f%%", job.TitleID, job.State, job.Percent)
//	})
//
//	if err := d.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	id, err := d.Submit(ctx, jobs.Request{TitleID: "440", Platform: jobs.PlatformLinux})
package depot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentstation/depot/internal/observability"
	"github.com/agentstation/depot/internal/process"
	"github.com/agentstation/depot/internal/queue"
	"github.com/agentstation/depot/internal/reconcile"
	"github.com/agentstation/depot/internal/steamcmd"
	"github.com/agentstation/depot/internal/store"
	"github.com/agentstation/depot/pkg/constants"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
	"github.com/agentstation/depot/pkg/logging"
)

// Compile-time interface check to ensure proper implementation.
var _ Client = (*client)(nil)

// Health is a snapshot of scheduler liveness and queue load.
type Health = queue.Health

// Downloads submits and tracks download jobs.
type Downloads interface {
	// Submit validates req and enqueues it. Submitting a title that is
	// already pending or running for the same destination returns the
	// existing job ID.
	Submit(ctx context.Context, req jobs.Request) (string, error)
	// Cancel stops a pending or running job. It does not wait for
	// SteamCMD to exit.
	Cancel(ctx context.Context, id string) error
	Status(id string) (jobs.Job, error)
	// Jobs returns every job in submission order.
	Jobs() []jobs.Job
	// History returns every job in submission order. Before Start it reads
	// persisted jobs without resuming them.
	History(ctx context.Context) ([]jobs.Job, error)
	// Purge removes a finished job so its title can be submitted again.
	Purge(ctx context.Context, id string) error
}

// LibraryManager reads and reconciles the installed titles.
type LibraryManager interface {
	Library(ctx context.Context) ([]library.Entry, error)
	// Reconcile rebuilds the library from the filesystem and job history.
	Reconcile(ctx context.Context) (*library.Index, error)
	Forget(ctx context.Context, titleID string, platform jobs.Platform) error
	MarkPlayed(ctx context.Context, titleID string, platform jobs.Platform) (library.Entry, error)
}

// Lifecycle starts and stops background work.
type Lifecycle interface {
	// Start rebuilds the library from disk, loads persisted jobs and starts
	// the workers.
	Start(ctx context.Context) error
	// Close stops the workers, returning running jobs to pending, and
	// releases the state store.
	Close(ctx context.Context) error
	Health() Health
}

// Hooks registers event callbacks.
type Hooks interface {
	OnJobUpdated(fn JobUpdatedHook)
	OnLibraryUpdated(fn LibraryUpdatedHook)
}

// Client orchestrates SteamCMD downloads.
type Client interface {

	// Downloads submits and tracks jobs
	Downloads

	// LibraryManager reads and reconciles installed titles
	LibraryManager

	// Lifecycle controls the worker pool
	Lifecycle

	// Hooks provides access to event callback registration
	Hooks
}

// client is the internal implementation of the Client interface.
type client struct {
	cfg      *config
	defaults jobs.Defaults

	store   store.Store
	queue   *queue.Queue
	library *reconcile.Reconciler
	*hooks

	stopTracing func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// New creates a Client. It opens the state store but does not start any
// work until Start is called.
func New(opts ...Option) (Client, error) {
	cfg, err := defaults().apply(opts...)
	if err != nil {
		return nil, err
	}
	if cfg.logger == nil {
		cfg.logger = logging.Default()
	}
	if cfg.downloadRoot, err = expandHome(cfg.downloadRoot); err != nil {
		return nil, errors.NewConfigError("download_root", "cannot expand home directory", err)
	}
	if cfg.stateDir, err = expandHome(cfg.stateDir); err != nil {
		return nil, errors.NewConfigError("state_dir", "cannot expand home directory", err)
	}
	if !filepath.IsAbs(cfg.downloadRoot) {
		abs, err := filepath.Abs(cfg.downloadRoot)
		if err != nil {
			return nil, errors.NewConfigError("download_root", "cannot resolve path", err)
		}
		cfg.downloadRoot = abs
	}

	c := &client{
		cfg: cfg,
		defaults: jobs.Defaults{
			Platform:     cfg.defaultPlatform,
			DownloadRoot: cfg.downloadRoot,
			Validate:     cfg.validate,
		},
		hooks: newHooks(),
	}

	c.stopTracing, err = observability.InitTracing(observability.Config{
		Exporter:    cfg.tracing,
		ServiceName: "depot",
	})
	if err != nil {
		return nil, err
	}

	c.store = cfg.store
	if c.store == nil {
		c.store, err = store.Open(store.Config{
			Backend: cfg.storeBackend,
			Dir:     cfg.stateDir,
			Logger:  cfg.logger,
		})
		if err != nil {
			return nil, err
		}
	}

	runner := cfg.runner
	if runner == nil {
		runner = process.NewExecRunner(cfg.logger)
	}
	driver := steamcmd.NewDriver(runner, steamcmd.Config{
		Path:         cfg.steamCMDPath,
		Login:        steamcmd.Login{Username: cfg.username, Password: cfg.password},
		StallTimeout: cfg.stallTimeout,
		GracePeriod:  cfg.gracePeriod,
	}, cfg.logger)

	c.library = reconcile.New(c.store, cfg.downloadRoot,
		reconcile.WithMinBytes(cfg.minInstallBytes),
		reconcile.WithLogger(cfg.logger),
		reconcile.WithClock(cfg.now),
	)

	c.queue = queue.New(c.store, driver, c.library,
		queue.WithWorkers(cfg.concurrency),
		queue.WithPolicy(cfg.policy),
		queue.WithDefaults(c.defaults),
		queue.WithTickInterval(cfg.tickInterval),
		queue.WithPollInterval(cfg.pollInterval),
		queue.WithLivenessWindow(cfg.livenessWindow),
		queue.WithLogger(cfg.logger),
		queue.WithClock(cfg.now),
	)
	c.queue.OnChange(c.jobChanged)

	cfg.logger.Debug().
		Str("download_root", cfg.downloadRoot).
		Str("state_dir", cfg.stateDir).
		Str("store", cfg.storeBackend).
		Int("concurrency", cfg.concurrency).
		Msg("Depot client created")
	return c, nil
}

// jobChanged forwards queue changes to hooks. A successful install also
// changes the library.
func (c *client) jobChanged(job jobs.Job) {
	c.triggerJobUpdated(job)
	if job.State != jobs.StateSucceeded || !c.hasLibraryHooks() {
		return
	}
	entries, err := c.library.List(context.Background())
	if err != nil {
		c.cfg.logger.Warn().Err(err).Msg("Could not list library for hooks")
		return
	}
	c.triggerLibraryUpdated(entries)
}

// Start rebuilds the library from disk, then loads persisted jobs and
// starts the workers. The rebuild runs first so no download is writing to
// the library while it is checked. A failed rebuild is logged, not fatal.
func (c *client) Start(ctx context.Context) error {
	if idx, err := c.Reconcile(ctx); err != nil {
		c.cfg.logger.Warn().Err(err).Msg("Library rebuild at startup failed")
	} else {
		c.cfg.logger.Info().
			Int("entries", len(idx.Entries)).
			Int("dropped", len(idx.Dropped)).
			Int("untracked", len(idx.Untracked)).
			Msg("Library rebuilt at startup")
	}
	return c.queue.Start(ctx)
}

// Close stops the queue and releases the store. It is safe to call more than once.
func (c *client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.queue.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := c.store.Close(); err != nil {
			errs = append(errs, err)
		}
		if c.stopTracing != nil {
			if err := c.stopTracing(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// Health reports scheduler liveness and queue load.
func (c *client) Health() Health {
	return c.queue.Health()
}

// Submit validates req, makes sure its destination is writable and enqueues it.
func (c *client) Submit(ctx context.Context, req jobs.Request) (string, error) {
	job, err := req.Resolve(c.defaults, c.cfg.now())
	if err != nil {
		return "", err
	}
	if existing, err := c.queue.Status(job.ID); err == nil && existing.IsActive() {
		return existing.ID, nil
	}
	if err := ensureWritable(job.Destination); err != nil {
		return "", err
	}
	return c.queue.Submit(ctx, req)
}

// Cancel stops a pending or running job.
func (c *client) Cancel(ctx context.Context, id string) error {
	return c.queue.Cancel(ctx, id)
}

// Status returns a job.
func (c *client) Status(id string) (jobs.Job, error) {
	return c.queue.Status(id)
}

// Jobs returns every job in submission order.
func (c *client) Jobs() []jobs.Job {
	return c.queue.List()
}

// History returns every job, reading the store when the workers are not running.
func (c *client) History(ctx context.Context) ([]jobs.Job, error) {
	return c.queue.History(ctx)
}

// Purge removes a finished job.
func (c *client) Purge(ctx context.Context, id string) error {
	return c.queue.Purge(ctx, id)
}

// Library returns the recorded library entries.
func (c *client) Library(ctx context.Context) ([]library.Entry, error) {
	return c.library.List(ctx)
}

// Reconcile rebuilds the library from the filesystem and job history.
func (c *client) Reconcile(ctx context.Context) (*library.Index, error) {
	history, err := c.queue.History(ctx)
	if err != nil {
		return nil, err
	}
	idx, err := c.library.Rebuild(ctx, history)
	if err != nil {
		return nil, err
	}
	c.triggerLibraryUpdated(idx.Entries)
	return idx, nil
}

// Forget removes a title from the library without touching its files.
func (c *client) Forget(ctx context.Context, titleID string, platform jobs.Platform) error {
	if err := c.library.Forget(ctx, titleID, platform); err != nil {
		return err
	}
	c.notifyLibrary(ctx)
	return nil
}

// MarkPlayed records that a title was launched now.
func (c *client) MarkPlayed(ctx context.Context, titleID string, platform jobs.Platform) (library.Entry, error) {
	entry, err := c.library.MarkPlayed(ctx, titleID, platform, c.cfg.now())
	if err != nil {
		return library.Entry{}, err
	}
	c.notifyLibrary(ctx)
	return entry, nil
}

func (c *client) notifyLibrary(ctx context.Context) {
	if !c.hasLibraryHooks() {
		return
	}
	entries, err := c.library.List(ctx)
	if err != nil {
		c.cfg.logger.Warn().Err(err).Msg("Could not list library for hooks")
		return
	}
	c.triggerLibraryUpdated(entries)
}

// ensureWritable creates dir if needed and checks a file can be created in it.
func ensureWritable(dir string) error {
	if err := os.MkdirAll(dir, constants.DirPermissions); err != nil {
		return errors.NewValidationError("destination", dir, "cannot be created: "+err.Error())
	}
	f, err := os.CreateTemp(dir, ".depot-write-check-*")
	if err != nil {
		return errors.NewValidationError("destination", dir, "is not writable")
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
