// Package app provides the application context and dependency management
// for the depot CLI. It centralizes configuration, logging and the lifecycle
// of the download orchestrator.
package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentstation/depot"
	"github.com/agentstation/depot/cmd/application"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
)

// Compile-time interface check.
var _ application.Application = (*App)(nil)

// App represents the depot application with all its dependencies.
type App struct {
	// Version information
	version string
	commit  string
	date    string
	builtBy string

	config *Config
	logger *zerolog.Logger

	// Orchestrator (lazy-initialized, singleton)
	mu    sync.Mutex
	depot depot.Client

	// extra options appended when the client is created, used by tests
	depotOpts []depot.Option
}

// New creates a new App instance with the given version information.
func New(version, commit, date, builtBy string, opts ...Option) (*App, error) {
	app := &App{
		version: version,
		commit:  commit,
		date:    date,
		builtBy: builtBy,
	}

	config, err := LoadConfig("")
	if err != nil {
		return nil, errors.NewConfigError("app", "cannot load configuration", err)
	}
	app.config = config

	logger := NewLogger(config)
	app.logger = &logger

	for _, opt := range opts {
		if err := opt(app); err != nil {
			return nil, err
		}
	}

	return app, nil
}

// Version returns the version information.
func (a *App) Version() string {
	return a.version
}

// Commit returns the git commit hash.
func (a *App) Commit() string {
	return a.commit
}

// Date returns the build date.
func (a *App) Date() string {
	return a.date
}

// BuiltBy returns the build system identifier.
func (a *App) BuiltBy() string {
	return a.builtBy
}

// Config returns the application configuration.
func (a *App) Config() *Config {
	return a.config
}

// Logger returns the application logger.
func (a *App) Logger() *zerolog.Logger {
	return a.logger
}

// OutputFormat returns the configured output format.
func (a *App) OutputFormat() string {
	return a.config.Format
}

// Settings returns the resolved orchestrator settings.
func (a *App) Settings() application.Settings {
	return application.Settings{
		DownloadRoot:    a.config.DownloadRoot,
		StateDir:        a.config.StateDir,
		Store:           a.config.Store,
		SteamCMDPath:    a.config.SteamCMDPath,
		DefaultPlatform: a.config.DefaultPlatform,
		Concurrency:     a.config.Concurrency,
	}
}

// Depot returns the orchestrator, creating it on first use.
func (a *App) Depot() (depot.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.depot != nil {
		return a.depot, nil
	}

	d, err := depot.New(a.buildDepotOptions()...)
	if err != nil {
		return nil, err
	}
	a.depot = d
	return d, nil
}

// Shutdown stops the orchestrator if it was created. Running jobs return
// to pending and resume on the next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	d := a.depot
	a.mu.Unlock()

	if d == nil {
		return nil
	}
	return d.Close(ctx)
}

// buildDepotOptions constructs client options from the app configuration.
func (a *App) buildDepotOptions() []depot.Option {
	c := a.config
	policy := jobs.DefaultPolicy()
	policy.MaxRetries = c.MaxRetries

	opts := []depot.Option{
		depot.WithDownloadRoot(c.DownloadRoot),
		depot.WithStateDir(c.StateDir),
		depot.WithStoreBackend(c.Store),
		depot.WithSteamCMD(c.SteamCMDPath),
		depot.WithValidate(c.Validate),
		depot.WithConcurrency(c.Concurrency),
		depot.WithPolicy(policy),
		depot.WithTracing(c.OTelExporter),
		depot.WithLogger(a.logger),
	}
	if c.DefaultPlatform != "" {
		opts = append(opts, depot.WithDefaultPlatform(c.DefaultPlatform))
	}
	if c.Username != "" {
		opts = append(opts, depot.WithLogin(c.Username, c.Password))
	}
	if c.StallTimeout > 0 {
		opts = append(opts, depot.WithStallTimeout(c.StallTimeout))
	}
	if c.GracePeriod > 0 {
		opts = append(opts, depot.WithGracePeriod(c.GracePeriod))
	}
	if c.LivenessWindow > 0 {
		opts = append(opts, depot.WithLivenessWindow(c.LivenessWindow))
	}
	return append(opts, a.depotOpts...)
}

// Option is a functional option for configuring the App.
type Option func(*App) error

// WithConfig sets a custom configuration.
func WithConfig(config *Config) Option {
	return func(a *App) error {
		a.config = config
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(a *App) error {
		a.logger = logger
		return nil
	}
}

// WithDepotOptions appends client options, after the ones built from config.
func WithDepotOptions(opts ...depot.Option) Option {
	return func(a *App) error {
		a.depotOpts = append(a.depotOpts, opts...)
		return nil
	}
}
