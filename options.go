package depot

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/agentstation/depot/internal/process"
	"github.com/agentstation/depot/internal/store"
	"github.com/agentstation/depot/pkg/constants"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
)

// Option is a function that configures a depot Client
type Option func(*config) error

// config holds the resolved client configuration
type config struct {
	downloadRoot    string
	stateDir        string
	storeBackend    string
	store           store.Store
	runner          process.Runner
	steamCMDPath    string
	username        string
	password        string
	defaultPlatform jobs.Platform
	validate        bool
	concurrency     int
	policy          jobs.Policy
	stallTimeout    time.Duration
	gracePeriod     time.Duration
	tickInterval    time.Duration
	pollInterval    time.Duration
	livenessWindow  time.Duration
	minInstallBytes int64
	tracing         string
	logger          *zerolog.Logger
	now             func() time.Time
}

// defaults returns the default configuration
func defaults() *config {
	return &config{
		downloadRoot:    constants.DefaultDownloadRoot,
		stateDir:        constants.DefaultStateDir,
		storeBackend:    constants.DefaultStoreBackend,
		steamCMDPath:    constants.DefaultSteamCMDPath,
		defaultPlatform: jobs.Platform(constants.DefaultPlatform),
		validate:        true,
		concurrency:     constants.DefaultConcurrency,
		policy:          jobs.DefaultPolicy(),
		stallTimeout:    constants.DefaultStallTimeout,
		gracePeriod:     constants.DefaultGracePeriod,
		tickInterval:    constants.DefaultTickInterval,
		pollInterval:    constants.DefaultPollInterval,
		livenessWindow:  constants.DefaultLivenessWindow,
		minInstallBytes: constants.MinInstallBytes,
		now:             time.Now,
	}
}

// apply applies the given options in order and stops at the first error
func (c *config) apply(opts ...Option) (*config, error) {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// WithDownloadRoot sets the library root. Titles submitted without a
// destination go to <root>/<platform>/<titleID>. A leading ~ is expanded.
func WithDownloadRoot(path string) Option {
	return func(c *config) error {
		c.downloadRoot = path
		return nil
	}
}

// WithStateDir sets where queue and library state are kept
func WithStateDir(path string) Option {
	return func(c *config) error {
		c.stateDir = path
		return nil
	}
}

// WithStoreBackend selects the persistence backend: journal, sqlite or memory
func WithStoreBackend(backend string) Option {
	return func(c *config) error {
		for _, b := range store.Backends {
			if backend == b {
				c.storeBackend = backend
				return nil
			}
		}
		return errors.NewValidationError("store", backend, "unknown store backend")
	}
}

// WithStore uses an already opened store. The client closes it on Close.
func WithStore(s store.Store) Option {
	return func(c *config) error {
		c.store = s
		return nil
	}
}

// WithRunner replaces the process runner used to launch SteamCMD
func WithRunner(r process.Runner) Option {
	return func(c *config) error {
		c.runner = r
		return nil
	}
}

// WithSteamCMD sets the path to steamcmd.sh
func WithSteamCMD(path string) Option {
	return func(c *config) error {
		c.steamCMDPath = path
		return nil
	}
}

// WithLogin makes SteamCMD sign in as username instead of anonymously.
// An empty password relies on credentials cached by an earlier interactive login.
func WithLogin(username, password string) Option {
	return func(c *config) error {
		c.username = username
		c.password = password
		return nil
	}
}

// WithDefaultPlatform sets the platform used when a request names none
func WithDefaultPlatform(platform string) Option {
	return func(c *config) error {
		p, err := jobs.ParsePlatform(platform)
		if err != nil {
			return err
		}
		c.defaultPlatform = p
		return nil
	}
}

// WithValidate sets whether app_update runs with validate by default
func WithValidate(enabled bool) Option {
	return func(c *config) error {
		c.validate = enabled
		return nil
	}
}

// WithConcurrency sets how many SteamCMD processes may run at once
func WithConcurrency(n int) Option {
	return func(c *config) error {
		if n < 1 || n > constants.MaxConcurrency {
			return errors.NewValidationError("concurrency", n, "must be between 1 and 16")
		}
		c.concurrency = n
		return nil
	}
}

// WithPolicy sets the retry policy
func WithPolicy(p jobs.Policy) Option {
	return func(c *config) error {
		if p.MaxRetries < 0 || p.MaxVerificationRetries < 0 {
			return errors.NewValidationError("policy", p, "retry limits cannot be negative")
		}
		c.policy = p
		return nil
	}
}

// WithStallTimeout sets how long SteamCMD may stay silent before the attempt fails
func WithStallTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return errors.NewValidationError("stall_timeout", d, "must be positive")
		}
		c.stallTimeout = d
		return nil
	}
}

// WithGracePeriod sets how long SteamCMD gets to exit after an interrupt
func WithGracePeriod(d time.Duration) Option {
	return func(c *config) error {
		c.gracePeriod = d
		return nil
	}
}

// WithTickInterval sets how often the scheduler runs its housekeeping
func WithTickInterval(d time.Duration) Option {
	return func(c *config) error {
		c.tickInterval = d
		return nil
	}
}

// WithPollInterval bounds how long an idle worker waits before checking for work
func WithPollInterval(d time.Duration) Option {
	return func(c *config) error {
		c.pollInterval = d
		return nil
	}
}

// WithLivenessWindow sets how old the last scheduler tick may be for Health to report alive
func WithLivenessWindow(d time.Duration) Option {
	return func(c *config) error {
		c.livenessWindow = d
		return nil
	}
}

// WithMinInstallBytes sets the smallest install that passes verification
func WithMinInstallBytes(n int64) Option {
	return func(c *config) error {
		c.minInstallBytes = n
		return nil
	}
}

// WithTracing selects a span exporter for download attempts: none or stdout
func WithTracing(exporter string) Option {
	return func(c *config) error {
		c.tracing = exporter
		return nil
	}
}

// WithLogger sets the logger used by every component
func WithLogger(logger *zerolog.Logger) Option {
	return func(c *config) error {
		c.logger = logger
		return nil
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(c *config) error {
		if now == nil {
			return errors.NewValidationError("clock", nil, "cannot be nil")
		}
		c.now = now
		return nil
	}
}
