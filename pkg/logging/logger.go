// Package logging provides the zerolog loggers used across depot.
//
// Components take a *zerolog.Logger through their options and fall back to
// Default. Work that belongs to a single download carries its logger in the
// context, so every line it writes names the job:
//
//	ctx = logging.WithLogger(ctx, logger)
//	ctx = logging.WithJob(ctx, job.ID)
//	ctx = logging.WithTitle(ctx, job.TitleID, string(job.Platform))
//	logging.FromContext(ctx).Info().Msg("Job succeeded")
package logging

import (
	"os"
	"sync"

	goisatty "github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	mu            sync.RWMutex
	defaultLogger = newDefault()
)

// newDefault writes to stderr, as console output on a terminal and JSON
// otherwise. DEPOT_LOG_LEVEL picks the level.
func newDefault() *zerolog.Logger {
	format := "json"
	if isTerminal(os.Stderr) && os.Getenv("DEPOT_LOG_FORMAT") != "json" {
		format = "console"
	}
	logger := NewLoggerFromConfig(&Config{
		Level:   os.Getenv("DEPOT_LOG_LEVEL"),
		Format:  format,
		Output:  "stderr",
		NoColor: os.Getenv("NO_COLOR") != "",
	})
	return &logger
}

// Default returns the process-wide logger.
func Default() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger, including zerolog's global one.
func SetDefault(logger zerolog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = &logger
	log.Logger = logger
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func isTerminal(f *os.File) bool {
	return goisatty.IsTerminal(f.Fd()) || goisatty.IsCygwinTerminal(f.Fd())
}
