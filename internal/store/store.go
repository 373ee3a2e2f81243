// Package store persists jobs and library entries across restarts.
//
// Two durable backends are available: an append-only JSON lines journal
// (the default) and SQLite. The memory backend is for tests and for running
// without a state directory.
package store

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentstation/depot/internal/store/journal"
	"github.com/agentstation/depot/internal/store/memory"
	"github.com/agentstation/depot/internal/store/sqlite"
	"github.com/agentstation/depot/pkg/constants"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
	"github.com/agentstation/depot/pkg/logging"
)

// Store is the durable state shared by the queue and the reconciler.
// Every write is durable when it returns. Failures are *errors.PersistenceError.
type Store interface {
	SaveJob(ctx context.Context, job jobs.Job) error
	DeleteJob(ctx context.Context, id string) error
	LoadJobs(ctx context.Context) ([]jobs.Job, error)

	SaveEntry(ctx context.Context, entry library.Entry) error
	DeleteEntry(ctx context.Context, key library.Key) error
	LoadEntries(ctx context.Context) ([]library.Entry, error)

	Ping(ctx context.Context) error
	Close() error
}

// Backend names.
const (
	BackendJournal = "journal"
	BackendSQLite  = "sqlite"
	BackendMemory  = "memory"
)

// Backends lists the accepted backend names.
var Backends = []string{BackendJournal, BackendSQLite, BackendMemory}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of Backends. Empty selects the journal.
	Backend string
	// Dir holds the state files. Ignored by the memory backend.
	Dir string
	// CompactThreshold is the number of superseded journal records that
	// triggers a compaction.
	CompactThreshold int
	Logger           *zerolog.Logger
}

// Open opens the configured backend, creating Dir when needed.
func Open(cfg Config) (Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = constants.DefaultStoreBackend
	}

	var (
		s   Store
		err error
	)
	switch backend {
	case BackendMemory:
		s = memory.New()
	case BackendJournal:
		if cfg.Dir == "" {
			return nil, errors.NewConfigError("store", "state_dir is required for the journal backend", nil)
		}
		threshold := cfg.CompactThreshold
		if threshold <= 0 {
			threshold = constants.JournalCompactThreshold
		}
		s, err = journal.Open(filepath.Join(cfg.Dir, journal.FileName),
			journal.WithCompactThreshold(threshold),
			journal.WithLogger(logger))
	case BackendSQLite:
		if cfg.Dir == "" {
			return nil, errors.NewConfigError("store", "state_dir is required for the sqlite backend", nil)
		}
		s, err = sqlite.Open(filepath.Join(cfg.Dir, sqlite.FileName), logger)
	default:
		return nil, errors.NewConfigError("store",
			"unknown backend "+cfg.Backend+" (want "+strings.Join(Backends, ", ")+")", nil)
	}
	if err != nil {
		return nil, err
	}

	logger.Debug().Str("backend", backend).Str("dir", cfg.Dir).Msg("Opened state store")
	return s, nil
}
