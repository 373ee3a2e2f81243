// Package sqlite stores jobs and library entries in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/agentstation/depot/pkg/constants"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
	"github.com/agentstation/depot/pkg/logging"
)

// FileName is the database's name inside the state directory.
const FileName = "depot.db"

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	requested_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	data BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS library (
	title_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (title_id, platform)
);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_jobs_requested_at ON jobs(requested_at);
`

// Store is a SQLite-backed store.
type Store struct {
	db     *sql.DB
	path   string
	logger *zerolog.Logger
}

// Open opens (or creates) the database at path.
func Open(path string, logger *zerolog.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), constants.DirPermissions); err != nil {
		return nil, errors.NewPersistenceError("open", path, err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.NewPersistenceError("open", path, err)
	}
	// Writers are serialized by the queue; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.NewPersistenceError("open", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.NewPersistenceError("open", path, fmt.Errorf("initializing schema: %w", err))
	}

	logger.Debug().Str("path", path).Str("sqlite_version", sqliteVersion()).Msg("Opened SQLite store")
	return &Store{db: db, path: path, logger: logger}, nil
}

func sqliteVersion() string {
	v, _, _ := sqlite3.Version()
	return v
}

// SaveJob upserts the job.
func (s *Store) SaveJob(ctx context.Context, job jobs.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.NewPersistenceError("save", job.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, state, requested_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at,
			data = excluded.data
	`, job.ID, string(job.State), job.RequestedAt.UnixNano(), job.UpdatedAt.UnixNano(), data)
	if err != nil {
		return errors.NewPersistenceError("save", job.ID, err)
	}
	return nil
}

// DeleteJob removes the job. Deleting an unknown job is not an error.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return errors.NewPersistenceError("delete", id, err)
	}
	return nil
}

// LoadJobs returns all jobs in request order.
func (s *Store) LoadJobs(ctx context.Context) ([]jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM jobs ORDER BY requested_at, id`)
	if err != nil {
		return nil, errors.NewPersistenceError("load", "jobs", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, errors.NewPersistenceError("load", "jobs", err)
		}
		var job jobs.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, errors.NewPersistenceError("load", id, err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceError("load", "jobs", err)
	}
	return out, nil
}

// SaveEntry upserts the entry.
func (s *Store) SaveEntry(ctx context.Context, entry library.Entry) error {
	key := entry.Key().String()
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.NewPersistenceError("save", key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO library (title_id, platform, updated_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(title_id, platform) DO UPDATE SET
			updated_at = excluded.updated_at,
			data = excluded.data
	`, entry.TitleID, string(entry.Platform), time.Now().UnixNano(), data)
	if err != nil {
		return errors.NewPersistenceError("save", key, err)
	}
	return nil
}

// DeleteEntry removes the entry.
func (s *Store) DeleteEntry(ctx context.Context, key library.Key) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM library WHERE title_id = ? AND platform = ?`,
		key.TitleID, string(key.Platform))
	if err != nil {
		return errors.NewPersistenceError("delete", key.String(), err)
	}
	return nil
}

// LoadEntries returns all entries ordered by title.
func (s *Store) LoadEntries(ctx context.Context) ([]library.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM library ORDER BY title_id, platform`)
	if err != nil {
		return nil, errors.NewPersistenceError("load", "library", err)
	}
	defer rows.Close()

	var out []library.Entry
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, errors.NewPersistenceError("load", "library", err)
		}
		var entry library.Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, errors.NewPersistenceError("load", "library", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistenceError("load", "library", err)
	}
	return out, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.NewPersistenceError("ping", s.path, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return errors.NewPersistenceError("close", s.path, err)
	}
	return nil
}
