// Package journal stores jobs and library entries in an append-only JSON
// lines file. Each write appends one record and syncs the file. When enough
// records have been superseded the file is rewritten with only the live
// records and atomically renamed into place.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentstation/depot/pkg/constants"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
	"github.com/agentstation/depot/pkg/logging"
)

// FileName is the journal's name inside the state directory.
const FileName = "depot.journal"

type op string

const (
	opPutJob   op = "put_job"
	opDelJob   op = "del_job"
	opPutEntry op = "put_entry"
	opDelEntry op = "del_entry"
)

type record struct {
	Op       op             `json:"op"`
	Job      *jobs.Job      `json:"job,omitempty"`
	ID       string         `json:"id,omitempty"`
	Entry    *library.Entry `json:"entry,omitempty"`
	TitleID  string         `json:"title_id,omitempty"`
	Platform jobs.Platform  `json:"platform,omitempty"`
}

// file is the part of *os.File the journal writes through.
type file interface {
	io.WriteSeeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Journal is a file-backed store. It is safe for concurrent use.
type Journal struct {
	mu   sync.Mutex
	path string
	file file
	// size is the length of the file up to the last complete record.
	size int64
	// broken is set when a failed append could not be rolled back. Writes
	// fail until a Ping manages the rollback.
	broken  error
	jobs    map[string]jobs.Job
	entries map[library.Key]library.Entry
	// records counts lines in the file; records minus live records are superseded.
	records   int
	threshold int
	logger    *zerolog.Logger
	closed    bool
}

// Option configures a Journal.
type Option func(*Journal)

// WithCompactThreshold sets how many superseded records trigger compaction.
func WithCompactThreshold(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.threshold = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(j *Journal) {
		if logger != nil {
			j.logger = logger
		}
	}
}

// Open replays the journal at path, creating it if needed. A torn final
// record left by a crash mid-append is discarded.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{
		path:      path,
		jobs:      make(map[string]jobs.Job),
		entries:   make(map[library.Key]library.Entry),
		threshold: constants.JournalCompactThreshold,
		logger:    logging.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}

	if err := os.MkdirAll(filepath.Dir(path), constants.DirPermissions); err != nil {
		return nil, errors.NewPersistenceError("open", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, constants.FilePermissions)
	if err != nil {
		return nil, errors.NewPersistenceError("open", path, err)
	}
	good, err := j.replay(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	// Drop anything after the last complete record so appends start clean.
	if err := f.Truncate(good); err != nil {
		_ = f.Close()
		return nil, errors.NewPersistenceError("open", path, err)
	}
	if _, err := f.Seek(good, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, errors.NewPersistenceError("open", path, err)
	}
	j.file = f
	j.size = good

	j.logger.Debug().
		Str("path", path).
		Int("jobs", len(j.jobs)).
		Int("entries", len(j.entries)).
		Int("records", j.records).
		Msg("Replayed journal")
	return j, nil
}

// replay applies every complete record and returns the offset just past the
// last one.
func (j *Journal) replay(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)
	var offset int64
	for {
		line, err := br.ReadBytes('\n')
		if err == io.EOF {
			if len(bytes.TrimSpace(line)) > 0 {
				j.logger.Warn().Int64("offset", offset).Msg("Discarding torn journal record")
			}
			return offset, nil
		}
		if err != nil {
			return 0, errors.NewPersistenceError("load", j.path, err)
		}
		next := offset + int64(len(line))
		if len(bytes.TrimSpace(line)) == 0 {
			offset = next
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A complete but unreadable line is corruption, not a torn write.
			return 0, errors.NewPersistenceError("load", j.path, err)
		}
		j.apply(rec)
		j.records++
		offset = next
	}
}

func (j *Journal) apply(rec record) {
	switch rec.Op {
	case opPutJob:
		if rec.Job != nil {
			j.jobs[rec.Job.ID] = *rec.Job
		}
	case opDelJob:
		delete(j.jobs, rec.ID)
	case opPutEntry:
		if rec.Entry != nil {
			j.entries[rec.Entry.Key()] = *rec.Entry
		}
	case opDelEntry:
		delete(j.entries, library.Key{TitleID: rec.TitleID, Platform: rec.Platform})
	}
}

// append writes rec, syncs and applies it. Callers hold mu.
func (j *Journal) append(operation, key string, rec record) error {
	if j.closed {
		return errors.NewPersistenceError(operation, key, errors.ErrClosed)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.NewPersistenceError(operation, key, err)
	}
	data = append(data, '\n')
	if j.broken != nil {
		return errors.NewPersistenceError(operation, key, j.broken)
	}
	if _, err := j.file.Write(data); err != nil {
		j.rollback()
		return errors.NewPersistenceError(operation, key, err)
	}
	if err := j.file.Sync(); err != nil {
		j.rollback()
		return errors.NewPersistenceError(operation, key, err)
	}
	j.size += int64(len(data))
	j.apply(rec)
	j.records++

	if j.records-j.live() > j.threshold {
		if err := j.compact(); err != nil {
			// The record above is durable; a failed compaction only leaves
			// the file longer than needed.
			j.logger.Warn().Err(err).Msg("Journal compaction failed")
		}
	}
	return nil
}

// rollback cuts the file back to the last complete record so a partly
// written record never shares a line with the next one. Callers hold mu.
func (j *Journal) rollback() {
	if err := j.file.Truncate(j.size); err != nil {
		j.broken = err
		j.logger.Error().Err(err).Int64("offset", j.size).Msg("Could not roll back failed journal write")
		return
	}
	if _, err := j.file.Seek(j.size, io.SeekStart); err != nil {
		j.broken = err
		j.logger.Error().Err(err).Int64("offset", j.size).Msg("Could not roll back failed journal write")
		return
	}
	j.broken = nil
}

func (j *Journal) live() int {
	return len(j.jobs) + len(j.entries)
}

// compact rewrites the journal with only live records. Callers hold mu.
func (j *Journal) compact() error {
	tmp, err := os.CreateTemp(filepath.Dir(j.path), FileName+".*.tmp")
	if err != nil {
		return errors.NewPersistenceError("compact", j.path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, job := range j.sortedJobs() {
		job := job
		if err := enc.Encode(record{Op: opPutJob, Job: &job}); err != nil {
			cleanup()
			return errors.NewPersistenceError("compact", j.path, err)
		}
	}
	for _, entry := range j.sortedEntries() {
		entry := entry
		if err := enc.Encode(record{Op: opPutEntry, Entry: &entry}); err != nil {
			cleanup()
			return errors.NewPersistenceError("compact", j.path, err)
		}
	}
	if err := w.Flush(); err != nil {
		cleanup()
		return errors.NewPersistenceError("compact", j.path, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errors.NewPersistenceError("compact", j.path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.NewPersistenceError("compact", j.path, err)
	}
	if err := os.Rename(tmpName, j.path); err != nil {
		_ = os.Remove(tmpName)
		return errors.NewPersistenceError("compact", j.path, err)
	}
	syncDir(filepath.Dir(j.path))

	f, err := os.OpenFile(j.path, os.O_WRONLY|os.O_APPEND, constants.FilePermissions)
	if err != nil {
		return errors.NewPersistenceError("compact", j.path, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return errors.NewPersistenceError("compact", j.path, err)
	}
	before := j.records
	_ = j.file.Close()
	j.file = f
	j.size = size
	j.records = j.live()

	j.logger.Debug().Int("before", before).Int("after", j.records).Msg("Compacted journal")
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

func (j *Journal) sortedJobs() []jobs.Job {
	out := make([]jobs.Job, 0, len(j.jobs))
	for _, job := range j.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(a, b int) bool { return jobs.Less(out[a], out[b]) })
	return out
}

func (j *Journal) sortedEntries() []library.Entry {
	out := make([]library.Entry, 0, len(j.entries))
	for _, e := range j.entries {
		out = append(out, e)
	}
	library.Sort(out)
	return out
}

// SaveJob appends the job's current state.
func (j *Journal) SaveJob(_ context.Context, job jobs.Job) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.append("save", job.ID, record{Op: opPutJob, Job: &job})
}

// DeleteJob appends a deletion. Deleting an unknown job is not an error.
func (j *Journal) DeleteJob(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.append("delete", id, record{Op: opDelJob, ID: id})
}

// LoadJobs returns the live jobs in request order.
func (j *Journal) LoadJobs(_ context.Context) ([]jobs.Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, errors.NewPersistenceError("load", j.path, errors.ErrClosed)
	}
	return j.sortedJobs(), nil
}

// SaveEntry appends the entry.
func (j *Journal) SaveEntry(_ context.Context, entry library.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.append("save", entry.Key().String(), record{Op: opPutEntry, Entry: &entry})
}

// DeleteEntry appends an entry deletion.
func (j *Journal) DeleteEntry(_ context.Context, key library.Key) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.append("delete", key.String(), record{Op: opDelEntry, TitleID: key.TitleID, Platform: key.Platform})
}

// LoadEntries returns the live entries ordered by title.
func (j *Journal) LoadEntries(_ context.Context) ([]library.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, errors.NewPersistenceError("load", j.path, errors.ErrClosed)
	}
	return j.sortedEntries(), nil
}

// Ping checks that the journal file is still writable.
func (j *Journal) Ping(_ context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errors.NewPersistenceError("ping", j.path, errors.ErrClosed)
	}
	if _, err := os.Stat(j.path); err != nil {
		return errors.NewPersistenceError("ping", j.path, err)
	}
	if j.broken != nil {
		j.rollback()
		if j.broken != nil {
			return errors.NewPersistenceError("ping", j.path, j.broken)
		}
		j.logger.Info().Int64("offset", j.size).Msg("Rolled back failed journal write")
	}
	if err := j.file.Sync(); err != nil {
		return errors.NewPersistenceError("ping", j.path, err)
	}
	return nil
}

// Records returns the number of records in the file, live and superseded.
func (j *Journal) Records() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records
}

// Compact rewrites the journal now.
func (j *Journal) Compact() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return errors.NewPersistenceError("compact", j.path, errors.ErrClosed)
	}
	return j.compact()
}

// Close closes the file. Further calls fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.file.Close(); err != nil {
		return errors.NewPersistenceError("close", j.path, err)
	}
	return nil
}
