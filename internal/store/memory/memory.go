// Package memory provides an in-memory store. Nothing survives a restart.
// Writes can be made to fail, to exercise persistence failure handling.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
)

// Store is an in-memory store. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]jobs.Job
	entries map[library.Key]library.Entry
	failErr error
	writes  int
	closed  bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:    make(map[string]jobs.Job),
		entries: make(map[library.Key]library.Entry),
	}
}

// FailWrites makes every write and Ping fail with err until it is called
// with nil.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Writes returns the number of successful writes.
func (s *Store) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Job returns the stored copy of a job.
func (s *Store) Job(id string) (jobs.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Store) writable(operation, key string) error {
	if s.closed {
		return errors.NewPersistenceError(operation, key, errors.ErrClosed)
	}
	if s.failErr != nil {
		return errors.NewPersistenceError(operation, key, s.failErr)
	}
	return nil
}

// SaveJob stores a copy of job.
func (s *Store) SaveJob(_ context.Context, job jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable("save", job.ID); err != nil {
		return err
	}
	job.PID = 0
	s.jobs[job.ID] = job
	s.writes++
	return nil
}

// DeleteJob removes a job.
func (s *Store) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable("delete", id); err != nil {
		return err
	}
	delete(s.jobs, id)
	s.writes++
	return nil
}

// LoadJobs returns all jobs in request order.
func (s *Store) LoadJobs(_ context.Context) ([]jobs.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.NewPersistenceError("load", "jobs", errors.ErrClosed)
	}
	out := make([]jobs.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return jobs.Less(out[a], out[b]) })
	return out, nil
}

// SaveEntry stores entry.
func (s *Store) SaveEntry(_ context.Context, entry library.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable("save", entry.Key().String()); err != nil {
		return err
	}
	s.entries[entry.Key()] = entry
	s.writes++
	return nil
}

// DeleteEntry removes an entry.
func (s *Store) DeleteEntry(_ context.Context, key library.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable("delete", key.String()); err != nil {
		return err
	}
	delete(s.entries, key)
	s.writes++
	return nil
}

// LoadEntries returns all entries ordered by title.
func (s *Store) LoadEntries(_ context.Context) ([]library.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.NewPersistenceError("load", "library", errors.ErrClosed)
	}
	out := make([]library.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	library.Sort(out)
	return out, nil
}

// Ping fails while writes are failing.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writable("ping", "")
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
