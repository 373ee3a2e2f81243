package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/depot/internal/store"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
	"github.com/agentstation/depot/pkg/logging"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleJob(title string, offset time.Duration) jobs.Job {
	return jobs.New(title, jobs.PlatformLinux, "/srv/steam/linux/"+title, true, base.Add(offset))
}

func TestBackends(t *testing.T) {
	for _, backend := range store.Backends {
		t.Run(backend, func(t *testing.T) {
			s, err := store.Open(store.Config{Backend: backend, Dir: t.TempDir(), Logger: logging.NewNopLogger()})
			require.NoError(t, err)
			defer s.Close()
			exerciseStore(t, s)
		})
	}
}

func exerciseStore(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	loaded, err := s.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	a := sampleJob("440", 0)
	b := sampleJob("570", time.Second)
	require.NoError(t, s.SaveJob(ctx, b))
	require.NoError(t, s.SaveJob(ctx, a))

	a.State = jobs.StateFailed
	a.RetryCount = 2
	a.Error = &jobs.Failure{Kind: errors.KindStall, Message: "no output for 5m0s", Disposition: jobs.DispositionRetry, At: base}
	require.NoError(t, s.SaveJob(ctx, a))

	loaded, err = s.LoadJobs(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff([]jobs.Job{a, b}, loaded); diff != "" {
		t.Errorf("LoadJobs mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, s.DeleteJob(ctx, b.ID))
	require.NoError(t, s.DeleteJob(ctx, "missing"))
	loaded, err = s.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, a.ID, loaded[0].ID)

	e1 := library.Entry{TitleID: "440", Platform: jobs.PlatformLinux, Path: "/srv/steam/linux/440", SizeBytes: 1 << 20, VerifiedAt: base, JobID: a.ID}
	e2 := library.Entry{TitleID: "440", Platform: jobs.PlatformWindows, Path: "/srv/steam/windows/440", SizeBytes: 2 << 20, VerifiedAt: base}
	require.NoError(t, s.SaveEntry(ctx, e2))
	require.NoError(t, s.SaveEntry(ctx, e1))
	e1.SizeBytes = 3 << 20
	require.NoError(t, s.SaveEntry(ctx, e1))

	entries, err := s.LoadEntries(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff([]library.Entry{e1, e2}, entries); diff != "" {
		t.Errorf("LoadEntries mismatch (-want +got):\n%s", diff)
	}

	require.NoError(t, s.DeleteEntry(ctx, e2.Key()))
	entries, err = s.LoadEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPersistsAcrossReopen(t *testing.T) {
	for _, backend := range []string{store.BackendJournal, store.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := store.Config{Backend: backend, Dir: t.TempDir(), Logger: logging.NewNopLogger()}

			s, err := store.Open(cfg)
			require.NoError(t, err)
			job := sampleJob("440", 0)
			job.State = jobs.StateRunning
			require.NoError(t, s.SaveJob(ctx, job))
			require.NoError(t, s.SaveEntry(ctx, library.Entry{TitleID: "730", Platform: jobs.PlatformWindows, Path: "/x", VerifiedAt: base}))
			require.NoError(t, s.Close())

			s, err = store.Open(cfg)
			require.NoError(t, err)
			defer s.Close()
			loaded, err := s.LoadJobs(ctx)
			require.NoError(t, err)
			require.Len(t, loaded, 1)
			assert.Equal(t, jobs.StateRunning, loaded[0].State)
			entries, err := s.LoadEntries(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "730", entries[0].TitleID)
		})
	}
}

func TestOpenErrors(t *testing.T) {
	_, err := store.Open(store.Config{Backend: "postgres", Dir: t.TempDir()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")

	_, err = store.Open(store.Config{Backend: store.BackendJournal})
	require.Error(t, err)
}

func TestClosedStoreFails(t *testing.T) {
	for _, backend := range []string{store.BackendJournal, store.BackendMemory} {
		t.Run(backend, func(t *testing.T) {
			s, err := store.Open(store.Config{Backend: backend, Dir: t.TempDir(), Logger: logging.NewNopLogger()})
			require.NoError(t, err)
			require.NoError(t, s.Close())
			err = s.SaveJob(context.Background(), sampleJob("440", 0))
			require.Error(t, err)
			assert.True(t, errors.IsPersistence(err))
			assert.ErrorIs(t, err, errors.ErrClosed)
		})
	}
}
