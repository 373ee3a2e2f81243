package journal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
	"github.com/agentstation/depot/pkg/logging"
)

func open(t *testing.T, path string, opts ...Option) *Journal {
	t.Helper()
	j, err := Open(path, append([]Option{WithLogger(logging.NewNopLogger())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func job(title string) jobs.Job {
	return jobs.New(title, jobs.PlatformWindows, "/games/"+title, false, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func TestTornFinalRecordIsDiscarded(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), FileName)

	j := open(t, path)
	require.NoError(t, j.SaveJob(ctx, job("440")))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"op":"put_job","job":{"id":"abc","title_`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j = open(t, path)
	loaded, err := j.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "440", loaded[0].TitleID)

	// The next append must not be glued to the torn bytes.
	require.NoError(t, j.SaveJob(ctx, job("570")))
	require.NoError(t, j.Close())

	j = open(t, path)
	loaded, err = j.LoadJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 2)
}

func TestCorruptRecordFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"op\":\"del_job\",\"id\":\"x\"}\n"), 0o644))

	_, err := Open(path, WithLogger(logging.NewNopLogger()))
	require.Error(t, err)
	assert.True(t, errors.IsPersistence(err))
}

func TestCompaction(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), FileName)
	j := open(t, path, WithCompactThreshold(5))

	a := job("440")
	for i := 0; i < 5; i++ {
		a.Percent = float64(i * 10)
		require.NoError(t, j.SaveJob(ctx, a))
	}
	// Four superseded records so far: not over the threshold.
	assert.Equal(t, 5, j.Records())

	require.NoError(t, j.SaveEntry(ctx, library.Entry{TitleID: "440", Platform: jobs.PlatformWindows, Path: "/games/440"}))
	a.Percent = 60
	require.NoError(t, j.SaveJob(ctx, a))
	a.Percent = 70
	require.NoError(t, j.SaveJob(ctx, a))
	// Six superseded records triggered a rewrite down to the two live ones.
	assert.Equal(t, 2, j.Records())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Appends after compaction land in the new file.
	a.Percent = 80
	require.NoError(t, j.SaveJob(ctx, a))
	require.NoError(t, j.Close())

	j = open(t, path)
	loaded, err := j.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 80.0, loaded[0].Percent)
	entries, err := j.LoadEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 3, j.Records())
}

func TestDeletesSurviveCompaction(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), FileName)
	j := open(t, path)

	a, b := job("440"), job("570")
	require.NoError(t, j.SaveJob(ctx, a))
	require.NoError(t, j.SaveJob(ctx, b))
	require.NoError(t, j.DeleteJob(ctx, a.ID))
	require.NoError(t, j.DeleteEntry(ctx, library.Key{TitleID: "440", Platform: jobs.PlatformWindows}))
	require.NoError(t, j.Compact())
	require.NoError(t, j.Close())

	j = open(t, path)
	loaded, err := j.LoadJobs(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, b.ID, loaded[0].ID)
	assert.Equal(t, 1, j.Records())
}

func TestPingDetectsRemovedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	j := open(t, path)
	require.NoError(t, j.Ping(context.Background()))
	require.NoError(t, os.Remove(path))
	assert.Error(t, j.Ping(context.Background()))
}

var errDiskFull = errors.New("no space left on device")

// fullDisk writes half of each record before failing, like a write that
// runs out of space part way.
type fullDisk struct {
	file
	failWrites   bool
	failTruncate bool
}

func (f *fullDisk) Write(p []byte) (int, error) {
	if f.failWrites {
		n, _ := f.file.Write(p[:len(p)/2])
		return n, errDiskFull
	}
	return f.file.Write(p)
}

func (f *fullDisk) Truncate(size int64) error {
	if f.failTruncate {
		return errDiskFull
	}
	return f.file.Truncate(size)
}

func titles(list []jobs.Job) []string {
	out := make([]string, len(list))
	for i, j := range list {
		out[i] = j.TitleID
	}
	return out
}

func TestFailedAppendIsRolledBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), FileName)

	j := open(t, path)
	require.NoError(t, j.SaveJob(ctx, job("440")))

	disk := &fullDisk{file: j.file, failWrites: true}
	j.file = disk
	err := j.SaveJob(ctx, job("570"))
	require.Error(t, err)
	assert.True(t, errors.IsPersistence(err))

	disk.failWrites = false
	require.NoError(t, j.SaveJob(ctx, job("730")))
	loaded, err := j.LoadJobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"440", "730"}, titles(loaded))
	require.NoError(t, j.Close())

	j = open(t, path)
	loaded, err = j.LoadJobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"440", "730"}, titles(loaded))
}

func TestFailedRollbackBlocksWritesUntilPing(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), FileName)

	j := open(t, path)
	require.NoError(t, j.SaveJob(ctx, job("440")))

	disk := &fullDisk{file: j.file, failWrites: true, failTruncate: true}
	j.file = disk
	require.Error(t, j.SaveJob(ctx, job("570")))

	// The fragment is still in the file, so nothing may be appended after it.
	disk.failWrites = false
	require.Error(t, j.SaveJob(ctx, job("730")))
	require.Error(t, j.Ping(ctx))

	disk.failTruncate = false
	require.NoError(t, j.Ping(ctx))
	require.NoError(t, j.SaveJob(ctx, job("730")))
	require.NoError(t, j.Close())

	j = open(t, path)
	loaded, err := j.LoadJobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"440", "730"}, titles(loaded))
}

func TestAppendAfterCompactionTracksSize(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), FileName)

	j := open(t, path)
	for i := 0; i < 3; i++ {
		require.NoError(t, j.SaveJob(ctx, job("440")))
	}
	require.NoError(t, j.Compact())

	disk := &fullDisk{file: j.file, failWrites: true}
	j.file = disk
	require.Error(t, j.SaveJob(ctx, job("570")))
	disk.failWrites = false
	require.NoError(t, j.SaveJob(ctx, job("730")))
	require.NoError(t, j.Close())

	j = open(t, path)
	loaded, err := j.LoadJobs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"440", "730"}, titles(loaded))
}
