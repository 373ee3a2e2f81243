// Package reconcile keeps the library index in line with what is actually on
// disk. The filesystem is the ground truth: an entry whose install vanished
// or no longer verifies is dropped, and directories nobody accounts for are
// reported.
package reconcile

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentstation/depot/pkg/constants"
	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
	"github.com/agentstation/depot/pkg/logging"
)

// Store is the part of the state store the reconciler needs.
type Store interface {
	SaveEntry(ctx context.Context, entry library.Entry) error
	DeleteEntry(ctx context.Context, key library.Key) error
	LoadEntries(ctx context.Context) ([]library.Entry, error)
}

// Reconciler verifies installs and maintains library entries.
type Reconciler struct {
	store    Store
	root     string
	minBytes int64
	logger   *zerolog.Logger
	now      func() time.Time

	// mu serializes writers so Rebuild never races Record.
	mu sync.Mutex
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMinBytes sets the smallest install size that passes verification.
func WithMinBytes(n int64) Option {
	return func(r *Reconciler) { r.minBytes = n }
}

// WithLogger sets the logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New creates a reconciler for the library under root.
func New(store Store, root string, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		root:     filepath.Clean(root),
		minBytes: constants.MinInstallBytes,
		logger:   logging.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Root returns the download root.
func (r *Reconciler) Root() string {
	return r.root
}

// Verify checks that job's destination holds a complete install and returns
// the entry describing it. The entry is named from the app manifest, or from
// the job when the manifest has no name. Failures are VerificationFailed job
// errors.
func (r *Reconciler) Verify(ctx context.Context, job jobs.Job) (library.Entry, error) {
	inst, problem, err := r.inspect(ctx, job.TitleID, job.Destination)
	if err != nil {
		return library.Entry{}, err
	}
	if problem != "" {
		e := errors.NewJobError(errors.KindVerification, problem, nil)
		e.JobID = job.ID
		return library.Entry{}, e
	}
	if inst.name == "" {
		inst.name = job.Name
	}
	return library.Entry{
		TitleID:    job.TitleID,
		Platform:   job.Platform,
		Name:       inst.name,
		Path:       job.Destination,
		SizeBytes:  inst.size,
		VerifiedAt: r.now().UTC(),
		JobID:      job.ID,
	}, nil
}

// installation is what inspect learns about an install directory.
type installation struct {
	name string
	size int64
}

// inspect checks dir for a complete install of titleID. A failed check is
// returned as problem; err is only set when ctx ends.
func (r *Reconciler) inspect(ctx context.Context, titleID, dir string) (inst installation, problem string, err error) {
	info, statErr := os.Stat(dir)
	switch {
	case os.IsNotExist(statErr):
		return inst, fmt.Sprintf("destination %s does not exist", dir), nil
	case statErr != nil:
		return inst, fmt.Sprintf("destination %s: %v", dir, statErr), nil
	case !info.IsDir():
		return inst, fmt.Sprintf("destination %s is not a directory", dir), nil
	}

	if staged, _ := nonEmptyDir(stagingPath(dir, titleID)); staged {
		return inst, fmt.Sprintf("partial download left in %s", stagingPath(dir, titleID)), nil
	}

	m, mErr := ReadManifest(manifestPath(dir, titleID))
	switch {
	case mErr == nil:
		if m.StateFlags != StateFullyInstalled {
			return inst, fmt.Sprintf("app manifest reports StateFlags %d, want %d", m.StateFlags, StateFullyInstalled), nil
		}
		inst.name = m.Name
	case os.IsNotExist(mErr):
		// Older SteamCMD builds and some platforms do not write one.
	default:
		return inst, fmt.Sprintf("unreadable app manifest: %v", mErr), nil
	}

	inst.size, err = dirSize(ctx, dir)
	if err != nil {
		if ctx.Err() != nil {
			return inst, "", ctx.Err()
		}
		return inst, fmt.Sprintf("measuring %s: %v", dir, err), nil
	}
	if inst.size < r.minBytes {
		return inst, fmt.Sprintf("destination %s holds %d bytes, want at least %d", dir, inst.size, r.minBytes), nil
	}
	return inst, "", nil
}

// Record persists entry, keeping the name and last played time of an
// existing entry for the same title when entry lacks them.
func (r *Reconciler) Record(ctx context.Context, entry library.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record(ctx, entry)
}

func (r *Reconciler) record(ctx context.Context, entry library.Entry) error {
	existing, err := r.lookup(ctx, entry.Key())
	if err != nil && !errors.IsNotFound(err) {
		return err
	}
	if existing != nil {
		if entry.Name == "" {
			entry.Name = existing.Name
		}
		if entry.LastPlayed == nil {
			entry.LastPlayed = existing.LastPlayed
		}
	}
	if err := r.store.SaveEntry(ctx, entry); err != nil {
		return err
	}
	r.logger.Info().
		Str("title_id", entry.TitleID).
		Str("platform", string(entry.Platform)).
		Int64("size_bytes", entry.SizeBytes).
		Msg("Recorded library entry")
	return nil
}

func (r *Reconciler) lookup(ctx context.Context, key library.Key) (*library.Entry, error) {
	entries, err := r.store.LoadEntries(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Key() == key {
			return &entries[i], nil
		}
	}
	return nil, errors.NewNotFoundError("library entry", key.String())
}

// List returns the recorded entries.
func (r *Reconciler) List(ctx context.Context) ([]library.Entry, error) {
	return r.store.LoadEntries(ctx)
}

// Get returns the entry for a title.
func (r *Reconciler) Get(ctx context.Context, titleID string, platform jobs.Platform) (library.Entry, error) {
	e, err := r.lookup(ctx, library.Key{TitleID: titleID, Platform: platform})
	if err != nil {
		return library.Entry{}, err
	}
	return *e, nil
}

// Forget removes an entry without touching the files.
func (r *Reconciler) Forget(ctx context.Context, titleID string, platform jobs.Platform) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := library.Key{TitleID: titleID, Platform: platform}
	if _, err := r.lookup(ctx, key); err != nil {
		return err
	}
	return r.store.DeleteEntry(ctx, key)
}

// MarkPlayed records when a title was last launched.
func (r *Reconciler) MarkPlayed(ctx context.Context, titleID string, platform jobs.Platform, at time.Time) (library.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, err := r.lookup(ctx, library.Key{TitleID: titleID, Platform: platform})
	if err != nil {
		return library.Entry{}, err
	}
	at = at.UTC()
	e.LastPlayed = &at
	if err := r.store.SaveEntry(ctx, *e); err != nil {
		return library.Entry{}, err
	}
	return *e, nil
}

// Rebuild reconciles recorded entries with the filesystem and with history.
// Entries whose install no longer passes the Verify checks are dropped,
// sizes are refreshed,
// succeeded jobs without an entry are verified and recorded, and
// directories under the root that no entry or job accounts for are
// reported as untracked.
func (r *Reconciler) Rebuild(ctx context.Context, history []jobs.Job) (*library.Index, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := r.store.LoadEntries(ctx)
	if err != nil {
		return nil, err
	}
	idx := &library.Index{RebuiltAt: r.now().UTC()}
	known := make(map[library.Key]bool, len(entries))

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		inst, problem, err := r.inspect(ctx, e.TitleID, e.Path)
		if err != nil {
			return nil, err
		}
		if problem != "" {
			if err := r.store.DeleteEntry(ctx, e.Key()); err != nil {
				return nil, err
			}
			r.logger.Warn().
				Str("title_id", e.TitleID).
				Str("platform", string(e.Platform)).
				Str("reason", problem).
				Msg("Dropped library entry that no longer verifies")
			idx.Dropped = append(idx.Dropped, e)
			continue
		}
		if inst.size != e.SizeBytes || (e.Name == "" && inst.name != "") {
			e.SizeBytes = inst.size
			if e.Name == "" {
				e.Name = inst.name
			}
			if err := r.store.SaveEntry(ctx, e); err != nil {
				return nil, err
			}
		}
		known[e.Key()] = true
		idx.Entries = append(idx.Entries, e)
	}

	for _, job := range history {
		if job.State != jobs.StateSucceeded {
			continue
		}
		key := library.Key{TitleID: job.TitleID, Platform: job.Platform}
		if known[key] {
			continue
		}
		entry, err := r.Verify(ctx, job)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Debug().Err(err).Str("job_id", job.ID).Msg("Succeeded job no longer verifies")
			continue
		}
		if err := r.record(ctx, entry); err != nil {
			return nil, err
		}
		known[key] = true
		idx.Entries = append(idx.Entries, entry)
	}

	tracked := make([]string, 0, len(idx.Entries)+len(history))
	for _, e := range idx.Entries {
		tracked = append(tracked, filepath.Clean(e.Path))
	}
	for _, job := range history {
		tracked = append(tracked, filepath.Clean(job.Destination))
	}
	untracked, err := r.untracked(ctx, tracked)
	if err != nil {
		return nil, err
	}
	idx.Untracked = untracked

	library.Sort(idx.Entries)
	r.logger.Info().
		Int("entries", len(idx.Entries)).
		Int("dropped", len(idx.Dropped)).
		Int("untracked", len(idx.Untracked)).
		Msg("Rebuilt library index")
	return idx, nil
}

// untracked walks the root and reports directories that neither hold nor
// contain a tracked path. Platform directories directly under the root are
// containers and are never reported themselves.
func (r *Reconciler) untracked(ctx context.Context, tracked []string) ([]library.Untracked, error) {
	if _, err := os.Stat(r.root); os.IsNotExist(err) {
		return nil, nil
	}

	var out []library.Untracked
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == r.root {
				return err
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path == r.root || !d.IsDir() {
			return nil
		}
		if contains(tracked, path) {
			return fs.SkipDir
		}
		if ancestorOfAny(path, tracked) {
			return nil
		}
		if filepath.Dir(path) == r.root {
			if _, err := jobs.ParsePlatform(d.Name()); err == nil {
				return nil
			}
		}

		u := library.Untracked{Path: path}
		u.SizeBytes, _ = dirSize(ctx, path)
		if m := findManifest(path); m != nil {
			u.TitleHint = m.AppID
		}
		out = append(out, u)
		return fs.SkipDir
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.WrapIO("walk", r.root, err)
	}
	return out, nil
}

func contains(paths []string, p string) bool {
	for _, q := range paths {
		if q == p {
			return true
		}
	}
	return false
}

func ancestorOfAny(dir string, paths []string) bool {
	prefix := dir + string(filepath.Separator)
	for _, p := range paths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// dirSize sums the sizes of regular files under dir.
func dirSize(ctx context.Context, dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// nonEmptyDir reports whether dir exists and has at least one entry.
func nonEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	names, err := f.Readdirnames(1)
	return len(names) > 0, err
}
