// Package library defines the records kept for downloaded titles.
package library

import (
	"fmt"
	"sort"
	"time"

	"github.com/agentstation/depot/pkg/jobs"
)

// Entry is a title that was downloaded and verified on disk.
type Entry struct {
	TitleID    string        `json:"title_id" yaml:"title_id"`
	Platform   jobs.Platform `json:"platform" yaml:"platform"`
	Name       string        `json:"name,omitempty" yaml:"name,omitempty"`
	Path       string        `json:"path" yaml:"path"`
	SizeBytes  int64         `json:"size_bytes" yaml:"size_bytes"`
	VerifiedAt time.Time     `json:"verified_at" yaml:"verified_at"`
	JobID      string        `json:"job_id,omitempty" yaml:"job_id,omitempty"`
	LastPlayed *time.Time    `json:"last_played,omitempty" yaml:"last_played,omitempty"`
}

// Key returns the entry's identity.
func (e Entry) Key() Key {
	return Key{TitleID: e.TitleID, Platform: e.Platform}
}

// Key identifies a library entry.
type Key struct {
	TitleID  string
	Platform jobs.Platform
}

// String renders the key as "titleID/platform".
func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.TitleID, k.Platform)
}

// Untracked is a directory under the download root that no entry or job
// accounts for.
type Untracked struct {
	Path      string `json:"path" yaml:"path"`
	SizeBytes int64  `json:"size_bytes" yaml:"size_bytes"`
	// TitleHint is the app id read from an app manifest inside the directory, if any.
	TitleHint string `json:"title_hint,omitempty" yaml:"title_hint,omitempty"`
}

// Index is the result of reconciling the library with the filesystem.
type Index struct {
	Entries   []Entry     `json:"entries" yaml:"entries"`
	Untracked []Untracked `json:"untracked,omitempty" yaml:"untracked,omitempty"`
	Dropped   []Entry     `json:"dropped,omitempty" yaml:"dropped,omitempty"`
	RebuiltAt time.Time   `json:"rebuilt_at" yaml:"rebuilt_at"`
}

// TotalBytes sums the size of all entries.
func (idx *Index) TotalBytes() int64 {
	var total int64
	for _, e := range idx.Entries {
		total += e.SizeBytes
	}
	return total
}

// Sort orders entries by title then platform, in place.
func Sort(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].TitleID != entries[j].TitleID {
			return entries[i].TitleID < entries[j].TitleID
		}
		return entries[i].Platform < entries[j].Platform
	})
}
