// Package filter provides query parameter parsing and filtering for API endpoints.
package filter

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/agentstation/depot/pkg/errors"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
)

// JobFilter contains the filter criteria for job listings.
type JobFilter struct {
	States   []jobs.State
	Platform jobs.Platform
	TitleID  string

	// Pagination
	Limit  int
	Offset int
}

// ParseJobFilter extracts job filter parameters from an HTTP request.
// Unknown states or platforms are validation errors.
func ParseJobFilter(r *http.Request) (JobFilter, error) {
	q := r.URL.Query()

	f := JobFilter{
		TitleID: q.Get("title_id"),
		Limit:   parseIntOrDefault(q.Get("limit"), 0),
		Offset:  parseIntOrDefault(q.Get("offset"), 0),
	}

	if states := q.Get("state"); states != "" {
		for _, s := range strings.Split(states, ",") {
			st, err := jobs.ParseState(strings.TrimSpace(s))
			if err != nil {
				return JobFilter{}, err
			}
			f.States = append(f.States, st)
		}
	}

	if p := q.Get("platform"); p != "" {
		platform, err := jobs.ParsePlatform(p)
		if err != nil {
			return JobFilter{}, err
		}
		f.Platform = platform
	}

	if f.Limit < 0 || f.Offset < 0 {
		return JobFilter{}, errors.NewValidationError("limit", q.Get("limit"), "pagination cannot be negative")
	}
	return f, nil
}

// Apply returns the jobs matching the filter, keeping their order.
func (f JobFilter) Apply(list []jobs.Job) []jobs.Job {
	results := make([]jobs.Job, 0, len(list))
	for _, j := range list {
		if f.matches(j) {
			results = append(results, j)
		}
	}
	return paginate(results, f.Offset, f.Limit)
}

func (f JobFilter) matches(j jobs.Job) bool {
	if f.TitleID != "" && j.TitleID != f.TitleID {
		return false
	}
	if f.Platform != "" && j.Platform != f.Platform {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if j.State == s {
			return true
		}
	}
	return false
}

// LibraryFilter contains the filter criteria for library listings.
type LibraryFilter struct {
	Platform jobs.Platform
	TitleID  string
	Search   string
}

// ParseLibraryFilter extracts library filter parameters from an HTTP request.
func ParseLibraryFilter(r *http.Request) (LibraryFilter, error) {
	q := r.URL.Query()
	f := LibraryFilter{
		TitleID: q.Get("title_id"),
		Search:  q.Get("q"),
	}
	if p := q.Get("platform"); p != "" {
		platform, err := jobs.ParsePlatform(p)
		if err != nil {
			return LibraryFilter{}, err
		}
		f.Platform = platform
	}
	return f, nil
}

// Apply returns the entries matching the filter. Search matches the title
// name or path case-insensitively.
func (f LibraryFilter) Apply(entries []library.Entry) []library.Entry {
	search := strings.ToLower(f.Search)
	results := make([]library.Entry, 0, len(entries))
	for _, e := range entries {
		if f.TitleID != "" && e.TitleID != f.TitleID {
			continue
		}
		if f.Platform != "" && e.Platform != f.Platform {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(e.Name), search) &&
			!strings.Contains(strings.ToLower(e.Path), search) {
			continue
		}
		results = append(results, e)
	}
	return results
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// parseIntOrDefault parses an integer or returns default.
func parseIntOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	return def
}
