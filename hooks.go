package depot

import (
	"sync"

	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
)

// Hook function types for download and library events
type (
	// JobUpdatedHook is called for every job change, including progress.
	// It runs on the goroutine that made the change and must not block.
	JobUpdatedHook func(job jobs.Job)

	// LibraryUpdatedHook is called with the full library after a title is
	// installed or the library is reconciled
	LibraryUpdatedHook func(entries []library.Entry)
)

// hooks manages event callbacks
type hooks struct {
	mu               sync.RWMutex
	onJobUpdated     []JobUpdatedHook
	onLibraryUpdated []LibraryUpdatedHook
}

// newHooks creates a new hooks instance
func newHooks() *hooks {
	return &hooks{}
}

// OnJobUpdated registers a callback for job changes
func (h *hooks) OnJobUpdated(fn JobUpdatedHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onJobUpdated = append(h.onJobUpdated, fn)
}

// OnLibraryUpdated registers a callback for library changes
func (h *hooks) OnLibraryUpdated(fn LibraryUpdatedHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onLibraryUpdated = append(h.onLibraryUpdated, fn)
}

func (h *hooks) triggerJobUpdated(job jobs.Job) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, hook := range h.onJobUpdated {
		hook(job)
	}
}

func (h *hooks) triggerLibraryUpdated(entries []library.Entry) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, hook := range h.onLibraryUpdated {
		hook(entries)
	}
}

// hasLibraryHooks reports whether listing the library for hooks is worth it
func (h *hooks) hasLibraryHooks() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.onLibraryUpdated) > 0
}
