package handlers

import (
	"net/http"

	"github.com/agentstation/depot/internal/server/events"
	"github.com/agentstation/depot/internal/server/filter"
	"github.com/agentstation/depot/internal/server/response"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
)

// HandleListLibrary handles GET /api/v1/library.
// @Summary List installed titles
// @Tags library
// @Produce json
// @Param platform query string false "Platform"
// @Param title_id query string false "Steam app id"
// @Param q query string false "Name or path search"
// @Success 200 {object} response.Response{data=object}
// @Router /api/v1/library [get].
func (h *Handlers) HandleListLibrary(w http.ResponseWriter, r *http.Request) {
	f, err := filter.ParseLibraryFilter(r)
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}

	v, err := h.cache.GetOrLoad(LibraryCacheKey, func() (any, error) {
		return h.depot.Library(r.Context())
	})
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}

	entries := f.Apply(v.([]library.Entry))
	var total int64
	for _, e := range entries {
		total += e.SizeBytes
	}
	response.OK(w, map[string]any{
		"entries":     entries,
		"count":       len(entries),
		"total_bytes": total,
	})
}

// HandleReconcile handles POST /api/v1/library/reconcile.
// @Summary Rebuild the library
// @Description Rescans the download root and job history
// @Tags library
// @Produce json
// @Success 200 {object} response.Response{data=library.Index}
// @Failure 503 {object} response.Response{error=response.Error}
// @Router /api/v1/library/reconcile [post].
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	idx, err := h.depot.Reconcile(r.Context())
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}
	h.cache.Set(LibraryCacheKey, idx.Entries)
	h.broker.Publish(events.LibraryReconciled, map[string]any{
		"entries":   len(idx.Entries),
		"untracked": len(idx.Untracked),
		"dropped":   len(idx.Dropped),
	})
	response.OK(w, idx)
}

// HandleForget handles DELETE /api/v1/library/{platform}/{title_id}.
// Files on disk are left alone.
// @Summary Forget an installed title
// @Tags library
// @Produce json
// @Success 200 {object} response.Response{data=object}
// @Failure 404 {object} response.Response{error=response.Error}
// @Router /api/v1/library/{platform}/{title_id} [delete].
func (h *Handlers) HandleForget(w http.ResponseWriter, r *http.Request, platform, titleID string) {
	p, err := jobs.ParsePlatform(platform)
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}
	if err := h.depot.Forget(r.Context(), titleID, p); err != nil {
		response.ErrorFromType(w, err)
		return
	}
	h.cache.Delete(LibraryCacheKey)
	response.OK(w, map[string]any{"title_id": titleID, "platform": p, "forgotten": true})
}

// HandleMarkPlayed handles POST /api/v1/library/{platform}/{title_id}/played.
// @Summary Record a launch
// @Tags library
// @Produce json
// @Success 200 {object} response.Response{data=library.Entry}
// @Failure 404 {object} response.Response{error=response.Error}
// @Router /api/v1/library/{platform}/{title_id}/played [post].
func (h *Handlers) HandleMarkPlayed(w http.ResponseWriter, r *http.Request, platform, titleID string) {
	p, err := jobs.ParsePlatform(platform)
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}
	entry, err := h.depot.MarkPlayed(r.Context(), titleID, p)
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}
	h.cache.Delete(LibraryCacheKey)
	response.OK(w, entry)
}
