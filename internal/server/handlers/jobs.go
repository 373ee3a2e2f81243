package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentstation/depot/internal/server/filter"
	"github.com/agentstation/depot/internal/server/response"
	"github.com/agentstation/depot/pkg/jobs"
)

// HandleSubmitJob handles POST /api/v1/jobs.
// @Summary Submit a download
// @Description Enqueues a SteamCMD download. Resubmitting an active title returns the existing job.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body jobs.Request true "Download request"
// @Success 202 {object} response.Response{data=jobs.Job}
// @Failure 400 {object} response.Response{error=response.Error}
// @Failure 409 {object} response.Response{error=response.Error}
// @Failure 503 {object} response.Response{error=response.Error}
// @Router /api/v1/jobs [post].
func (h *Handlers) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		response.BadRequest(w, "Invalid request body", err.Error())
		return
	}

	id, err := h.depot.Submit(r.Context(), req)
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}

	job, err := h.depot.Status(id)
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}
	response.Accepted(w, job)
}

// HandleListJobs handles GET /api/v1/jobs.
// @Summary List jobs
// @Description Lists jobs in submission order, optionally filtered
// @Tags jobs
// @Produce json
// @Param state query string false "Comma separated states"
// @Param platform query string false "Platform"
// @Param title_id query string false "Steam app id"
// @Param limit query int false "Maximum results"
// @Param offset query int false "Results to skip"
// @Success 200 {object} response.Response{data=object}
// @Failure 400 {object} response.Response{error=response.Error}
// @Router /api/v1/jobs [get].
func (h *Handlers) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	f, err := filter.ParseJobFilter(r)
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}

	all := h.depot.Jobs()
	list := f.Apply(all)
	response.OK(w, map[string]any{
		"jobs":  list,
		"count": len(list),
		"total": len(all),
	})
}

// HandleGetJob handles GET /api/v1/jobs/{id}.
// @Summary Get a job
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Response{data=jobs.Job}
// @Failure 404 {object} response.Response{error=response.Error}
// @Router /api/v1/jobs/{id} [get].
func (h *Handlers) HandleGetJob(w http.ResponseWriter, _ *http.Request, id string) {
	job, err := h.depot.Status(id)
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}
	response.OK(w, job)
}

// HandleDeleteJob handles DELETE /api/v1/jobs/{id}. It cancels the job, or
// removes a finished job when purge=true.
// @Summary Cancel or purge a job
// @Tags jobs
// @Produce json
// @Param id path string true "Job ID"
// @Param purge query bool false "Remove a finished job"
// @Success 200 {object} response.Response{data=object}
// @Failure 404 {object} response.Response{error=response.Error}
// @Failure 409 {object} response.Response{error=response.Error}
// @Router /api/v1/jobs/{id} [delete].
func (h *Handlers) HandleDeleteJob(w http.ResponseWriter, r *http.Request, id string) {
	purge := false
	if v := r.URL.Query().Get("purge"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			response.BadRequest(w, "Invalid purge parameter", err.Error())
			return
		}
		purge = b
	}

	if purge {
		if err := h.depot.Purge(r.Context(), id); err != nil {
			response.ErrorFromType(w, err)
			return
		}
		response.OK(w, map[string]any{"id": id, "purged": true})
		return
	}

	if err := h.depot.Cancel(r.Context(), id); err != nil {
		response.ErrorFromType(w, err)
		return
	}
	job, err := h.depot.Status(id)
	if err != nil {
		response.ErrorFromType(w, err)
		return
	}
	response.OK(w, job)
}
