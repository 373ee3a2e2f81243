package handlers

import (
	"net/http"

	"github.com/agentstation/depot/internal/server/response"
)

// HandleHealth handles GET /health and GET /api/v1/health.
// @Summary Liveness check
// @Description Reports 503 once the scheduler has stopped ticking
// @Tags health
// @Produce json
// @Success 200 {object} response.Response{data=object}
// @Failure 503 {object} response.Response{error=response.Error}
// @Router /api/v1/health [get].
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	health := h.depot.Health()
	if !health.Alive {
		response.ServiceUnavailable(w, "scheduler has not ticked since "+health.LastTick.Format("2006-01-02T15:04:05Z07:00"))
		return
	}
	response.OK(w, map[string]any{
		"status":    "healthy",
		"service":   "depot",
		"version":   h.app.Version(),
		"last_tick": health.LastTick,
	})
}

// HandleReady handles GET /api/v1/ready.
// @Summary Readiness check
// @Description Reports 503 while the state store rejects writes
// @Tags health
// @Produce json
// @Success 200 {object} response.Response{data=object}
// @Failure 503 {object} response.Response{error=response.Error}
// @Router /api/v1/ready [get].
func (h *Handlers) HandleReady(w http.ResponseWriter, _ *http.Request) {
	health := h.depot.Health()
	switch {
	case !health.Alive:
		response.ServiceUnavailable(w, "scheduler is not running")
		return
	case health.Degraded:
		response.ServiceUnavailable(w, "state store degraded: "+health.Reason)
		return
	}

	response.OK(w, map[string]any{
		"status": "ready",
		"queue":  health,
	})
}

// HandleStats handles GET /api/v1/stats.
// @Summary Server statistics
// @Tags health
// @Produce json
// @Success 200 {object} response.Response{data=object}
// @Router /api/v1/stats [get].
func (h *Handlers) HandleStats(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, map[string]any{
		"queue": h.depot.Health(),
		"cache": h.cache.GetStats(),
		"events": map[string]any{
			"published":   h.broker.EventsPublished(),
			"dropped":     h.broker.EventsDropped(),
			"queue_depth": h.broker.QueueDepth(),
			"subscribers": h.broker.SubscriberCount(),
		},
		"websocket_clients": h.wsHub.ClientCount(),
		"sse_clients":       h.sseBroadcaster.ClientCount(),
	})
}
