package handlers

import (
	"net/http"

	"github.com/agentstation/depot/internal/embedded/openapi"
	"github.com/agentstation/depot/internal/server/response"
)

// HandleOpenAPIJSON handles GET /api/v1/openapi.json.
// @Summary Get OpenAPI document (JSON)
// @Tags meta
// @Produce json
// @Success 200 {object} object
// @Router /api/v1/openapi.json [get].
func (h *Handlers) HandleOpenAPIJSON(w http.ResponseWriter, _ *http.Request) {
	spec, err := openapi.SpecJSON()
	if err != nil {
		h.logger.Error().Err(err).Msg("Embedded OpenAPI document is not valid YAML")
		response.InternalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(spec)
}

// HandleOpenAPIYAML handles GET /api/v1/openapi.yaml.
// @Summary Get OpenAPI document (YAML)
// @Tags meta
// @Produce application/x-yaml
// @Success 200 {string} string
// @Router /api/v1/openapi.yaml [get].
func (h *Handlers) HandleOpenAPIYAML(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/x-yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(openapi.SpecYAML)
}
