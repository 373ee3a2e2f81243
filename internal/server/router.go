package server

import (
	"net/http"
	"strings"

	"github.com/agentstation/depot/internal/server/handlers"
	"github.com/agentstation/depot/internal/server/middleware"
	"github.com/agentstation/depot/internal/server/response"
)

// setupRouter creates the HTTP handler with routes and middleware.
func (s *Server) setupRouter() http.Handler {
	mux := http.NewServeMux()

	h := handlers.New(
		s.app,
		s.depot,
		s.cache,
		s.broker,
		s.wsHub,
		s.sseBroadcaster,
		s.upgrader,
		s.logger,
	)

	s.registerRoutes(mux, h)
	return s.applyMiddleware(mux)
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux, h *handlers.Handlers) {
	prefix := s.config.PathPrefix

	// Favicon handler (return 204 No Content to avoid 404 logs)
	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// Public health endpoints (no auth required)
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc(prefix+"/health", h.HandleHealth)
	mux.HandleFunc(prefix+"/ready", h.HandleReady)

	// Jobs endpoints
	mux.HandleFunc(prefix+"/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.HandleListJobs(w, r)
		case http.MethodPost:
			h.HandleSubmitJob(w, r)
		default:
			response.MethodNotAllowed(w, r.Method)
		}
	})

	mux.HandleFunc(prefix+"/jobs/", func(w http.ResponseWriter, r *http.Request) {
		parts := splitPath(strings.TrimPrefix(r.URL.Path, prefix+"/jobs/"))
		if len(parts) != 1 {
			response.NotFound(w, "Not found", r.URL.Path)
			return
		}
		switch r.Method {
		case http.MethodGet:
			h.HandleGetJob(w, r, parts[0])
		case http.MethodDelete:
			h.HandleDeleteJob(w, r, parts[0])
		default:
			response.MethodNotAllowed(w, r.Method)
		}
	})

	// Library endpoints
	mux.HandleFunc(prefix+"/library", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			response.MethodNotAllowed(w, r.Method)
			return
		}
		h.HandleListLibrary(w, r)
	})

	mux.HandleFunc(prefix+"/library/", func(w http.ResponseWriter, r *http.Request) {
		parts := splitPath(strings.TrimPrefix(r.URL.Path, prefix+"/library/"))

		switch {
		case len(parts) == 1 && parts[0] == "reconcile":
			// POST /library/reconcile
			if r.Method != http.MethodPost {
				response.MethodNotAllowed(w, r.Method)
				return
			}
			h.HandleReconcile(w, r)
		case len(parts) == 2:
			// DELETE /library/{platform}/{title_id}
			if r.Method != http.MethodDelete {
				response.MethodNotAllowed(w, r.Method)
				return
			}
			h.HandleForget(w, r, parts[0], parts[1])
		case len(parts) == 3 && parts[2] == "played":
			// POST /library/{platform}/{title_id}/played
			if r.Method != http.MethodPost {
				response.MethodNotAllowed(w, r.Method)
				return
			}
			h.HandleMarkPlayed(w, r, parts[0], parts[1])
		default:
			response.NotFound(w, "Not found", r.URL.Path)
		}
	})

	mux.HandleFunc(prefix+"/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			response.MethodNotAllowed(w, r.Method)
			return
		}
		h.HandleStats(w, r)
	})

	// API documentation
	mux.HandleFunc(prefix+"/openapi.json", getOnly(h.HandleOpenAPIJSON))
	mux.HandleFunc(prefix+"/openapi.yaml", getOnly(h.HandleOpenAPIYAML))

	// Real-time endpoints
	mux.HandleFunc(prefix+"/updates/ws", h.HandleWebSocket)
	mux.HandleFunc(prefix+"/updates/stream", h.HandleSSE)
}

// applyMiddleware wraps handler with middleware chain.
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	cfg := s.config
	var chain []func(http.Handler) http.Handler

	// Recovery, request ids and logging are always enabled.
	chain = append(chain,
		middleware.Recovery(s.logger),
		middleware.RequestID(),
		middleware.Logger(s.logger),
	)

	if cfg.CORSEnabled {
		corsConfig := middleware.DefaultCORSConfig()
		if len(cfg.CORSOrigins) > 0 {
			corsConfig.AllowedOrigins = cfg.CORSOrigins
		}
		chain = append(chain, middleware.CORS(corsConfig))
	}

	if cfg.AuthEnabled {
		authConfig := middleware.DefaultAuthConfig()
		authConfig.Enabled = true
		authConfig.Token = cfg.AuthToken
		if cfg.AuthHeader != "" {
			authConfig.HeaderName = cfg.AuthHeader
		}
		authConfig.PublicPaths = []string{
			"/health",
			cfg.PathPrefix + "/health",
			cfg.PathPrefix + "/ready",
			cfg.PathPrefix + "/openapi.json",
			cfg.PathPrefix + "/openapi.yaml",
		}
		chain = append(chain, middleware.Auth(authConfig, s.logger))
	}

	if s.rateLimiter != nil {
		chain = append(chain, middleware.RateLimit(s.rateLimiter))
	}

	return middleware.Chain(chain...)(handler)
}

func getOnly(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			response.MethodNotAllowed(w, r.Method)
			return
		}
		fn(w, r)
	}
}

// splitPath splits a URL path into parts, removing empty strings.
func splitPath(path string) []string {
	parts := []string{}
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}
