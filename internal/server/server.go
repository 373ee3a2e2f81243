// Package server provides the HTTP API for the depot download orchestrator.
// It exposes jobs and the library over JSON and streams job progress over
// WebSocket and Server-Sent Events.
package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentstation/depot"
	"github.com/agentstation/depot/cmd/application"
	"github.com/agentstation/depot/internal/server/cache"
	"github.com/agentstation/depot/internal/server/events"
	"github.com/agentstation/depot/internal/server/events/adapters"
	"github.com/agentstation/depot/internal/server/handlers"
	"github.com/agentstation/depot/internal/server/middleware"
	"github.com/agentstation/depot/internal/server/sse"
	ws "github.com/agentstation/depot/internal/server/websocket"
	"github.com/agentstation/depot/pkg/jobs"
	"github.com/agentstation/depot/pkg/library"
)

// Server holds the HTTP server state and dependencies.
type Server struct {
	app            application.Application
	depot          depot.Client
	cache          *cache.Cache
	broker         *events.Broker
	wsHub          *ws.Hub
	sseBroadcaster *sse.Broadcaster
	rateLimiter    *middleware.RateLimiter
	upgrader       websocket.Upgrader
	logger         *zerolog.Logger
	config         Config
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	startTime      time.Time
}

// New creates a server for the application's depot client. The client
// must be started separately.
func New(app application.Application, cfg Config) (*Server, error) {
	logger := app.Logger()

	d, err := app.Depot()
	if err != nil {
		return nil, err
	}

	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = DefaultConfig().PathPrefix
	}

	broker := events.NewBroker(logger)
	wsHub := ws.NewHub(logger)
	sseBroadcaster := sse.NewBroadcaster(logger)

	// Subscribe transports to broker
	broker.Subscribe(adapters.NewWebSocketSubscriber(wsHub))
	broker.Subscribe(adapters.NewSSESubscriber(sseBroadcaster))
	logger.Debug().Msg("WebSocket and SSE transports subscribed to event broker")

	ctx, cancel := context.WithCancel(context.Background())

	server := &Server{
		app:            app,
		depot:          d,
		cache:          cache.New(cfg.CacheTTL, cfg.CacheTTL*2),
		broker:         broker,
		wsHub:          wsHub,
		sseBroadcaster: sseBroadcaster,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg),
		},
		logger:    logger,
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
	if cfg.RateLimit > 0 {
		server.rateLimiter = middleware.NewRateLimiter(cfg.RateLimit, logger)
	}

	server.connectHooks()
	return server, nil
}

// connectHooks publishes depot events to the broker and keeps the library
// cache current.
func (s *Server) connectHooks() {
	s.depot.OnJobUpdated(func(job jobs.Job) {
		s.broker.Publish(events.JobUpdated, job)
	})

	s.depot.OnLibraryUpdated(func(entries []library.Entry) {
		s.cache.Set(handlers.LibraryCacheKey, entries)
		s.broker.Publish(events.LibraryUpdated, map[string]any{
			"entries": entries,
			"count":   len(entries),
		})
	})

	s.logger.Debug().Msg("Depot hooks connected to event broker")
}

// checkOrigin allows every origin unless CORS restricts them.
func checkOrigin(cfg Config) func(*http.Request) bool {
	if !cfg.CORSEnabled || len(cfg.CORSOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(cfg.CORSOrigins))
	for _, o := range cfg.CORSOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed["*"] || allowed[origin]
	}
}

// Start starts background services (broker, WebSocket hub, SSE broadcaster).
func (s *Server) Start() {
	services := []func(context.Context){s.broker.Run, s.wsHub.Run, s.sseBroadcaster.Run}
	if s.rateLimiter != nil {
		services = append(services, s.rateLimiter.Run)
	}
	for _, run := range services {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			run(s.ctx)
		}()
	}
	s.logger.Debug().Int("services", len(services)).Msg("Background services started")
}

// Handler returns the configured http.Handler with middleware chain applied.
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

// HTTPServer returns an http.Server for the configured address.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port)),
		Handler:           s.Handler(),
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       s.config.IdleTimeout,
	}
}

// Shutdown stops background services and waits for them, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down server background services")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Background services shut down successfully")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("Background services shutdown timed out")
		return ctx.Err()
	}
}

// Cache returns the server's cache instance.
func (s *Server) Cache() *cache.Cache {
	return s.cache
}

// Broker returns the event broker for publishing events.
func (s *Server) Broker() *events.Broker {
	return s.broker
}

// StartTime returns the server start time for uptime calculations.
func (s *Server) StartTime() time.Time {
	return s.startTime
}
