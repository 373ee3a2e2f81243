// Package handlers provides HTTP request handlers for the depot API.
package handlers

import (
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agentstation/depot"
	"github.com/agentstation/depot/cmd/application"
	"github.com/agentstation/depot/internal/server/cache"
	"github.com/agentstation/depot/internal/server/events"
	"github.com/agentstation/depot/internal/server/sse"
	ws "github.com/agentstation/depot/internal/server/websocket"
)

// LibraryCacheKey is the cache key holding the current library entries.
const LibraryCacheKey = "library:entries"

// maxRequestBytes bounds JSON request bodies.
const maxRequestBytes = 64 << 10

// Handlers provides access to all HTTP handlers.
type Handlers struct {
	app            application.Application
	depot          depot.Client
	cache          *cache.Cache
	broker         *events.Broker
	wsHub          *ws.Hub
	sseBroadcaster *sse.Broadcaster
	upgrader       websocket.Upgrader
	logger         *zerolog.Logger
}

// New creates a new Handlers instance.
func New(
	app application.Application,
	d depot.Client,
	cache *cache.Cache,
	broker *events.Broker,
	wsHub *ws.Hub,
	sseBroadcaster *sse.Broadcaster,
	upgrader websocket.Upgrader,
	logger *zerolog.Logger,
) *Handlers {
	return &Handlers{
		app:            app,
		depot:          d,
		cache:          cache,
		broker:         broker,
		wsHub:          wsHub,
		sseBroadcaster: sseBroadcaster,
		upgrader:       upgrader,
		logger:         logger,
	}
}
