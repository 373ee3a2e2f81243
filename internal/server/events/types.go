// Package events provides a unified event system for real-time download updates.
//
// The broker connects depot's hooks to the transports (WebSocket, SSE)
// through a common pipeline so each transport only adapts the delivery.
package events

import "time"

// EventType represents the type of event.
type EventType string

// Event types.
const (
	// JobUpdated carries a job after any change, including progress.
	JobUpdated EventType = "job.updated"
	// LibraryUpdated carries the full library after it changed.
	LibraryUpdated EventType = "library.updated"
	// LibraryReconciled carries the index produced by a reconcile.
	LibraryReconciled EventType = "library.reconciled"

	// ClientConnected is sent to a transport client when it connects.
	ClientConnected EventType = "client.connected"
)

// Event is one message published to every subscriber.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}
