package events

// Subscriber is an interface for event consumers.
// Implementations adapt the unified event stream to a transport.
type Subscriber interface {
	// Send delivers an event to the subscriber. It must not block.
	Send(Event) error
	// Close cleanly shuts down the subscriber.
	Close() error
}
