// Package transport declares the narrow bidirectional-socket abstraction the
// realtime channel depends on. Concrete implementations live in subpackages
// (gorillaws for production, memory for tests and local development) so the
// channel never touches a socket library directly.
package transport

// Handler receives the JSON-encoded payload of an inbound event. Lifecycle
// events (connect, disconnect, connect_error) may deliver an empty payload.
type Handler func(data []byte)

// Transport is a minimal event-oriented socket. Implementations must be safe
// for concurrent use; Emit may be called from multiple goroutines.
type Transport interface {
	// Emit sends an event with a JSON-marshalable payload to the peer.
	Emit(event string, payload any) error
	// On registers the handler for an event, replacing any previous handler.
	On(event string, h Handler)
	// Off removes the handler for an event; removing an absent handler is a
	// no-op.
	Off(event string)
	// Close tears down the connection. Implementations deliver a final
	// disconnect event to the peer where the medium allows it.
	Close() error
}
