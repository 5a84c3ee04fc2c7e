// Package memory provides an in-process transport pair for tests and local
// development. The two endpoints deliver events to each other synchronously,
// which keeps test ordering deterministic.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/BalakrishnaCE/LMS-sub001/internal/progress"
	"github.com/BalakrishnaCE/LMS-sub001/internal/transport"
)

// ErrClosed is returned by Emit after either endpoint closed.
var ErrClosed = errors.New("memory transport closed")

// Endpoint is one side of an in-process connection.
type Endpoint struct {
	mu       sync.Mutex
	handlers map[string]transport.Handler
	peer     *Endpoint
	closed   bool
}

// NewPair returns two connected endpoints. Events emitted on one are
// dispatched to handlers registered on the other.
func NewPair() (*Endpoint, *Endpoint) {
	a := &Endpoint{handlers: make(map[string]transport.Handler)}
	b := &Endpoint{handlers: make(map[string]transport.Handler)}
	a.peer = b
	b.peer = a
	return a, b
}

// Emit marshals payload and delivers it to the peer's handler for event. The
// handler runs on the caller's goroutine.
func (e *Endpoint) Emit(event string, payload any) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	peer := e.peer
	e.mu.Unlock()

	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
	}
	peer.dispatch(event, data)
	return nil
}

// On registers h for event, replacing any previous handler.
func (e *Endpoint) On(event string, h transport.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = h
}

// Off removes the handler for event.
func (e *Endpoint) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Close shuts down both ends of the pair and delivers a final disconnect
// event to the peer, mirroring a dropped socket.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	peer := e.peer
	e.mu.Unlock()

	peer.mu.Lock()
	alreadyClosed := peer.closed
	peer.closed = true
	peer.mu.Unlock()
	if !alreadyClosed {
		peer.dispatch(progress.EventDisconnect, nil)
	}
	return nil
}

func (e *Endpoint) dispatch(event string, data []byte) {
	e.mu.Lock()
	h := e.handlers[event]
	e.mu.Unlock()
	if h != nil {
		h(data)
	}
}
