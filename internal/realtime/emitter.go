package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// Listener receives the JSON payload of an event it subscribed to.
type Listener func(data []byte)

// ListenerHandle identifies one registration so it can be removed later.
type ListenerHandle struct {
	event string
	id    int
}

// Emitter is a small pub/sub registry mapping event names to listeners. A
// listener that panics during Emit is recovered and logged; delivery to the
// remaining listeners for the event continues.
type Emitter struct {
	mu        sync.Mutex
	nextID    int
	listeners map[string]map[int]Listener
	logger    *zap.Logger
}

// NewEmitter constructs an empty registry.
func NewEmitter(logger *zap.Logger) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		listeners: make(map[string]map[int]Listener),
		logger:    logger,
	}
}

// AddListener registers fn for event and returns a handle for removal.
func (e *Emitter) AddListener(event string, fn Listener) ListenerHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	if e.listeners[event] == nil {
		e.listeners[event] = make(map[int]Listener)
	}
	e.listeners[event][e.nextID] = fn
	return ListenerHandle{event: event, id: e.nextID}
}

// RemoveListener drops the registration behind h. Removing a handle twice is
// a no-op.
func (e *Emitter) RemoveListener(h ListenerHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.listeners[h.event]; ok {
		delete(set, h.id)
		if len(set) == 0 {
			delete(e.listeners, h.event)
		}
	}
}

// Emit delivers data to every listener registered for event.
func (e *Emitter) Emit(event string, data []byte) {
	e.mu.Lock()
	set := e.listeners[event]
	fns := make([]Listener, 0, len(set))
	for _, fn := range set {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		e.deliver(event, fn, data)
	}
}

func (e *Emitter) deliver(event string, fn Listener, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked",
				zap.String("event", event),
				zap.Any("panic", r),
			)
		}
	}()
	fn(data)
}
