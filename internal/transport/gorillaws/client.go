// Package gorillaws is the production transport: {event, data} JSON envelopes
// over a gorilla/websocket connection, with a ping/pong heartbeat so dead
// peers are detected without waiting on TCP timeouts.
package gorillaws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/BalakrishnaCE/LMS-sub001/internal/progress"
	"github.com/BalakrishnaCE/LMS-sub001/internal/transport"
)

// ErrClosed is returned by Emit after the connection closed.
var ErrClosed = errors.New("websocket transport closed")

const (
	writeWait    = 10 * time.Second
	pongWait     = 30 * time.Second
	pingInterval = pongWait * 9 / 10
)

// Envelope is the wire frame. Data holds the event payload verbatim;
// lifecycle events never cross the wire in this form, they are synthesized
// from the socket state.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn adapts one websocket connection to transport.Transport.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]transport.Handler
	closed   bool

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to url and starts the read and heartbeat loops. The returned
// Conn is live immediately; register handlers with On before traffic is
// expected.
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := wrap(ws, logger)
	c.dispatch(progress.EventConnect, nil)
	return c, nil
}

// Wrap adapts an already-established websocket connection, such as one
// accepted by an HTTP upgrade handler.
func Wrap(ws *websocket.Conn, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return wrap(ws, logger)
}

func wrap(ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:       ws,
		logger:   logger,
		handlers: make(map[string]transport.Handler),
		done:     make(chan struct{}),
	}
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readLoop()
	go c.heartbeat()
	return c
}

// Emit marshals payload into an envelope and writes it as one text message.
func (c *Conn) Emit(event string, payload any) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	var data json.RawMessage
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

// On registers h for event, replacing any previous handler.
func (c *Conn) On(event string, h transport.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// Off removes the handler for event.
func (c *Conn) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// Close sends a close frame and tears the connection down. The disconnect
// event is not dispatched for a local close; only a broken read loop reports
// one, mirroring a connection lost underneath us.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.closed = true
			c.mu.Unlock()
			_ = c.ws.Close()
			if !wasClosed {
				c.logger.Debug("websocket read loop ended", zap.Error(err))
				c.dispatch(progress.EventDisconnect, nil)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.logger.Warn("discarding malformed websocket frame", zap.Error(err))
			continue
		}
		if env.Event == "" {
			c.logger.Warn("discarding websocket frame without event name")
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Conn) heartbeat() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("heartbeat ping failed", zap.Error(err))
				return
			}
		}
	}
}

func (c *Conn) dispatch(event string, data []byte) {
	c.mu.Lock()
	h := c.handlers[event]
	c.mu.Unlock()
	if h != nil {
		h(data)
	}
}
