// Package realtime owns the lifecycle of the bidirectional progress
// connection: subscription replay, an outbound update queue, reconnect
// backoff, and per-update acknowledgement correlation. Application code
// interacts with it through the tracker store; the socket itself is supplied
// as a transport.Transport so no socket library leaks in here.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BalakrishnaCE/LMS-sub001/internal/metrics"
	"github.com/BalakrishnaCE/LMS-sub001/internal/progress"
	"github.com/BalakrishnaCE/LMS-sub001/internal/transport"
)

// Status is the channel's connection state.
type Status string

// Connection states. Connecting is only entered at construction; a dropped
// connection flips straight to Disconnected while the redial scheduler runs.
const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// Sentinel errors surfaced by UpdateProgress.
var (
	// ErrNotConnected signals the update was accepted onto the outbound
	// queue for later delivery rather than sent. Callers should treat it as
	// deferral, not as a hard failure.
	ErrNotConnected = errors.New("not connected")
	// ErrUpdateRejected wraps a negative acknowledgement from the server.
	ErrUpdateRejected = errors.New("progress update rejected")
	// ErrAckTimeout fires when no acknowledgement arrives within AckTimeout.
	ErrAckTimeout = errors.New("progress update acknowledgement timed out")
)

// Dialer establishes a fresh transport, used for automatic reconnects.
type Dialer func(ctx context.Context) (transport.Transport, error)

// Config controls channel behavior.
//   - AckTimeout: wait for an update acknowledgement (default 30s; generous
//     because the ack may require a database round-trip on the server).
//   - DialTimeout: budget for one reconnect dial (default 10s).
//   - BackoffBase: first reconnect delay; attempt n waits base*2^(n-1)
//     (default 1s).
//   - MaxReconnectAttempts: redial cap, after which only a manual
//     SetTransport revives the channel (default 5).
//   - Dialer: optional; without it dropped connections stay down until
//     SetTransport is called.
type Config struct {
	AckTimeout           time.Duration
	DialTimeout          time.Duration
	BackoffBase          time.Duration
	MaxReconnectAttempts int
	Dialer               Dialer
	Logger               *zap.Logger
	Metrics              *metrics.Metrics
	Now                  func() time.Time
}

const (
	defaultAckTimeout  = 30 * time.Second
	defaultDialTimeout = 10 * time.Second
	defaultBackoffBase = time.Second
	defaultMaxAttempts = 5
)

type ackResult struct {
	resp progress.UpdateResponse
	err  error
}

type pendingAck struct {
	ch chan ackResult
}

// Channel multiplexes progress traffic over a single transport. All exported
// methods are safe for concurrent use.
type Channel struct {
	cfg     Config
	logger  *zap.Logger
	emitter *Emitter

	mu          sync.Mutex
	tr          transport.Transport
	status      Status
	subs        map[string]struct{}
	queue       []progress.UpdateRequest
	draining    bool
	attempts    int
	redialTimer *time.Timer
	pending     map[string][]*pendingAck

	// afterFunc is swapped by tests to capture scheduled redial delays.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New constructs a Channel in the connecting state. It cannot send until a
// transport is installed via Connect or SetTransport.
func New(cfg Config) *Channel {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg:       cfg,
		logger:    logger,
		emitter:   NewEmitter(logger),
		status:    StatusConnecting,
		subs:      make(map[string]struct{}),
		pending:   make(map[string][]*pendingAck),
		afterFunc: time.AfterFunc,
	}
}

// Connect dials the configured transport and installs it. A failed dial
// leaves the channel disconnected with the redial scheduler armed.
func (c *Channel) Connect(ctx context.Context) error {
	if c.cfg.Dialer == nil {
		return errors.New("realtime: no dialer configured")
	}
	tr, err := c.cfg.Dialer(ctx)
	if err != nil {
		c.mu.Lock()
		c.status = StatusDisconnected
		c.scheduleRedialLocked()
		c.mu.Unlock()
		c.cfg.Metrics.SetConnected(false)
		return fmt.Errorf("dial realtime transport: %w", err)
	}
	c.SetTransport(tr)
	return nil
}

// SetTransport installs (or, with nil, tears down) the transport. Installing
// a live transport marks the channel connected, resets the reconnect counter,
// wires the inbound handlers, replays every subscription, and kicks off a
// queue drain in the background.
func (c *Channel) SetTransport(tr transport.Transport) {
	c.mu.Lock()
	c.stopRedialLocked()
	old := c.tr
	c.tr = tr
	if tr == nil {
		c.status = StatusDisconnected
		c.mu.Unlock()
		c.cfg.Metrics.SetConnected(false)
		if old != nil {
			_ = old.Close()
		}
		c.logger.Info("realtime transport removed")
		return
	}
	c.status = StatusConnected
	c.attempts = 0
	subs := c.subscribedLocked()
	c.mu.Unlock()

	if old != nil && old != tr {
		_ = old.Close()
	}
	c.cfg.Metrics.SetConnected(true)
	c.bind(tr)
	for _, moduleID := range subs {
		c.emitSubscribe(tr, moduleID)
	}
	c.logger.Info("realtime transport installed", zap.Int("resubscribed", len(subs)))
	go c.ProcessUpdateQueue()
}

// Disconnect is a hard reset: transport closed, subscriptions and the
// outbound queue cleared, in-flight updates failed with ErrNotConnected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.stopRedialLocked()
	tr := c.tr
	c.tr = nil
	c.status = StatusDisconnected
	c.subs = make(map[string]struct{})
	c.queue = nil
	pend := c.pending
	c.pending = make(map[string][]*pendingAck)
	c.mu.Unlock()

	c.cfg.Metrics.SetConnected(false)
	c.cfg.Metrics.SetQueueDepth(0)
	for moduleID, acks := range pend {
		for _, ack := range acks {
			ack.ch <- ackResult{err: fmt.Errorf("module %q: %w", moduleID, ErrNotConnected)}
		}
	}
	if tr != nil {
		_ = tr.Close()
	}
	c.logger.Info("realtime channel disconnected")
}

// SubscribeToModule adds moduleID to the subscription set. When connected the
// subscribe signal goes out immediately; otherwise it is replayed on the next
// successful connect.
func (c *Channel) SubscribeToModule(moduleID string) {
	c.mu.Lock()
	c.subs[moduleID] = struct{}{}
	tr := c.tr
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if connected && tr != nil {
		c.emitSubscribe(tr, moduleID)
	}
}

// UnsubscribeFromModule removes moduleID from the subscription set. The wire
// signal is skipped while disconnected since the server holds no subscription
// to drop in that case.
func (c *Channel) UnsubscribeFromModule(moduleID string) {
	c.mu.Lock()
	delete(c.subs, moduleID)
	tr := c.tr
	connected := c.status == StatusConnected
	c.mu.Unlock()
	if connected && tr != nil {
		if err := tr.Emit(progress.EventUnsubscribe, progress.SubscribePayload{ModuleID: moduleID}); err != nil {
			c.logger.Warn("unsubscribe emit failed", zap.String("module", moduleID), zap.Error(err))
		}
	}
}

// UpdateProgress sends an update and waits for its acknowledgement. While
// disconnected the update lands on the outbound queue and the call fails with
// ErrNotConnected, which callers should read as "accepted for later
// delivery". A rejected acknowledgement returns ErrUpdateRejected; silence
// past AckTimeout returns ErrAckTimeout.
func (c *Channel) UpdateProgress(ctx context.Context, upd progress.UpdateRequest) (progress.UpdateResponse, error) {
	resp, err := c.sendUpdate(ctx, upd)
	if errors.Is(err, ErrNotConnected) {
		c.mu.Lock()
		c.queue = append(c.queue, upd)
		depth := len(c.queue)
		c.mu.Unlock()
		c.cfg.Metrics.SetQueueDepth(depth)
		c.cfg.Metrics.ObserveUpdate(metrics.ResultQueued, 0)
		c.logger.Debug("progress update queued while disconnected",
			zap.String("module", upd.ModuleID),
			zap.Int("queue_depth", depth),
		)
		return progress.UpdateResponse{}, fmt.Errorf("update for module %q queued: %w", upd.ModuleID, ErrNotConnected)
	}
	return resp, err
}

// sendUpdate performs the connected-path request/response exchange without
// touching the queue, so the drain loop can retry entries itself.
func (c *Channel) sendUpdate(ctx context.Context, upd progress.UpdateRequest) (progress.UpdateResponse, error) {
	if upd.Status == "" {
		upd.Status = progress.StatusInProgress
	}
	if upd.Timestamp.IsZero() {
		upd.Timestamp = c.cfg.Now()
	}

	c.mu.Lock()
	if c.status != StatusConnected || c.tr == nil {
		c.mu.Unlock()
		return progress.UpdateResponse{}, ErrNotConnected
	}
	ack := &pendingAck{ch: make(chan ackResult, 1)}
	c.pending[upd.ModuleID] = append(c.pending[upd.ModuleID], ack)
	tr := c.tr
	c.mu.Unlock()

	start := time.Now()
	if err := tr.Emit(progress.EventUpdate, upd); err != nil {
		c.removePending(upd.ModuleID, ack)
		c.cfg.Metrics.ObserveUpdate(metrics.ResultFailed, 0)
		return progress.UpdateResponse{}, fmt.Errorf("emit progress update: %w", err)
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case res := <-ack.ch:
		if res.err != nil {
			c.cfg.Metrics.ObserveUpdate(metrics.ResultFailed, 0)
			return res.resp, res.err
		}
		c.cfg.Metrics.ObserveUpdate(metrics.ResultAcked, time.Since(start))
		return res.resp, nil
	case <-timer.C:
		c.removePending(upd.ModuleID, ack)
		c.cfg.Metrics.ObserveUpdate(metrics.ResultTimeout, 0)
		return progress.UpdateResponse{}, fmt.Errorf("module %q: %w", upd.ModuleID, ErrAckTimeout)
	case <-ctx.Done():
		c.removePending(upd.ModuleID, ack)
		return progress.UpdateResponse{}, fmt.Errorf("module %q update: %w", upd.ModuleID, ctx.Err())
	}
}

// ProcessUpdateQueue drains queued updates strictly in FIFO order while the
// channel stays connected. The first failure that is not a disconnect pushes
// the entry back to the front and halts the drain so retries never overtake
// never-attempted entries. Overlapping drains are collapsed by a guard flag.
func (c *Channel) ProcessUpdateQueue() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.draining = false
		c.mu.Unlock()
	}()

	for {
		c.mu.Lock()
		if c.status != StatusConnected || len(c.queue) == 0 {
			depth := len(c.queue)
			c.mu.Unlock()
			c.cfg.Metrics.SetQueueDepth(depth)
			return
		}
		upd := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if _, err := c.sendUpdate(context.Background(), upd); err != nil {
			c.mu.Lock()
			c.queue = append([]progress.UpdateRequest{upd}, c.queue...)
			depth := len(c.queue)
			c.mu.Unlock()
			c.cfg.Metrics.SetQueueDepth(depth)
			if errors.Is(err, ErrNotConnected) {
				c.logger.Debug("queue drain paused: disconnected",
					zap.String("module", upd.ModuleID))
			} else {
				c.logger.Warn("queue drain halted on failed update",
					zap.String("module", upd.ModuleID), zap.Error(err))
			}
			return
		}
		c.mu.Lock()
		depth := len(c.queue)
		c.mu.Unlock()
		c.cfg.Metrics.SetQueueDepth(depth)
	}
}

// AddListener subscribes fn to an inbound event (progress_updated,
// progress_update_response, progress_update_error).
func (c *Channel) AddListener(event string, fn Listener) ListenerHandle {
	return c.emitter.AddListener(event, fn)
}

// RemoveListener drops a previously added listener.
func (c *Channel) RemoveListener(h ListenerHandle) {
	c.emitter.RemoveListener(h)
}

// Status returns the current connection status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsConnected reports whether the channel can send right now.
func (c *Channel) IsConnected() bool {
	return c.Status() == StatusConnected
}

// SubscribedModules returns the sorted subscription set.
func (c *Channel) SubscribedModules() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribedLocked()
}

// QueueLen returns the outbound queue depth.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// ReconnectAttempts returns how many redials have been scheduled since the
// last successful connect.
func (c *Channel) ReconnectAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func (c *Channel) subscribedLocked() []string {
	out := make([]string, 0, len(c.subs))
	for moduleID := range c.subs {
		out = append(out, moduleID)
	}
	sort.Strings(out)
	return out
}

func (c *Channel) emitSubscribe(tr transport.Transport, moduleID string) {
	if err := tr.Emit(progress.EventSubscribe, progress.SubscribePayload{ModuleID: moduleID}); err != nil {
		c.logger.Warn("subscribe emit failed", zap.String("module", moduleID), zap.Error(err))
	}
}

// bind wires the transport's inbound events. Handlers capture tr so events
// from a replaced transport are ignored.
func (c *Channel) bind(tr transport.Transport) {
	tr.On(progress.EventConnect, func([]byte) { c.handleConnect(tr) })
	tr.On(progress.EventDisconnect, func([]byte) { c.handleDrop(tr, "disconnect") })
	tr.On(progress.EventConnectError, func([]byte) { c.handleDrop(tr, "connect_error") })
	tr.On(progress.EventUpdated, func(data []byte) {
		c.emitter.Emit(progress.EventUpdated, data)
	})
	tr.On(progress.EventUpdateResponse, c.handleUpdateResponse)
	tr.On(progress.EventUpdateError, c.handleUpdateError)
}

func (c *Channel) handleConnect(tr transport.Transport) {
	c.mu.Lock()
	if c.tr != tr {
		c.mu.Unlock()
		return
	}
	c.status = StatusConnected
	c.attempts = 0
	c.stopRedialLocked()
	subs := c.subscribedLocked()
	c.mu.Unlock()

	c.cfg.Metrics.SetConnected(true)
	for _, moduleID := range subs {
		c.emitSubscribe(tr, moduleID)
	}
	c.logger.Info("realtime connection established", zap.Int("resubscribed", len(subs)))
	go c.ProcessUpdateQueue()
}

func (c *Channel) handleDrop(tr transport.Transport, reason string) {
	c.mu.Lock()
	if c.tr != tr {
		c.mu.Unlock()
		return
	}
	c.status = StatusDisconnected
	c.scheduleRedialLocked()
	c.mu.Unlock()

	c.cfg.Metrics.SetConnected(false)
	c.logger.Warn("realtime connection lost", zap.String("reason", reason))
	// Fail fast instead of letting in-flight updates ride out the ack
	// timeout; UpdateProgress re-queues them for delivery after reconnect.
	c.failAllPending()
}

func (c *Channel) handleUpdateResponse(data []byte) {
	c.emitter.Emit(progress.EventUpdateResponse, data)
	var resp progress.UpdateResponse
	if err := unmarshal(data, &resp); err != nil {
		c.logger.Warn("malformed progress_update_response", zap.Error(err))
		return
	}
	res := ackResult{resp: resp}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = "server reported failure"
		}
		res.err = fmt.Errorf("%w: %s", ErrUpdateRejected, msg)
	}
	c.settle(resp.ModuleID, res)
}

func (c *Channel) handleUpdateError(data []byte) {
	c.emitter.Emit(progress.EventUpdateError, data)
	var ue progress.UpdateError
	if err := unmarshal(data, &ue); err != nil {
		c.logger.Warn("malformed progress_update_error", zap.Error(err))
		return
	}
	c.settle(ue.ModuleID, ackResult{err: fmt.Errorf("%w: %s", ErrUpdateRejected, ue.Error)})
}

// settle delivers the acknowledgement to every in-flight update for moduleID.
// Responses for modules with nothing in flight only reach general listeners.
func (c *Channel) settle(moduleID string, res ackResult) {
	c.mu.Lock()
	acks := c.pending[moduleID]
	delete(c.pending, moduleID)
	c.mu.Unlock()
	for _, ack := range acks {
		ack.ch <- res
	}
}

func (c *Channel) removePending(moduleID string, target *pendingAck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	acks := c.pending[moduleID]
	for i, ack := range acks {
		if ack == target {
			c.pending[moduleID] = append(acks[:i], acks[i+1:]...)
			break
		}
	}
	if len(c.pending[moduleID]) == 0 {
		delete(c.pending, moduleID)
	}
}

func (c *Channel) failAllPending() {
	c.mu.Lock()
	pend := c.pending
	c.pending = make(map[string][]*pendingAck)
	c.mu.Unlock()
	for moduleID, acks := range pend {
		for _, ack := range acks {
			ack.ch <- ackResult{err: fmt.Errorf("module %q: %w", moduleID, ErrNotConnected)}
		}
	}
}

// scheduleRedialLocked arms the backoff timer for the next dial attempt.
// Caller holds c.mu. Attempt n fires after BackoffBase*2^(n-1); once the cap
// is hit no further attempts are scheduled and a manual SetTransport is
// required.
func (c *Channel) scheduleRedialLocked() {
	if c.cfg.Dialer == nil || c.redialTimer != nil {
		return
	}
	if c.attempts >= c.cfg.MaxReconnectAttempts {
		c.logger.Warn("reconnect attempts exhausted",
			zap.Int("attempts", c.attempts),
			zap.Int("max", c.cfg.MaxReconnectAttempts),
		)
		return
	}
	c.attempts++
	delay := c.cfg.BackoffBase * time.Duration(1<<(c.attempts-1))
	c.cfg.Metrics.IncReconnects()
	c.logger.Info("scheduling reconnect",
		zap.Int("attempt", c.attempts),
		zap.Duration("delay", delay),
	)
	c.redialTimer = c.afterFunc(delay, c.redial)
}

func (c *Channel) stopRedialLocked() {
	if c.redialTimer != nil {
		c.redialTimer.Stop()
		c.redialTimer = nil
	}
}

func unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(data, v)
}

func (c *Channel) redial() {
	c.mu.Lock()
	c.redialTimer = nil
	if c.status == StatusConnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	defer cancel()
	tr, err := c.cfg.Dialer(ctx)
	if err != nil {
		c.logger.Warn("reconnect dial failed", zap.Error(err))
		c.mu.Lock()
		c.scheduleRedialLocked()
		c.mu.Unlock()
		return
	}
	c.SetTransport(tr)
}
