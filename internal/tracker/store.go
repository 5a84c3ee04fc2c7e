// Package tracker is the application-facing progress store. It keeps the
// authoritative in-memory progress map, applies optimistic updates before the
// server confirms them, rolls them back on failure, and ingests unsolicited
// pushes from the realtime channel.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BalakrishnaCE/LMS-sub001/internal/dashboard"
	"github.com/BalakrishnaCE/LMS-sub001/internal/progress"
	"github.com/BalakrishnaCE/LMS-sub001/internal/realtime"
)

const defaultStatusPollInterval = time.Second

// Channel is the slice of the realtime channel the store depends on;
// *realtime.Channel satisfies it.
type Channel interface {
	UpdateProgress(ctx context.Context, upd progress.UpdateRequest) (progress.UpdateResponse, error)
	SubscribeToModule(moduleID string)
	UnsubscribeFromModule(moduleID string)
	AddListener(event string, fn realtime.Listener) realtime.ListenerHandle
	RemoveListener(h realtime.ListenerHandle)
	Status() realtime.Status
}

// SummarySource reads per-user module summaries; *dashboard.Client satisfies
// it.
type SummarySource interface {
	UserModules(ctx context.Context, userID string) ([]dashboard.ModuleSummary, error)
}

// Config wires the store. UserID scopes the whole store to one authenticated
// learner. StatusPollInterval bounds how stale the mirrored connection status
// may be (default 1s).
type Config struct {
	UserID             string
	Channel            Channel
	Summaries          SummarySource
	Logger             *zap.Logger
	Now                func() time.Time
	StatusPollInterval time.Duration
}

// stashEntry is the pre-update snapshot kept for rollback. gen ties it to the
// UpdateProgress call that wrote it, so an older in-flight call failing after
// a newer one overwrote the stash does not roll back to the wrong state.
type stashEntry struct {
	rec progress.Record
	gen uint64
}

// Store is safe for concurrent use. The live record map, the rollback stash,
// and the subscribed set are owned exclusively by the store; all channel
// interaction goes through the Channel interface.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	records    map[string]progress.Record
	stash      map[string]stashEntry
	gens       map[string]uint64
	subscribed map[string]struct{}
	lastErr    string
	updating   bool
	connStatus realtime.Status
	started    bool

	listener realtime.ListenerHandle
	stopPoll chan struct{}
	stopOnce sync.Once
}

// New constructs a Store and registers for unsolicited progress pushes. Call
// Start to begin mirroring the connection status and Close to tear down.
func New(cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = defaultStatusPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		cfg:        cfg,
		logger:     logger,
		records:    make(map[string]progress.Record),
		stash:      make(map[string]stashEntry),
		gens:       make(map[string]uint64),
		subscribed: make(map[string]struct{}),
		connStatus: cfg.Channel.Status(),
		stopPoll:   make(chan struct{}),
	}
	s.listener = cfg.Channel.AddListener(progress.EventUpdated, s.ingest)
	return s
}

// Start launches the connection-status polling loop. The channel does not
// broadcast status changes as an event, so the store polls it on a fixed
// interval; UI-visible staleness is bounded by StatusPollInterval.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.cfg.StatusPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopPoll:
				return
			case <-ticker.C:
				status := s.cfg.Channel.Status()
				s.mu.Lock()
				s.connStatus = status
				s.mu.Unlock()
			}
		}
	}()
}

// Close stops polling and deregisters the push listener.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopPoll)
		s.cfg.Channel.RemoveListener(s.listener)
	})
}

// UpdateProgress optimistically merges patch into the live record for
// moduleID, then syncs it through the channel. On a confirmed failure the
// pre-update snapshot is restored and the store's last-error slot is set. A
// disconnected channel queues the update for later delivery; that outcome is
// treated as accepted, not as a failure, so the optimistic value stays.
func (s *Store) UpdateProgress(ctx context.Context, moduleID string, patch progress.Patch) error {
	now := s.cfg.Now()

	s.mu.Lock()
	current, ok := s.records[moduleID]
	if !ok {
		current = progress.Record{
			ModuleID:  moduleID,
			UserID:    s.cfg.UserID,
			Status:    progress.StatusNotStarted,
			Timestamp: now,
		}
	}
	s.gens[moduleID]++
	gen := s.gens[moduleID]
	s.stash[moduleID] = stashEntry{rec: current, gen: gen}
	optimistic := patch.ApplyTo(current)
	optimistic.Timestamp = now
	optimistic.Error = ""
	s.records[moduleID] = optimistic
	s.updating = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.updating = false
		s.mu.Unlock()
	}()

	status := patch.Status
	if status == "" {
		status = progress.StatusInProgress
	}
	_, err := s.cfg.Channel.UpdateProgress(ctx, progress.UpdateRequest{
		ModuleID:    moduleID,
		UserID:      s.cfg.UserID,
		Lesson:      patch.CurrentLesson,
		Chapter:     patch.CurrentChapter,
		Content:     patch.Content,
		ContentType: patch.ContentType,
		Status:      status,
		Progress:    patch.Progress,
	})

	if errors.Is(err, realtime.ErrNotConnected) {
		s.mu.Lock()
		if st, stashed := s.stash[moduleID]; stashed && st.gen == gen {
			delete(s.stash, moduleID)
		}
		s.mu.Unlock()
		s.logger.Info("progress update queued for later delivery",
			zap.String("module", moduleID))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if st, stashed := s.stash[moduleID]; stashed && st.gen == gen {
			s.records[moduleID] = st.rec
			delete(s.stash, moduleID)
		}
		s.lastErr = err.Error()
		s.logger.Warn("progress update failed, rolled back",
			zap.String("module", moduleID), zap.Error(err))
		return fmt.Errorf("update module %q: %w", moduleID, err)
	}
	if st, stashed := s.stash[moduleID]; stashed && st.gen == gen {
		delete(s.stash, moduleID)
	}
	s.lastErr = ""
	return nil
}

// RefreshProgress resyncs one module from the dashboard. A record found in
// the response overwrites the live entry unconditionally; read failures are
// logged and leave the map untouched.
func (s *Store) RefreshProgress(ctx context.Context, moduleID string) error {
	summaries, err := s.cfg.Summaries.UserModules(ctx, s.cfg.UserID)
	if err != nil {
		s.logger.Warn("progress refresh failed",
			zap.String("module", moduleID), zap.Error(err))
		return fmt.Errorf("refresh module %q: %w", moduleID, err)
	}
	for _, summary := range summaries {
		if summary.ID != moduleID {
			continue
		}
		rec := summary.Record(s.cfg.UserID, s.cfg.Now())
		s.mu.Lock()
		s.records[moduleID] = rec
		s.mu.Unlock()
		return nil
	}
	return nil
}

// SubscribeToModule registers for live updates on moduleID and seeds the live
// map from the dashboard. Repeat subscriptions are no-ops. Seed-fetch
// failures are logged only; live updates will still arrive.
func (s *Store) SubscribeToModule(ctx context.Context, moduleID string) {
	s.mu.Lock()
	if _, ok := s.subscribed[moduleID]; ok {
		s.mu.Unlock()
		return
	}
	s.subscribed[moduleID] = struct{}{}
	s.mu.Unlock()

	s.cfg.Channel.SubscribeToModule(moduleID)
	if err := s.RefreshProgress(ctx, moduleID); err != nil {
		s.logger.Warn("initial progress fetch failed",
			zap.String("module", moduleID), zap.Error(err))
	}
}

// UnsubscribeFromModule stops live updates for moduleID.
func (s *Store) UnsubscribeFromModule(moduleID string) {
	s.mu.Lock()
	delete(s.subscribed, moduleID)
	s.mu.Unlock()
	s.cfg.Channel.UnsubscribeFromModule(moduleID)
}

// Progress returns the live record for moduleID.
func (s *Store) Progress(moduleID string) (progress.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[moduleID]
	return rec, ok
}

// IsModuleCompleted reports completion: status Completed or progress >= 100,
// either alone suffices.
func (s *Store) IsModuleCompleted(moduleID string) bool {
	rec, ok := s.Progress(moduleID)
	return ok && rec.Completed()
}

// ProgressPercentage returns the module's progress, 0 when absent or
// negative. Values above 100 pass through unclamped.
func (s *Store) ProgressPercentage(moduleID string) float64 {
	rec, ok := s.Progress(moduleID)
	if !ok || rec.Progress < 0 {
		return 0
	}
	return rec.Progress
}

// LastError returns the single most recent update failure, or "" after a
// success. It is one slot, not a history.
func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// IsUpdating reports whether an UpdateProgress call is in flight.
func (s *Store) IsUpdating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updating
}

// ConnectionStatus returns the mirrored channel status.
func (s *Store) ConnectionStatus() realtime.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connStatus
}

// ingest merges an unsolicited progress_updated push into the live map. Only
// fields present in the payload overwrite the existing record; a missing
// timestamp defaults to now.
func (s *Store) ingest(data []byte) {
	var probe struct {
		ModuleID  string     `json:"moduleId"`
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.ModuleID == "" {
		s.logger.Warn("discarding malformed progress push", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	merged, ok := s.records[probe.ModuleID]
	if !ok {
		merged = progress.Record{
			ModuleID: probe.ModuleID,
			UserID:   s.cfg.UserID,
			Status:   progress.StatusNotStarted,
		}
	}
	if err := json.Unmarshal(data, &merged); err != nil {
		s.logger.Warn("discarding malformed progress push",
			zap.String("module", probe.ModuleID), zap.Error(err))
		return
	}
	if probe.Timestamp == nil {
		merged.Timestamp = s.cfg.Now()
	}
	s.records[probe.ModuleID] = merged
}
