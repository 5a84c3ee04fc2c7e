// Package devserver is an in-memory reference backend for local development
// and integration tests. It speaks the full realtime wire contract
// (subscribe, update, acknowledge, broadcast) plus the dashboard summary API,
// with all records held in a mutex-guarded map.
package devserver

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BalakrishnaCE/LMS-sub001/internal/dashboard"
	"github.com/BalakrishnaCE/LMS-sub001/internal/progress"
	"github.com/BalakrishnaCE/LMS-sub001/internal/transport/gorillaws"
)

// Config wires the server. Registry is optional; when set /metrics serves it,
// otherwise the endpoint reports no collectors.
type Config struct {
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Now      func() time.Time
}

type session struct {
	id     string
	userID string
	conn   *gorillaws.Conn

	mu   sync.Mutex
	subs map[string]struct{}
}

func (s *session) subscribe(moduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[moduleID] = struct{}{}
}

func (s *session) unsubscribe(moduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, moduleID)
}

func (s *session) subscribed(moduleID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[moduleID]
	return ok
}

// Server holds the live sessions and the per-user progress records.
type Server struct {
	logger   *zap.Logger
	now      func() time.Time
	router   chi.Router
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	records  map[string]map[string]progress.Record
}

// New constructs a Server with routes and middleware installed.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		logger: logger,
		now:    now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
		records:  make(map[string]map[string]progress.Record),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))

	r.Get("/healthz", s.healthz)
	if cfg.Registry != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	} else {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/users/{user_id}/modules", s.userModules)
	})
	r.Get("/ws", s.upgrade)

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetRecord seeds or overwrites one progress record, for tests and fixtures.
func (s *Server) SetRecord(rec progress.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putRecordLocked(rec)
}

// Record returns the stored record for a user and module.
func (s *Server) Record(userID, moduleID string) (progress.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[userID][moduleID]
	return rec, ok
}

// SessionCount reports how many websocket sessions are live.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) userModules(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user_id")
	s.mu.Lock()
	byModule, ok := s.records[userID]
	summaries := make([]dashboard.ModuleSummary, 0, len(byModule))
	for _, rec := range byModule {
		summaries = append(summaries, dashboard.ModuleSummary{
			ID:               rec.ModuleID,
			Progress:         rec.Progress,
			Status:           string(rec.Status),
			CurrentLesson:    rec.CurrentLesson,
			CurrentChapter:   rec.CurrentChapter,
			TotalLessons:     rec.TotalLessons,
			CompletedLessons: rec.CompletedLessons,
		})
	}
	s.mu.Unlock()

	if !ok {
		writeJSON(s.logger, w, http.StatusNotFound, map[string]string{"error": "user not found"})
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"modules": summaries})
}

// upgrade promotes the request to a websocket session. The learner identity
// rides on the user_id query parameter; a missing one is rejected before the
// upgrade.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(s.logger, w, http.StatusBadRequest, map[string]string{"error": "user_id required"})
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := &session{
		id:     uuid.NewString(),
		userID: userID,
		conn:   gorillaws.Wrap(ws, s.logger),
		subs:   make(map[string]struct{}),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.logger.Info("session opened",
		zap.String("session", sess.id), zap.String("user", userID))

	s.bind(sess)
}

func (s *Server) bind(sess *session) {
	sess.conn.On(progress.EventSubscribe, func(data []byte) {
		var p progress.SubscribePayload
		if err := decode(data, &p); err != nil || p.ModuleID == "" {
			s.logger.Warn("bad subscribe payload", zap.String("session", sess.id))
			return
		}
		sess.subscribe(p.ModuleID)
	})
	sess.conn.On(progress.EventUnsubscribe, func(data []byte) {
		var p progress.SubscribePayload
		if err := decode(data, &p); err != nil || p.ModuleID == "" {
			return
		}
		sess.unsubscribe(p.ModuleID)
	})
	sess.conn.On(progress.EventUpdate, func(data []byte) {
		s.handleUpdate(sess, data)
	})
	sess.conn.On(progress.EventDisconnect, func([]byte) {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		s.logger.Info("session closed", zap.String("session", sess.id))
	})
}

func (s *Server) handleUpdate(sess *session, data []byte) {
	var upd progress.UpdateRequest
	if err := decode(data, &upd); err != nil || upd.ModuleID == "" {
		s.reject(sess, upd.ModuleID, "malformed update")
		return
	}
	if upd.Progress != nil && (*upd.Progress < 0 || *upd.Progress > 100) {
		s.reject(sess, upd.ModuleID, "progress out of range")
		return
	}
	userID := upd.UserID
	if userID == "" {
		userID = sess.userID
	}

	s.mu.Lock()
	rec, ok := s.records[userID][upd.ModuleID]
	if !ok {
		rec = progress.Record{
			ModuleID: upd.ModuleID,
			UserID:   userID,
			Status:   progress.StatusNotStarted,
		}
	}
	if upd.Lesson != "" {
		rec.CurrentLesson = upd.Lesson
		rec.CompletedLessons++
	}
	if upd.Chapter != "" {
		rec.CurrentChapter = upd.Chapter
	}
	if upd.Status != "" {
		rec.Status = upd.Status
	}
	if upd.Progress != nil {
		rec.Progress = *upd.Progress
	}
	if rec.Progress >= 100 {
		rec.Status = progress.StatusCompleted
	}
	rec.Timestamp = s.now()
	s.putRecordLocked(rec)
	peers := make([]*session, 0, len(s.sessions))
	for _, other := range s.sessions {
		if other.id != sess.id && other.userID == userID {
			peers = append(peers, other)
		}
	}
	s.mu.Unlock()

	ack := progress.UpdateResponse{
		ModuleID: upd.ModuleID,
		Success:  true,
		Progress: &rec.Progress,
	}
	if err := sess.conn.Emit(progress.EventUpdateResponse, ack); err != nil {
		s.logger.Warn("ack emit failed",
			zap.String("session", sess.id), zap.Error(err))
	}

	// Other sessions of the same learner see the change live.
	for _, peer := range peers {
		if !peer.subscribed(upd.ModuleID) {
			continue
		}
		if err := peer.conn.Emit(progress.EventUpdated, rec); err != nil {
			s.logger.Warn("broadcast emit failed",
				zap.String("session", peer.id), zap.Error(err))
		}
	}
}

func (s *Server) reject(sess *session, moduleID, reason string) {
	resp := progress.UpdateResponse{ModuleID: moduleID, Message: reason}
	if err := sess.conn.Emit(progress.EventUpdateResponse, resp); err != nil {
		s.logger.Warn("reject emit failed",
			zap.String("session", sess.id), zap.Error(err))
	}
}

func (s *Server) putRecordLocked(rec progress.Record) {
	byModule, ok := s.records[rec.UserID]
	if !ok {
		byModule = make(map[string]progress.Record)
		s.records[rec.UserID] = byModule
	}
	byModule[rec.ModuleID] = rec
}
