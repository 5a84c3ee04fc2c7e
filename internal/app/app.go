// Package app is the composition root for a learner session: it builds the
// cache, dashboard client, realtime channel, and tracker store from
// configuration and owns their teardown order.
package app

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BalakrishnaCE/LMS-sub001/internal/cache"
	rediscache "github.com/BalakrishnaCE/LMS-sub001/internal/cache/redis"
	"github.com/BalakrishnaCE/LMS-sub001/internal/config"
	"github.com/BalakrishnaCE/LMS-sub001/internal/dashboard"
	"github.com/BalakrishnaCE/LMS-sub001/internal/logging"
	"github.com/BalakrishnaCE/LMS-sub001/internal/metrics"
	"github.com/BalakrishnaCE/LMS-sub001/internal/realtime"
	"github.com/BalakrishnaCE/LMS-sub001/internal/tracker"
	"github.com/BalakrishnaCE/LMS-sub001/internal/transport"
	"github.com/BalakrishnaCE/LMS-sub001/internal/transport/gorillaws"
)

// App holds the long-lived services for one learner session.
type App struct {
	Logger   *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
	Channel  *realtime.Channel
	Tracker  *tracker.Store

	sharedCache *rediscache.Cache[[]dashboard.ModuleSummary]
}

// New builds the full service graph for userID. Nothing dials yet; call Start
// to bring the realtime connection up.
func New(cfg config.Config, userID string) (*App, error) {
	if userID == "" {
		return nil, fmt.Errorf("app: user id required")
	}
	logger, err := logging.New(cfg.Log.Development)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	dash := dashboard.New(dashboard.Config{
		BaseURL:  cfg.Dashboard.BaseURL,
		Cache:    cache.New[[]dashboard.ModuleSummary](cache.Config{DefaultTTL: cfg.Cache.DefaultTTL}),
		CacheTTL: cfg.Dashboard.CacheTTL,
		Logger:   logger,
	})

	var summaries tracker.SummarySource = dash
	var shared *rediscache.Cache[[]dashboard.ModuleSummary]
	if cfg.Cache.RedisURL != "" {
		shared, err = rediscache.NewFromURL[[]dashboard.ModuleSummary](
			cfg.Cache.RedisURL, cfg.Cache.Prefix, cfg.Dashboard.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("init shared cache: %w", err)
		}
		summaries = &sharedSummaries{inner: dash, cache: shared, logger: logger}
		logger.Info("shared summary cache enabled")
	}

	wsURL, err := sessionURL(cfg.Realtime.URL, userID)
	if err != nil {
		return nil, err
	}
	channel := realtime.New(realtime.Config{
		AckTimeout:           cfg.Realtime.AckTimeout,
		DialTimeout:          cfg.Realtime.DialTimeout,
		BackoffBase:          cfg.Realtime.BackoffBase,
		MaxReconnectAttempts: cfg.Realtime.MaxReconnectAttempts,
		Dialer: func(ctx context.Context) (transport.Transport, error) {
			return gorillaws.Dial(ctx, wsURL, logger)
		},
		Logger:  logger,
		Metrics: m,
	})

	store := tracker.New(tracker.Config{
		UserID:    userID,
		Channel:   channel,
		Summaries: summaries,
		Logger:    logger,
	})

	return &App{
		Logger:      logger,
		Registry:    registry,
		Metrics:     m,
		Channel:     channel,
		Tracker:     store,
		sharedCache: shared,
	}, nil
}

// Start dials the realtime backend and begins status mirroring.
func (a *App) Start(ctx context.Context) error {
	a.Tracker.Start()
	if err := a.Channel.Connect(ctx); err != nil {
		return fmt.Errorf("connect realtime channel: %w", err)
	}
	return nil
}

// Close tears services down: tracker first so its listener deregisters before
// the channel drops, then the channel, then the shared cache.
func (a *App) Close() {
	a.Tracker.Close()
	a.Channel.Disconnect()
	if a.sharedCache != nil {
		if err := a.sharedCache.Close(); err != nil {
			a.Logger.Warn("shared cache close failed", zap.Error(err))
		}
	}
	_ = a.Logger.Sync()
}

// sessionURL attaches the learner identity to the websocket endpoint.
func sessionURL(raw, userID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse realtime url %q: %w", raw, err)
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sharedSummaries layers the Redis cache over the dashboard client so every
// replica sees the same cached listings.
type sharedSummaries struct {
	inner  *dashboard.Client
	cache  *rediscache.Cache[[]dashboard.ModuleSummary]
	logger *zap.Logger
}

func (s *sharedSummaries) UserModules(ctx context.Context, userID string) ([]dashboard.ModuleSummary, error) {
	key := "dashboard.modules:" + userID
	if cached, ok, err := s.cache.Get(ctx, key); err != nil {
		// A broken cache degrades to direct reads.
		s.logger.Warn("shared cache read failed", zap.Error(err))
	} else if ok {
		return cached, nil
	}

	modules, err := s.inner.UserModules(ctx, userID)
	if err != nil {
		return nil, err
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.cache.Set(writeCtx, key, modules); err != nil {
		s.logger.Warn("shared cache write failed", zap.Error(err))
	}
	return modules, nil
}
