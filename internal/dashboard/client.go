// Package dashboard reads module summaries from the LMS dashboard API. It is
// the collaborator the tracker store uses to seed and resync its progress
// map; responses are deduplicated through the expiring cache since the data
// changes slowly compared to how often views poll it.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/BalakrishnaCE/LMS-sub001/internal/cache"
	"github.com/BalakrishnaCE/LMS-sub001/internal/progress"
)

// ErrNotFound signals the dashboard has no data for the requested user.
var ErrNotFound = errors.New("dashboard: user not found")

const defaultTimeout = 10 * time.Second

// ModuleSummary is one row of the dashboard listing, in the API's snake_case
// shape.
type ModuleSummary struct {
	ID               string  `json:"id"`
	Progress         float64 `json:"progress"`
	Status           string  `json:"status"`
	CurrentLesson    string  `json:"current_lesson,omitempty"`
	CurrentChapter   string  `json:"current_chapter,omitempty"`
	TotalLessons     int     `json:"total_lessons"`
	CompletedLessons int     `json:"completed_lessons"`
}

// Record converts the summary into a progress record owned by userID.
func (m ModuleSummary) Record(userID string, at time.Time) progress.Record {
	return progress.Record{
		ModuleID:         m.ID,
		UserID:           userID,
		Status:           progress.ParseStatus(m.Status),
		Progress:         m.Progress,
		CurrentLesson:    m.CurrentLesson,
		CurrentChapter:   m.CurrentChapter,
		TotalLessons:     m.TotalLessons,
		CompletedLessons: m.CompletedLessons,
		Timestamp:        at,
	}
}

// Config wires the client.
//   - BaseURL: dashboard origin, e.g. http://localhost:8080.
//   - Cache: optional read-through cache of summary lists.
//   - CacheTTL: per-entry ttl for cached lists (cache default when zero).
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Cache      *cache.Cache[[]ModuleSummary]
	CacheTTL   time.Duration
	Logger     *zap.Logger
}

// Client fetches per-user module summaries over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// UserModules returns the module summaries for userID, serving from the cache
// when a live entry exists.
func (c *Client) UserModules(ctx context.Context, userID string) ([]ModuleSummary, error) {
	key := cacheKey(userID)
	if c.cfg.Cache != nil {
		if cached, ok := c.cfg.Cache.Get(key); ok {
			return cached, nil
		}
	}

	endpoint := fmt.Sprintf("%s/v1/users/%s/modules", c.cfg.BaseURL, url.PathEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build dashboard request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch dashboard modules: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("dashboard returned status %d", resp.StatusCode)
	}

	var payload struct {
		Modules []ModuleSummary `json:"modules"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode dashboard response: %w", err)
	}
	if c.cfg.Cache != nil {
		c.cfg.Cache.SetWithTTL(key, payload.Modules, c.cfg.CacheTTL)
	}
	c.logger.Debug("dashboard modules fetched",
		zap.String("user", userID),
		zap.Int("modules", len(payload.Modules)),
	)
	return payload.Modules, nil
}

// Invalidate drops the cached summary list for userID so the next read hits
// the network. Used by manual refresh.
func (c *Client) Invalidate(userID string) {
	if c.cfg.Cache != nil {
		c.cfg.Cache.Delete(cacheKey(userID))
	}
}

func cacheKey(userID string) string {
	return cache.Key("dashboard.modules", map[string]any{"user": userID})
}
