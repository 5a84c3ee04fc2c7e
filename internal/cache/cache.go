// Package cache provides a generic in-memory key-value store with per-entry
// expiry. It is used to deduplicate repeated reads of slow-changing data such
// as dashboard module summaries.
package cache

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTTL applies to entries stored without an explicit ttl.
const DefaultTTL = 5 * time.Minute

// Config controls cache behavior.
//   - DefaultTTL: ttl applied by Set (default 5 minutes).
//   - Now: time source, overridable for simulated-time tests (default time.Now).
type Config struct {
	DefaultTTL time.Duration
	Now        func() time.Time
}

type entry[T any] struct {
	data      T
	timestamp time.Time
	ttl       time.Duration
}

// Cache is a mutex-guarded map of expiring entries. Eviction is lazy: an
// expired entry is only removed when Get or Has observes it, so memory is
// bounded by the number of distinct keys written, not by time.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	cfg     Config
}

// New constructs an empty cache.
func New[T any](cfg Config) *Cache[T] {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache[T]{
		entries: make(map[string]entry[T]),
		cfg:     cfg,
	}
}

// Set stores data under key with the default ttl, overwriting any existing
// entry.
func (c *Cache[T]) Set(key string, data T) {
	c.SetWithTTL(key, data, 0)
}

// SetWithTTL stores data under key. A non-positive ttl falls back to the
// default.
func (c *Cache[T]) SetWithTTL(key string, data T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[T]{
		data:      data,
		timestamp: c.cfg.Now(),
		ttl:       ttl,
	}
}

// Get returns the stored value if its age is within the entry's ttl. Expired
// entries are deleted and reported as absent.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if c.cfg.Now().Sub(ent.timestamp) > ent.ttl {
		delete(c.entries, key)
		var zero T
		return zero, false
	}
	return ent.data, true
}

// Has reports whether a live entry exists for key.
func (c *Cache[T]) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Delete removes the entry for key, if any.
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[T])
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Key builds a deterministic cache key from a name prefix and a parameter
// map. Parameters are sorted by name and joined as "k:v|k:v", so two calls
// with equal values collide on the same key regardless of map iteration
// order.
func Key(prefix string, params map[string]any) string {
	if len(params) == 0 {
		return prefix
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s:%v", name, params[name]))
	}
	return prefix + ":" + strings.Join(parts, "|")
}
