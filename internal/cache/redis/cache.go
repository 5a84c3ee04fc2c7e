// Package redis is the shared-cache variant of the expiring cache, for
// deployments where several dev-server instances must agree on cached
// dashboard reads. Entries are JSON-encoded and expiry is delegated to Redis
// key TTLs, so there is no lazy-eviction pass here.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

// Cache stores JSON-encoded values of type T under prefixed keys.
type Cache[T any] struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// New wraps an existing client. An empty prefix defaults to "lms:"; a
// non-positive ttl defaults to five minutes.
func New[T any](client *redis.Client, prefix string, ttl time.Duration) *Cache[T] {
	if prefix == "" {
		prefix = "lms:"
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache[T]{client: client, prefix: prefix, defaultTTL: ttl}
}

// NewFromURL connects from a URL such as redis://localhost:6379/0.
func NewFromURL[T any](url, prefix string, ttl time.Duration) (*Cache[T], error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return New[T](redis.NewClient(opts), prefix, ttl), nil
}

// Set stores value under key with the default ttl.
func (c *Cache[T]) Set(ctx context.Context, key string, value T) error {
	return c.SetWithTTL(ctx, key, value, c.defaultTTL)
}

// SetWithTTL stores value under key for ttl (default ttl when non-positive).
func (c *Cache[T]) SetWithTTL(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache entry %q: %w", key, err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Get returns the live entry for key; the bool reports whether one existed.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return zero, false, fmt.Errorf("unmarshal cache entry %q: %w", key, err)
	}
	return value, true, nil
}

// Delete removes key; deleting an absent key is a no-op.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

// Ping reports whether the backing connection is alive.
func (c *Cache[T]) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (c *Cache[T]) Close() error {
	return c.client.Close()
}
