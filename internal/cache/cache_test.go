package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// TestCacheSetGetWithinTTL verifies a fresh entry is returned as stored.
func TestCacheSetGetWithinTTL(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New[string](Config{Now: clk.Now})
	c.SetWithTTL("k", "v", time.Minute)

	got, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", got)
	require.True(t, c.Has("k"))
}

// TestCacheExpiry verifies lazy eviction once the ttl elapses.
func TestCacheExpiry(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New[int](Config{Now: clk.Now})
	c.SetWithTTL("k", 7, time.Minute)

	clk.Advance(time.Minute + time.Millisecond)
	_, ok := c.Get("k")
	require.False(t, ok)
	require.False(t, c.Has("k"))
	require.Zero(t, c.Len(), "expired entry should be deleted on read")
}

// TestCacheDefaultTTL checks Set falls back to the configured default.
func TestCacheDefaultTTL(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New[string](Config{DefaultTTL: 10 * time.Second, Now: clk.Now})
	c.Set("k", "v")

	clk.Advance(9 * time.Second)
	require.True(t, c.Has("k"))
	clk.Advance(2 * time.Second)
	require.False(t, c.Has("k"))
}

// TestCacheOverwriteResetsEntry ensures Set replaces both value and timestamp.
func TestCacheOverwriteResetsEntry(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	c := New[string](Config{Now: clk.Now})
	c.SetWithTTL("k", "old", time.Minute)
	clk.Advance(50 * time.Second)
	c.SetWithTTL("k", "new", time.Minute)
	clk.Advance(30 * time.Second)

	got, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "new", got)
}

// TestCacheDeleteAndClear covers explicit invalidation.
func TestCacheDeleteAndClear(t *testing.T) {
	t.Parallel()

	c := New[string](Config{})
	c.Set("a", "1")
	c.Set("b", "2")

	c.Delete("a")
	require.False(t, c.Has("a"))
	require.True(t, c.Has("b"))

	c.Clear()
	require.Zero(t, c.Len())
}

// TestKeyDeterminism asserts parameter order does not affect the key while
// values and parameter sets do.
func TestKeyDeterminism(t *testing.T) {
	t.Parallel()

	k1 := Key("p", map[string]any{"b": 2, "a": 1})
	k2 := Key("p", map[string]any{"a": 1, "b": 2})
	require.Equal(t, k1, k2)

	require.NotEqual(t, Key("p", map[string]any{"a": 1}), Key("p", map[string]any{"a": 2}))
	require.NotEqual(t, Key("p", map[string]any{"a": 1}), Key("p", map[string]any{"a": 1, "b": 1}))
	require.NotEqual(t, Key("p", map[string]any{"a": 1}), Key("q", map[string]any{"a": 1}))
	require.Equal(t, "p", Key("p", nil))
}
