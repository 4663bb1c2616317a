package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxEntries int) (*MemoryCache, func(d time.Duration)) {
	t.Helper()
	c := NewMemoryCache(maxEntries, time.Hour)
	t.Cleanup(c.Stop)

	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return c, advance
}

func TestMemoryCache_GetSet(t *testing.T) {
	c, _ := newTestCache(t, 10)

	c.Set("k", map[string]interface{}{"tier": "gold"}, time.Minute)

	value, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"tier": "gold"}, value)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestMemoryCache_ExpiryCheckedOnRead(t *testing.T) {
	// The sweep interval is an hour; expiry must still be enforced by Get.
	c, advance := newTestCache(t, 10)

	c.Set("k", "v", 30*time.Second)

	advance(29 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestMemoryCache_NonPositiveTTLIsNoop(t *testing.T) {
	c, _ := newTestCache(t, 10)

	c.Set("zero", "v", 0)
	c.Set("negative", "v", -time.Second)

	assert.Equal(t, 0, c.Size())
	_, ok := c.Get("zero")
	assert.False(t, ok)
}

func TestMemoryCache_EvictsBeforeAdmit(t *testing.T) {
	c, advance := newTestCache(t, 2)

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Hour)

	// Nothing expired yet, so the entry closest to expiry goes.
	c.Set("c", 3, time.Hour)
	assert.Equal(t, 2, c.Size())
	_, ok := c.Get("a")
	assert.False(t, ok)

	// Once an entry has expired it is preferred for eviction.
	c.Delete("c")
	c.Set("short", 4, time.Second)
	advance(2 * time.Second)
	c.Set("d", 5, time.Hour)

	assert.Equal(t, 2, c.Size())
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("d")
	assert.True(t, ok)
}

func TestMemoryCache_Delete(t *testing.T) {
	c, _ := newTestCache(t, 10)

	c.Set("k", "v", time.Minute)
	c.Delete("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestMemoryCache_BackgroundSweep(t *testing.T) {
	c := NewMemoryCache(10, 20*time.Millisecond)
	defer c.Stop()

	c.Set("k", "v", 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return c.Size() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryCache_Stats(t *testing.T) {
	c, _ := newTestCache(t, 5)
	c.Set("k", "v", time.Minute)

	stats := c.Stats()
	assert.Equal(t, "memory", stats["type"])
	assert.Equal(t, 1, stats["size"])
	assert.Equal(t, 5, stats["max_entries"])
}

func TestMemoryCache_StopIsIdempotent(t *testing.T) {
	c := NewMemoryCache(10, time.Hour)
	c.Stop()
	c.Stop()
}
