package cache

import (
	"sync"
	"time"
)

// DefaultMaxEntries bounds the in-process cache.
const DefaultMaxEntries = 1000

// DefaultSweepInterval is how often the background sweep removes expired
// entries. The sweep is an optimization: reads never rely on it.
const DefaultSweepInterval = time.Minute

// MemoryCache is a thread-safe in-process TTL cache.
type MemoryCache struct {
	maxEntries int

	mu    sync.Mutex
	items map[string]*memoryEntry

	stopOnce sync.Once
	stopChan chan struct{}

	now func() time.Time
}

type memoryEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewMemoryCache creates a memory cache and starts its expiry sweep.
// maxEntries <= 0 uses the default bound.
func NewMemoryCache(maxEntries int, sweepInterval time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}

	c := &MemoryCache{
		maxEntries: maxEntries,
		items:      make(map[string]*memoryEntry),
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}

	go c.sweep(sweepInterval)

	return c
}

// Get retrieves a live value. Expired entries are removed and reported as
// a miss even if the sweep has not run yet.
func (c *MemoryCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return nil, false
	}

	if !c.now().Before(entry.expiresAt) {
		delete(c.items, key)
		return nil, false
	}

	return entry.value, true
}

// Set stores a value with the given TTL. A non-positive TTL is a no-op.
// When the cache is full, an eviction pass runs before the new entry is
// admitted so the map never exceeds its bound.
func (c *MemoryCache) Set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.evictLocked()
	}

	c.items[key] = &memoryEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
}

// Delete removes a key.
func (c *MemoryCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Size returns the current number of entries, live or not yet swept.
func (c *MemoryCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	return map[string]interface{}{
		"type":        "memory",
		"size":        len(c.items),
		"max_entries": c.maxEntries,
	}
}

// Stop shuts down the sweep goroutine.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
}

// evictLocked frees space: expired entries first, then the entry closest
// to expiry if nothing has expired yet.
func (c *MemoryCache) evictLocked() {
	now := c.now()
	removed := false
	for key, entry := range c.items {
		if !now.Before(entry.expiresAt) {
			delete(c.items, key)
			removed = true
		}
	}
	if removed {
		return
	}

	var soonestKey string
	var soonest time.Time
	for key, entry := range c.items {
		if soonestKey == "" || entry.expiresAt.Before(soonest) {
			soonestKey = key
			soonest = entry.expiresAt
		}
	}
	if soonestKey != "" {
		delete(c.items, soonestKey)
	}
}

func (c *MemoryCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopChan:
			return
		}
	}
}

func (c *MemoryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.items {
		if !now.Before(entry.expiresAt) {
			delete(c.items, key)
		}
	}
}

var _ Cache = (*MemoryCache)(nil)
