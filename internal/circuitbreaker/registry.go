package circuitbreaker

import (
	"sync"
	"time"

	"outbound-gateway/internal/common/logging"
)

// DefaultMaxEndpoints caps the number of tracked endpoint origins.
const DefaultMaxEndpoints = 1024

// Registry holds one breaker per endpoint origin (scheme+host+port).
// Breakers are created lazily on first reference. The registry is bounded:
// once the cap is reached, the least-recently-used origins are evicted
// before a new one is admitted, so a pipeline contacting many distinct
// endpoints cannot grow the map without bound.
type Registry struct {
	config Config
	max    int
	logger logging.Logger

	mu       sync.Mutex
	breakers map[string]*registryEntry

	now func() time.Time
}

type registryEntry struct {
	breaker  *Breaker
	lastSeen time.Time
}

// NewRegistry creates an empty registry. maxEndpoints <= 0 uses the default cap.
func NewRegistry(config Config, maxEndpoints int, logger logging.Logger) *Registry {
	if maxEndpoints <= 0 {
		maxEndpoints = DefaultMaxEndpoints
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Registry{
		config:   config,
		max:      maxEndpoints,
		logger:   logger,
		breakers: make(map[string]*registryEntry),
		now:      time.Now,
	}
}

// For returns the breaker for the given origin, creating it if needed.
func (r *Registry) For(origin string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.breakers[origin]; ok {
		entry.lastSeen = r.now()
		return entry.breaker
	}

	// Evict before admitting so the map never exceeds the cap.
	for len(r.breakers) >= r.max {
		r.evictOldestLocked()
	}

	breaker := New(r.config)
	breaker.now = r.now
	r.breakers[origin] = &registryEntry{breaker: breaker, lastSeen: r.now()}
	return breaker
}

// Len returns the number of tracked origins.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}

// Stats returns a per-origin snapshot for observability.
func (r *Registry) Stats() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Stats, len(r.breakers))
	for origin, entry := range r.breakers {
		out[origin] = entry.breaker.Stats()
	}
	return out
}

func (r *Registry) evictOldestLocked() {
	var oldest string
	var oldestSeen time.Time
	for origin, entry := range r.breakers {
		if oldest == "" || entry.lastSeen.Before(oldestSeen) {
			oldest = origin
			oldestSeen = entry.lastSeen
		}
	}
	if oldest == "" {
		return
	}
	delete(r.breakers, oldest)
	r.logger.Warn("evicted circuit breaker state for least-recently-used origin",
		logging.String("origin", oldest),
		logging.Int("max_endpoints", r.max),
	)
}
