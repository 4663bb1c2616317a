package ratelimit

import (
	"sync"
	"time"

	"outbound-gateway/internal/common/logging"
)

// DefaultMaxDomains caps the number of tracked domains.
const DefaultMaxDomains = 1024

// Registry holds one limiter per domain (hostname only, not full origin).
// Limiters are created lazily; the map is bounded with least-recently-used
// eviction before a new domain is admitted.
type Registry struct {
	max    int
	logger logging.Logger

	mu       sync.Mutex
	limiters map[string]*registryEntry

	now func() time.Time
}

type registryEntry struct {
	limiter  *Limiter
	lastSeen time.Time
}

// NewRegistry creates an empty registry. maxDomains <= 0 uses the default cap.
func NewRegistry(maxDomains int, logger logging.Logger) *Registry {
	if maxDomains <= 0 {
		maxDomains = DefaultMaxDomains
	}
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Registry{
		max:      maxDomains,
		logger:   logger,
		limiters: make(map[string]*registryEntry),
		now:      time.Now,
	}
}

// For returns the limiter for the given domain, creating it with the given
// rate if it does not exist yet. The rate of an existing limiter is not
// changed: the first configuration to reference a domain pins its rate.
func (r *Registry) For(domain string, requestsPerSecond float64) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.limiters[domain]; ok {
		entry.lastSeen = r.now()
		return entry.limiter
	}

	for len(r.limiters) >= r.max {
		r.evictOldestLocked()
	}

	limiter := NewLimiter(requestsPerSecond)
	r.limiters[domain] = &registryEntry{limiter: limiter, lastSeen: r.now()}
	return limiter
}

// Len returns the number of tracked domains.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// Stats returns a per-domain snapshot for observability.
func (r *Registry) Stats() map[string]map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]map[string]interface{}, len(r.limiters))
	for domain, entry := range r.limiters {
		out[domain] = entry.limiter.Stats()
	}
	return out
}

func (r *Registry) evictOldestLocked() {
	var oldest string
	var oldestSeen time.Time
	for domain, entry := range r.limiters {
		if oldest == "" || entry.lastSeen.Before(oldestSeen) {
			oldest = domain
			oldestSeen = entry.lastSeen
		}
	}
	if oldest == "" {
		return
	}
	delete(r.limiters, oldest)
	r.logger.Warn("evicted rate limiter state for least-recently-used domain",
		logging.String("domain", oldest),
		logging.Int("max_domains", r.max),
	)
}
