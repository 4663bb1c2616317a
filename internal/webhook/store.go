package webhook

import (
	"sort"
	"sync"
	"time"

	"outbound-gateway/internal/common/logging"
)

// Default bounds for the two stores.
const (
	DefaultMaxConfigs    = 1000
	DefaultMaxDeliveries = 10000
)

// configStore holds registered webhook configs, bounded by least-recently-
// used eviction: when full, the oldest 10% by LastUsedAt are dropped before
// the new config is admitted.
type configStore struct {
	max    int
	logger logging.Logger

	mu      sync.Mutex
	configs map[string]*Config
}

func newConfigStore(max int, logger logging.Logger) *configStore {
	if max <= 0 {
		max = DefaultMaxConfigs
	}
	return &configStore{
		max:     max,
		logger:  logger,
		configs: make(map[string]*Config),
	}
}

func (s *configStore) put(cfg *Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[cfg.ID]; !exists && len(s.configs) >= s.max {
		s.evictLocked()
	}
	s.configs[cfg.ID] = cfg
}

// get returns a copy of the config and refreshes its LastUsedAt.
func (s *configStore) get(id string, now time.Time) (*Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[id]
	if !ok {
		return nil, false
	}
	cfg.LastUsedAt = now
	copied := *cfg
	return &copied, true
}

func (s *configStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, id)
}

func (s *configStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.configs)
}

// evictLocked drops the least-recently-used 10% of configs, at least one.
func (s *configStore) evictLocked() {
	count := len(s.configs) / 10
	if count < 1 {
		count = 1
	}

	ordered := make([]*Config, 0, len(s.configs))
	for _, cfg := range s.configs {
		ordered = append(ordered, cfg)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].LastUsedAt.Before(ordered[j].LastUsedAt)
	})

	for i := 0; i < count && i < len(ordered); i++ {
		delete(s.configs, ordered[i].ID)
	}
	s.logger.Warn("webhook config store full, evicted least-recently-used configs",
		logging.Int("evicted", count),
		logging.Int("max_configs", s.max),
	)
}

// deliveryStore holds delivery records, bounded by a three-phase eviction:
// terminal DELIVERED records go first, then up to half of the DEAD_LETTER
// records, and only as a last resort the oldest in-flight records. Dropping
// in-flight state silently cancels retries, so that phase is a capacity
// alarm and logs a warning.
type deliveryStore struct {
	max    int
	logger logging.Logger

	mu         sync.Mutex
	deliveries map[string]*Delivery
}

func newDeliveryStore(max int, logger logging.Logger) *deliveryStore {
	if max <= 0 {
		max = DefaultMaxDeliveries
	}
	return &deliveryStore{
		max:        max,
		logger:     logger,
		deliveries: make(map[string]*Delivery),
	}
}

func (s *deliveryStore) put(d *Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.deliveries[d.ID]; !exists && len(s.deliveries) >= s.max {
		s.evictLocked()
	}
	s.deliveries[d.ID] = d
}

func (s *deliveryStore) get(id string) (*Delivery, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// mutate runs fn on the live record under the store lock. Status
// transitions go through here so the sweep and the per-delivery timers
// cannot race on a half-applied update.
func (s *deliveryStore) mutate(id string, fn func(*Delivery)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return false
	}
	fn(d)
	return true
}

func (s *deliveryStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deliveries, id)
}

func (s *deliveryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries)
}

// snapshot returns copies of all deliveries matching the filter.
func (s *deliveryStore) snapshot(filter func(*Delivery) bool) []*Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Delivery, 0)
	for _, d := range s.deliveries {
		if filter == nil || filter(d) {
			out = append(out, d.clone())
		}
	}
	return out
}

// purge removes all deliveries matching the filter and reports how many.
func (s *deliveryStore) purge(filter func(*Delivery) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, d := range s.deliveries {
		if filter(d) {
			delete(s.deliveries, id)
			removed++
		}
	}
	return removed
}

func (s *deliveryStore) evictLocked() {
	// Phase one: DELIVERED records are terminal and not actionable.
	for id, d := range s.deliveries {
		if d.Status == StatusDelivered {
			delete(s.deliveries, id)
		}
	}
	if len(s.deliveries) < s.max {
		return
	}

	// Phase two: up to half of the dead letters, oldest first.
	dead := make([]*Delivery, 0)
	for _, d := range s.deliveries {
		if d.Status == StatusDeadLetter {
			dead = append(dead, d)
		}
	}
	sort.Slice(dead, func(i, j int) bool {
		return dead[i].CreatedAt.Before(dead[j].CreatedAt)
	})
	for i := 0; i < len(dead)/2 && len(s.deliveries) >= s.max; i++ {
		delete(s.deliveries, dead[i].ID)
	}
	if len(s.deliveries) < s.max {
		return
	}

	// Phase three: drop the oldest in-flight records. This silently
	// cancels their retries, which is a capacity alarm, not routine.
	inflight := make([]*Delivery, 0)
	for _, d := range s.deliveries {
		if d.Status == StatusPending || d.Status == StatusRetrying {
			inflight = append(inflight, d)
		}
	}
	sort.Slice(inflight, func(i, j int) bool {
		return inflight[i].CreatedAt.Before(inflight[j].CreatedAt)
	})

	dropped := 0
	for _, d := range inflight {
		if len(s.deliveries) < s.max {
			break
		}
		delete(s.deliveries, d.ID)
		dropped++
	}
	if dropped > 0 {
		s.logger.Warn("delivery store over capacity, dropped in-flight deliveries",
			logging.Int("dropped", dropped),
			logging.Int("max_deliveries", s.max),
		)
	}
}
