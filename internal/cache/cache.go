// Package cache provides TTL-keyed response caching for the lookup engine.
// Two implementations exist: an in-process map for single-instance
// deployments and a Redis-backed store for multi-instance ones.
package cache

import "time"

// Cache is the store contract shared by both implementations.
//
// A TTL of zero or less on Set is a no-op: callers that disable caching
// skip the cache path entirely, so nothing is ever written or consulted
// under that key. Expired entries are never returned from Get regardless
// of sweep timing; every read re-checks expiry.
type Cache interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
	Delete(key string)
	Size() int
	Stats() map[string]interface{}
	Stop()
}
