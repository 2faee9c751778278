// Package cache provides bounded, expiring caches for expensive read queries.
package cache

import (
	"context"
	"time"
)

// Factory produces the value for a key on a cache miss.
type Factory[V any] func(ctx context.Context) (V, error)

// Cache is the contract shared by the in-process Store and the Redis backed
// RedisStore. A miss is not an error: Get reports it through the bool result.
type Cache[V any] interface {
	// Get returns the value for key, or false if it is absent or expired.
	Get(ctx context.Context, key string) (V, bool)
	// Set inserts or overwrites key. A non-positive ttl selects the default TTL.
	Set(ctx context.Context, key string, value V, ttl time.Duration)
	// GetOrSet returns the cached value or calls factory once for all concurrent
	// callers missing the same key. Factory errors are returned and never cached.
	GetOrSet(ctx context.Context, key string, ttl time.Duration, factory Factory[V]) (V, error)
	// Invalidate removes key.
	Invalidate(ctx context.Context, key string)
	// InvalidatePattern removes every key matching pattern, which is either a
	// plain prefix or a glob, and returns how many were removed.
	InvalidatePattern(ctx context.Context, pattern string) int
	// Metrics returns a snapshot of the cache counters.
	Metrics() Metrics
}

// Metrics is a snapshot of cache activity since the cache was created.
type Metrics struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
}

// HitRate is hits / (hits + misses), or 0 before the first lookup.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}
