package cache

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Config holds the configuration for an in-process Store.
type Config struct {
	// Capacity bounds the number of entries. Zero disables the cache: every
	// Get misses and Set is a no-op.
	Capacity int `yaml:"capacity"`
	// Shards splits the key space across independently locked LRU lists.
	// Recency is tracked per shard, so eviction is strictly least-recently-used
	// only when Shards is 1. Defaults to 1 below 1024 entries and 16 above.
	Shards int `yaml:"shards"`
	// DefaultTTL applies to Set calls with a non-positive ttl.
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// SweepInterval enables a background sweep of expired entries when positive.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Now overrides the clock, for tests.
	Now func() time.Time `yaml:"-"`
}

// Store is a generic, thread-safe, in-process cache bounded by entry count,
// with per-entry TTL and LRU eviction. Misses for the same key are coalesced
// so that a factory runs once per miss window.
type Store[V any] struct {
	cfg    Config
	shards []*lruShard[V]
	group  singleflight.Group
	logger zerolog.Logger
	now    func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	size      atomic.Int64
}

// NewStore creates a new Store.
func NewStore[V any](cfg Config, logger zerolog.Logger) (*Store[V], error) {
	if cfg.Capacity < 0 {
		return nil, fmt.Errorf("cache capacity must not be negative, got %d", cfg.Capacity)
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
		if cfg.Capacity >= 1024 {
			cfg.Shards = 16
		}
	}
	if cfg.Capacity > 0 && cfg.Shards > cfg.Capacity {
		cfg.Shards = cfg.Capacity
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	s := &Store[V]{
		cfg:    cfg,
		logger: logger.With().Str("component", "CacheStore").Logger(),
		now:    now,
	}
	if cfg.Capacity > 0 {
		// Spread capacity so the shard sizes add up to exactly Capacity.
		s.shards = make([]*lruShard[V], cfg.Shards)
		for i := range s.shards {
			size := cfg.Capacity / cfg.Shards
			if i < cfg.Capacity%cfg.Shards {
				size++
			}
			s.shards[i] = newLRUShard[V](size)
		}
	} else {
		s.logger.Warn().Msg("Cache capacity is zero, caching is disabled.")
	}
	return s, nil
}

func (s *Store[V]) enabled() bool { return len(s.shards) > 0 }

func (s *Store[V]) shardFor(key string) *lruShard[V] {
	if len(s.shards) == 1 {
		return s.shards[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns the value for key. Expired entries are removed on read.
func (s *Store[V]) Get(_ context.Context, key string) (V, bool) {
	var zero V
	if !s.enabled() {
		s.misses.Add(1)
		return zero, false
	}
	v, ok, removed := s.shardFor(key).get(key, s.now())
	if removed > 0 {
		s.size.Add(int64(-removed))
	}
	if !ok {
		s.misses.Add(1)
		s.logger.Debug().Str("key", key).Msg("Cache miss.")
		return zero, false
	}
	s.hits.Add(1)
	return v, true
}

// Set inserts or overwrites key, evicting the least recently used entry of the
// key's shard if the shard is full.
func (s *Store[V]) Set(_ context.Context, key string, value V, ttl time.Duration) {
	if !s.enabled() {
		return
	}
	if ttl <= 0 {
		ttl = s.cfg.DefaultTTL
	}
	delta, evicted := s.shardFor(key).set(key, value, s.now().Add(ttl))
	if evicted {
		s.evictions.Add(1)
	}
	s.size.Add(int64(delta))
}

// GetOrSet is an atomic read-through. Concurrent callers that miss the same key
// wait for a single factory call and share its result or error. A waiter whose
// context ends stops waiting; the factory keeps running for the others.
func (s *Store[V]) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory Factory[V]) (V, error) {
	if v, ok := s.Get(ctx, key); ok {
		return v, nil
	}

	ch := s.group.DoChan(key, func() (interface{}, error) {
		// Another flight may have filled the key between our miss and now.
		if s.enabled() {
			if v, ok := s.shardFor(key).peek(key, s.now()); ok {
				return v, nil
			}
		}
		v, err := factory(ctx)
		if err != nil {
			return v, err
		}
		s.Set(ctx, key, v, ttl)
		return v, nil
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			s.logger.Debug().Err(res.Err).Str("key", key).Msg("Cache factory failed, result not cached.")
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Invalidate removes key immediately.
func (s *Store[V]) Invalidate(_ context.Context, key string) {
	if !s.enabled() {
		return
	}
	if s.shardFor(key).remove(key) {
		s.size.Add(-1)
	}
}

// InvalidatePattern removes every key matching pattern. A pattern without glob
// metacharacters is treated as a key prefix.
func (s *Store[V]) InvalidatePattern(_ context.Context, pattern string) int {
	if !s.enabled() {
		return 0
	}
	match := patternMatcher(pattern)
	removed := 0
	for _, shard := range s.shards {
		removed += shard.removeMatching(match)
	}
	s.size.Add(int64(-removed))
	s.logger.Debug().Str("pattern", pattern).Int("removed", removed).Msg("Invalidated cache keys.")
	return removed
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *Store[V]) Sweep() int {
	removed := 0
	now := s.now()
	for _, shard := range s.shards {
		removed += shard.removeExpired(now)
	}
	s.size.Add(int64(-removed))
	return removed
}

// Start runs the periodic expiry sweep until ctx is done. It returns
// immediately when no sweep interval is configured.
func (s *Store[V]) Start(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 || !s.enabled() {
		return
	}
	s.logger.Info().Dur("sweep_interval", s.cfg.SweepInterval).Msg("Starting cache sweeper...")
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug().Int("removed", n).Msg("Swept expired cache entries.")
				}
			}
		}
	}()
}

// Metrics returns a snapshot of the cache counters.
func (s *Store[V]) Metrics() Metrics {
	return Metrics{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Evictions: s.evictions.Load(),
		Size:      int(s.size.Load()),
	}
}

func hasGlobMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func patternMatcher(pattern string) func(string) bool {
	if !hasGlobMeta(pattern) {
		return func(key string) bool { return strings.HasPrefix(key, pattern) }
	}
	return func(key string) bool {
		ok, err := doublestar.Match(pattern, key)
		return err == nil && ok
	}
}
