package cache_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-asyncops/pkg/cache"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests move time forward without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore[V any](t *testing.T, capacity int, clock *fakeClock) *cache.Store[V] {
	t.Helper()
	cfg := cache.Config{Capacity: capacity, DefaultTTL: time.Minute}
	if clock != nil {
		cfg.Now = clock.Now
	}
	s, err := cache.NewStore[V](cfg, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestStore_TTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestStore[string](t, 10, clock)

	s.Set(ctx, "health", "ok", 5*time.Second)

	v, ok := s.Get(ctx, "health")
	require.True(t, ok, "value should be readable immediately after Set")
	assert.Equal(t, "ok", v)

	clock.Advance(4 * time.Second)
	_, ok = s.Get(ctx, "health")
	assert.True(t, ok, "value should still be live before the TTL elapses")

	clock.Advance(time.Second)
	_, ok = s.Get(ctx, "health")
	assert.False(t, ok, "an entry must not be returned once now >= expiresAt")
	assert.Equal(t, 0, s.Metrics().Size, "expired entry is removed on read")
}

func TestStore_LRUEviction(t *testing.T) {
	ctx := context.Background()

	t.Run("capacity plus one evicts the least recently set key", func(t *testing.T) {
		s := newTestStore[int](t, 3, nil)
		for i := 0; i < 4; i++ {
			s.Set(ctx, fmt.Sprintf("k%d", i), i, 0)
		}
		_, ok := s.Get(ctx, "k0")
		assert.False(t, ok)
		for i := 1; i < 4; i++ {
			_, ok := s.Get(ctx, fmt.Sprintf("k%d", i))
			assert.True(t, ok, "k%d should remain", i)
		}
		assert.Equal(t, uint64(1), s.Metrics().Evictions)
	})

	t.Run("Get refreshes recency", func(t *testing.T) {
		// Arrange: capacity 2, k1 then k2, then touch k1.
		s := newTestStore[string](t, 2, nil)
		s.Set(ctx, "k1", "v1", 0)
		s.Set(ctx, "k2", "v2", 0)
		_, ok := s.Get(ctx, "k1")
		require.True(t, ok)

		// Act
		s.Set(ctx, "k3", "v3", 0)

		// Assert: k2 is the least recently used and goes.
		_, ok = s.Get(ctx, "k2")
		assert.False(t, ok, "k2 should have been evicted")
		v1, ok := s.Get(ctx, "k1")
		assert.True(t, ok)
		assert.Equal(t, "v1", v1)
		v3, ok := s.Get(ctx, "k3")
		assert.True(t, ok)
		assert.Equal(t, "v3", v3)
	})

	t.Run("overwrite does not evict", func(t *testing.T) {
		s := newTestStore[string](t, 2, nil)
		s.Set(ctx, "k1", "a", 0)
		s.Set(ctx, "k2", "b", 0)
		s.Set(ctx, "k1", "c", 0)
		assert.Equal(t, uint64(0), s.Metrics().Evictions)
		assert.Equal(t, 2, s.Metrics().Size)
		v, _ := s.Get(ctx, "k1")
		assert.Equal(t, "c", v)
	})
}

func TestStore_ZeroCapacityDisablesCache(t *testing.T) {
	ctx := context.Background()
	s := newTestStore[string](t, 0, nil)

	s.Set(ctx, "k", "v", 0)
	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		v, err := s.GetOrSet(ctx, "k", 0, func(ctx context.Context) (string, error) {
			calls.Add(1)
			return "fresh", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "fresh", v)
	}
	assert.Equal(t, int32(3), calls.Load(), "a disabled cache never stores factory results")
	assert.Equal(t, 0, s.Metrics().Size)
}

func TestStore_GetOrSet(t *testing.T) {
	ctx := context.Background()

	t.Run("concurrent misses share one factory call", func(t *testing.T) {
		s := newTestStore[int](t, 10, nil)
		var calls atomic.Int32
		release := make(chan struct{})

		factory := func(ctx context.Context) (int, error) {
			calls.Add(1)
			<-release
			return 42, nil
		}

		const callers = 20
		var wg sync.WaitGroup
		results := make([]int, callers)
		errs := make([]error, callers)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = s.GetOrSet(ctx, "report:daily", time.Minute, factory)
			}(i)
		}

		require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
		// Give the other callers time to join the in-flight call.
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		for i := 0; i < callers; i++ {
			require.NoError(t, errs[i])
			assert.Equal(t, 42, results[i])
		}

		v, ok := s.Get(ctx, "report:daily")
		assert.True(t, ok)
		assert.Equal(t, 42, v)
	})

	t.Run("factory error is returned and not cached", func(t *testing.T) {
		s := newTestStore[int](t, 10, nil)
		expectedErr := errors.New("store unavailable")

		_, err := s.GetOrSet(ctx, "k", 0, func(ctx context.Context) (int, error) {
			return 0, expectedErr
		})
		assert.ErrorIs(t, err, expectedErr)
		_, ok := s.Get(ctx, "k")
		assert.False(t, ok)

		v, err := s.GetOrSet(ctx, "k", 0, func(ctx context.Context) (int, error) {
			return 7, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("hit does not call the factory", func(t *testing.T) {
		s := newTestStore[int](t, 10, nil)
		s.Set(ctx, "k", 1, 0)
		v, err := s.GetOrSet(ctx, "k", 0, func(ctx context.Context) (int, error) {
			t.Fatal("factory must not run on a hit")
			return 0, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, v)
	})

	t.Run("waiter honours its own context", func(t *testing.T) {
		s := newTestStore[int](t, 10, nil)
		release := make(chan struct{})
		defer close(release)
		go func() {
			_, _ = s.GetOrSet(ctx, "slow", 0, func(ctx context.Context) (int, error) {
				<-release
				return 1, nil
			})
		}()

		waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := s.GetOrSet(waitCtx, "slow", 0, func(ctx context.Context) (int, error) {
			<-release
			return 1, nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestStore_Invalidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore[string](t, 100, nil)
	for _, k := range []string{"flags:list:a", "flags:list:b", "flags:item:1", "health:db", "health:queue"} {
		s.Set(ctx, k, "x", 0)
	}

	s.Invalidate(ctx, "health:db")
	_, ok := s.Get(ctx, "health:db")
	assert.False(t, ok)

	assert.Equal(t, 2, s.InvalidatePattern(ctx, "flags:list:"), "plain pattern acts as a prefix")
	assert.Equal(t, 1, s.InvalidatePattern(ctx, "*:item:*"), "glob pattern")
	_, ok = s.Get(ctx, "health:queue")
	assert.True(t, ok)
	assert.Equal(t, 1, s.Metrics().Size)
}

func TestStore_MetricsAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestStore[int](t, 10, clock)

	s.Set(ctx, "a", 1, time.Second)
	s.Set(ctx, "b", 2, time.Hour)
	_, _ = s.Get(ctx, "a")
	_, _ = s.Get(ctx, "b")
	_, _ = s.Get(ctx, "c")

	m := s.Metrics()
	assert.Equal(t, uint64(2), m.Hits)
	assert.Equal(t, uint64(1), m.Misses)
	assert.InDelta(t, 2.0/3.0, m.HitRate(), 0.0001)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Metrics().Size)
}

func TestStore_ShardedCapacity(t *testing.T) {
	ctx := context.Background()
	s, err := cache.NewStore[int](cache.Config{Capacity: 2048, Shards: 8}, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 5000; i++ {
		s.Set(ctx, fmt.Sprintf("key-%d", i), i, 0)
	}
	assert.LessOrEqual(t, s.Metrics().Size, 2048)
	assert.Equal(t, uint64(5000-s.Metrics().Size), s.Metrics().Evictions)
}
