package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	CacheTTL time.Duration `yaml:"ttl"`
	// KeyPrefix namespaces every key so several caches can share one database.
	KeyPrefix string `yaml:"key_prefix"`
}

// RedisStore is a shared Cache backed by Redis, for deployments that run more
// than one process. Values are stored as JSON. Redis failures degrade to cache
// misses and are logged, never returned.
type RedisStore[V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	ttl         time.Duration
	prefix      string
	group       singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore[V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisStore[V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisStore[V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
		ttl:         ttl,
		prefix:      cfg.KeyPrefix,
	}, nil
}

// Get retrieves and decodes the value stored under key.
func (c *RedisStore[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	cachedData, err := c.redisClient.Get(ctx, c.prefix+key).Result()
	if err != nil {
		// A redis.Nil error is a normal cache miss. Any other error is a genuine problem.
		if !errors.Is(err, redis.Nil) {
			c.logger.Error().Err(err).Str("key", key).Msg("Unexpected Redis error during fetch.")
		}
		c.misses.Add(1)
		return zero, false
	}

	var value V
	if err := json.Unmarshal([]byte(cachedData), &value); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to unmarshal cached data.")
		c.misses.Add(1)
		return zero, false
	}
	c.hits.Add(1)
	return value, true
}

// Set stores the value as JSON with the given TTL, or the configured TTL when
// ttl is not positive.
func (c *RedisStore[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	if err := c.write(ctx, key, value, ttl); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to set data in Redis cache.")
	}
}

func (c *RedisStore[V]) write(ctx context.Context, key string, value V, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := c.redisClient.Set(ctx, c.prefix+key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set in redis: %w", err)
	}
	return nil
}

// GetOrSet coalesces concurrent misses within this process. Processes sharing
// the same Redis may still each run the factory once.
func (c *RedisStore[V]) GetOrSet(ctx context.Context, key string, ttl time.Duration, factory Factory[V]) (V, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, nil
	}
	ch := c.group.DoChan(key, func() (interface{}, error) {
		v, err := factory(ctx)
		if err != nil {
			return v, err
		}
		// Write synchronously so a caller that reads right after us sees the value.
		if writeErr := c.write(ctx, key, v, ttl); writeErr != nil {
			c.logger.Error().Err(writeErr).Str("key", key).Msg("Failed to write factory result to Redis.")
		}
		return v, nil
	})

	var zero V
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Invalidate deletes key.
func (c *RedisStore[V]) Invalidate(ctx context.Context, key string) {
	if err := c.redisClient.Del(ctx, c.prefix+key).Err(); err != nil {
		c.logger.Error().Err(err).Str("key", key).Msg("Failed to delete key from Redis.")
	}
}

// InvalidatePattern scans for matching keys and deletes them. Plain prefixes
// are turned into a trailing-wildcard match.
func (c *RedisStore[V]) InvalidatePattern(ctx context.Context, pattern string) int {
	match := c.prefix + pattern
	if !hasGlobMeta(pattern) {
		match += "*"
	}
	removed := 0
	iter := c.redisClient.Scan(ctx, 0, match, 100).Iterator()
	batch := make([]string, 0, 100)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		n, err := c.redisClient.Del(ctx, batch...).Result()
		if err != nil {
			c.logger.Error().Err(err).Str("pattern", pattern).Msg("Failed to delete matching keys from Redis.")
		}
		removed += int(n)
		batch = batch[:0]
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			flush()
		}
	}
	flush()
	if err := iter.Err(); err != nil {
		c.logger.Error().Err(err).Str("pattern", pattern).Msg("Redis scan failed during invalidation.")
	}
	return removed
}

// Metrics reports this process's hit and miss counts and the number of keys
// under the store's prefix. Redis performs its own expiry, so evictions are not tracked.
func (c *RedisStore[V]) Metrics() Metrics {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	size := 0
	iter := c.redisClient.Scan(ctx, 0, c.prefix+"*", 500).Iterator()
	for iter.Next(ctx) {
		if strings.HasPrefix(iter.Val(), c.prefix) {
			size++
		}
	}
	return Metrics{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}

// Close closes the Redis client connection.
func (c *RedisStore[V]) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
