// Package cache keeps bucket statistics so dashboard listings do not page
// through every bucket on each request
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/einyx/bucket-access-portal/internal/metrics"
	"github.com/einyx/bucket-access-portal/internal/storage"
)

const redisKeyPrefix = "portal:bucket-stats:"

// StatsCache stores bucket statistics with a TTL
type StatsCache interface {
	Get(ctx context.Context, bucket string) (*storage.BucketStats, bool)
	Set(ctx context.Context, bucket string, stats *storage.BucketStats, ttl time.Duration)
	Close() error
}

// MemoryStatsCache is a process-local StatsCache
type MemoryStatsCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	stats   storage.BucketStats
	expires time.Time
}

// NewMemoryStatsCache creates an empty in-memory cache
func NewMemoryStatsCache() *MemoryStatsCache {
	return &MemoryStatsCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *MemoryStatsCache) Get(_ context.Context, bucket string) (*storage.BucketStats, bool) {
	c.mu.RLock()
	entry, ok := c.entries[bucket]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expires) {
		c.mu.Lock()
		if current, still := c.entries[bucket]; still && !c.now().Before(current.expires) {
			delete(c.entries, bucket)
		}
		c.mu.Unlock()
		return nil, false
	}
	stats := entry.stats
	return &stats, true
}

func (c *MemoryStatsCache) Set(_ context.Context, bucket string, stats *storage.BucketStats, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[bucket] = memoryEntry{stats: *stats, expires: c.now().Add(ttl)}
}

func (c *MemoryStatsCache) Close() error { return nil }

// RedisStatsCache shares statistics between portal replicas
type RedisStatsCache struct {
	client *redis.Client
}

// NewRedisStatsCache connects to Redis and verifies the connection
func NewRedisStatsCache(ctx context.Context, opts *redis.Options) (*RedisStatsCache, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisStatsCache{client: client}, nil
}

// NewRedisStatsCacheWithClient wraps an existing client
func NewRedisStatsCacheWithClient(client *redis.Client) *RedisStatsCache {
	return &RedisStatsCache{client: client}
}

// Get treats every Redis failure as a miss
func (c *RedisStatsCache) Get(ctx context.Context, bucket string) (*storage.BucketStats, bool) {
	data, err := c.client.Get(ctx, redisKeyPrefix+bucket).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logrus.WithError(err).WithField("bucket", bucket).Warn("Redis stats lookup failed")
		}
		return nil, false
	}

	var stats storage.BucketStats
	if err := json.Unmarshal(data, &stats); err != nil {
		logrus.WithError(err).WithField("bucket", bucket).Warn("Discarding undecodable cached stats")
		return nil, false
	}
	return &stats, true
}

func (c *RedisStatsCache) Set(ctx context.Context, bucket string, stats *storage.BucketStats, ttl time.Duration) {
	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, redisKeyPrefix+bucket, data, ttl).Err(); err != nil {
		logrus.WithError(err).WithField("bucket", bucket).Warn("Redis stats store failed")
	}
}

func (c *RedisStatsCache) Close() error {
	return c.client.Close()
}

// StatsBackend serves BucketStats from a cache in front of a storage backend
type StatsBackend struct {
	storage.Backend
	cache   StatsCache
	ttl     time.Duration
	metrics *metrics.Metrics
}

var _ storage.Backend = (*StatsBackend)(nil)

// NewStatsBackend wraps backend. Listing calls pass through uncached.
func NewStatsBackend(backend storage.Backend, cache StatsCache, ttl time.Duration, m *metrics.Metrics) *StatsBackend {
	return &StatsBackend{Backend: backend, cache: cache, ttl: ttl, metrics: m}
}

// BucketStats returns cached stats or computes and caches them. Failures are not cached.
func (b *StatsBackend) BucketStats(ctx context.Context, bucket string) (*storage.BucketStats, error) {
	if stats, ok := b.cache.Get(ctx, bucket); ok {
		b.metrics.IncCacheHit("bucket_stats")
		return stats, nil
	}
	b.metrics.IncCacheMiss("bucket_stats")

	stats, err := b.Backend.BucketStats(ctx, bucket)
	if err != nil {
		return nil, err
	}
	b.cache.Set(ctx, bucket, stats, b.ttl)
	return stats, nil
}
