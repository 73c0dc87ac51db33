package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/einyx/bucket-access-portal/internal/storage"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: s.Addr(),
	})
	return s, client
}

// countingBackend counts BucketStats calls and fails when err is set
type countingBackend struct {
	calls int
	err   error
}

func (c *countingBackend) ListBuckets(context.Context) ([]storage.BucketInfo, error) {
	return nil, nil
}

func (c *countingBackend) BucketRegion(context.Context, string) string {
	return storage.DefaultRegion
}

func (c *countingBackend) ListObjects(context.Context, string) ([]storage.ObjectInfo, error) {
	return nil, nil
}

func (c *countingBackend) BucketStats(context.Context, string) (*storage.BucketStats, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return storage.NewBucketStats(4, 2048), nil
}

func TestMemoryStatsCache_Expiry(t *testing.T) {
	c := NewMemoryStatsCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok := c.Get(ctx, "logs")
	assert.False(t, ok)

	c.Set(ctx, "logs", storage.NewBucketStats(2, 10), time.Minute)
	stats, ok := c.Get(ctx, "logs")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.ObjectCount)

	c.now = func() time.Time { return now.Add(time.Minute) }
	_, ok = c.Get(ctx, "logs")
	assert.False(t, ok)
	assert.Empty(t, c.entries)
}

func TestMemoryStatsCache_ReturnsCopy(t *testing.T) {
	c := NewMemoryStatsCache()
	ctx := context.Background()

	c.Set(ctx, "logs", storage.NewBucketStats(2, 10), time.Minute)
	stats, _ := c.Get(ctx, "logs")
	stats.ObjectCount = 99

	again, _ := c.Get(ctx, "logs")
	assert.Equal(t, int64(2), again.ObjectCount)
}

func TestRedisStatsCache_RoundTripAndTTL(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisStatsCacheWithClient(client)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "prod-payments", storage.NewBucketStats(7, 1536), 30*time.Second)

	stats, ok := c.Get(ctx, "prod-payments")
	require.True(t, ok)
	assert.Equal(t, int64(7), stats.ObjectCount)
	assert.Equal(t, "1.5 KiB", stats.Size)
	assert.Equal(t, 30*time.Second, mr.TTL(redisKeyPrefix+"prod-payments"))

	mr.FastForward(31 * time.Second)
	_, ok = c.Get(ctx, "prod-payments")
	assert.False(t, ok)
}

func TestRedisStatsCache_CorruptValueIsMiss(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisStatsCacheWithClient(client)
	defer c.Close()

	require.NoError(t, mr.Set(redisKeyPrefix+"logs", "{not json"))
	_, ok := c.Get(context.Background(), "logs")
	assert.False(t, ok)
}

func TestRedisStatsCache_ServerDownIsMiss(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisStatsCacheWithClient(client)
	defer c.Close()

	mr.Close()
	c.Set(context.Background(), "logs", storage.NewBucketStats(1, 1), time.Minute)
	_, ok := c.Get(context.Background(), "logs")
	assert.False(t, ok)
}

func TestNewRedisStatsCache_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStatsCache(context.Background(), &redis.Options{Addr: addr})
	assert.Error(t, err)
}

func TestStatsBackend_CachesSuccessOnly(t *testing.T) {
	inner := &countingBackend{}
	backend := NewStatsBackend(inner, NewMemoryStatsCache(), time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		stats, err := backend.BucketStats(ctx, "logs")
		require.NoError(t, err)
		assert.Equal(t, int64(4), stats.ObjectCount)
	}
	assert.Equal(t, 1, inner.calls)

	failing := &countingBackend{err: errors.New("throttled")}
	backend = NewStatsBackend(failing, NewMemoryStatsCache(), time.Minute, nil)
	_, err := backend.BucketStats(ctx, "logs")
	assert.Error(t, err)
	_, err = backend.BucketStats(ctx, "logs")
	assert.Error(t, err)
	assert.Equal(t, 2, failing.calls)
}
