// ABOUTME: Tests for the memory and Redis location caches and the caching locator
// ABOUTME: Redis behaviour is exercised against miniredis

package geo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestMemoryCache(t *testing.T, ttl time.Duration, maxSize int) (*MemoryCache, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 5, 4, 9, 30, 0, 0, time.UTC)}
	c := NewMemoryCache(ttl, maxSize, time.Hour)
	c.now = clk.Now
	t.Cleanup(c.Close)
	return c, clk
}

func TestMemoryCache_GetSet(t *testing.T) {
	c, _ := newTestMemoryCache(t, time.Hour, 10)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "203.0.113.7", "Paris, France"))
	got, ok, err := c.Get(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Paris, France", got)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c, clk := newTestMemoryCache(t, time.Hour, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "A"))
	clk.Advance(59 * time.Minute)
	_, ok, _ := c.Get(ctx, "a")
	assert.True(t, ok)

	clk.Advance(time.Minute)
	_, ok, _ = c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestMemoryCache_EvictsOldest(t *testing.T) {
	c, _ := newTestMemoryCache(t, time.Hour, 2)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "A"))
	require.NoError(t, c.Set(ctx, "b", "B"))
	require.NoError(t, c.Set(ctx, "a", "A2")) // refresh moves a to the back
	require.NoError(t, c.Set(ctx, "c", "C"))

	_, ok, _ := c.Get(ctx, "b")
	assert.False(t, ok, "b was oldest")
	got, ok, _ := c.Get(ctx, "a")
	assert.True(t, ok)
	assert.Equal(t, "A2", got)
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCache_Purge(t *testing.T) {
	c, clk := newTestMemoryCache(t, time.Minute, 10)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "old", "O"))
	clk.Advance(2 * time.Minute)
	require.NoError(t, c.Set(ctx, "new", "N"))

	c.purge()
	assert.Equal(t, 1, c.Len())
}

func TestMemoryCache_CloseTwice(t *testing.T) {
	c := NewMemoryCache(time.Minute, 10, time.Minute)
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestMemoryCache_Concurrent(t *testing.T) {
	c, _ := newTestMemoryCache(t, time.Hour, 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				key := fmt.Sprintf("10.0.%d.%d", i, j)
				_ = c.Set(ctx, key, key)
				_, _, _ = c.Get(ctx, key)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

func newTestRedisCache(t *testing.T, ttl time.Duration) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCache(client, ttl)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestRedisCache_GetSet(t *testing.T) {
	c, mr := newTestRedisCache(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	_, ok, err := c.Get(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "203.0.113.7", "Paris, France"))
	got, ok, err := c.Get(ctx, "203.0.113.7")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Paris, France", got)

	assert.Equal(t, time.Hour, mr.TTL(redisKeyPrefix+"203.0.113.7"))
}

func TestRedisCache_Expiry(t *testing.T) {
	c, mr := newTestRedisCache(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "A"))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_Unavailable(t *testing.T) {
	c, mr := newTestRedisCache(t, time.Minute)
	mr.Close()

	_, _, err := c.Get(context.Background(), "a")
	assert.Error(t, err)
}

type countingLocator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *countingLocator) Locate(ctx context.Context, ip string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return "", l.err
	}
	return "located " + ip, nil
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("cache down")
}

func (brokenCache) Set(context.Context, string, string) error {
	return errors.New("cache down")
}

func TestCachedLocator_HitsCache(t *testing.T) {
	next := &countingLocator{}
	cache, _ := newTestMemoryCache(t, time.Hour, 10)
	l := NewCachedLocator(next, cache, nil)

	for i := 0; i < 3; i++ {
		got, err := l.Locate(context.Background(), "203.0.113.7")
		require.NoError(t, err)
		assert.Equal(t, "located 203.0.113.7", got)
	}
	assert.Equal(t, 1, next.calls)
}

func TestCachedLocator_DoesNotCacheFailures(t *testing.T) {
	next := &countingLocator{err: ErrLookupFailed}
	cache, _ := newTestMemoryCache(t, time.Hour, 10)
	l := NewCachedLocator(next, cache, nil)

	_, err := l.Locate(context.Background(), "203.0.113.7")
	assert.ErrorIs(t, err, ErrLookupFailed)
	assert.Zero(t, cache.Len())
}

func TestCachedLocator_CacheErrorsFallThrough(t *testing.T) {
	next := &countingLocator{}
	l := NewCachedLocator(next, brokenCache{}, nil)

	got, err := l.Locate(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "located 203.0.113.7", got)
}

func TestCachedLocator_WithRedis(t *testing.T) {
	next := &countingLocator{}
	cache, _ := newTestRedisCache(t, time.Hour)
	l := NewCachedLocator(next, cache, nil)

	_, err := l.Locate(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	_, err = l.Locate(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
}
