// ABOUTME: Redis-backed location cache shared between relay instances
// ABOUTME: Entries are written with SET EX so Redis enforces the time-to-live

package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "assistant-relay:geo:"

// RedisCache stores locations in Redis.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a cache using client. A zero ttl stores entries without expiry.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns the cached location for ip.
func (c *RedisCache) Get(ctx context.Context, ip string) (string, bool, error) {
	location, err := c.client.Get(ctx, redisKeyPrefix+ip).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading geo cache: %w", err)
	}
	return location, true, nil
}

// Set stores location for ip with the configured ttl.
func (c *RedisCache) Set(ctx context.Context, ip, location string) error {
	if err := c.client.Set(ctx, redisKeyPrefix+ip, location, c.ttl).Err(); err != nil {
		return fmt.Errorf("writing geo cache: %w", err)
	}
	return nil
}

// Ping verifies the connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
