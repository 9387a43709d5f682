package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache abstracts the Redis operations used for verification outcomes.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
}

// RedisCache stores outcomes in Redis under a fixed key namespace.
type RedisCache struct {
	client    *redis.Client
	namespace string
}

// NewRedisCache constructs a cache whose keys are prefixed with "qrggif:".
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, namespace: "qrggif:"}
}

// Set writes a value to Redis.
func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.client.Set(ctx, c.namespace+key, value, expiration).Err()
}

// Get retrieves a cached value; a missing key yields redis.Nil.
func (c *RedisCache) Get(ctx context.Context, key string) (string, error) {
	return c.client.Get(ctx, c.namespace+key).Result()
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
