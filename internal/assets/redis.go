package assets

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements asset caching using Redis. Entries carry no
// TTL; they are evicted explicitly when the source data changes.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis-backed asset cache.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisCache{client: client, prefix: "asset:"}, nil
}

// NewRedisCacheWithClient creates a cache from an existing Redis client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "asset:"}
}

func (c *RedisCache) key(key string) string {
	return c.prefix + key
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Asset, bool) {
	jsonData, err := c.client.Get(ctx, c.key(key)).Result()
	if err != nil {
		return nil, false
	}

	var asset Asset
	if err := json.Unmarshal([]byte(jsonData), &asset); err != nil {
		return nil, false
	}
	return &asset, true
}

func (c *RedisCache) Put(ctx context.Context, key string, asset Asset) error {
	jsonData, err := json.Marshal(asset)
	if err != nil {
		return fmt.Errorf("marshal asset: %w", err)
	}
	if err := c.client.Set(ctx, c.key(key), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("cache asset: %w", err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		return fmt.Errorf("invalidate asset: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
