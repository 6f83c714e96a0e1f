package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache implements Store on Redis.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache creates a Redis store and verifies connectivity.
func NewRedisCache(opts ...RedisOption) (*RedisCache, error) {
	cfg := &RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 5,
		Prefix:       "conflictcast",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisCache{client: client, prefix: cfg.Prefix}, nil
}

// Client returns the underlying redis client for shared use.
func (c *RedisCache) Client() *redis.Client { return c.client }

func (c *RedisCache) Close() error { return c.client.Close() }

func (c *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.wrapKey(key), data, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.client.Get(ctx, c.wrapKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	return json.Unmarshal(data, dest)
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	return c.client.Unlink(ctx, c.wrapKeys(keys...)...).Err()
}

func (c *RedisCache) DeleteByPattern(ctx context.Context, pattern string) error {
	keys, err := c.scan(ctx, c.wrapKey(pattern))
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Unlink(ctx, keys...).Err()
}

func (c *RedisCache) Entries(ctx context.Context, pattern string) ([]EntryInfo, error) {
	keys, err := c.scan(ctx, c.wrapKey(pattern))
	if err != nil {
		return nil, err
	}

	var out []EntryInfo
	now := time.Now()
	for _, key := range keys {
		ttl, err := c.client.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			continue
		}
		out = append(out, EntryInfo{Key: c.unwrapKey(key), ExpiresAt: now.Add(ttl)})
	}
	return out, nil
}

func (c *RedisCache) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (c *RedisCache) wrapKey(key string) string {
	return c.prefix + ":" + key
}

func (c *RedisCache) unwrapKey(key string) string {
	if len(key) > len(c.prefix)+1 && key[:len(c.prefix)+1] == c.prefix+":" {
		return key[len(c.prefix)+1:]
	}
	return key
}

func (c *RedisCache) wrapKeys(keys ...string) []string {
	wrapped := make([]string, len(keys))
	for i, key := range keys {
		wrapped[i] = c.wrapKey(key)
	}
	return wrapped
}
