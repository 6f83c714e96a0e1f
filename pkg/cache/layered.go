package cache

import (
	"context"
	"time"
)

// LayeredCache is a two-level Store: L1 in-process memory in front of L2
// Redis. Writes go through to both; L2 hits are backfilled into L1 with a
// short TTL so a restart never serves a stale L1 longer than L1TTL.
type LayeredCache struct {
	mem   *MemoryCache
	redis *RedisCache
	l1TTL time.Duration
}

// NewLayeredCache creates a layered store over an existing Redis store.
func NewLayeredCache(redisCache *RedisCache, opts ...LayeredOption) *LayeredCache {
	cfg := &LayeredConfig{
		MemoryMaxSize: 1000,
		L1TTL:         time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return &LayeredCache{
		mem:   NewMemoryCache(WithMemoryMaxSize(cfg.MemoryMaxSize)),
		redis: redisCache,
		l1TTL: cfg.L1TTL,
	}
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := lc.redis.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	l1 := ttl
	if l1 <= 0 || l1 > lc.l1TTL {
		l1 = lc.l1TTL
	}
	_ = lc.mem.Set(ctx, key, value, l1)
	return nil
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.mem.Get(ctx, key, dest); err == nil {
		return nil
	}
	if err := lc.redis.Get(ctx, key, dest); err != nil {
		return err
	}
	_ = lc.mem.Set(ctx, key, dest, lc.l1TTL)
	return nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.mem.Delete(ctx, keys...)
	return lc.redis.Delete(ctx, keys...)
}

func (lc *LayeredCache) DeleteByPattern(ctx context.Context, pattern string) error {
	_ = lc.mem.DeleteByPattern(ctx, pattern)
	return lc.redis.DeleteByPattern(ctx, pattern)
}

// Entries reports L2 state; L1 is a strict subset with shorter TTLs.
func (lc *LayeredCache) Entries(ctx context.Context, pattern string) ([]EntryInfo, error) {
	return lc.redis.Entries(ctx, pattern)
}

// Close closes both layers.
func (lc *LayeredCache) Close() error {
	_ = lc.mem.Close()
	return lc.redis.Close()
}
