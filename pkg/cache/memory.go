package cache

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"
)

type memoryItem struct {
	data      []byte
	createdAt time.Time
	expireAt  time.Time
}

func (m *memoryItem) expired(now time.Time) bool {
	return now.After(m.expireAt)
}

// MemoryCache implements Store with in-process storage, TTL expiry and LRU
// eviction once the entry cap is reached.
type MemoryCache struct {
	mu            sync.Mutex
	data          map[string]*memoryItem
	access        map[string]time.Time
	maxSize       int
	defaultTTL    time.Duration
	cleanupTicker *time.Ticker
	stopCh        chan struct{}
}

// NewMemoryCache creates an in-memory store.
func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &MemoryConfig{
		MaxSize:         1000,
		DefaultTTL:      time.Hour,
		CleanupInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	mc := &MemoryCache{
		data:          make(map[string]*memoryItem),
		access:        make(map[string]time.Time),
		maxSize:       cfg.MaxSize,
		defaultTTL:    cfg.DefaultTTL,
		cleanupTicker: time.NewTicker(cfg.CleanupInterval),
		stopCh:        make(chan struct{}),
	}
	go mc.sweep()
	return mc
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = mc.defaultTTL
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()
	if _, exists := mc.data[key]; !exists && len(mc.data) >= mc.maxSize {
		mc.evictLRU()
	}
	now := time.Now()
	mc.data[key] = &memoryItem{data: data, createdAt: now, expireAt: now.Add(ttl)}
	mc.access[key] = now
	return nil
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	item, exists := mc.data[key]
	if !exists || item.expired(time.Now()) {
		if exists {
			delete(mc.data, key)
			delete(mc.access, key)
		}
		mc.mu.Unlock()
		return ErrCacheMiss
	}
	mc.access[key] = time.Now()
	data := item.data
	mc.mu.Unlock()

	return json.Unmarshal(data, dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, key := range keys {
		delete(mc.data, key)
		delete(mc.access, key)
	}
	return nil
}

func (mc *MemoryCache) DeleteByPattern(_ context.Context, pattern string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for key := range mc.data {
		if ok, _ := path.Match(pattern, key); ok {
			delete(mc.data, key)
			delete(mc.access, key)
		}
	}
	return nil
}

func (mc *MemoryCache) Entries(_ context.Context, pattern string) ([]EntryInfo, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	now := time.Now()
	var out []EntryInfo
	for key, item := range mc.data {
		if item.expired(now) {
			continue
		}
		if ok, _ := path.Match(pattern, key); !ok {
			continue
		}
		out = append(out, EntryInfo{Key: key, CreatedAt: item.createdAt, ExpiresAt: item.expireAt})
	}
	return out, nil
}

func (mc *MemoryCache) evictLRU() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, at := range mc.access {
		if first || at.Before(oldestTime) {
			oldestKey, oldestTime = key, at
			first = false
		}
	}
	if oldestKey != "" {
		delete(mc.data, oldestKey)
		delete(mc.access, oldestKey)
	}
}

func (mc *MemoryCache) sweep() {
	for {
		select {
		case <-mc.stopCh:
			return
		case <-mc.cleanupTicker.C:
			now := time.Now()
			mc.mu.Lock()
			for key, item := range mc.data {
				if item.expired(now) {
					delete(mc.data, key)
					delete(mc.access, key)
				}
			}
			mc.mu.Unlock()
		}
	}
}

// Close stops the background sweep.
func (mc *MemoryCache) Close() error {
	mc.cleanupTicker.Stop()
	close(mc.stopCh)
	return nil
}
