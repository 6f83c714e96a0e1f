package cache

import "time"

// MemoryOption configures the in-memory store.
type MemoryOption func(*MemoryConfig)

// MemoryConfig holds in-memory store configuration.
type MemoryConfig struct {
	MaxSize         int
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
}

// WithMemoryMaxSize sets the entry cap before LRU eviction kicks in.
func WithMemoryMaxSize(size int) MemoryOption {
	return func(c *MemoryConfig) {
		c.MaxSize = size
	}
}

// WithMemoryDefaultTTL sets the TTL used when Set is called with ttl <= 0.
func WithMemoryDefaultTTL(ttl time.Duration) MemoryOption {
	return func(c *MemoryConfig) {
		c.DefaultTTL = ttl
	}
}

// WithMemoryCleanup sets the expired-entry sweep interval.
func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(c *MemoryConfig) {
		c.CleanupInterval = interval
	}
}

// RedisOption configures the Redis store.
type RedisOption func(*RedisConfig)

// RedisConfig holds Redis store configuration.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	Prefix       string
}

// WithRedisAddr sets the Redis address.
func WithRedisAddr(addr string) RedisOption {
	return func(c *RedisConfig) {
		c.Addr = addr
	}
}

// WithRedisAuth sets password and database number.
func WithRedisAuth(password string, db int) RedisOption {
	return func(c *RedisConfig) {
		c.Password = password
		c.DB = db
	}
}

// WithRedisPool sets connection pool settings.
func WithRedisPool(poolSize, minIdleConns int) RedisOption {
	return func(c *RedisConfig) {
		c.PoolSize = poolSize
		c.MinIdleConns = minIdleConns
	}
}

// WithRedisPrefix sets the key prefix.
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *RedisConfig) {
		c.Prefix = prefix
	}
}

// LayeredOption configures the layered store.
type LayeredOption func(*LayeredConfig)

// LayeredConfig holds layered store configuration.
type LayeredConfig struct {
	MemoryMaxSize int
	L1TTL         time.Duration
}

// WithLayeredMemorySize sets the L1 entry cap.
func WithLayeredMemorySize(size int) LayeredOption {
	return func(c *LayeredConfig) {
		c.MemoryMaxSize = size
	}
}

// WithLayeredL1TTL sets how long L2 hits linger in L1.
func WithLayeredL1TTL(ttl time.Duration) LayeredOption {
	return func(c *LayeredConfig) {
		c.L1TTL = ttl
	}
}
