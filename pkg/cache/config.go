package cache

import (
	"net"
	"strconv"
	"time"
)

// RedisOption configures a RedisCache.
type RedisOption func(*redisConfig)

type redisConfig struct {
	addr         string
	password     string
	db           int
	poolSize     int
	minIdleConns int
	poolTimeout  time.Duration
	prefix       string
}

// WithRedisAddr sets host and port.
func WithRedisAddr(host string, port int) RedisOption {
	return func(c *redisConfig) {
		if host != "" && port > 0 {
			c.addr = net.JoinHostPort(host, strconv.Itoa(port))
		}
	}
}

// WithRedisAuth sets the password and logical database.
func WithRedisAuth(password string, db int) RedisOption {
	return func(c *redisConfig) {
		c.password = password
		c.db = db
	}
}

// WithRedisPool sizes the connection pool.
func WithRedisPool(size, minIdle int, timeout time.Duration) RedisOption {
	return func(c *redisConfig) {
		c.poolSize = size
		c.minIdleConns = minIdle
		c.poolTimeout = timeout
	}
}

// WithRedisPrefix namespaces every key written through the cache.
func WithRedisPrefix(prefix string) RedisOption {
	return func(c *redisConfig) { c.prefix = prefix }
}

// MemoryOption configures a MemoryCache.
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	maxSize         int
	cleanupInterval time.Duration
}

// WithMemoryMaxSize caps the number of entries; the least recently used one is evicted.
func WithMemoryMaxSize(size int) MemoryOption {
	return func(c *memoryConfig) {
		if size > 0 {
			c.maxSize = size
		}
	}
}

// WithMemoryCleanup sets how often expired entries are swept.
func WithMemoryCleanup(interval time.Duration) MemoryOption {
	return func(c *memoryConfig) {
		if interval > 0 {
			c.cleanupInterval = interval
		}
	}
}

// LayeredOption configures a LayeredCache.
type LayeredOption func(*layeredConfig)

type layeredConfig struct {
	memorySize int
	memoryTTL  time.Duration
}

// WithLayeredMemorySize sets the L1 size.
func WithLayeredMemorySize(size int) LayeredOption {
	return func(c *layeredConfig) {
		if size > 0 {
			c.memorySize = size
		}
	}
}

// WithLayeredMemoryTTL caps how long L1 keeps entries when a Redis layer is present.
func WithLayeredMemoryTTL(ttl time.Duration) LayeredOption {
	return func(c *layeredConfig) {
		if ttl > 0 {
			c.memoryTTL = ttl
		}
	}
}
