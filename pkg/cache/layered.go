package cache

import (
	"context"
	"time"
)

// LayeredCache reads through a memory L1 to Redis and writes through both. Without Redis it
// is the memory cache alone. Locks always live in the shared layer.
type LayeredCache struct {
	mem   *MemoryCache
	redis *RedisCache
	l1TTL time.Duration
}

var _ Service = (*LayeredCache)(nil)

// NewLayeredCache builds the cache; redisCache may be nil.
func NewLayeredCache(redisCache *RedisCache, opts ...LayeredOption) *LayeredCache {
	cfg := &layeredConfig{memorySize: 1000, memoryTTL: time.Minute}
	for _, opt := range opts {
		opt(cfg)
	}
	return &LayeredCache{
		mem:   NewMemoryCache(WithMemoryMaxSize(cfg.memorySize)),
		redis: redisCache,
		l1TTL: cfg.memoryTTL,
	}
}

// shared is the layer every replica sees.
func (lc *LayeredCache) shared() Service {
	if lc.redis == nil {
		return lc.mem
	}
	return lc.redis
}

// l1Expiration bounds how long L1 may serve a value that another replica could invalidate.
func (lc *LayeredCache) l1Expiration(expiration time.Duration) time.Duration {
	if lc.redis == nil {
		return expiration
	}
	if expiration <= 0 || expiration > lc.l1TTL {
		return lc.l1TTL
	}
	return expiration
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if lc.redis != nil {
		if err := lc.redis.Set(ctx, key, value, expiration); err != nil {
			return err
		}
	}
	return lc.mem.Set(ctx, key, value, lc.l1Expiration(expiration))
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if err := lc.mem.Get(ctx, key, dest); err == nil || lc.redis == nil {
		return err
	}
	if err := lc.redis.Get(ctx, key, dest); err != nil {
		return err
	}
	_ = lc.mem.Set(ctx, key, dest, lc.l1TTL)
	return nil
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.mem.Delete(ctx, keys...)
	if lc.redis == nil {
		return nil
	}
	return lc.redis.Delete(ctx, keys...)
}

func (lc *LayeredCache) DeleteByPattern(ctx context.Context, pattern string) error {
	_ = lc.mem.DeleteByPattern(ctx, pattern)
	if lc.redis == nil {
		return nil
	}
	return lc.redis.DeleteByPattern(ctx, pattern)
}

func (lc *LayeredCache) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	return lc.shared().TryLock(ctx, key, ttl)
}

func (lc *LayeredCache) Unlock(ctx context.Context, key, token string) error {
	return lc.shared().Unlock(ctx, key, token)
}

// Close stops the memory layer. The Redis client is closed by its owner.
func (lc *LayeredCache) Close() error {
	return lc.mem.Close()
}
