package cache

import (
	"container/list"
	"context"
	"path"
	"sync"
	"time"
)

// noExpiry stands in for a zero expiration.
const noExpiry = 7 * 24 * time.Hour

type entry struct {
	key      string
	value    []byte
	expireAt time.Time
}

func (e *entry) expired(now time.Time) bool { return now.After(e.expireAt) }

// MemoryCache implements Service in process with LRU eviction. It serves as the L1 of
// LayeredCache and as the whole cache in local mode.
type MemoryCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	lru     *list.List // front = most recently used
	maxSize int

	ticker    *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

var _ Service = (*MemoryCache)(nil)

func NewMemoryCache(opts ...MemoryOption) *MemoryCache {
	cfg := &memoryConfig{maxSize: 1000, cleanupInterval: 5 * time.Minute}
	for _, opt := range opts {
		opt(cfg)
	}
	mc := &MemoryCache{
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: cfg.maxSize,
		ticker:  time.NewTicker(cfg.cleanupInterval),
		done:    make(chan struct{}),
	}
	go mc.sweep()
	return mc
}

func (mc *MemoryCache) Set(_ context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encodeValue(value)
	if err != nil {
		return err
	}
	if expiration <= 0 {
		expiration = noExpiry
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.put(key, data, time.Now().Add(expiration))
	return nil
}

func (mc *MemoryCache) put(key string, data []byte, expireAt time.Time) {
	if el, ok := mc.items[key]; ok {
		e := el.Value.(*entry)
		e.value, e.expireAt = data, expireAt
		mc.lru.MoveToFront(el)
		return
	}
	for mc.lru.Len() >= mc.maxSize {
		mc.remove(mc.lru.Back())
	}
	mc.items[key] = mc.lru.PushFront(&entry{key: key, value: data, expireAt: expireAt})
}

// lookup returns the live entry for key, dropping it if it expired.
func (mc *MemoryCache) lookup(key string, now time.Time) *entry {
	el, ok := mc.items[key]
	if !ok {
		return nil
	}
	e := el.Value.(*entry)
	if e.expired(now) {
		mc.remove(el)
		return nil
	}
	return e
}

func (mc *MemoryCache) remove(el *list.Element) {
	if el == nil {
		return
	}
	mc.lru.Remove(el)
	delete(mc.items, el.Value.(*entry).key)
}

func (mc *MemoryCache) Get(_ context.Context, key string, dest interface{}) error {
	mc.mu.Lock()
	e := mc.lookup(key, time.Now())
	if e == nil {
		mc.mu.Unlock()
		return ErrCacheMiss
	}
	mc.lru.MoveToFront(mc.items[key])
	data := e.value
	mc.mu.Unlock()
	return decodeValue(data, dest)
}

func (mc *MemoryCache) Delete(_ context.Context, keys ...string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for _, k := range keys {
		mc.remove(mc.items[k])
	}
	return nil
}

// DeleteByPattern removes keys matching a glob pattern (Redis MATCH syntax for * and ?).
func (mc *MemoryCache) DeleteByPattern(_ context.Context, pattern string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	for k, el := range mc.items {
		if ok, _ := path.Match(pattern, k); ok {
			mc.remove(el)
		}
	}
	return nil
}

func (mc *MemoryCache) TryLock(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if mc.lookup(key, time.Now()) != nil {
		return "", false, nil
	}
	token := newLockToken()
	mc.put(key, []byte(token), time.Now().Add(ttl))
	return token, true, nil
}

func (mc *MemoryCache) Unlock(_ context.Context, key, token string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	e := mc.lookup(key, time.Now())
	if e == nil || string(e.value) != token {
		return ErrNotLockOwner
	}
	mc.remove(mc.items[key])
	return nil
}

func (mc *MemoryCache) sweep() {
	for {
		select {
		case <-mc.done:
			return
		case now := <-mc.ticker.C:
			mc.mu.Lock()
			for _, el := range mc.items {
				if el.Value.(*entry).expired(now) {
					mc.remove(el)
				}
			}
			mc.mu.Unlock()
		}
	}
}

// Len reports the number of stored keys, including expired ones not yet swept.
func (mc *MemoryCache) Len() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.items)
}

// Close stops the sweeper.
func (mc *MemoryCache) Close() error {
	mc.closeOnce.Do(func() {
		mc.ticker.Stop()
		close(mc.done)
	})
	return nil
}
