package cache

import (
	"sync"
	"time"
)

type cacheItem[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache 带过期时间的内存缓存。过期项在访问或 Set 时惰性清理，不启动后台 goroutine。
type TTLCache[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]cacheItem[V]
	ttl   time.Duration
	now   func() time.Time
	sets  int
}

// New ttl <= 0 时缓存不保存任何值
func New[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		items: make(map[K]cacheItem[V]),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Get 读取未过期的值
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(item.expiresAt) {
		delete(c.items, key)
		var zero V
		return zero, false
	}
	return item.value, true
}

func (c *TTLCache[K, V]) Set(key K, value V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.items[key] = cacheItem[V]{value: value, expiresAt: now.Add(c.ttl)}
	c.sets++
	if c.sets%256 == 0 {
		for k, item := range c.items {
			if !now.Before(item.expiresAt) {
				delete(c.items, k)
			}
		}
	}
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len 当前条目数（可能包含尚未清理的过期项）
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
