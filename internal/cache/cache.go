package cache

import (
	"container/list"
	"sync"
	"time"
)

// TTLCache is a bounded LRU cache with per-entry TTL expiration. It backs
// the enrichment name cache; all access is safe for concurrent use.
type TTLCache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	index    map[K]*list.Element
	order    *list.List
	nowFn    func() time.Time

	hits   int64
	misses int64
}

type item[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
}

// New creates a TTLCache holding at most capacity entries, each expiring
// ttl after its last write.
func New[K comparable, V any](capacity int, ttl time.Duration) *TTLCache[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &TTLCache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		index:    make(map[K]*list.Element, capacity),
		order:    list.New(),
		nowFn:    time.Now,
	}
}

// Get returns the live value for key. Expired entries are removed on
// access and reported as misses.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}

	it := elem.Value.(*item[K, V])
	if c.nowFn().After(it.expiresAt) {
		c.remove(elem)
		c.misses++
		var zero V
		return zero, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return it.value, true
}

// Set writes key, refreshing the TTL and evicting the least recently used
// entry when the cache is full.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[key]; ok {
		c.order.MoveToFront(elem)
		it := elem.Value.(*item[K, V])
		it.value = value
		it.expiresAt = c.nowFn().Add(c.ttl)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.remove(oldest)
	}

	elem := c.order.PushFront(&item[K, V]{
		key:       key,
		value:     value,
		expiresAt: c.nowFn().Add(c.ttl),
	})
	c.index[key] = elem
}

// Delete removes key if present.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[key]; ok {
		c.remove(elem)
	}
}

// Len counts resident entries, including expired ones not yet touched.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *TTLCache[K, V]) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *TTLCache[K, V]) remove(elem *list.Element) {
	c.order.Remove(elem)
	it := elem.Value.(*item[K, V])
	delete(c.index, it.key)
}
