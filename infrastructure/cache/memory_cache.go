// Package cache implements the two-tier recall cache: a small in-process
// L1 in front of a Redis L2. L2 outages degrade silently; L1 keeps serving.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// MemoryCache is a bounded in-process byte cache with per-item TTL and
// insertion-order eviction.
type MemoryCache struct {
	mu      sync.Mutex
	items   map[string]*memoryItem
	order   *list.List
	maxSize int
	ttl     time.Duration

	hits   int64
	misses int64
}

type memoryItem struct {
	key      string
	value    []byte
	inserted time.Time
	element  *list.Element
}

// NewMemoryCache creates a cache holding at most maxSize entries for ttl.
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		items:   make(map[string]*memoryItem, maxSize),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get returns a copy of the cached value, or false on miss or expiry.
func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Since(item.inserted) > c.ttl {
		c.removeLocked(item)
		c.misses++
		return nil, false
	}
	c.hits++
	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, true
}

// Set stores a copy of value, evicting the oldest insertion on overflow.
func (c *MemoryCache) Set(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[key]; ok {
		c.removeLocked(existing)
	}
	for len(c.items) >= c.maxSize && c.order.Len() > 0 {
		oldest := c.order.Back()
		c.removeLocked(oldest.Value.(*memoryItem))
	}

	item := &memoryItem{
		key:      key,
		value:    append([]byte(nil), value...),
		inserted: time.Now(),
	}
	item.element = c.order.PushFront(item)
	c.items[key] = item
}

// Flush drops every entry.
func (c *MemoryCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*memoryItem, c.maxSize)
	c.order.Init()
}

// Len reports the current entry count.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// HitRate reports hits/(hits+misses), 0 before any lookup.
func (c *MemoryCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

func (c *MemoryCache) removeLocked(item *memoryItem) {
	if item.element != nil {
		c.order.Remove(item.element)
	}
	delete(c.items, item.key)
}
