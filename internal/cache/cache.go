// Package cache provides the TTL-evicted caches used by the validator and
// aggregator result caches (spec.md §5 "aggregationCache and
// validationCache: hot read, occasional write; a concurrent map with TTL
// eviction"), plus an optional Redis-backed tier grounded on the
// teacher's go.mod choice of client library.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Cache is the minimal interface both the in-process and Redis-backed
// implementations satisfy.
type Cache interface {
	Get(ctx context.Context, key string) (value any, ok bool)
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Len() int
}

type entry struct {
	key      string
	value    any
	expireAt time.Time
	elem     *list.Element
}

// TTLCache is a concurrent map with TTL eviction and an LRU cap, used as
// the default in-process cache tier.
type TTLCache struct {
	mu       sync.Mutex
	maxItems int
	items    map[string]*entry
	order    *list.List // front = most recently used
}

// NewTTLCache creates a cache capped at maxItems entries (0 = unbounded).
func NewTTLCache(maxItems int) *TTLCache {
	return &TTLCache{
		maxItems: maxItems,
		items:    make(map[string]*entry),
		order:    list.New(),
	}
}

// Get returns the value for key if present and not expired. An expired
// entry is evicted on read.
func (c *TTLCache) Get(ctx context.Context, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expireAt) {
		c.removeLocked(e)
		return nil, false
	}
	c.order.MoveToFront(e.elem)
	return e.value, true
}

// Set stores value for key with the given TTL, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *TTLCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[key]; ok {
		existing.value = value
		existing.expireAt = time.Now().Add(ttl)
		c.order.MoveToFront(existing.elem)
		return
	}

	e := &entry{key: key, value: value, expireAt: time.Now().Add(ttl)}
	e.elem = c.order.PushFront(key)
	c.items[key] = e

	if c.maxItems > 0 && len(c.items) > c.maxItems {
		back := c.order.Back()
		if back != nil {
			if victim, ok := c.items[back.Value.(string)]; ok {
				c.removeLocked(victim)
			}
		}
	}
}

// Delete removes key unconditionally.
func (c *TTLCache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the current number of live (not necessarily unexpired)
// entries.
func (c *TTLCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *TTLCache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.items, e.key)
}
