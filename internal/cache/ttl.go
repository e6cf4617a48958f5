// Package cache provides an in-memory map whose entries expire by age.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value      V
	insertedAt time.Time
}

// Cache maps keys to values stamped with their insertion time. Entries leave the
// cache only through Delete or Sweep; reads never refresh the timestamp.
type Cache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	now     func() time.Time
	onEvict func(K, V)
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithClock overrides the time source used to stamp entries.
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(c *Cache[K, V]) {
		if now != nil {
			c.now = now
		}
	}
}

// WithEvictHook registers fn to be called for every entry removed by Sweep.
// It runs after the cache lock has been released.
func WithEvictHook[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.onEvict = fn
	}
}

// New creates an empty Cache.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		entries: make(map[K]entry[V]),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Put inserts or overwrites key, stamping the current time.
func (c *Cache[K, V]) Put(key K, value V) {
	c.PutAt(key, value, c.now())
}

// PutAt inserts or overwrites key with an explicit insertion time.
func (c *Cache[K, V]) PutAt(key K, value V, at time.Time) {
	c.mu.Lock()
	c.entries[key] = entry[V]{value: value, insertedAt: at}
	c.mu.Unlock()
}

// Get returns the value for key and whether it was present.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	return e.value, ok
}

// Update applies fn to the live value for key without touching its timestamp.
// It reports false when key is absent.
func (c *Cache[K, V]) Update(key K, fn func(*V)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	fn(&e.value)
	c.entries[key] = e
	return true
}

// Upsert applies fn to the value for key, first inserting init() stamped with the
// current time when key is absent.
func (c *Cache[K, V]) Upsert(key K, init func() V, fn func(*V)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = entry[V]{value: init(), insertedAt: c.now()}
	}
	fn(&e.value)
	c.entries[key] = e
}

// Delete removes key and returns the value it held.
func (c *Cache[K, V]) Delete(key K) (V, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return e.value, ok
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Range calls fn for every entry under the read lock. fn must not call back
// into the cache.
func (c *Cache[K, V]) Range(fn func(key K, value V, insertedAt time.Time)) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, e := range c.entries {
		fn(k, e.value, e.insertedAt)
	}
}

// Sweep deletes every entry older than maxAge as of now and returns how many
// were removed. An entry exactly maxAge old is kept.
func (c *Cache[K, V]) Sweep(maxAge time.Duration, now time.Time) int {
	type evicted struct {
		key   K
		value V
	}
	var removed []evicted

	c.mu.Lock()
	for k, e := range c.entries {
		if now.Sub(e.insertedAt) > maxAge {
			delete(c.entries, k)
			removed = append(removed, evicted{key: k, value: e.value})
		}
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, r := range removed {
			c.onEvict(r.key, r.value)
		}
	}
	return len(removed)
}
