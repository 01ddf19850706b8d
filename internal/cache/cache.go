// Package cache is an in-memory key/value cache with per-entry expiry.
package cache

import (
	"container/heap"
	"sync"
	"time"
)

// Cache maps K to V until each entry's TTL elapses. Expired entries are
// dropped lazily on the next Save or Purge. Safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[K]entry[V]
	queue   expiryQueue[K]
}

type entry[V any] struct {
	val     V
	expires time.Time
}

// New returns an empty cache.
func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		now:     time.Now,
		entries: make(map[K]entry[V]),
	}
}

// Save stores val under key for ttl, replacing any earlier value.
func (c *Cache[K, V]) Save(key K, val V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.purge(now)

	exp := now.Add(ttl)
	c.entries[key] = entry[V]{val: val, expires: exp}
	heap.Push(&c.queue, expiry[K]{key: key, at: exp})
}

// Get returns the cached value. An entry past its TTL is still returned until
// the next purge, so Get never takes the slow path.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e.val, ok
}

// GetAndRenew returns the cached value and pushes its expiry to now+ttl.
func (c *Cache[K, V]) GetAndRenew(key K, ttl time.Duration) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return e.val, false
	}
	e.expires = c.now().Add(ttl)
	c.entries[key] = e
	heap.Push(&c.queue, expiry[K]{key: key, at: e.expires})
	return e.val, true
}

// Delete drops key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops every expired entry.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	c.purge(c.now())
	c.mu.Unlock()
}

// Len returns the number of entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache[K, V]) purge(now time.Time) {
	for c.queue.Len() > 0 && !c.queue[0].at.After(now) {
		x := heap.Pop(&c.queue).(expiry[K])
		// A renewed or replaced entry leaves stale queue items behind.
		if e, ok := c.entries[x.key]; ok && e.expires.Equal(x.at) {
			delete(c.entries, x.key)
		}
	}
}

type expiry[K comparable] struct {
	key K
	at  time.Time
}

type expiryQueue[K comparable] []expiry[K]

func (q expiryQueue[K]) Len() int           { return len(q) }
func (q expiryQueue[K]) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q expiryQueue[K]) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *expiryQueue[K]) Push(x any)        { *q = append(*q, x.(expiry[K])) }
func (q *expiryQueue[K]) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	*q = old[:n-1]
	return x
}
