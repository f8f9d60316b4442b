// Package msgcache implements the bounded, TTL-expiring memoization of
// serialize(envelope, key) -> string described in spec.md §4.4, so a
// broadcast to many peers serializes (and, if configured, encrypts)
// the envelope once.
package msgcache

import (
	"sync"
	"time"

	"github.com/wsmesh/wsmesh/internal/wshash"
)

type entry struct {
	value      string
	insertedAt time.Time
	useCount   int
}

// Cache is single-writer-safe via an internal mutex; reads are safe
// for concurrent callers, and a cached serialized payload may be
// reused across peers without copying.
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   []string
	entries map[string]*entry
}

func New(maxSize int, ttl time.Duration) *Cache {
	return &Cache{
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// Key builds a cache key for an envelope fan-out target; callers
// typically hash (event name, JSON data, cache-scope discriminator)
// with wshash.FNV1a since this is purely a speed optimization.
func Key(parts ...string) string {
	joined := ""
	for i, p := range parts {
		if i > 0 {
			joined += "\x00"
		}
		joined += p
	}
	return wshash.FNV1a(joined)
}

// Get returns the cached serialized payload for key, if present and
// unexpired, moving the entry to the most-recently-used position and
// bumping its use count.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && time.Since(e.insertedAt) > c.ttl {
		c.removeLocked(key)
		return "", false
	}
	e.useCount++
	c.touchLocked(key)
	return e.value, true
}

// Put inserts or refreshes key's cached value, evicting the oldest
// entry (insertion-order proxy for LRU, per spec.md §4.4/§9) if the
// cache is at capacity.
func (c *Cache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = &entry{value: value, insertedAt: time.Now()}
	c.touchLocked(key)
}

// GetOrCompute returns the cached value for key, computing and
// caching it via fn on a miss. fn runs outside the cache lock so an
// expensive serialize+encrypt does not block unrelated cache access.
func (c *Cache) GetOrCompute(key string, fn func() (string, error)) (string, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := fn()
	if err != nil {
		return "", err
	}
	c.Put(key, v)
	return v, nil
}

func (c *Cache) touchLocked(key string) {
	c.removeFromOrderLocked(key)
	c.order = append(c.order, key)
}

func (c *Cache) removeFromOrderLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache) removeLocked(key string) {
	delete(c.entries, key)
	c.removeFromOrderLocked(key)
}

func (c *Cache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// UseCount reports how many times key has been served from cache
// (spec.md §4.4: "Entry hit increments useCount (used by stats)").
func (c *Cache) UseCount(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.useCount
	}
	return 0
}
