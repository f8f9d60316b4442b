package wsencrypt

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Cache is the encryption cache from spec.md §4.2: an LRU-on-insert,
// TTL-expiring map of (algorithm, plaintext) -> ciphertext. Per the
// documented Open Question, this implementation tightens the key to a
// full digest of (algorithm, plaintext) rather than a length-plus-
// prefix, which spec.md allows ("An implementer may tighten the key
// ... without violating the contract").
type Cache struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	order   []string
	entries map[string]*entry
}

type entry struct {
	ciphertext string
	insertedAt time.Time
	useCount   int
}

func NewCache(maxSize int, ttlSeconds int) *Cache {
	return &Cache{
		maxSize: maxSize,
		ttl:     time.Duration(ttlSeconds) * time.Second,
		entries: make(map[string]*entry),
	}
}

func cacheKey(alg Algorithm, plaintext string) string {
	h := sha256.New()
	h.Write([]byte(alg))
	h.Write([]byte{0})
	h.Write([]byte(plaintext))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns a cached ciphertext for (alg, plaintext) if present and
// unexpired, moving it to the most-recently-used position.
func (c *Cache) Get(alg Algorithm, plaintext string) (string, bool) {
	key := cacheKey(alg, plaintext)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && time.Since(e.insertedAt) > c.ttl {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return "", false
	}
	e.useCount++
	c.touch(key)
	return e.ciphertext, true
}

// Put inserts/refreshes the cached ciphertext for (alg, plaintext),
// evicting the least-recently-used entry if the cache is full.
func (c *Cache) Put(alg Algorithm, plaintext, ciphertext string) {
	key := cacheKey(alg, plaintext)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[key] = &entry{ciphertext: ciphertext, insertedAt: time.Now()}
	c.touch(key)
}

// touch moves key to the tail of c.order, the LRU-recency proxy.
func (c *Cache) touch(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *Cache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func (c *Cache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

// Len reports the number of live entries, for tests and stats.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
