// Package cache keeps read-only galaxy API responses in memory, grouped
// by distribution base path so an index change drops only the affected
// distribution's entries.
package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry is one cached response.
type Entry struct {
	ContentType string
	Body        []byte
}

// LRUCache is a thread-safe least-recently-used cache whose entries also
// expire after a TTL.
type LRUCache struct {
	lru *expirable.LRU[string, Entry]
}

// NewLRUCache creates a cache holding at most maxSize entries, each for
// at most ttl.
func NewLRUCache(maxSize int, ttl time.Duration) *LRUCache {
	if maxSize < 1 {
		maxSize = 1
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &LRUCache{lru: expirable.NewLRU[string, Entry](maxSize, nil, ttl)}
}

// Get returns the entry for key, if present and not expired.
func (c *LRUCache) Get(key string) (Entry, bool) {
	return c.lru.Get(key)
}

// Set stores an entry, evicting the least recently used one when full.
func (c *LRUCache) Set(key string, e Entry) {
	c.lru.Add(key, e)
}

// Invalidate removes a specific key.
func (c *LRUCache) Invalidate(key string) {
	c.lru.Remove(key)
}

// InvalidatePrefix removes every key starting with prefix and returns how
// many were removed.
func (c *LRUCache) InvalidatePrefix(prefix string) int {
	n := 0
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, prefix) && c.lru.Remove(k) {
			n++
		}
	}
	return n
}

// InvalidateAll removes all entries.
func (c *LRUCache) InvalidateAll() {
	c.lru.Purge()
}

// Size returns the number of live entries.
func (c *LRUCache) Size() int {
	return c.lru.Len()
}
