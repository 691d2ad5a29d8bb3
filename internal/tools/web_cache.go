package tools

import (
	"sync"
	"time"
)

const (
	defaultCacheMaxEntries = 100
	defaultCacheTTL        = 10 * time.Minute
)

type cacheEntry struct {
	value   string
	expires time.Time
}

// webCache is a small TTL cache shared by the web tools so repeated queries
// within a turn (or a retry) do not re-hit the network.
type webCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	max     int
	ttl     time.Duration
}

func newWebCache(max int, ttl time.Duration) *webCache {
	return &webCache{
		entries: make(map[string]cacheEntry),
		max:     max,
		ttl:     ttl,
	}
}

func (c *webCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expires) {
		delete(c.entries, key)
		return "", false
	}
	return e.value, true
}

func (c *webCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.max {
		// Evict expired first, then arbitrary entries until under cap.
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
		for k := range c.entries {
			if len(c.entries) < c.max {
				break
			}
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{value: value, expires: time.Now().Add(c.ttl)}
}
