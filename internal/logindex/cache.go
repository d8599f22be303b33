package logindex

import (
	"sync"
	"time"
)

// queryCache holds recent query results so repeated window scans
// within one staleness period do not re-hit the index.
type queryCache struct {
	mu         sync.RWMutex
	entries    map[string]*cacheEntry
	maxEntries int
	stats      cacheStats

	stopCh chan struct{}
}

type cacheEntry struct {
	events   []Event
	expires  time.Time
	accessed time.Time
}

type cacheStats struct {
	hits      int64
	misses    int64
	evictions int64
}

func newQueryCache(maxEntries int) *queryCache {
	c := &queryCache{
		entries:    make(map[string]*cacheEntry),
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
	}
	go c.cleanup()
	return c
}

func (c *queryCache) get(key string) ([]Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || time.Now().After(entry.expires) {
		c.stats.misses++
		return nil, false
	}

	entry.accessed = time.Now()
	c.stats.hits++
	return entry.events, true
}

func (c *queryCache) set(key string, events []Event, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}
	c.entries[key] = &cacheEntry{
		events:   events,
		expires:  time.Now().Add(ttl),
		accessed: time.Now(),
	}
}

func (c *queryCache) stop() {
	close(c.stopCh)
}

// evictLRU removes the least recently accessed entry. Caller must hold
// the write lock.
func (c *queryCache) evictLRU() {
	var oldestKey string
	oldestTime := time.Now().Add(time.Hour)

	for key, entry := range c.entries {
		if entry.accessed.Before(oldestTime) {
			oldestTime = entry.accessed
			oldestKey = key
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.evictions++
	}
}

func (c *queryCache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.removeExpired()
		}
	}
}

func (c *queryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}
