// Package completed remembers Telegram message ids that were answered recently.
//
// The worker filters every batch through the cache so a message whose
// "processed" mark has not yet shown up in the next pending snapshot is not
// submitted twice.
package completed

import (
	"sync"
	"time"
)

// DefaultTTL is how long a completed id is suppressed.
const DefaultTTL = 180 * time.Second

// Cache maps message id to completion time.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[int64]time.Time
}

// New creates a cache. A non-positive ttl falls back to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[int64]time.Time),
	}
}

// WithClock replaces the time source.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Remember marks ids as completed now.
func (c *Cache) Remember(ids ...int64) {
	ts := c.now()
	c.mu.Lock()
	for _, id := range ids {
		c.entries[id] = ts
	}
	c.mu.Unlock()
}

// IsRecentlyCompleted reports whether id was remembered within the TTL.
func (c *Cache) IsRecentlyCompleted(id int64) bool {
	c.mu.RLock()
	ts, ok := c.entries[id]
	c.mu.RUnlock()
	if !ok {
		return false
	}
	return c.now().Sub(ts) <= c.ttl
}

// Filter returns ids that are not recently completed, preserving order.
func (c *Cache) Filter(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !c.IsRecentlyCompleted(id) {
			out = append(out, id)
		}
	}
	return out
}

// Prune drops expired entries and returns how many were removed.
func (c *Cache) Prune() int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for id, ts := range c.entries {
		if now.Sub(ts) > c.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	c.mu.Unlock()

	return removed
}

// Size returns the number of tracked ids.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
