package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	val     []byte
	expires time.Time
}

// InMem is a process-local Cache with optional TTL expiry. Safe for
// concurrent use.
type InMem struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
}

// NewInMem returns an in-memory cache. A zero ttl disables expiry.
func NewInMem(ttl time.Duration) *InMem {
	return &InMem{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get implements Cache. Expired entries are treated as absent and evicted.
func (c *InMem) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && c.now().After(e.expires) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return e.val, true, nil
}

// Set implements Cache.
func (c *InMem) Set(_ context.Context, key string, val []byte) error {
	e := entry{val: val}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Clear removes every entry.
func (c *InMem) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Len returns the number of live entries, counting expired ones not yet
// evicted.
func (c *InMem) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
