// Package expiring provides a set of keys that forget each entry after a fixed TTL.
package expiring

import (
	"sync"
	"time"
)

// Handle identifies an inserted key and when it stops being visible
type Handle struct {
	Key       string
	ExpiresAt time.Time
}

// Cache is a concurrency-safe set whose members expire after ttl.
// Expired entries are invisible to Contains and removed lazily on Insert and Prune.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

// Option configures a Cache
type Option func(*Cache)

// WithClock replaces the wall clock used to compute expiry
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a cache whose entries live for ttl
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		ttl:     ttl,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the lifetime of an entry
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Insert adds key, or refreshes its expiry if it is already present
func (c *Cache) Insert(key string) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) > 0 && len(c.entries)%256 == 0 {
		c.pruneLocked(now)
	}
	expires := now.Add(c.ttl)
	c.entries[key] = expires
	return Handle{Key: key, ExpiresAt: expires}
}

// Contains reports whether key was inserted and has not expired
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires, ok := c.entries[key]
	if !ok {
		return false
	}
	if !c.now().Before(expires) {
		delete(c.entries, key)
		return false
	}
	return true
}

// InsertIfAbsent inserts key unless a live entry exists. It returns false
// when the key was already present.
func (c *Cache) InsertIfAbsent(key string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if expires, ok := c.entries[key]; ok && now.Before(expires) {
		return Handle{Key: key, ExpiresAt: expires}, false
	}
	expires := now.Add(c.ttl)
	c.entries[key] = expires
	return Handle{Key: key, ExpiresAt: expires}, true
}

// Remove forgets key immediately
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Prune drops every expired entry and returns how many were removed
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(c.now())
}

func (c *Cache) pruneLocked(now time.Time) int {
	removed := 0
	for key, expires := range c.entries {
		if !now.Before(expires) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not yet pruned
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Reset drops every entry
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]time.Time)
}
