// Package cache provides a generic in-memory TTL cache.
//
// The relay keeps each channel's recent message tail here so that a client
// connecting or reconnecting gets it replayed. Entries expire a fixed time
// after their last write; expired entries are invisible to readers and are
// physically evicted by a background sweep.
package cache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache is a thread-safe map whose entries expire.
//
//	tails := cache.New[models.ConnectionKey, []models.Message](10*time.Minute, time.Minute)
//	tails.Set(key, msgs)
//	msgs, ok := tails.Get(key)
type TTLCache[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	ttl     time.Duration
	clock   clock.Clock

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// New creates a cache on the wall clock and starts its eviction sweep.
func New[K comparable, V any](ttl, cleanupInterval time.Duration) *TTLCache[K, V] {
	return NewWithClock[K, V](clock.New(), ttl, cleanupInterval)
}

// NewWithClock is New with an explicit clock, for tests.
func NewWithClock[K comparable, V any](clk clock.Clock, ttl, cleanupInterval time.Duration) *TTLCache[K, V] {
	c := &TTLCache[K, V]{
		entries:     make(map[K]entry[V]),
		ttl:         ttl,
		clock:       clk,
		stopCleanup: make(chan struct{}),
	}

	ticker := clk.Ticker(cleanupInterval)
	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				c.evictExpired()
			case <-c.stopCleanup:
				return
			}
		}
	}()

	return c
}

// Get returns the value for key if present and not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.clock.Now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value and restarts its TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{
		value:     value,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
}

// Update replaces the value for key with fn(current, found) atomically and
// restarts its TTL. An expired entry is passed as not found.
func (c *TTLCache[K, V]) Update(key K, fn func(current V, found bool) V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	e, ok := c.entries[key]
	if ok && now.After(e.expiresAt) {
		ok = false
		e = entry[V]{}
	}

	next := fn(e.value, ok)
	c.entries[key] = entry[V]{value: next, expiresAt: now.Add(c.ttl)}
	return next
}

// Delete removes key.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Len counts stored entries, expired ones included until the next sweep.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Close stops the eviction sweep. Safe to call more than once.
func (c *TTLCache[K, V]) Close() {
	c.closeOnce.Do(func() { close(c.stopCleanup) })
}

func (c *TTLCache[K, V]) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}
