// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"sync"
	"time"
)

// defaultCleanupInterval is how often the background sweep removes expired
// entries that were never read again.
const defaultCleanupInterval = time.Minute

// timedEntry wraps a value with its absolute expiration.
type timedEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a thread-safe in-memory Cache. Expired entries are dropped
// lazily on read and swept periodically by a background goroutine.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]timedEntry
	clock   Clock

	stopOnce sync.Once
	stop     chan struct{}
}

// NewMemoryCache returns a running in-memory cache judging expirations by
// wall time. Call Close to stop the background sweep.
func NewMemoryCache() *MemoryCache {
	return NewMemoryCacheWithClock(systemClock{})
}

// NewMemoryCacheWithClock returns a running in-memory cache judging
// expirations by the given clock. Hand it the clock the server stamps
// expirations with.
func NewMemoryCacheWithClock(clock Clock) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]timedEntry),
		clock:   clock,
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !entry.expiresAt.After(c.clock.Now()) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, ErrNotFound
	}
	value := make([]byte, len(entry.value))
	copy(value, entry.value)
	return value, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, expiresAt time.Time) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	c.mu.Lock()
	c.entries[key] = timedEntry{value: stored, expiresAt: expiresAt}
	c.mu.Unlock()
	return nil
}

// Remove implements Cache.
func (c *MemoryCache) Remove(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of live entries, counting entries that expired but
// have not been swept yet.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the background sweep. The cache remains usable afterwards.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanupExpired()
		}
	}
}

func (c *MemoryCache) cleanupExpired() {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if !entry.expiresAt.After(now) {
			delete(c.entries, key)
		}
	}
}
