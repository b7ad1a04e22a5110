package signature

import (
	"fmt"
	"sync"
	"time"
)

// ReplayCache remembers consumed signatures for a bounded time. Expired
// entries are swept lazily when the cache is accessed and the cleanup
// interval has passed.
type ReplayCache struct {
	mu              sync.Mutex
	entries         map[string]time.Time // hash -> first use
	ttl             time.Duration
	cleanupInterval time.Duration
	lastCleanup     time.Time
	now             func() time.Time
}

// CacheStats summarizes the cache contents.
type CacheStats struct {
	Total           int
	Valid           int
	Expired         int
	TTL             time.Duration
	CleanupInterval time.Duration
}

// NewReplayCache creates a cache whose entries live for ttl.
func NewReplayCache(ttl, cleanupInterval time.Duration) *ReplayCache {
	return &ReplayCache{
		entries:         make(map[string]time.Time),
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		lastCleanup:     time.Now(),
		now:             time.Now,
	}
}

// DefaultReplayCache keeps entries for an hour.
func DefaultReplayCache() *ReplayCache {
	return NewReplayCache(time.Hour, 5*time.Minute)
}

// StrictReplayCache keeps entries for five minutes.
func StrictReplayCache() *ReplayCache {
	return NewReplayCache(5*time.Minute, time.Minute)
}

// IsUsed reports whether hash was consumed within the TTL.
func (c *ReplayCache) IsUsed(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeCleanup()
	return c.validLocked(hash)
}

// MarkUsed records hash as consumed now.
func (c *ReplayCache) MarkUsed(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeCleanup()
	c.entries[hash] = c.now()
}

// CheckAndMark consumes hash, failing if it was already consumed.
func (c *ReplayCache) CheckAndMark(hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeCleanup()
	if c.validLocked(hash) {
		return fmt.Errorf("%w: signature hash %s", ErrReplayDetected, hash)
	}
	c.entries[hash] = c.now()
	return nil
}

// Clear forgets every entry.
func (c *ReplayCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
	c.lastCleanup = c.now()
}

// Size returns the number of stored entries, expired ones included.
func (c *ReplayCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats reports entry counts.
func (c *ReplayCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := CacheStats{Total: len(c.entries), TTL: c.ttl, CleanupInterval: c.cleanupInterval}
	for h := range c.entries {
		if c.validLocked(h) {
			s.Valid++
		} else {
			s.Expired++
		}
	}
	return s
}

func (c *ReplayCache) validLocked(hash string) bool {
	usedAt, ok := c.entries[hash]
	return ok && c.now().Sub(usedAt) < c.ttl
}

func (c *ReplayCache) maybeCleanup() {
	now := c.now()
	if now.Sub(c.lastCleanup) < c.cleanupInterval {
		return
	}
	for h, usedAt := range c.entries {
		if now.Sub(usedAt) >= c.ttl {
			delete(c.entries, h)
		}
	}
	c.lastCleanup = now
}
