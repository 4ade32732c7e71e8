// Package dedup remembers inbound event ids for a bounded time so provider
// webhook retries are processed once.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultTTL = time.Hour

// Cache is a TTL-bounded set of event ids. It is in-process only: a restart
// forgets everything it has seen.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// New returns a Cache that forgets ids after ttl. A non-positive ttl uses one hour.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

// Seen reports whether eventID was marked and has not been purged yet.
func (c *Cache) Seen(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[eventID]
	return ok
}

// MarkSeen records eventID. Marking an id twice keeps its first-seen time.
func (c *Cache) MarkSeen(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[eventID]; !ok {
		c.seen[eventID] = c.now()
	}
}

// CheckAndMark marks eventID and reports whether it had already been seen.
// Callers must invoke it before doing any work for the event.
func (c *Cache) CheckAndMark(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[eventID]; ok {
		return true
	}
	c.seen[eventID] = c.now()
	return false
}

// Len returns the number of ids currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Sweep purges ids first seen more than ttl ago and returns how many it removed.
func (c *Cache) Sweep() int {
	cutoff := c.now().Add(-c.ttl)
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, at := range c.seen {
		if at.Before(cutoff) {
			delete(c.seen, id)
			removed++
		}
	}
	return removed
}

// Run sweeps once per ttl until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("dedup sweep", "removed", n, "remaining", c.Len())
			}
		}
	}
}
