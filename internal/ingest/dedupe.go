// Package ingest receives chat events over the webhook boundary, filters
// provider redeliveries, and normalizes events into the internal shape the
// accumulator consumes.
package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// maxTrackedEvents caps the dedupe cache so a provider replaying a large
	// backlog cannot exhaust memory.
	maxTrackedEvents = 65536

	defaultRetention     = 10 * time.Minute
	defaultSweepInterval = time.Minute
)

// DedupeCache remembers event ids within a retention horizon so webhook
// redeliveries are dropped before touching the store. Process-local and
// best-effort: a restart forgets history, and a replay older than the
// retention horizon is treated as new. Accumulation is append-only, so a
// duplicate that slips through costs repeated content, never lost content.
// Safe for concurrent use.
type DedupeCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

// NewDedupeCache creates a cache with the given retention horizon.
// retention <= 0 falls back to the default.
func NewDedupeCache(retention time.Duration) *DedupeCache {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &DedupeCache{
		seen:      make(map[string]time.Time),
		retention: retention,
		now:       time.Now,
	}
}

// Seen reports whether eventID was observed within the retention horizon,
// recording it as observed if not. The stored timestamp is the first
// sighting; a duplicate does not extend retention, so steady redeliveries
// still expire on schedule. The hot path is a map lookup plus insert;
// expiry is handled by the sweep loop, with a hard eviction only when the
// cap is hit between sweeps.
func (c *DedupeCache) Seen(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[eventID]; ok && now.Sub(at) < c.retention {
		return true
	}

	if len(c.seen) >= maxTrackedEvents {
		c.evictLocked(now)
	}
	c.seen[eventID] = now
	return false
}

// Forget removes eventID so the provider's next delivery is treated as a
// fresh attempt. Called when processing fails after the duplicate check;
// without it the redelivery would be suppressed for the whole retention
// horizon and the content lost.
func (c *DedupeCache) Forget(eventID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, eventID)
}

// Sweep removes expired entries and returns how many were evicted. Called
// periodically by Run and by the janitor.
func (c *DedupeCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictLocked(c.now())
}

// Run sweeps expired entries until ctx is cancelled.
func (c *DedupeCache) Run(ctx context.Context) {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				slog.Debug("dedupe: swept expired events", "evicted", n)
			}
		}
	}
}

func (c *DedupeCache) evictLocked(now time.Time) int {
	evicted := 0
	for id, at := range c.seen {
		if now.Sub(at) >= c.retention {
			delete(c.seen, id)
			evicted++
		}
	}
	// Still at cap: drop arbitrary entries rather than grow unbounded.
	// Worst case a forgotten id lets one duplicate through, which the
	// append-only accumulation tolerates.
	for len(c.seen) >= maxTrackedEvents {
		for id := range c.seen {
			delete(c.seen, id)
			evicted++
			break
		}
	}
	return evicted
}
