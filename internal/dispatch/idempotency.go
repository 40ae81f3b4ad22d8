package dispatch

import (
	"sync"
	"time"
)

const defaultReplayTTL = 30 * time.Minute

// replayKey scopes a client Idempotency-Key to the caller that sent it, so
// two patients reusing the same key never see each other's booking.
func replayKey(ownerID, key string) string {
	return ownerID + "/" + key
}

type replayEntry struct {
	bookingID string
	expires   time.Time
}

// replayCache remembers which booking a scoped key produced. Entries expire
// after ttl and are swept at most once per ttl.
type replayCache struct {
	mu        sync.Mutex
	entries   map[string]replayEntry
	ttl       time.Duration
	now       func() time.Time
	lastSweep time.Time
}

func newReplayCache(ttl time.Duration, now func() time.Time) *replayCache {
	return &replayCache{
		entries: make(map[string]replayEntry),
		ttl:     ttl,
		now:     now,
	}
}

func (c *replayCache) setTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

func (c *replayCache) remember(scoped, bookingID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.entries[scoped] = replayEntry{bookingID: bookingID, expires: now.Add(c.ttl)}
	if now.Sub(c.lastSweep) >= c.ttl {
		c.sweepLocked(now)
	}
}

func (c *replayCache) lookup(scoped string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[scoped]
	if !ok {
		return "", false
	}
	if !c.now().Before(e.expires) {
		delete(c.entries, scoped)
		return "", false
	}
	return e.bookingID, true
}

func (c *replayCache) sweepLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
	c.lastSweep = now
}

func (c *replayCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
