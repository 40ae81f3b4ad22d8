package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateBooking_IdempotencyKeyScopedToOwner(t *testing.T) {
	s := newTestStore(t, ambulance("a1", 12.98, 77.60), ambulance("a2", 12.98, 77.60))
	mine := scheduled("p1", &pickup)
	mine.IdempotencyKey = "retry-1"
	theirs := scheduled("p2", &pickup)
	theirs.IdempotencyKey = "retry-1"

	first, err := s.CreateBooking(context.Background(), mine)
	require.NoError(t, err)
	other, err := s.CreateBooking(context.Background(), theirs)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, "p2", other.OwnerID)
	assert.Equal(t, 2, s.SnapshotFleet().OnTrip)
}

func TestCreateBooking_IdempotencyKeyExpires(t *testing.T) {
	now := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)
	s := newTestStore(t, ambulance("a1", 12.98, 77.60), ambulance("a2", 12.98, 77.60))
	s.now = func() time.Time { return now }
	req := scheduled("p1", &pickup)
	req.IdempotencyKey = "retry-1"

	first, err := s.CreateBooking(context.Background(), req)
	require.NoError(t, err)

	now = now.Add(defaultReplayTTL - time.Second)
	again, err := s.CreateBooking(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	now = now.Add(2 * time.Second)
	fresh, err := s.CreateBooking(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestReplayCacheSweepsExpired(t *testing.T) {
	now := time.Date(2026, 10, 20, 9, 0, 0, 0, time.UTC)
	c := newReplayCache(time.Minute, func() time.Time { return now })

	c.remember(replayKey("p1", "a"), "b1")
	c.remember(replayKey("p1", "b"), "b2")
	assert.Equal(t, 2, c.len())

	now = now.Add(2 * time.Minute)
	c.remember(replayKey("p2", "c"), "b3")
	assert.Equal(t, 1, c.len(), "expired entries are swept on write")

	_, ok := c.lookup(replayKey("p1", "a"))
	assert.False(t, ok)
	id, ok := c.lookup(replayKey("p2", "c"))
	require.True(t, ok)
	assert.Equal(t, "b3", id)
}

func TestReplayCacheIgnoresNonPositiveTTL(t *testing.T) {
	c := newReplayCache(time.Minute, time.Now)
	c.setTTL(0)
	assert.Equal(t, time.Minute, c.ttl)
	c.setTTL(time.Hour)
	assert.Equal(t, time.Hour, c.ttl)
}
