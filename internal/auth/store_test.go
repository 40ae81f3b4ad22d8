package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambidispatch/internal/dispatch"
)

func TestRegisterAndLookup(t *testing.T) {
	s := NewInMemoryStore()
	id, err := s.Register(dispatch.RolePatient, "+15550001111", true, 0)
	require.NoError(t, err)
	assert.True(t, id.Verified)
	assert.Contains(t, id.ID, "patient_")

	got, ok := s.Lookup(id.Token)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, err = s.Register("nurse", "", false, 0)
	assert.ErrorIs(t, err, ErrInvalidRole)

	anon, err := s.Register(dispatch.RolePatient, "", true, 0)
	require.NoError(t, err)
	assert.False(t, anon.Verified, "verification needs a phone")
}

func TestLookupExpired(t *testing.T) {
	now := time.Now()
	s := NewInMemoryStore()
	s.now = func() time.Time { return now }
	id, err := s.Register(dispatch.RoleDriver, "", false, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, ok := s.Lookup(id.Token)
	assert.False(t, ok)

	s.Seed(id)
	_, ok = s.Lookup(id.Token)
	assert.False(t, ok, "expired identities are not seeded")
}

func TestMarkVerified(t *testing.T) {
	s := NewInMemoryStore()
	id, err := s.Register(dispatch.RolePatient, "", false, 0)
	require.NoError(t, err)

	updated, ok := s.MarkVerified(id.ID, "+15550001111")
	require.True(t, ok)
	assert.True(t, updated.Verified)

	got, _ := s.Lookup(id.Token)
	assert.True(t, got.Verified)
	assert.Equal(t, "+15550001111", got.Phone)

	_, ok = s.MarkVerified("nobody", "+1")
	assert.False(t, ok)
}
