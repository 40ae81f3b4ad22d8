package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"ambidispatch/internal/dispatch"
)

var ErrInvalidRole = errors.New("invalid role")

// InMemoryStore keeps issued tokens mapped to identities.
type InMemoryStore struct {
	mu    sync.RWMutex
	users map[string]dispatch.Identity
	now   func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users: make(map[string]dispatch.Identity),
		now:   time.Now,
	}
}

func validRole(role dispatch.IdentityRole) bool {
	switch role {
	case dispatch.RolePatient, dispatch.RoleDriver, dispatch.RoleOperator, dispatch.RoleAdmin:
		return true
	}
	return false
}

// Register creates an identity with the given role and returns it with its
// token. A phone that was already verified elsewhere can be carried over.
func (s *InMemoryStore) Register(role dispatch.IdentityRole, phone string, verified bool, ttl time.Duration) (dispatch.Identity, error) {
	if !validRole(role) {
		return dispatch.Identity{}, ErrInvalidRole
	}
	identity := dispatch.Identity{
		ID:       fmt.Sprintf("%s_%s", role, randomID()),
		Role:     role,
		Token:    randomID(),
		Phone:    phone,
		Verified: verified && phone != "",
	}
	if ttl > 0 {
		expiry := s.now().Add(ttl)
		identity.ExpiresAt = &expiry
	}

	s.mu.Lock()
	s.users[identity.Token] = identity
	s.mu.Unlock()
	return identity, nil
}

func (s *InMemoryStore) Lookup(token string) (dispatch.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[token]
	if !ok {
		return dispatch.Identity{}, false
	}
	if u.ExpiresAt != nil && s.now().After(*u.ExpiresAt) {
		return dispatch.Identity{}, false
	}
	return u, ok
}

// MarkVerified records that id proved ownership of phone. Later SOS requests
// from that identity skip OTP.
func (s *InMemoryStore) MarkVerified(id, phone string) (dispatch.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for token, u := range s.users {
		if u.ID != id {
			continue
		}
		u.Phone = phone
		u.Verified = true
		s.users[token] = u
		return u, true
	}
	return dispatch.Identity{}, false
}

// Seed allows hydrating identities from persistent storage.
func (s *InMemoryStore) Seed(identity dispatch.Identity) {
	if identity.Token == "" {
		return
	}
	if identity.ExpiresAt != nil && s.now().After(*identity.ExpiresAt) {
		return
	}
	s.mu.Lock()
	s.users[identity.Token] = identity
	s.mu.Unlock()
}

func randomID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
