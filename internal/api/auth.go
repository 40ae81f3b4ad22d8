package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"ambidispatch/internal/auth"
	"ambidispatch/internal/dispatch"
)

type authConfig struct {
	store *auth.InMemoryStore
	db    IdentityDB
	ttl   time.Duration
}

// IdentityDB is the durable identity table behind the in-memory token cache.
type IdentityDB interface {
	Lookup(ctx context.Context, token string) (dispatch.Identity, bool, error)
	Save(ctx context.Context, ident dispatch.Identity) error
}

func newAuthConfig(store *auth.InMemoryStore, db IdentityDB, ttl time.Duration) authConfig {
	return authConfig{store: store, db: db, ttl: ttl}
}

func (a authConfig) enabled() bool {
	return a.store != nil || a.db != nil
}

func (a authConfig) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		token := parseToken(r)
		if token == "" {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing token")
			return
		}
		identity, ok := a.lookup(r.Context(), token)
		if !ok {
			respondError(w, http.StatusForbidden, "forbidden", "invalid token")
			return
		}
		next.ServeHTTP(w, withIdentity(r, identity))
	})
}

// optional attaches the caller's identity when a token is sent. Anonymous
// requests pass through; a token that does not resolve is still rejected.
func (a authConfig) optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := parseToken(r)
		if token == "" || !a.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		identity, ok := a.lookup(r.Context(), token)
		if !ok {
			respondError(w, http.StatusForbidden, "forbidden", "invalid token")
			return
		}
		next.ServeHTTP(w, withIdentity(r, identity))
	})
}

type identityCtxKey struct{}

// roleSlot lets the access log, which wraps the auth middleware, see the
// role resolved further down the chain.
type roleSlot struct{}

func withIdentity(r *http.Request, id dispatch.Identity) *http.Request {
	if slot, ok := r.Context().Value(roleSlot{}).(*string); ok {
		*slot = string(id.Role)
	}
	return r.WithContext(context.WithValue(r.Context(), identityCtxKey{}, id))
}

func identityFromContext(ctx context.Context) (dispatch.Identity, bool) {
	id, ok := ctx.Value(identityCtxKey{}).(dispatch.Identity)
	return id, ok
}

func (a authConfig) lookup(ctx context.Context, token string) (dispatch.Identity, bool) {
	if a.store != nil {
		if id, ok := a.store.Lookup(token); ok {
			return id, true
		}
	}
	if a.db != nil {
		id, ok, err := a.db.Lookup(ctx, token)
		if err == nil && ok {
			if a.store != nil {
				a.store.Seed(id)
			}
			return id, true
		}
	}
	return dispatch.Identity{}, false
}

// persist writes an identity through to the durable table when configured.
func (a authConfig) persist(ctx context.Context, id dispatch.Identity) error {
	if a.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.db.Save(ctx, id)
}

func parseToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	return ""
}
