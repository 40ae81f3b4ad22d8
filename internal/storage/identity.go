package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ambidispatch/internal/dispatch"
)

type IdentityStore struct {
	pool *pgxpool.Pool
}

func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

func (s *IdentityStore) Save(ctx context.Context, ident dispatch.Identity) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO identities (id, role, token, phone, verified, expires_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
	role = EXCLUDED.role,
	token = EXCLUDED.token,
	phone = EXCLUDED.phone,
	verified = EXCLUDED.verified,
	expires_at = EXCLUDED.expires_at
`, ident.ID, ident.Role, ident.Token, ident.Phone, ident.Verified, ident.ExpiresAt)
	return err
}

func (s *IdentityStore) Lookup(ctx context.Context, token string) (dispatch.Identity, bool, error) {
	var ident dispatch.Identity
	err := s.pool.QueryRow(ctx, `
SELECT id, role, token, phone, verified, expires_at FROM identities WHERE token = $1
`, token).Scan(&ident.ID, &ident.Role, &ident.Token, &ident.Phone, &ident.Verified, &ident.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.Identity{}, false, nil
		}
		return dispatch.Identity{}, false, err
	}
	if ident.ExpiresAt != nil && ident.ExpiresAt.Before(time.Now()) {
		return dispatch.Identity{}, false, nil
	}
	return ident, true, nil
}

// All returns unexpired identities for hydrating the in-memory token cache.
func (s *IdentityStore) All(ctx context.Context) ([]dispatch.Identity, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, role, token, phone, verified, expires_at FROM identities
WHERE expires_at IS NULL OR expires_at > NOW()
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.Identity
	for rows.Next() {
		var ident dispatch.Identity
		if err := rows.Scan(&ident.ID, &ident.Role, &ident.Token, &ident.Phone, &ident.Verified, &ident.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}
