package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/sos"
)

// SaveSOS upserts the request snapshot and logs its status.
func (p *Postgres) SaveSOS(ctx context.Context, r sos.Request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
INSERT INTO sos_requests (id, user_id, status, booking_id, cancel_reason, data, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	booking_id = EXCLUDED.booking_id,
	cancel_reason = EXCLUDED.cancel_reason,
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at
WHERE sos_requests.status IS DISTINCT FROM EXCLUDED.status
	OR sos_requests.data IS DISTINCT FROM EXCLUDED.data
`, r.ID, r.UserID, r.Status, r.BookingID, r.CancelReason, data, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		payload, _ := json.Marshal(map[string]any{"status": r.Status, "bookingId": r.BookingID})
		if err := appendEvent(ctx, tx, dispatch.Event{
			SubjectID: r.ID,
			Type:      "sos_" + string(r.Status),
			Payload:   payload,
			ActorID:   r.UserID,
			CreatedAt: r.UpdatedAt,
		}); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// CancelSOS marks a stored request cancelled.
func (p *Postgres) CancelSOS(ctx context.Context, id, reason string) error {
	tag, err := p.pool.Exec(ctx, `
UPDATE sos_requests
SET status = $2, cancel_reason = $3, updated_at = $4,
	data = jsonb_set(jsonb_set(data, '{status}', to_jsonb($2::text)), '{cancelReason}', to_jsonb($3::text))
WHERE id = $1
`, id, string(sos.StatusCancelled), reason, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return sos.ErrNotFound
	}
	return nil
}

func (p *Postgres) GetSOS(ctx context.Context, id string) (sos.Request, bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM sos_requests WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sos.Request{}, false, nil
		}
		return sos.Request{}, false, err
	}
	var r sos.Request
	if err := json.Unmarshal(data, &r); err != nil {
		return sos.Request{}, false, fmt.Errorf("sos %s: %w", id, err)
	}
	return r, true, nil
}
