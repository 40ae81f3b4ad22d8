package storage

import (
	"context"
	"time"

	"ambidispatch/internal/dispatch"
)

func appendEvent(ctx context.Context, db execer, evt dispatch.Event) error {
	var at *time.Time
	if !evt.CreatedAt.IsZero() {
		at = &evt.CreatedAt
	}
	_, err := db.Exec(ctx, `
INSERT INTO events (subject_id, event_type, payload, actor_id, actor_role, created_at)
VALUES ($1,$2,$3,$4,$5,COALESCE($6,NOW()))
`, evt.SubjectID, evt.Type, evt.Payload, evt.ActorID, evt.ActorRole, at)
	return err
}

func (p *Postgres) AppendEvent(ctx context.Context, evt dispatch.Event) error {
	return appendEvent(ctx, p.pool, evt)
}

func (p *Postgres) ListEvents(ctx context.Context, subjectID string, limit, offset int) ([]dispatch.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
SELECT subject_id, event_type, payload, actor_id, actor_role, created_at
FROM events
WHERE subject_id = $1
ORDER BY created_at ASC, id ASC
LIMIT $2 OFFSET $3
`, subjectID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []dispatch.Event{}
	for rows.Next() {
		var evt dispatch.Event
		if err := rows.Scan(&evt.SubjectID, &evt.Type, &evt.Payload, &evt.ActorID, &evt.ActorRole, &evt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
