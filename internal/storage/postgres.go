package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
)

// Postgres is the store of record for the fleet, bookings and SOS requests.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	return ApplySchema(ctx, pool)
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const upsertAmbulanceSQL = `
INSERT INTO ambulances (id, operator_id, vehicle_number, type, status, driver_name, driver_phone,
	base_lat, base_lng, base_address, location_lat, location_lng, service_radius_km, is_default,
	equipment, assignment, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (id) DO UPDATE SET
	operator_id = EXCLUDED.operator_id,
	vehicle_number = EXCLUDED.vehicle_number,
	type = EXCLUDED.type,
	status = EXCLUDED.status,
	driver_name = EXCLUDED.driver_name,
	driver_phone = EXCLUDED.driver_phone,
	base_lat = EXCLUDED.base_lat,
	base_lng = EXCLUDED.base_lng,
	base_address = EXCLUDED.base_address,
	location_lat = EXCLUDED.location_lat,
	location_lng = EXCLUDED.location_lng,
	service_radius_km = EXCLUDED.service_radius_km,
	is_default = EXCLUDED.is_default,
	equipment = EXCLUDED.equipment,
	assignment = EXCLUDED.assignment,
	updated_at = EXCLUDED.updated_at
`

func saveAmbulance(ctx context.Context, db execer, a dispatch.Ambulance) error {
	equipment, err := json.Marshal(a.Equipment)
	if err != nil {
		return err
	}
	var assignment []byte
	if a.Assignment != nil {
		if assignment, err = json.Marshal(a.Assignment); err != nil {
			return err
		}
	}
	var lat, lng *float64
	if a.Location != nil {
		lat, lng = &a.Location.Lat, &a.Location.Lng
	}
	_, err = db.Exec(ctx, upsertAmbulanceSQL,
		a.ID, a.OperatorID, a.VehicleNumber, a.Type, a.Status, a.DriverName, a.DriverPhone,
		a.Base.Lat, a.Base.Lng, a.BaseAddress, lat, lng, a.ServiceRadiusKM, a.IsDefault,
		equipment, assignment, a.UpdatedAt)
	return err
}

func (p *Postgres) SaveAmbulance(ctx context.Context, a dispatch.Ambulance) error {
	return saveAmbulance(ctx, p.pool, a)
}

const selectAmbulanceSQL = `
SELECT id, operator_id, vehicle_number, type, status, driver_name, driver_phone,
	base_lat, base_lng, base_address, location_lat, location_lng, service_radius_km, is_default,
	equipment, assignment, updated_at
FROM ambulances
`

func scanAmbulance(row pgx.Row) (dispatch.Ambulance, error) {
	var (
		a                     dispatch.Ambulance
		lat, lng              *float64
		equipment, assignment []byte
	)
	if err := row.Scan(&a.ID, &a.OperatorID, &a.VehicleNumber, &a.Type, &a.Status, &a.DriverName, &a.DriverPhone,
		&a.Base.Lat, &a.Base.Lng, &a.BaseAddress, &lat, &lng, &a.ServiceRadiusKM, &a.IsDefault,
		&equipment, &assignment, &a.UpdatedAt); err != nil {
		return dispatch.Ambulance{}, err
	}
	if lat != nil && lng != nil {
		a.Location = &geo.Point{Lat: *lat, Lng: *lng}
	}
	if len(equipment) > 0 {
		if err := json.Unmarshal(equipment, &a.Equipment); err != nil {
			return dispatch.Ambulance{}, fmt.Errorf("ambulance %s equipment: %w", a.ID, err)
		}
	}
	if len(assignment) > 0 {
		a.Assignment = &dispatch.Assignment{}
		if err := json.Unmarshal(assignment, a.Assignment); err != nil {
			return dispatch.Ambulance{}, fmt.Errorf("ambulance %s assignment: %w", a.ID, err)
		}
	}
	return a, nil
}

func (p *Postgres) ListAmbulances(ctx context.Context) ([]dispatch.Ambulance, error) {
	rows, err := p.pool.Query(ctx, selectAmbulanceSQL+`ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []dispatch.Ambulance
	for rows.Next() {
		a, err := scanAmbulance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAmbulance reads one fleet row; the store resyncs from it after a lost claim.
func (p *Postgres) GetAmbulance(ctx context.Context, id string) (dispatch.Ambulance, bool, error) {
	a, err := scanAmbulance(p.pool.QueryRow(ctx, selectAmbulanceSQL+`WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.Ambulance{}, false, nil
	}
	if err != nil {
		return dispatch.Ambulance{}, false, err
	}
	return a, true, nil
}

func saveBooking(ctx context.Context, db execer, b dispatch.Booking) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	ambulanceID := ""
	if b.Assigned != nil {
		ambulanceID = b.Assigned.AmbulanceID
	}
	_, err = db.Exec(ctx, `
INSERT INTO bookings (id, owner_id, operator_id, kind, sos_id, status, ambulance_id, data, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	ambulance_id = EXCLUDED.ambulance_id,
	data = EXCLUDED.data,
	updated_at = EXCLUDED.updated_at
`, b.ID, b.OwnerID, b.OperatorID, b.Kind, b.SosID, b.Status, ambulanceID, data, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *Postgres) SaveBooking(ctx context.Context, b dispatch.Booking) error {
	return saveBooking(ctx, p.pool, b)
}

func (p *Postgres) GetBooking(ctx context.Context, id string) (dispatch.Booking, bool, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT data FROM bookings WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatch.Booking{}, false, nil
		}
		return dispatch.Booking{}, false, err
	}
	var b dispatch.Booking
	if err := json.Unmarshal(data, &b); err != nil {
		return dispatch.Booking{}, false, fmt.Errorf("booking %s: %w", id, err)
	}
	return b, true, nil
}

func (p *Postgres) ListBookingsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]dispatch.Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.pool.Query(ctx, `
SELECT data FROM bookings
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3
`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []dispatch.Booking{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var b dispatch.Booking
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ClaimAmbulance flips the ambulance to on_trip only if the row is still
// available, then records the booking and the event in the same transaction.
func (p *Postgres) ClaimAmbulance(ctx context.Context, amb dispatch.Ambulance, booking *dispatch.Booking, event dispatch.Event) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var assignment []byte
	if amb.Assignment != nil {
		if assignment, err = json.Marshal(amb.Assignment); err != nil {
			return err
		}
	}
	tag, err := tx.Exec(ctx, `
UPDATE ambulances SET status = $2, assignment = $3, updated_at = $4
WHERE id = $1 AND status = 'available'
`, amb.ID, amb.Status, assignment, amb.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return dispatch.ErrAmbulanceTaken
	}
	if booking != nil {
		if err := saveBooking(ctx, tx, *booking); err != nil {
			return err
		}
	}
	if err := appendEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *Postgres) UpdateBookingWithEvent(ctx context.Context, booking dispatch.Booking, event dispatch.Event, amb *dispatch.Ambulance) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := saveBooking(ctx, tx, booking); err != nil {
		return err
	}
	if amb != nil {
		if err := saveAmbulance(ctx, tx, *amb); err != nil {
			return err
		}
	}
	if err := appendEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// DefaultPool returns a pgx pool with sane defaults.
func DefaultPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	cfg.MaxConnLifetime = time.Hour
	return pgxpool.NewWithConfig(ctx, cfg)
}
