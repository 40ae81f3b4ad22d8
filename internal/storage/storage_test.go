package storage

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
)

type recordingExec struct {
	sql  []string
	args [][]any
}

func (r *recordingExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = append(r.sql, sql)
	r.args = append(r.args, args)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestSchemaCoversTables(t *testing.T) {
	schema := string(schemaSQL)
	for _, table := range []string{"ambulances", "bookings", "sos_requests", "events", "idempotency_keys", "identities"} {
		assert.Contains(t, schema, "CREATE TABLE IF NOT EXISTS "+table+" (")
	}
	assert.Len(t, SchemaHash(), 64)
	assert.Equal(t, SchemaHash(), SchemaHash())
}

func TestSaveAmbulanceArgs(t *testing.T) {
	rec := &recordingExec{}
	amb := dispatch.Ambulance{
		ID:        "amb-1",
		Status:    dispatch.AmbulanceOnTrip,
		Base:      geo.Point{Lat: 12.97, Lng: 77.59},
		Equipment: dispatch.Equipment{Oxygen: true},
		Assignment: &dispatch.Assignment{
			BookingID: "bk-1",
		},
	}
	require.NoError(t, saveAmbulance(context.Background(), rec, amb))
	require.Len(t, rec.args, 1)
	args := rec.args[0]
	require.Len(t, args, 17)

	assert.Nil(t, args[10], "no reported location stores NULL")
	assert.Nil(t, args[11])
	assert.JSONEq(t, `{"oxygen":true,"defibrillator":false,"stretcher":false,"ventilator":false}`, string(args[14].([]byte)))

	var assignment dispatch.Assignment
	require.NoError(t, json.Unmarshal(args[15].([]byte), &assignment))
	assert.Equal(t, "bk-1", assignment.BookingID)

	amb.Location = &geo.Point{Lat: 1, Lng: 2}
	amb.Assignment = nil
	require.NoError(t, saveAmbulance(context.Background(), rec, amb))
	args = rec.args[1]
	assert.Equal(t, 1.0, *args[10].(*float64))
	assert.Nil(t, args[15].([]byte))
}

func TestSaveBookingCarriesAmbulance(t *testing.T) {
	rec := &recordingExec{}
	b := dispatch.Booking{
		ID:       "bk-1",
		Kind:     dispatch.KindSOS,
		SosID:    "sos-1",
		Status:   dispatch.BookingConfirmed,
		Assigned: &dispatch.AssignedAmbulance{AmbulanceID: "amb-9"},
	}
	require.NoError(t, saveBooking(context.Background(), rec, b))
	args := rec.args[0]
	assert.Equal(t, "amb-9", args[6])

	var stored dispatch.Booking
	require.NoError(t, json.Unmarshal(args[7].([]byte), &stored))
	assert.Equal(t, "sos-1", stored.SosID)
	assert.True(t, strings.Contains(rec.sql[0], "ON CONFLICT (id) DO UPDATE"))
}

func TestAppendEventDefaultsTimestamp(t *testing.T) {
	rec := &recordingExec{}
	require.NoError(t, appendEvent(context.Background(), rec, dispatch.Event{SubjectID: "bk-1", Type: "booking_created"}))
	assert.Nil(t, rec.args[0][5].(*time.Time), "zero time defers to NOW()")

	at := time.Now()
	require.NoError(t, appendEvent(context.Background(), rec, dispatch.Event{SubjectID: "bk-1", Type: "booking_cancelled", CreatedAt: at}))
	assert.Equal(t, at, *rec.args[1][5].(*time.Time))
}
