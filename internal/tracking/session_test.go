package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
)

func fp(v float64) *float64 { return &v }

var (
	base   = geo.Point{Lat: 12.9716, Lng: 77.5946}
	pickup = geo.Point{Lat: 12.9800, Lng: 77.6000}
	dest   = geo.Point{Lat: 12.9900, Lng: 77.6100}
)

func testAssigned() dispatch.AssignedAmbulance {
	return dispatch.AssignedAmbulance{AmbulanceID: "amb-1", VehicleNumber: "KA-01-1234", DriverName: "Ravi", Base: base}
}

func snappedPlan() geo.RoutePlan {
	return geo.RoutePlan{
		Points: []geo.Point{
			base,
			{Lat: 12.9740, Lng: 77.5960},
			{Lat: 12.9770, Lng: 77.5980},
			pickup,
			{Lat: 12.9850, Lng: 77.6050},
			dest,
		},
		Snapped:  true,
		Provider: "osrm",
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSession(t *testing.T) (*Session, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	return NewSession("sos-1", snappedPlan(), testAssigned(), SessionOptions{Now: c.now}), c
}

func TestSession_ScenarioSixSequence(t *testing.T) {
	s, _ := newTestSession(t)
	plan := s.Plan().Points

	reports := []Report{
		{Lat: plan[0].Lat, Lng: plan[0].Lng, Status: StatusDispatched, ETAMinutes: fp(8)},
		{Lat: plan[1].Lat, Lng: plan[1].Lng, Status: StatusEnRoute, ETAMinutes: fp(6)},
		{Lat: plan[2].Lat, Lng: plan[2].Lng, Status: StatusEnRoute, ETAMinutes: fp(6)},
		{Lat: plan[3].Lat, Lng: plan[3].Lng, Status: StatusNearby, ETAMinutes: fp(3)},
	}
	var lastSeq uint64
	lastIdx := -1
	for i, r := range reports {
		u, err := s.Apply(r)
		require.NoError(t, err, "report %d", i)
		assert.Greater(t, u.Seq, lastSeq)
		assert.GreaterOrEqual(t, u.PathIndex, lastIdx)
		lastSeq, lastIdx = u.Seq, u.PathIndex
	}
	latest := s.Latest()
	assert.Equal(t, StatusNearby, latest.Status)
	assert.Equal(t, 3.0, latest.ETAMinutes)
	assert.Equal(t, 3, latest.PathIndex)
	assert.Equal(t, 66, latest.Progress)

	_, err := s.Apply(Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusDispatched})
	assert.ErrorIs(t, err, ErrStatusRegression)
	assert.Equal(t, latest, s.Latest(), "rejected report leaves no trace")
}

func TestSession_SeedStartsAtBase(t *testing.T) {
	s, _ := newTestSession(t)
	u := s.Latest()
	assert.Equal(t, uint64(1), u.Seq)
	assert.Equal(t, StatusDispatched, u.Status)
	assert.Equal(t, DefaultInitialETA, u.ETAMinutes)
	assert.Equal(t, base.Lat, u.Lat)
	assert.Equal(t, "KA-01-1234", u.Vehicle)

	// The seed ETA is an estimate, not a driver baseline.
	_, err := s.Apply(Report{Lat: base.Lat, Lng: base.Lng, ETAMinutes: fp(12)})
	assert.NoError(t, err)
}

func TestSession_ETARules(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.Apply(Report{Lat: base.Lat, Lng: base.Lng, Status: StatusEnRoute, ETAMinutes: fp(6)})
	require.NoError(t, err)

	_, err = s.Apply(Report{Lat: base.Lat, Lng: base.Lng, ETAMinutes: fp(9)})
	assert.ErrorIs(t, err, ErrETAIncrease)

	u, err := s.Apply(Report{Lat: base.Lat, Lng: base.Lng, ETAMinutes: fp(9), Recalculated: true})
	require.NoError(t, err)
	assert.Equal(t, 9.0, u.ETAMinutes)
}

func TestSession_ETACountdown(t *testing.T) {
	s, c := newTestSession(t)
	_, err := s.Apply(Report{Lat: base.Lat, Lng: base.Lng, Status: StatusEnRoute, ETAMinutes: fp(5)})
	require.NoError(t, err)

	c.advance(90 * time.Second)
	assert.InDelta(t, 3.5, s.ETAAt(c.now()), 1e-9)
	assert.Equal(t, 0.0, s.ETAAt(c.now().Add(time.Hour)))

	// A report without ETA carries the countdown forward and resets it.
	u, err := s.Apply(Report{Lat: pickup.Lat, Lng: pickup.Lng})
	require.NoError(t, err)
	assert.InDelta(t, 3.5, u.ETAMinutes, 1e-9)
	assert.Equal(t, StatusEnRoute, u.Status, "empty status keeps the current one")
	assert.InDelta(t, 3.5, s.ETAAt(c.now()), 1e-9)
}

func TestSession_ArrivedClosesSession(t *testing.T) {
	s, c := newTestSession(t)
	u, err := s.Apply(Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusArrived, ETAMinutes: fp(2)})
	require.NoError(t, err)
	assert.Equal(t, 0.0, u.ETAMinutes)
	assert.Equal(t, 100, u.Progress)
	assert.Equal(t, c.now(), s.ClosedAt())

	_, err = s.Apply(Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusArrived})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_RejectsBadInput(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.Apply(Report{Lat: 95, Lng: 0})
	assert.ErrorIs(t, err, ErrInvalidPosition)
	_, err = s.Apply(Report{Lat: 1, Lng: 1, Status: "teleported"})
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestSession_CursorNeverMovesBack(t *testing.T) {
	s, _ := newTestSession(t)
	plan := s.Plan().Points

	u, err := s.Apply(Report{Lat: plan[4].Lat, Lng: plan[4].Lng})
	require.NoError(t, err)
	assert.Equal(t, 4, u.PathIndex)

	// A fix near the start of the route does not rewind progress.
	u, err = s.Apply(Report{Lat: plan[1].Lat, Lng: plan[1].Lng})
	require.NoError(t, err)
	assert.Equal(t, 4, u.PathIndex)
}

func TestSession_CoveredAndRemainingPath(t *testing.T) {
	s, _ := newTestSession(t)
	plan := s.Plan().Points
	here := geo.Point{Lat: 12.9772, Lng: 77.5981}

	_, err := s.Apply(Report{Lat: here.Lat, Lng: here.Lng, Status: StatusEnRoute})
	require.NoError(t, err)

	covered := s.CoveredPath()
	assert.Equal(t, []geo.Point{plan[0], plan[1], plan[2], here}, covered)
	remaining := s.RemainingPath()
	assert.Equal(t, []geo.Point{here, plan[3], plan[4], plan[5]}, remaining)
}

func TestSession_OffRoute(t *testing.T) {
	s, _ := newTestSession(t)
	u, err := s.Apply(Report{Lat: 12.9771, Lng: 77.5981})
	require.NoError(t, err)
	assert.False(t, u.OffRoute)

	u, err = s.Apply(Report{Lat: 12.9740, Lng: 77.6100})
	require.NoError(t, err)
	assert.True(t, u.OffRoute)

	straight := NewSession("b", geo.StraightLine(base, pickup, dest), testAssigned(), SessionOptions{})
	u, err = straight.Apply(Report{Lat: 12.9740, Lng: 77.6100})
	require.NoError(t, err)
	assert.False(t, u.OffRoute, "fallback geometry never flags deviation")
}

func TestSession_HeadingDerivedFromMovement(t *testing.T) {
	s, _ := newTestSession(t)
	u, err := s.Apply(Report{Lat: base.Lat + 0.01, Lng: base.Lng})
	require.NoError(t, err)
	assert.InDelta(t, 0, u.Heading, 0.5)

	u, err = s.Apply(Report{Lat: base.Lat + 0.01, Lng: base.Lng, Heading: fp(270)})
	require.NoError(t, err)
	assert.Equal(t, 270.0, u.Heading)
}

func TestSession_ResetStartsNewSequence(t *testing.T) {
	s, _ := newTestSession(t)
	_, err := s.Apply(Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusNearby, ETAMinutes: fp(2)})
	require.NoError(t, err)
	before := s.Latest()

	other := testAssigned()
	other.AmbulanceID = "amb-2"
	other.VehicleNumber = "KA-02-0002"
	u := s.Reset(other)
	assert.Equal(t, StatusDispatched, u.Status)
	assert.Greater(t, u.Seq, before.Seq)
	assert.Equal(t, before.Epoch+1, u.Epoch)
	assert.Equal(t, "KA-02-0002", u.Vehicle)

	_, err = s.Apply(Report{Lat: base.Lat, Lng: base.Lng, Status: StatusEnRoute, ETAMinutes: fp(10)})
	assert.NoError(t, err, "new assignment starts without an ETA baseline")
}

func TestSession_NextBlocksUntilNewer(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	u, err := s.Next(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.Seq)

	got := make(chan Update, 1)
	go func() {
		u, err := s.Next(ctx, 1)
		if err == nil {
			got <- u
		}
	}()

	select {
	case <-got:
		t.Fatal("Next returned before a newer update")
	case <-time.After(20 * time.Millisecond):
	}

	_, err = s.Apply(Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusEnRoute})
	require.NoError(t, err)
	select {
	case u := <-got:
		assert.Equal(t, uint64(2), u.Seq)
	case <-time.After(time.Second):
		t.Fatal("Next did not wake up")
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Next(cctx, 99)
	assert.ErrorIs(t, err, context.Canceled)
}
