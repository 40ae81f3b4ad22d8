package tracking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ambidispatch/internal/geo"
)

type countingRouter struct {
	calls atomic.Int32
	delay time.Duration
}

func (r *countingRouter) Route(_ context.Context, b, p, d geo.Point) geo.RoutePlan {
	r.calls.Add(1)
	time.Sleep(r.delay)
	return snappedPlan()
}

func startGateway(t *testing.T, router Router, opts GatewayOptions) *Gateway {
	t.Helper()
	g := NewGateway(router, opts, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return g
}

var wp = Waypoints{Base: base, Pickup: pickup, Destination: dest}

func recv(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		require.True(t, ok, "channel closed")
		return u
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return Update{}
	}
}

func TestGateway_RouteComputedOncePerSession(t *testing.T) {
	router := &countingRouter{delay: 20 * time.Millisecond}
	g := startGateway(t, router, GatewayOptions{})

	var wg sync.WaitGroup
	sessions := make([]*Session, 10)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := g.Open(context.Background(), "bk-1", wp, testAssigned())
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), router.calls.Load())
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}

	_, err := g.Open(context.Background(), "bk-1", wp, testAssigned())
	require.NoError(t, err)
	assert.Equal(t, int32(1), router.calls.Load())
	assert.Equal(t, 1, g.SessionCount())
}

func TestGateway_FanOutToObservers(t *testing.T) {
	g := startGateway(t, &countingRouter{}, GatewayOptions{})
	ctx := context.Background()
	_, err := g.Open(ctx, "bk-1", wp, testAssigned())
	require.NoError(t, err)

	phone, unsubPhone, err := g.Subscribe(ctx, "bk-1")
	require.NoError(t, err)
	tablet, unsubTablet, err := g.Subscribe(ctx, "bk-1")
	require.NoError(t, err)
	defer unsubTablet()

	assert.Equal(t, uint64(1), recv(t, phone).Seq, "observers start from the latest update")
	assert.Equal(t, uint64(1), recv(t, tablet).Seq)
	assert.Equal(t, 2, g.Observers("bk-1"))

	_, err = g.Publish(ctx, "bk-1", Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusEnRoute, ETAMinutes: fp(6)})
	require.NoError(t, err)
	assert.Equal(t, StatusEnRoute, recv(t, phone).Status)
	assert.Equal(t, StatusEnRoute, recv(t, tablet).Status)

	// Dropping one observer leaves the session and the other observer intact.
	unsubPhone()
	require.Eventually(t, func() bool { return g.Observers("bk-1") == 1 }, time.Second, 5*time.Millisecond)
	_, open := <-phone
	assert.False(t, open)

	_, err = g.Publish(ctx, "bk-1", Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusNearby})
	require.NoError(t, err)
	assert.Equal(t, StatusNearby, recv(t, tablet).Status)

	_, ok := g.Get("bk-1")
	assert.True(t, ok)
}

func TestGateway_ReconnectResumesFromLatest(t *testing.T) {
	g := startGateway(t, &countingRouter{}, GatewayOptions{})
	ctx := context.Background()
	_, err := g.Open(ctx, "bk-1", wp, testAssigned())
	require.NoError(t, err)

	ch, unsub, err := g.Subscribe(ctx, "bk-1")
	require.NoError(t, err)
	recv(t, ch)
	unsub()

	_, err = g.Publish(ctx, "bk-1", Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusNearby, ETAMinutes: fp(2)})
	require.NoError(t, err)

	ch, unsub, err = g.Subscribe(ctx, "bk-1")
	require.NoError(t, err)
	defer unsub()
	u := recv(t, ch)
	assert.Equal(t, StatusNearby, u.Status)
	assert.Equal(t, uint64(2), u.Seq)
}

func TestGateway_UnknownSession(t *testing.T) {
	g := startGateway(t, &countingRouter{}, GatewayOptions{})
	_, _, err := g.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = g.Publish(context.Background(), "missing", Report{Lat: 1, Lng: 1})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestGateway_ReassignmentResetsSession(t *testing.T) {
	router := &countingRouter{}
	g := startGateway(t, router, GatewayOptions{})
	ctx := context.Background()
	_, err := g.Open(ctx, "bk-1", wp, testAssigned())
	require.NoError(t, err)
	_, err = g.Publish(ctx, "bk-1", Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusNearby})
	require.NoError(t, err)

	other := testAssigned()
	other.AmbulanceID = "amb-9"
	s, err := g.Open(ctx, "bk-1", wp, other)
	require.NoError(t, err)
	assert.Equal(t, StatusDispatched, s.Latest().Status)
	assert.Equal(t, 1, s.Latest().Epoch)
	assert.Equal(t, int32(1), router.calls.Load(), "the plan is kept across reassignment")
}

func TestGateway_ReapsArrivedSessions(t *testing.T) {
	g := startGateway(t, &countingRouter{}, GatewayOptions{Retention: 50 * time.Millisecond, ReapPeriod: 10 * time.Millisecond})
	ctx := context.Background()
	_, err := g.Open(ctx, "bk-1", wp, testAssigned())
	require.NoError(t, err)
	ch, unsub, err := g.Subscribe(ctx, "bk-1")
	require.NoError(t, err)
	defer unsub()
	recv(t, ch)

	_, err = g.Publish(ctx, "bk-1", Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusArrived})
	require.NoError(t, err)
	assert.Equal(t, StatusArrived, recv(t, ch).Status)

	require.Eventually(t, func() bool { return g.SessionCount() == 0 }, time.Second, 5*time.Millisecond)
	_, open := <-ch
	assert.False(t, open, "reaping closes observer channels")
}

func TestGateway_RoutingOutageStillStartsTracking(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	router := geo.NewRouter(geo.NewOSRMProvider(srv.URL, time.Second), time.Second, zap.NewNop())
	g := startGateway(t, router, GatewayOptions{})

	s, err := g.Open(context.Background(), "sos-500", wp, testAssigned())
	require.NoError(t, err)
	plan := s.Plan()
	assert.False(t, plan.Snapped)
	assert.Equal(t, []geo.Point{base, pickup, dest}, plan.Points)
	assert.Equal(t, int32(1), hits.Load())

	u, err := g.Publish(context.Background(), "sos-500", Report{Lat: pickup.Lat, Lng: pickup.Lng, Status: StatusEnRoute})
	require.NoError(t, err)
	assert.Equal(t, 1, u.PathIndex)
}
