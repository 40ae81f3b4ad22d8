package geo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	base        = Point{Lat: 12.9716, Lng: 77.5946}
	pickup      = Point{Lat: 12.9800, Lng: 77.6000}
	destination = Point{Lat: 12.9900, Lng: 77.6100}
)

func TestRouter_ServerErrorFallsBackToStraightLine(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	router := NewRouter(NewOSRMProvider(srv.URL, time.Second), time.Second, zap.NewNop())
	plan := router.Route(context.Background(), base, pickup, destination)

	assert.Equal(t, []Point{base, pickup, destination}, plan.Points)
	assert.False(t, plan.Snapped)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "no retry on failure")
}

func TestRouter_NonOKCodeFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"NoRoute","message":"Impossible route"}`))
	}))
	defer srv.Close()

	router := NewRouter(NewOSRMProvider(srv.URL, time.Second), time.Second, zap.NewNop())
	plan := router.Route(context.Background(), base, pickup, destination)
	assert.Equal(t, StraightLine(base, pickup, destination), plan)
}

func TestRouter_MalformedGeometryFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"Ok","routes":[{"geometry":{"coordinates":[[77.59],[77.6,12.98]]}}]}`))
	}))
	defer srv.Close()

	router := NewRouter(NewOSRMProvider(srv.URL, time.Second), time.Second, zap.NewNop())
	plan := router.Route(context.Background(), base, pickup, destination)
	assert.False(t, plan.Snapped)
	assert.Len(t, plan.Points, 3)
}

func TestRouter_UnreachableFallsBack(t *testing.T) {
	router := NewRouter(NewOSRMProvider("http://127.0.0.1:1", 200*time.Millisecond), 200*time.Millisecond, zap.NewNop())
	plan := router.Route(context.Background(), base, pickup, destination)
	assert.Equal(t, []Point{base, pickup, destination}, plan.Points)
}

func TestRouter_SnappedGeometryIsAnchored(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"code":"Ok","routes":[{"geometry":{"coordinates":[
			[77.5947,12.9717],[77.5970,12.9750],[77.6001,12.9801],[77.6050,12.9850],[77.6099,12.9899]
		]}}]}`))
	}))
	defer srv.Close()

	router := NewRouter(NewOSRMProvider(srv.URL, time.Second), time.Second, zap.NewNop())
	plan := router.Route(context.Background(), base, pickup, destination)

	require.True(t, plan.Snapped)
	assert.Equal(t, "osrm", plan.Provider)
	assert.True(t, strings.HasPrefix(gotPath, "/route/v1/driving/77.594600,12.971600;"))
	assert.Contains(t, gotQuery, "geometries=geojson")

	require.GreaterOrEqual(t, len(plan.Points), 3)
	assert.Equal(t, base, plan.Points[0])
	assert.Equal(t, destination, plan.Points[len(plan.Points)-1])
	assert.Equal(t, Point{Lat: 12.9750, Lng: 77.5970}, plan.Points[2], "converted to lat,lng")

	pickupAt := -1
	for i, p := range plan.Points {
		if p == pickup {
			pickupAt = i
		}
	}
	require.Greater(t, pickupAt, 0)
	assert.Less(t, pickupAt, len(plan.Points)-1)
}

type stubProvider struct {
	points []Point
	err    error
}

func (s stubProvider) Name() string { return "stub" }

func (s stubProvider) Directions(ctx context.Context, _ []Point) ([]Point, error) {
	return s.points, s.err
}

func TestRouter_ProviderErrors(t *testing.T) {
	cases := map[string]stubProvider{
		"error":  {err: errors.New("boom")},
		"empty":  {},
		"single": {points: []Point{base}},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			plan := NewRouter(p, time.Second, nil).Route(context.Background(), base, pickup, destination)
			assert.Equal(t, StraightLine(base, pickup, destination), plan)
		})
	}
}

func TestRouter_NilProvider(t *testing.T) {
	plan := NewRouter(nil, 0, nil).Route(context.Background(), base, pickup, destination)
	assert.Equal(t, []Point{base, pickup, destination}, plan.Points)
}

func TestAnchor_KeepsExactWaypoints(t *testing.T) {
	geometry := []Point{base, {Lat: 12.975, Lng: 77.597}, pickup, destination}
	assert.Equal(t, geometry, anchor(geometry, base, pickup, destination))
}

func TestAnchor_TwoPointGeometry(t *testing.T) {
	got := anchor([]Point{base, destination}, base, pickup, destination)
	assert.Equal(t, []Point{base, pickup, destination}, got)
}
