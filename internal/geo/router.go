package geo

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrNoGeometry is returned by providers when a route came back empty.
var ErrNoGeometry = errors.New("routing: empty geometry")

// Provider resolves a road-following geometry through ordered waypoints.
type Provider interface {
	Name() string
	Directions(ctx context.Context, waypoints []Point) ([]Point, error)
}

// RoutePlan is the ordered base -> pickup -> destination path of a trip.
type RoutePlan struct {
	Points   []Point `json:"points"`
	Snapped  bool    `json:"snapped"`
	Provider string  `json:"provider,omitempty"`
}

// StraightLine is the fallback plan used whenever road routing fails.
func StraightLine(base, pickup, destination Point) RoutePlan {
	return RoutePlan{Points: []Point{base, pickup, destination}}
}

// Router computes route plans and never fails: any provider error degrades
// to the straight-line plan.
type Router struct {
	provider Provider
	timeout  time.Duration
	logger   *zap.Logger
}

func NewRouter(provider Provider, timeout time.Duration, logger *zap.Logger) *Router {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{provider: provider, timeout: timeout, logger: logger}
}

func (r *Router) Route(ctx context.Context, base, pickup, destination Point) RoutePlan {
	if r.provider == nil {
		return StraightLine(base, pickup, destination)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	geometry, err := r.provider.Directions(ctx, []Point{base, pickup, destination})
	if err == nil && len(geometry) < 2 {
		err = ErrNoGeometry
	}
	if err != nil {
		r.logger.Warn("road routing failed, using straight line",
			zap.String("provider", r.provider.Name()),
			zap.Error(err),
		)
		return StraightLine(base, pickup, destination)
	}
	return RoutePlan{
		Points:   anchor(geometry, base, pickup, destination),
		Snapped:  true,
		Provider: r.provider.Name(),
	}
}

// anchor makes sure the three requested waypoints appear in the geometry in
// order. Providers snap waypoints to the nearest road, so the exact inputs
// are usually missing from the returned polyline.
func anchor(geometry []Point, base, pickup, destination Point) []Point {
	pts := make([]Point, 0, len(geometry)+3)
	if geometry[0] != base {
		pts = append(pts, base)
	}
	pts = append(pts, geometry...)
	if pts[len(pts)-1] != destination {
		pts = append(pts, destination)
	}
	for i := 1; i < len(pts)-1; i++ {
		if pts[i] == pickup {
			return pts
		}
	}

	at := NearestIndex(pts, pickup, 0)
	if at > len(pts)-2 {
		at = len(pts) - 2
	}
	out := make([]Point, 0, len(pts)+1)
	out = append(out, pts[:at+1]...)
	out = append(out, pickup)
	out = append(out, pts[at+1:]...)
	return out
}
