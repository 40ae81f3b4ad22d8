// Package tracking streams live ambulance progress along a precomputed route.
package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
)

type Status string

const (
	StatusDispatched Status = "dispatched"
	StatusEnRoute    Status = "en_route"
	StatusNearby     Status = "nearby"
	StatusArrived    Status = "arrived"
)

var statusRank = map[Status]int{
	StatusDispatched: 0,
	StatusEnRoute:    1,
	StatusNearby:     2,
	StatusArrived:    3,
}

// Terminal reports whether no further updates follow s.
func (s Status) Terminal() bool { return s == StatusArrived }

// Progress is the position of s in the status sequence as a percentage.
func (s Status) Progress() int {
	return statusRank[s] * 100 / statusRank[StatusArrived]
}

var (
	ErrStatusRegression = errors.New("tracking status cannot move backwards")
	ErrETAIncrease      = errors.New("eta increased without recalculation")
	ErrSessionClosed    = errors.New("tracking session already arrived")
	ErrUnknownStatus    = errors.New("unknown tracking status")
	ErrInvalidPosition  = errors.New("invalid position")
)

const (
	DefaultInitialETA = 8.0
	DefaultOffRouteKM = 0.5
)

// Report is a raw position report from the driver side.
type Report struct {
	Lat     float64  `json:"lat"`
	Lng     float64  `json:"lng"`
	Speed   float64  `json:"speed"`
	Heading *float64 `json:"heading,omitempty"`
	// Status empty keeps the current status.
	Status Status `json:"status,omitempty"`
	// ETAMinutes nil continues the running countdown.
	ETAMinutes   *float64  `json:"etaMinutes,omitempty"`
	Recalculated bool      `json:"recalculated,omitempty"`
	At           time.Time `json:"at,omitempty"`
}

// Update is what observers receive.
type Update struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Epoch      int       `json:"epoch"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Speed      float64   `json:"speed"`
	Heading    float64   `json:"heading"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	ETAMinutes float64   `json:"etaMinutes"`
	PathIndex  int       `json:"pathIndex"`
	OffRoute   bool      `json:"offRoute"`
	Vehicle    string    `json:"vehicle,omitempty"`
	Driver     string    `json:"driver,omitempty"`
	At         time.Time `json:"at"`
}

type SessionOptions struct {
	InitialETA float64
	OffRouteKM float64
	Now        func() time.Time
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.InitialETA <= 0 {
		o.InitialETA = DefaultInitialETA
	}
	if o.OffRouteKM <= 0 {
		o.OffRouteKM = DefaultOffRouteKM
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Session owns one route plan and the cursor over it. The plan is fixed for
// the session lifetime; deviation only flags OffRoute.
type Session struct {
	id   string
	plan geo.RoutePlan
	opts SessionOptions

	mu       sync.Mutex
	assigned dispatch.AssignedAmbulance
	latest   Update
	cursor   int
	position geo.Point
	etaAt    time.Time
	// baseline is the last ETA a driver reported; the seed ETA is not one.
	baseline *float64
	closedAt time.Time
	changed  chan struct{}
}

func NewSession(id string, plan geo.RoutePlan, assigned dispatch.AssignedAmbulance, opts SessionOptions) *Session {
	s := &Session{
		id:      id,
		plan:    plan,
		opts:    opts.withDefaults(),
		changed: make(chan struct{}),
	}
	s.seedLocked(assigned, 0)
	return s
}

func (s *Session) seedLocked(assigned dispatch.AssignedAmbulance, epoch int) {
	now := s.opts.Now()
	start := assigned.Base
	if len(s.plan.Points) > 0 {
		start = s.plan.Points[0]
	}
	s.assigned = assigned
	s.cursor = 0
	s.position = start
	s.baseline = nil
	s.closedAt = time.Time{}
	s.etaAt = now
	s.latest = Update{
		ID:         s.id,
		Seq:        s.latest.Seq + 1,
		Epoch:      epoch,
		Lat:        start.Lat,
		Lng:        start.Lng,
		Status:     StatusDispatched,
		ETAMinutes: s.opts.InitialETA,
		Vehicle:    assigned.VehicleNumber,
		Driver:     assigned.DriverName,
		At:         now,
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) Plan() geo.RoutePlan { return s.plan }

func (s *Session) Assigned() dispatch.AssignedAmbulance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assigned
}

func (s *Session) Latest() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// ClosedAt is zero until the session reaches arrived.
func (s *Session) ClosedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}

// Apply validates a report against the status order and ETA rules, moves the
// cursor and publishes the resulting update.
func (s *Session) Apply(r Report) (Update, error) {
	p := geo.Point{Lat: r.Lat, Lng: r.Lng}
	if !p.Valid() {
		return Update{}, ErrInvalidPosition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.latest
	if cur.Status.Terminal() {
		return Update{}, ErrSessionClosed
	}
	status := r.Status
	if status == "" {
		status = cur.Status
	}
	rank, ok := statusRank[status]
	if !ok {
		return Update{}, ErrUnknownStatus
	}
	if rank < statusRank[cur.Status] {
		return Update{}, ErrStatusRegression
	}

	now := s.opts.Now()
	var eta float64
	switch {
	case status.Terminal():
		eta = 0
	case r.ETAMinutes != nil:
		eta = *r.ETAMinutes
		if eta < 0 {
			eta = 0
		}
		if s.baseline != nil && eta > *s.baseline && !r.Recalculated {
			return Update{}, ErrETAIncrease
		}
	default:
		eta = s.etaAtLocked(now)
	}

	heading := cur.Heading
	if r.Heading != nil {
		heading = *r.Heading
	} else if p != s.position {
		heading = geo.BearingDegrees(s.position, p)
	}

	offRoute := false
	if n := len(s.plan.Points); n > 0 {
		s.cursor = geo.NearestIndex(s.plan.Points, p, s.cursor)
		// A straight-line fallback is not a road, so distance from it means nothing.
		if s.plan.Snapped {
			offRoute = geo.DistanceKM(p, s.plan.Points[s.cursor]) > s.opts.OffRouteKM
		}
	}

	at := r.At
	if at.IsZero() {
		at = now
	}
	s.position = p
	s.baseline = &eta
	s.etaAt = now
	s.latest = Update{
		ID:         s.id,
		Seq:        cur.Seq + 1,
		Epoch:      cur.Epoch,
		Lat:        p.Lat,
		Lng:        p.Lng,
		Speed:      r.Speed,
		Heading:    heading,
		Status:     status,
		Progress:   status.Progress(),
		ETAMinutes: eta,
		PathIndex:  s.cursor,
		OffRoute:   offRoute,
		Vehicle:    s.assigned.VehicleNumber,
		Driver:     s.assigned.DriverName,
		At:         at,
	}
	if status.Terminal() {
		s.closedAt = now
	}
	s.notifyLocked()
	return s.latest, nil
}

// Reset starts a new status sequence for a new assignment. Sequence numbers
// keep increasing so observers see the reset as the newest update.
func (s *Session) Reset(assigned dispatch.AssignedAmbulance) Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seedLocked(assigned, s.latest.Epoch+1)
	s.notifyLocked()
	return s.latest
}

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// ETAAt is the latest ETA counted down by the wall time since it was set.
func (s *Session) ETAAt(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etaAtLocked(now)
}

func (s *Session) etaAtLocked(now time.Time) float64 {
	eta := s.latest.ETAMinutes - now.Sub(s.etaAt).Minutes()
	if eta < 0 {
		return 0
	}
	return eta
}

// CoveredPath is the route up to the cursor followed by the current position.
func (s *Session) CoveredPath() []geo.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.plan.Points) == 0 {
		return []geo.Point{s.position}
	}
	out := make([]geo.Point, 0, s.cursor+2)
	out = append(out, s.plan.Points[:s.cursor+1]...)
	return append(out, s.position)
}

// RemainingPath is the current position followed by the route after the cursor.
func (s *Session) RemainingPath() []geo.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []geo.Point{s.position}
	if len(s.plan.Points) == 0 {
		return out
	}
	return append(out, s.plan.Points[s.cursor+1:]...)
}

// Next blocks until an update newer than afterSeq exists. Passing 0 returns the
// latest update immediately, so a reconnecting observer restarts from now.
func (s *Session) Next(ctx context.Context, afterSeq uint64) (Update, error) {
	for {
		s.mu.Lock()
		latest := s.latest
		changed := s.changed
		s.mu.Unlock()
		if latest.Seq > afterSeq {
			return latest, nil
		}
		select {
		case <-ctx.Done():
			return Update{}, ctx.Err()
		case <-changed:
		}
	}
}
