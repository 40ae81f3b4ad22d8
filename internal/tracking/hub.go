package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
)

var ErrSessionNotFound = errors.New("tracking session not found")

// Waypoints are the three anchors of a tracking route.
type Waypoints struct {
	Base        geo.Point `json:"base"`
	Pickup      geo.Point `json:"pickup"`
	Destination geo.Point `json:"destination"`
}

// Router resolves a route plan. *geo.Router satisfies it.
type Router interface {
	Route(ctx context.Context, base, pickup, destination geo.Point) geo.RoutePlan
}

type GatewayOptions struct {
	Session SessionOptions
	// Retention keeps arrived sessions around for late observers.
	Retention  time.Duration
	ReapPeriod time.Duration
	Client     ClientConfig
}

func (o GatewayOptions) withDefaults() GatewayOptions {
	if o.Retention <= 0 {
		o.Retention = 10 * time.Minute
	}
	if o.ReapPeriod <= 0 {
		o.ReapPeriod = time.Minute
	}
	o.Client = o.Client.withDefaults()
	return o
}

// Gateway multiplexes tracking sessions to any number of observers. Sessions
// outlive observer connections; they end when reaped after arrival.
type Gateway struct {
	router Router
	logger *zap.Logger
	opts   GatewayOptions
	group  singleflight.Group

	base   context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	sessions   map[string]*entry
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
}

type entry struct {
	session *Session
	subs    map[*subscriber]struct{}
	stop    context.CancelFunc
}

type subscriber struct {
	id      string
	ch      chan Update
	lastSeq uint64
	ready   chan error
}

func NewGateway(router Router, opts GatewayOptions, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Gateway{
		router:     router,
		logger:     logger,
		opts:       opts.withDefaults(),
		base:       base,
		cancel:     cancel,
		sessions:   make(map[string]*entry),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
	}
}

// Run owns subscriber registration and session reaping until ctx ends.
func (g *Gateway) Run(ctx context.Context) {
	reap := time.NewTicker(g.opts.ReapPeriod)
	defer reap.Stop()
	defer g.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case sub := <-g.register:
			g.mu.Lock()
			e, ok := g.sessions[sub.id]
			if !ok {
				g.mu.Unlock()
				sub.ready <- ErrSessionNotFound
				continue
			}
			e.subs[sub] = struct{}{}
			g.deliverLocked(sub, e.session.Latest())
			g.mu.Unlock()
			sub.ready <- nil
		case sub := <-g.unregister:
			g.mu.Lock()
			if e, ok := g.sessions[sub.id]; ok {
				if _, member := e.subs[sub]; member {
					delete(e.subs, sub)
					close(sub.ch)
				}
			}
			g.mu.Unlock()
		case <-reap.C:
			g.reap(time.Now())
		}
	}
}

func (g *Gateway) shutdown() {
	g.cancel()
	g.mu.Lock()
	for id, e := range g.sessions {
		g.dropLocked(id, e)
	}
	g.mu.Unlock()
	close(g.done)
}

func (g *Gateway) reap(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, e := range g.sessions {
		closed := e.session.ClosedAt()
		if !closed.IsZero() && now.Sub(closed) >= g.opts.Retention {
			g.dropLocked(id, e)
			g.logger.Info("tracking session reaped", zap.String("id", id))
		}
	}
}

// Close ends a session that will never arrive, such as a cancelled booking.
// Its observers see their channels close.
func (g *Gateway) Close(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.sessions[id]
	if !ok {
		return false
	}
	g.dropLocked(id, e)
	g.logger.Info("tracking session closed", zap.String("id", id))
	return true
}

func (g *Gateway) dropLocked(id string, e *entry) {
	e.stop()
	for sub := range e.subs {
		close(sub.ch)
	}
	delete(g.sessions, id)
}

// Open returns the session for id, creating it and computing its route on
// first use. Concurrent opens for the same id share one route computation.
// Opening with a different ambulance resets the session's status sequence.
func (g *Gateway) Open(ctx context.Context, id string, wp Waypoints, assigned dispatch.AssignedAmbulance) (*Session, error) {
	if s, ok := g.Get(id); ok {
		if s.Assigned().AmbulanceID != assigned.AmbulanceID {
			s.Reset(assigned)
		}
		return s, nil
	}

	v, err, _ := g.group.Do(id, func() (any, error) {
		if s, ok := g.Get(id); ok {
			return s, nil
		}
		plan := g.router.Route(ctx, wp.Base, wp.Pickup, wp.Destination)
		sess := NewSession(id, plan, assigned, g.opts.Session)

		g.mu.Lock()
		defer g.mu.Unlock()
		select {
		case <-g.base.Done():
			return nil, errors.New("tracking gateway stopped")
		default:
		}
		pumpCtx, stop := context.WithCancel(g.base)
		g.sessions[id] = &entry{session: sess, subs: make(map[*subscriber]struct{}), stop: stop}
		go g.pump(pumpCtx, sess)
		g.logger.Info("tracking session opened",
			zap.String("id", id),
			zap.String("ambulance", assigned.AmbulanceID),
			zap.Bool("snapped", plan.Snapped),
			zap.String("provider", plan.Provider),
			zap.Int("points", len(plan.Points)),
		)
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (g *Gateway) Get(id string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Publish applies a driver report to the session. Observers receive it via the
// session pump.
func (g *Gateway) Publish(_ context.Context, id string, r Report) (Update, error) {
	s, ok := g.Get(id)
	if !ok {
		return Update{}, ErrSessionNotFound
	}
	return s.Apply(r)
}

// Subscribe registers an observer. The channel starts with the latest update
// and is closed after unsubscribe or when the session is reaped.
func (g *Gateway) Subscribe(ctx context.Context, id string) (<-chan Update, func(), error) {
	sub := &subscriber{id: id, ch: make(chan Update, 16), ready: make(chan error, 1)}
	select {
	case g.register <- sub:
	case <-g.done:
		return nil, nil, ErrSessionNotFound
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	if err := <-sub.ready; err != nil {
		return nil, nil, err
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			select {
			case g.unregister <- sub:
			case <-g.done:
			}
		})
	}
	return sub.ch, unsubscribe, nil
}

// Observers returns the number of observers attached to id.
func (g *Gateway) Observers(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if e, ok := g.sessions[id]; ok {
		return len(e.subs)
	}
	return 0
}

func (g *Gateway) SessionCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// pump is the single reader of a session; it fans updates out to observers.
func (g *Gateway) pump(ctx context.Context, s *Session) {
	var seq uint64
	for {
		u, err := s.Next(ctx, seq)
		if err != nil {
			return
		}
		seq = u.Seq
		g.broadcast(s.ID(), u)
	}
}

func (g *Gateway) broadcast(id string, u Update) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.sessions[id]
	if !ok {
		return
	}
	for sub := range e.subs {
		g.deliverLocked(sub, u)
	}
}

// deliverLocked never blocks: a full observer drops its oldest pending update.
func (g *Gateway) deliverLocked(sub *subscriber, u Update) {
	if u.Seq <= sub.lastSeq {
		return
	}
	for {
		select {
		case sub.ch <- u:
			sub.lastSeq = u.Seq
			return
		default:
		}
		select {
		case <-sub.ch:
			g.logger.Debug("slow tracking observer, dropped update", zap.String("id", sub.id))
		default:
		}
	}
}
