package sos

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ambidispatch/internal/geo"
)

type Config struct {
	CountdownTicks int
	TickInterval   time.Duration
	LocateTimeout  time.Duration
	SettleDelay    time.Duration
	MaxAttempts    int
	BackendTimeout time.Duration
	// Retention keeps finished requests readable before they are pruned.
	Retention time.Duration
	// Destination, when set, is where SOS patients are taken.
	Destination *geo.Point
	NewTicker   func(time.Duration) Ticker
	Now         func() time.Time
}

func (c Config) withDefaults() Config {
	if c.CountdownTicks <= 0 {
		c.CountdownTicks = 5
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.LocateTimeout <= 0 {
		c.LocateTimeout = 5 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 5 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 30 * time.Minute
	}
	if c.NewTicker == nil {
		c.NewTicker = newTimeTicker
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Deps struct {
	Dispatcher Dispatcher
	Verifier   Verifier
	Backend    Backend
	Tracking   TrackingOpener
	Logger     *zap.Logger
}

// Service is the registry of live SOS machines.
type Service struct {
	cfg  Config
	deps Deps

	base   context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	machines map[string]*Machine
}

func NewService(cfg Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		base:     base,
		cancel:   cancel,
		machines: make(map[string]*Machine),
	}
}

// Activate creates a request and starts its countdown.
func (s *Service) Activate(_ context.Context, in ActivateInput) (Request, error) {
	if in.Location != nil && !in.Location.Valid() {
		return Request{}, ErrInvalidLocation
	}
	m := newMachine(s.base, uuid.New().String(), in, s.cfg, s.deps)

	s.mu.Lock()
	s.machines[m.req.ID] = m
	s.mu.Unlock()

	if err := m.start(); err != nil {
		return Request{}, err
	}
	return m.Snapshot(), nil
}

func (s *Service) machine(id string) (*Machine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (s *Service) Get(id string) (Request, error) {
	m, err := s.machine(id)
	if err != nil {
		return Request{}, err
	}
	return m.Snapshot(), nil
}

// List returns all known requests, newest first.
func (s *Service) List() []Request {
	s.mu.RLock()
	out := make([]Request, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m.Snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *Service) Skip(id string) (Request, error) {
	return s.apply(id, func(m *Machine) error { return m.Skip() })
}

func (s *Service) DeliverLocation(id string, p *geo.Point, denied bool) (Request, error) {
	return s.apply(id, func(m *Machine) error { return m.DeliverLocation(p, denied) })
}

func (s *Service) SubmitPhone(ctx context.Context, id, phone string) (Request, error) {
	return s.apply(id, func(m *Machine) error { return m.SubmitPhone(ctx, phone) })
}

func (s *Service) SubmitOTP(ctx context.Context, id, code string) (Request, error) {
	return s.apply(id, func(m *Machine) error { return m.SubmitOTP(ctx, code) })
}

func (s *Service) Cancel(_ context.Context, id, reason string) (Request, error) {
	return s.apply(id, func(m *Machine) error { return m.Cancel(reason) })
}

// apply runs op and returns the snapshot after it, also on error, so callers
// can show the user-visible error state.
func (s *Service) apply(id string, op func(*Machine) error) (Request, error) {
	m, err := s.machine(id)
	if err != nil {
		return Request{}, err
	}
	err = op(m)
	return m.Snapshot(), err
}

// Subscribe streams snapshots of id, starting with the current one.
func (s *Service) Subscribe(id string) (<-chan Request, func(), error) {
	m, err := s.machine(id)
	if err != nil {
		return nil, nil, err
	}
	ch, stop := m.Watch()
	return ch, stop, nil
}

// Prune drops requests that finished more than Retention ago.
func (s *Service) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.machines {
		at, done := m.terminalSince()
		if done && now.Sub(at) >= s.cfg.Retention {
			m.cancel()
			m.closeWatchers()
			delete(s.machines, id)
			n++
		}
	}
	if n > 0 {
		s.deps.Logger.Info("pruned finished sos requests", zap.Int("count", n))
	}
	return n
}

// Run prunes periodically until ctx ends, then stops every machine.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case now := <-ticker.C:
			s.Prune(now)
		}
	}
}

func (s *Service) Close() {
	s.cancel()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.machines {
		m.closeWatchers()
	}
}

// Counts reports requests per status.
func (s *Service) Counts() map[Status]int {
	out := make(map[Status]int)
	for _, r := range s.List() {
		out[r.Status]++
	}
	return out
}

// IsUserError reports whether err is caused by caller input rather than by
// the system.
func IsUserError(err error) bool {
	for _, target := range []error{ErrInvalidLocation, ErrInvalidPhone, ErrInvalidCode, ErrNoPendingPhone, ErrInvalidOTP} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
