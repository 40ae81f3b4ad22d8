// Package sos drives emergency requests from activation through phone
// verification to ambulance dispatch.
package sos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
	"ambidispatch/internal/otp"
	"ambidispatch/internal/tracking"
)

type Status string

const (
	StatusPending              Status = "pending"
	StatusCountdown            Status = "countdown"
	StatusActivating           Status = "activating"
	StatusAwaitingVerification Status = "awaiting_verification"
	StatusDispatched           Status = "dispatched"
	StatusCancelled            Status = "cancelled"
	StatusFailed               Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusDispatched || s == StatusCancelled || s == StatusFailed
}

type Event string

const (
	EventActivate          Event = "activate"
	EventTick              Event = "tick"
	EventElapse            Event = "elapse"
	EventSkip              Event = "skip"
	EventLocated           Event = "located"
	EventFastPath          Event = "fast_path"
	EventNeedsVerification Event = "needs_verification"
	EventCodeSent          Event = "code_sent"
	EventVerifyOK          Event = "verify_ok"
	EventVerifyFail        Event = "verify_fail"
	EventCancel            Event = "cancel"
	EventFail              Event = "fail"
)

// transitions is the complete state graph. Terminal states have no entry, so
// every event delivered to them is rejected.
var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventActivate: StatusCountdown,
		EventCancel:   StatusCancelled,
	},
	StatusCountdown: {
		EventTick:   StatusCountdown,
		EventElapse: StatusActivating,
		EventSkip:   StatusActivating,
		EventCancel: StatusCancelled,
	},
	StatusActivating: {
		EventLocated:           StatusActivating,
		EventFastPath:          StatusDispatched,
		EventNeedsVerification: StatusAwaitingVerification,
		EventCancel:            StatusCancelled,
		EventFail:              StatusFailed,
	},
	StatusAwaitingVerification: {
		EventCodeSent:   StatusAwaitingVerification,
		EventVerifyFail: StatusAwaitingVerification,
		EventVerifyOK:   StatusDispatched,
		EventCancel:     StatusCancelled,
		EventFail:       StatusFailed,
	},
}

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("sos request not found")
	ErrInvalidLocation   = errors.New("invalid location")
	ErrInvalidPhone      = errors.New("invalid phone number")
	ErrInvalidCode       = errors.New("invalid verification code format")
	ErrNoPendingPhone    = errors.New("no phone number submitted for verification")
	ErrOTPSend           = errors.New("verification code could not be sent")
	ErrInvalidOTP        = errors.New("verification code rejected")
	ErrOTPUnavailable    = errors.New("verification temporarily unavailable")
	ErrTooManyAttempts   = errors.New("too many verification attempts")
)

const (
	FailureNoCapacity      = "no_capacity"
	FailureTooManyAttempts = "too_many_attempts"
	FailureDispatch        = "dispatch_error"

	LocationProvided = "provided"
	LocationDenied   = "denied"
	LocationTimeout  = "timeout"
)

// Request is a snapshot of one SOS request.
type Request struct {
	ID             string     `json:"id"`
	Status         Status     `json:"status"`
	Countdown      int        `json:"countdown"`
	UserID         string     `json:"userId,omitempty"`
	Location       *geo.Point `json:"location,omitempty"`
	LocationStatus string     `json:"locationStatus,omitempty"`
	Address        string     `json:"address,omitempty"`
	// VerifiedPhone is only set when dispatch followed OTP verification.
	VerifiedPhone  string                      `json:"verifiedPhone,omitempty"`
	CodeSent       bool                        `json:"codeSent"`
	FailedAttempts int                         `json:"failedAttempts"`
	LastError      string                      `json:"lastError,omitempty"`
	BookingID      string                      `json:"bookingId,omitempty"`
	Assigned       *dispatch.AssignedAmbulance `json:"assignedAmbulance,omitempty"`
	CapacityAlert  bool                        `json:"capacityAlert,omitempty"`
	FailureReason  string                      `json:"failureReason,omitempty"`
	CancelReason   string                      `json:"cancelReason,omitempty"`
	RedirectTo     string                      `json:"redirectTo,omitempty"`
	Trail          []Status                    `json:"trail"`
	CreatedAt      time.Time                   `json:"createdAt"`
	ActivatedAt    *time.Time                  `json:"activatedAt,omitempty"`
	VerifiedAt     *time.Time                  `json:"verifiedAt,omitempty"`
	DispatchedAt   *time.Time                  `json:"dispatchedAt,omitempty"`
	UpdatedAt      time.Time                   `json:"updatedAt"`
}

func (r Request) clone() Request {
	r.Trail = append([]Status(nil), r.Trail...)
	if r.Location != nil {
		p := *r.Location
		r.Location = &p
	}
	if r.Assigned != nil {
		a := *r.Assigned
		r.Assigned = &a
	}
	return r
}

// Final reports whether no further snapshots follow r.
func (r Request) Final() bool {
	return r.Status.Terminal() && (r.Status != StatusDispatched || r.RedirectTo != "")
}

// ActivateInput carries the caller explicitly; a nil Caller is anonymous.
type ActivateInput struct {
	Caller         *dispatch.Identity
	Location       *geo.Point
	LocationDenied bool
	Address        string
	OperatorID     string
	PatientName    string
}

type Dispatcher interface {
	CreateBooking(ctx context.Context, req dispatch.BookingRequest) (dispatch.Booking, error)
	CancelBooking(ctx context.Context, id, ownerID string) (dispatch.Booking, error)
}

type Verifier interface {
	Send(ctx context.Context, purpose, phone string) otp.SendResult
	Verify(ctx context.Context, purpose, phone, code string) otp.VerifyResult
}

// Backend records requests in the store of record. Failures are logged and
// never change the machine's state.
type Backend interface {
	SaveSOS(ctx context.Context, r Request) error
	CancelSOS(ctx context.Context, id, reason string) error
}

type TrackingOpener interface {
	Open(ctx context.Context, id string, wp tracking.Waypoints, assigned dispatch.AssignedAmbulance) (*tracking.Session, error)
}

// Ticker drives the countdown.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker { return timeTicker{t: time.NewTicker(d)} }

type fix struct {
	point  *geo.Point
	denied bool
}

// Machine owns one request. Events are applied one at a time under mu.
type Machine struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	input  ActivateInput

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	req          Request
	pendingPhone string
	skipped      chan struct{}
	fixes        chan fix
	terminalAt   time.Time

	wmu      sync.Mutex
	watchers map[chan Request]struct{}
	snapshot Request
}

func newMachine(parent context.Context, id string, in ActivateInput, cfg Config, deps Deps) *Machine {
	ctx, cancel := context.WithCancel(parent)
	now := cfg.Now()
	m := &Machine{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.With(zap.String("sos", id)),
		input:    in,
		ctx:      ctx,
		cancel:   cancel,
		skipped:  make(chan struct{}),
		fixes:    make(chan fix, 1),
		watchers: make(map[chan Request]struct{}),
		req: Request{
			ID:        id,
			Status:    StatusPending,
			Address:   in.Address,
			Trail:     []Status{StatusPending},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	if in.Caller != nil {
		m.req.UserID = in.Caller.ID
	}
	m.snapshot = m.req.clone()
	return m
}

// fireLocked applies ev or rejects it without touching state.
func (m *Machine) fireLocked(ev Event) error {
	from := m.req.Status
	next, ok := transitions[from][ev]
	if !ok {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, ev, from)
	}
	now := m.cfg.Now()
	m.req.UpdatedAt = now
	if next == from {
		return nil
	}
	m.req.Status = next
	m.req.Trail = append(m.req.Trail, next)
	switch next {
	case StatusActivating:
		m.req.ActivatedAt = &now
	case StatusDispatched:
		m.req.DispatchedAt = &now
	}
	if next.Terminal() {
		m.terminalAt = now
	}
	m.logger.Info("sos transition", zap.String("event", string(ev)), zap.String("from", string(from)), zap.String("to", string(next)))
	return nil
}

// commitLocked publishes the current snapshot and, when persist is set, saves
// it to the backend.
func (m *Machine) commitLocked(persist bool) {
	snap := m.req.clone()
	if persist && m.deps.Backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.BackendTimeout)
		if err := m.deps.Backend.SaveSOS(ctx, snap); err != nil {
			m.logger.Warn("sos save failed", zap.Error(err))
		}
		cancel()
	}
	m.publish(snap)
}

func (m *Machine) publish(snap Request) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	m.snapshot = snap
	for ch := range m.watchers {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (m *Machine) Snapshot() Request {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return m.snapshot.clone()
}

// Watch returns a channel of snapshots starting with the current one.
func (m *Machine) Watch() (<-chan Request, func()) {
	ch := make(chan Request, 8)
	m.wmu.Lock()
	ch <- m.snapshot.clone()
	m.watchers[ch] = struct{}{}
	m.wmu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.wmu.Lock()
			if _, ok := m.watchers[ch]; ok {
				delete(m.watchers, ch)
				close(ch)
			}
			m.wmu.Unlock()
		})
	}
}

func (m *Machine) closeWatchers() {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	for ch := range m.watchers {
		delete(m.watchers, ch)
		close(ch)
	}
}

func (m *Machine) start() error {
	m.mu.Lock()
	if err := m.fireLocked(EventActivate); err != nil {
		m.mu.Unlock()
		return err
	}
	m.req.Countdown = m.cfg.CountdownTicks
	m.commitLocked(true)
	m.mu.Unlock()

	go m.run()
	return nil
}

func (m *Machine) run() {
	if !m.countdown() {
		return
	}
	loc, source := m.locate()
	if m.ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fireLocked(EventLocated); err != nil {
		return
	}
	m.req.Location = loc
	m.req.LocationStatus = source

	if c := m.input.Caller; c != nil && c.Verified {
		m.dispatchLocked(m.ctx, EventFastPath)
		return
	}
	if err := m.fireLocked(EventNeedsVerification); err == nil {
		m.commitLocked(true)
	}
}

// countdown returns true once the request reaches activating.
func (m *Machine) countdown() bool {
	ticker := m.cfg.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return false
		case <-m.skipped:
			return true
		case <-ticker.C():
			m.mu.Lock()
			if m.req.Status != StatusCountdown {
				activating := m.req.Status == StatusActivating
				m.mu.Unlock()
				return activating
			}
			_ = m.fireLocked(EventTick)
			m.req.Countdown--
			persist := false
			if m.req.Countdown <= 0 {
				m.req.Countdown = 0
				_ = m.fireLocked(EventElapse)
				persist = true
			}
			m.commitLocked(persist)
			activating := m.req.Status == StatusActivating
			m.mu.Unlock()
			if activating {
				return true
			}
		}
	}
}

// locate never blocks longer than LocateTimeout; no fix means no coordinates.
func (m *Machine) locate() (*geo.Point, string) {
	if m.input.Location != nil {
		p := *m.input.Location
		return &p, LocationProvided
	}
	if m.input.LocationDenied {
		return nil, LocationDenied
	}
	timer := time.NewTimer(m.cfg.LocateTimeout)
	defer timer.Stop()
	select {
	case f := <-m.fixes:
		if f.denied || f.point == nil {
			return nil, LocationDenied
		}
		return f.point, LocationProvided
	case <-timer.C:
		m.logger.Info("location fix timed out, continuing without coordinates")
		return nil, LocationTimeout
	case <-m.ctx.Done():
		return nil, ""
	}
}

func (m *Machine) Skip() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fireLocked(EventSkip); err != nil {
		return err
	}
	m.req.Countdown = 0
	close(m.skipped)
	m.commitLocked(true)
	return nil
}

// DeliverLocation hands a device fix (or a denial) to a request that is still
// counting down or activating. Later fixes replace earlier undelivered ones.
func (m *Machine) DeliverLocation(p *geo.Point, denied bool) error {
	if p != nil && !p.Valid() {
		return ErrInvalidLocation
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.req.Status; st != StatusCountdown && st != StatusActivating {
		return fmt.Errorf("%w: location in state %s", ErrInvalidTransition, st)
	}
	f := fix{point: p, denied: denied || p == nil}
	select {
	case <-m.fixes:
	default:
	}
	m.fixes <- f
	return nil
}

func (m *Machine) purpose() string { return "sos_" + m.req.ID }

// SubmitPhone sends a verification code. A resend replaces the pending code.
func (m *Machine) SubmitPhone(ctx context.Context, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := transitions[m.req.Status][EventCodeSent]; !ok {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, EventCodeSent, m.req.Status)
	}
	if n := len(phone); n < 10 || n > 20 {
		return ErrInvalidPhone
	}

	res := m.deps.Verifier.Send(ctx, m.purpose(), phone)
	if !res.Success {
		m.req.LastError = res.Message
		m.commitLocked(false)
		return fmt.Errorf("%w: %s", ErrOTPSend, res.Message)
	}
	_ = m.fireLocked(EventCodeSent)
	m.pendingPhone = phone
	m.req.CodeSent = true
	m.req.LastError = ""
	m.commitLocked(true)
	return nil
}

// SubmitOTP verifies code for the pending phone and dispatches on success.
// A wrong code keeps the request waiting; MaxAttempts wrong codes fail it.
func (m *Machine) SubmitOTP(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := transitions[m.req.Status][EventVerifyOK]; !ok {
		return fmt.Errorf("%w: %s in state %s", ErrInvalidTransition, EventVerifyOK, m.req.Status)
	}
	if n := len(code); n < 4 || n > 8 {
		return ErrInvalidCode
	}
	if m.pendingPhone == "" {
		return ErrNoPendingPhone
	}

	res := m.deps.Verifier.Verify(ctx, m.purpose(), m.pendingPhone, code)
	switch res.Status {
	case otp.StatusVerified:
		now := m.cfg.Now()
		m.req.VerifiedAt = &now
		m.req.LastError = ""
		return m.dispatchLocked(ctx, EventVerifyOK)
	case otp.StatusError:
		m.req.LastError = res.Message
		m.commitLocked(false)
		return fmt.Errorf("%w: %s", ErrOTPUnavailable, res.Message)
	}

	m.req.FailedAttempts++
	m.req.LastError = res.Message
	if res.Status == otp.StatusLocked || m.req.FailedAttempts >= m.cfg.MaxAttempts {
		m.failLocked(FailureTooManyAttempts)
		m.commitLocked(true)
		return ErrTooManyAttempts
	}
	_ = m.fireLocked(EventVerifyFail)
	m.commitLocked(true)
	return fmt.Errorf("%w: %s", ErrInvalidOTP, res.Message)
}

func (m *Machine) failLocked(reason string) {
	if err := m.fireLocked(EventFail); err != nil {
		m.logger.Error("sos fail rejected", zap.Error(err))
		return
	}
	m.req.FailureReason = reason
}

// dispatchLocked books an ambulance and enters dispatched through ev. Capacity
// shortage fails the request with an alert flag.
func (m *Machine) dispatchLocked(ctx context.Context, ev Event) error {
	b, err := m.deps.Dispatcher.CreateBooking(ctx, m.bookingRequest())
	switch {
	case errors.Is(err, dispatch.ErrNoCapacity):
		if b.ID != "" {
			if _, cerr := m.deps.Dispatcher.CancelBooking(ctx, b.ID, ""); cerr != nil {
				m.logger.Warn("unassigned sos booking not cancelled", zap.String("booking", b.ID), zap.Error(cerr))
			}
		}
		m.logger.Warn("sos dispatch found no capacity")
		m.req.CapacityAlert = true
		m.req.LastError = "No ambulance is available right now."
		m.failLocked(FailureNoCapacity)
		m.commitLocked(true)
		return dispatch.ErrNoCapacity
	case err != nil:
		m.logger.Error("sos dispatch failed", zap.Error(err))
		m.req.LastError = "Dispatch failed."
		m.failLocked(FailureDispatch)
		m.commitLocked(true)
		return fmt.Errorf("sos dispatch: %w", err)
	case b.Assigned == nil:
		m.logger.Error("sos booking returned without assignment", zap.String("booking", b.ID))
		m.failLocked(FailureDispatch)
		m.commitLocked(true)
		return fmt.Errorf("sos dispatch: booking %s has no ambulance", b.ID)
	}

	if err := m.fireLocked(ev); err != nil {
		return err
	}
	if ev == EventVerifyOK {
		m.req.VerifiedPhone = m.pendingPhone
	}
	assigned := *b.Assigned
	m.req.BookingID = b.ID
	m.req.Assigned = &assigned
	m.commitLocked(true)

	go m.afterDispatch(b.ID, assigned, m.req.Location)
	return nil
}

func (m *Machine) bookingRequest() dispatch.BookingRequest {
	req := dispatch.BookingRequest{
		OperatorID:     m.input.OperatorID,
		Kind:           dispatch.KindSOS,
		SosID:          m.req.ID,
		Patient:        dispatch.Patient{Name: m.input.PatientName, Phone: m.pendingPhone},
		PickupAddress:  m.req.Address,
		Destination:    "Nearest Hospital (Emergency)",
		Pickup:         m.req.Location,
		Reason:         "SOS Emergency",
		Notes:          fmt.Sprintf("SOS emergency dispatch for request %s", m.req.ID),
		IdempotencyKey: "sos:" + m.req.ID,
	}
	if c := m.input.Caller; c != nil {
		req.OwnerID = c.ID
		if req.Patient.Phone == "" {
			req.Patient.Phone = c.Phone
		}
	}
	if req.Patient.Name == "" {
		req.Patient.Name = "SOS Emergency"
	}
	if req.PickupAddress == "" {
		if p := m.req.Location; p != nil {
			req.PickupAddress = fmt.Sprintf("GPS: %.6f, %.6f", p.Lat, p.Lng)
		} else {
			req.PickupAddress = "Location not available"
		}
	}
	if d := m.cfg.Destination; d != nil {
		p := *d
		req.Drop = &p
	}
	return req
}

// afterDispatch opens live tracking and, after the settle delay, points
// observers at it.
func (m *Machine) afterDispatch(bookingID string, assigned dispatch.AssignedAmbulance, loc *geo.Point) {
	if m.deps.Tracking != nil {
		pickup := assigned.Base
		if loc != nil {
			pickup = *loc
		}
		dest := pickup
		if m.cfg.Destination != nil {
			dest = *m.cfg.Destination
		}
		wp := tracking.Waypoints{Base: assigned.Base, Pickup: pickup, Destination: dest}
		if _, err := m.deps.Tracking.Open(m.ctx, bookingID, wp, assigned); err != nil {
			m.logger.Error("tracking session not opened", zap.String("booking", bookingID), zap.Error(err))
		}
	}

	timer := time.NewTimer(m.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-m.ctx.Done():
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.req.RedirectTo = "/tracking/" + bookingID
	m.commitLocked(false)
}

// Cancel moves any non-terminal request to cancelled. The backend is told
// asynchronously and its failure is only logged.
func (m *Machine) Cancel(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fireLocked(EventCancel); err != nil {
		return err
	}
	m.req.CancelReason = reason
	m.cancel()
	m.commitLocked(false)

	if m.deps.Backend != nil {
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.BackendTimeout)
			defer cancel()
			if err := m.deps.Backend.CancelSOS(ctx, id, reason); err != nil {
				m.logger.Warn("backend cancel failed", zap.Error(err))
			}
		}(m.req.ID)
	}
	return nil
}

func (m *Machine) terminalSince() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalAt, m.req.Status.Terminal()
}
