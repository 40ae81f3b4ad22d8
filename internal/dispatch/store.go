package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ambidispatch/internal/geo"
)

const DefaultServiceRadiusKM = 15

// Store is the fleet availability pool plus the bookings it serves. One mutex
// guards both maps so that selecting an ambulance and claiming it happen in a
// single critical section.
type Store struct {
	mu          sync.RWMutex
	ambulances  map[string]Ambulance
	bookings    map[string]Booking
	persistence Persistence
	geo         GeoLocator
	tx          ClaimTransaction
	reader      AmbulanceReader
	replay      *replayCache
	idemDB      IdempotencyStore
	radiusKM    float64
	logger      *zap.Logger
	now         func() time.Time

	claims     int64
	noCapacity int64

	dbPing    func(context.Context) error
	redisPing func(context.Context) error
}

func NewStore() *Store {
	return NewStoreWithDeps(nil, nil, nil)
}

func NewStoreWithDeps(p Persistence, g GeoLocator, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		ambulances:  make(map[string]Ambulance),
		bookings:    make(map[string]Booking),
		persistence: p,
		geo:         g,
		tx:          toClaimTx(p),
		reader:      toReader(p),
		radiusKM:    DefaultServiceRadiusKM,
		logger:      logger,
		now:         time.Now,
	}
	s.replay = newReplayCache(defaultReplayTTL, func() time.Time { return s.now() })
	return s
}

func toClaimTx(p Persistence) ClaimTransaction {
	if tx, ok := p.(ClaimTransaction); ok {
		return tx
	}
	return nil
}

func toReader(p Persistence) AmbulanceReader {
	if r, ok := p.(AmbulanceReader); ok {
		return r
	}
	return nil
}

// AttachIdempotency connects a persistent idempotency store.
func (s *Store) AttachIdempotency(store IdempotencyStore, ttl time.Duration) {
	s.idemDB = store
	s.replay.setTTL(ttl)
}

// AttachHealth sets ping functions used by readiness checks.
func (s *Store) AttachHealth(db func(context.Context) error, redis func(context.Context) error) {
	s.dbPing = db
	s.redisPing = redis
}

// SetDefaultRadius is the service radius used for ambulances that do not
// configure one.
func (s *Store) SetDefaultRadius(km float64) {
	if km > 0 {
		s.radiusKM = km
	}
}

// LoadFleet hydrates the pool from persistence.
func (s *Store) LoadFleet(ctx context.Context) (int, error) {
	if s.persistence == nil {
		return 0, nil
	}
	fleet, err := s.persistence.ListAmbulances(ctx)
	if err != nil {
		return 0, fmt.Errorf("load fleet: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, amb := range fleet {
		amb = amb.withDefaults()
		s.ambulances[amb.ID] = amb
		s.indexLocked(ctx, amb)
	}
	return len(fleet), nil
}

// UpsertAmbulance registers or updates a fleet vehicle. An ambulance that is
// on a trip keeps its assignment.
func (s *Store) UpsertAmbulance(ctx context.Context, amb Ambulance) (Ambulance, error) {
	if amb.ID == "" {
		return Ambulance{}, &ValidationError{Fields: []string{"id"}}
	}
	if !amb.Base.Valid() {
		return Ambulance{}, &ValidationError{Fields: []string{"base"}}
	}
	amb = amb.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ambulances[amb.ID]; ok && existing.Assignment != nil {
		amb.Status = AmbulanceOnTrip
		amb.Assignment = existing.Assignment
		if amb.Location == nil {
			amb.Location = existing.Location
		}
	}
	amb.UpdatedAt = s.now()

	if s.persistence != nil {
		if err := s.persistence.SaveAmbulance(ctx, amb); err != nil {
			return Ambulance{}, fmt.Errorf("save ambulance: %w", err)
		}
	}
	s.ambulances[amb.ID] = amb
	s.indexLocked(ctx, amb)
	return amb, nil
}

// UpdateAmbulanceLocation records the latest reported position of a vehicle.
func (s *Store) UpdateAmbulanceLocation(ctx context.Context, id string, p geo.Point) (Ambulance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	amb, ok := s.ambulances[id]
	if !ok {
		return Ambulance{}, ErrAmbulanceNotFound
	}
	amb.Location = &p
	amb.UpdatedAt = s.now()
	s.ambulances[id] = amb
	if s.persistence != nil {
		if err := s.persistence.SaveAmbulance(ctx, amb); err != nil {
			return amb, err
		}
	}
	s.indexLocked(ctx, amb)
	return amb, nil
}

func (s *Store) GetAmbulance(id string) (Ambulance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	amb, ok := s.ambulances[id]
	return amb, ok
}

func (s *Store) indexLocked(ctx context.Context, amb Ambulance) {
	if s.geo == nil {
		return
	}
	if err := s.geo.Add(ctx, amb.ID, amb.Position()); err != nil {
		s.logger.Warn("geo index update failed", zap.String("ambulance_id", amb.ID), zap.Error(err))
	}
}

// Assign selects and claims an ambulance for req.
func (s *Store) Assign(ctx context.Context, req AssignRequest) (AssignedAmbulance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignLocked(ctx, req)
}

func (s *Store) assignLocked(ctx context.Context, req AssignRequest) (AssignedAmbulance, error) {
	for _, c := range s.candidatesLocked(ctx, req) {
		amb := s.ambulances[c.id]
		now := s.now()
		assigned := newAssigned(amb, c.distKM, now)

		claimed := amb
		claimed.Status = AmbulanceOnTrip
		claimed.Assignment = &Assignment{BookingID: req.BookingID, SosID: req.SosID, AssignedAt: now}
		claimed.UpdatedAt = now

		var booking *Booking
		if b, ok := s.bookings[req.BookingID]; ok {
			b.Assigned = &assigned
			b.Status = BookingConfirmed
			b.UpdatedAt = now
			booking = &b
		}

		err := s.commitClaim(ctx, claimed, booking, s.event(req.BookingID, "ambulance_assigned", map[string]any{
			"ambulanceId": amb.ID,
			"sosId":       req.SosID,
			"distKm":      c.distKM,
		}))
		if errors.Is(err, ErrAmbulanceTaken) {
			// claimed elsewhere; take the row of record and try the next one
			s.refreshLocked(ctx, amb.ID)
			continue
		}
		if err != nil {
			return AssignedAmbulance{}, fmt.Errorf("claim ambulance %s: %w", amb.ID, err)
		}

		s.ambulances[amb.ID] = claimed
		if booking != nil {
			s.bookings[booking.ID] = *booking
		}
		atomic.AddInt64(&s.claims, 1)
		s.logger.Info("ambulance assigned",
			zap.String("ambulance_id", amb.ID),
			zap.String("booking_id", req.BookingID),
			zap.String("sos_id", req.SosID),
			zap.Float64("dist_km", c.distKM),
		)
		return assigned, nil
	}
	atomic.AddInt64(&s.noCapacity, 1)
	return AssignedAmbulance{}, ErrNoCapacity
}

func (s *Store) commitClaim(ctx context.Context, amb Ambulance, booking *Booking, evt Event) error {
	if s.tx != nil {
		return s.tx.ClaimAmbulance(ctx, amb, booking, evt)
	}
	if s.persistence == nil {
		return nil
	}
	if err := s.persistence.SaveAmbulance(ctx, amb); err != nil {
		return err
	}
	if booking != nil {
		return s.persistence.SaveBooking(ctx, *booking)
	}
	return nil
}

type candidate struct {
	id     string
	distKM float64
}

// candidatesLocked orders claimable ambulances. With coordinates: available
// vehicles inside their own service radius, nearest first, ties by id.
// Without: the operator default first, then the rest by id.
// refreshLocked replaces the local copy of an ambulance with the stored row.
// Without a reader the local copy is left alone and the next claim attempt
// fails the conditional update again.
func (s *Store) refreshLocked(ctx context.Context, id string) {
	if s.reader == nil {
		s.logger.Warn("ambulance claimed elsewhere, no reader to refresh it", zap.String("ambulance_id", id))
		return
	}
	amb, ok, err := s.reader.GetAmbulance(ctx, id)
	if err != nil || !ok {
		s.logger.Warn("ambulance refresh failed", zap.String("ambulance_id", id), zap.Bool("found", ok), zap.Error(err))
		return
	}
	amb = amb.withDefaults()
	s.ambulances[id] = amb
	s.indexLocked(ctx, amb)
}

func (s *Store) candidatesLocked(ctx context.Context, req AssignRequest) []candidate {
	eligible := func(a Ambulance) bool {
		return a.Status == AmbulanceAvailable && (req.OperatorID == "" || a.OperatorID == req.OperatorID)
	}

	if req.Pickup == nil {
		var out []candidate
		for id, amb := range s.ambulances {
			if eligible(amb) {
				out = append(out, candidate{id: id})
			}
		}
		sort.Slice(out, func(i, j int) bool {
			di, dj := s.ambulances[out[i].id].IsDefault, s.ambulances[out[j].id].IsDefault
			if di != dj {
				return di
			}
			return out[i].id < out[j].id
		})
		return out
	}

	pickup := *req.Pickup
	ids := s.nearbyIDsLocked(ctx, pickup)
	out := make([]candidate, 0, len(ids))
	for _, id := range ids {
		amb, ok := s.ambulances[id]
		if !ok || !eligible(amb) {
			continue
		}
		dist := geo.DistanceKM(pickup, amb.Position())
		if dist > s.radiusFor(amb) {
			continue
		}
		out = append(out, candidate{id: id, distKM: dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].distKM == out[j].distKM {
			return out[i].id < out[j].id
		}
		return out[i].distKM < out[j].distKM
	})
	return out
}

// nearbyIDsLocked pre-filters through the geo index, falling back to a full
// scan when the index is absent or failing.
func (s *Store) nearbyIDsLocked(ctx context.Context, p geo.Point) []string {
	if s.geo != nil {
		maxRadius := s.radiusKM
		for _, amb := range s.ambulances {
			if r := s.radiusFor(amb); r > maxRadius {
				maxRadius = r
			}
		}
		hits, err := s.geo.Nearby(ctx, p, maxRadius, 0)
		if err == nil {
			ids := make([]string, len(hits))
			for i, h := range hits {
				ids[i] = h.ID
			}
			return ids
		}
		s.logger.Warn("geo index lookup failed, scanning fleet", zap.Error(err))
	}
	ids := make([]string, 0, len(s.ambulances))
	for id := range s.ambulances {
		ids = append(ids, id)
	}
	return ids
}

func (s *Store) radiusFor(a Ambulance) float64 {
	if a.ServiceRadiusKM > 0 {
		return a.ServiceRadiusKM
	}
	return s.radiusKM
}

// Release returns an ambulance to the available pool.
func (s *Store) Release(ctx context.Context, ambulanceID string) (Ambulance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	amb, ok := s.ambulances[ambulanceID]
	if !ok {
		return Ambulance{}, ErrAmbulanceNotFound
	}
	amb = released(amb, s.now())
	if s.persistence != nil {
		if err := s.persistence.SaveAmbulance(ctx, amb); err != nil {
			return Ambulance{}, fmt.Errorf("release ambulance: %w", err)
		}
	}
	s.ambulances[ambulanceID] = amb
	return amb, nil
}

func released(a Ambulance, now time.Time) Ambulance {
	a.Status = AmbulanceAvailable
	a.Assignment = nil
	a.UpdatedAt = now
	return a
}

// CreateBooking validates and stores a booking, then tries to assign an
// ambulance to it immediately. When the fleet has no capacity the booking is
// kept as pending and ErrNoCapacity is returned alongside it.
func (s *Store) CreateBooking(ctx context.Context, req BookingRequest) (Booking, error) {
	if err := req.validate(); err != nil {
		return Booking{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.lookupBookingByKeyLocked(ctx, req.OwnerID, req.IdempotencyKey); ok {
		return b, nil
	}

	now := s.now()
	b := Booking{
		ID:            uuid.New().String(),
		OwnerID:       req.OwnerID,
		OperatorID:    req.OperatorID,
		Kind:          req.Kind,
		SosID:         req.SosID,
		Patient:       req.Patient,
		PickupAddress: req.PickupAddress,
		Destination:   req.Destination,
		Pickup:        req.Pickup,
		Drop:          req.Drop,
		ScheduledDate: req.ScheduledDate,
		ScheduledTime: req.ScheduledTime,
		Reason:        req.Reason,
		SpecialNeeds:  req.SpecialNeeds,
		Notes:         req.Notes,
		Status:        BookingPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.bookings[b.ID] = b

	_, err := s.assignLocked(ctx, AssignRequest{
		BookingID:  b.ID,
		SosID:      b.SosID,
		OperatorID: b.OperatorID,
		Pickup:     b.Pickup,
	})
	switch {
	case err == nil:
		b = s.bookings[b.ID]
	case errors.Is(err, ErrNoCapacity):
		if perr := s.persistBookingLocked(ctx, b, "booking_pending", nil); perr != nil {
			delete(s.bookings, b.ID)
			return Booking{}, perr
		}
	default:
		delete(s.bookings, b.ID)
		return Booking{}, err
	}

	s.rememberKeyLocked(ctx, req.OwnerID, req.IdempotencyKey, b.ID)
	return b, err
}

func (r BookingRequest) validate() error {
	var missing []string
	if r.Kind == "" || r.Kind == KindScheduled {
		if r.Patient.Name == "" {
			missing = append(missing, "patient.name")
		}
		if r.Patient.Phone == "" {
			missing = append(missing, "patient.phone")
		}
		if r.PickupAddress == "" {
			missing = append(missing, "pickupAddress")
		}
		if r.Destination == "" {
			missing = append(missing, "destination")
		}
		if r.ScheduledDate == "" {
			missing = append(missing, "scheduledDate")
		}
	} else if r.Kind != KindSOS {
		missing = append(missing, "kind")
	}
	if r.Pickup != nil && !r.Pickup.Valid() {
		missing = append(missing, "pickup")
	}
	if r.Drop != nil && !r.Drop.Valid() {
		missing = append(missing, "drop")
	}
	if len(missing) > 0 {
		return &ValidationError{Fields: missing}
	}
	return nil
}

func (s *Store) persistBookingLocked(ctx context.Context, b Booking, evt string, amb *Ambulance) error {
	if s.tx != nil {
		return s.tx.UpdateBookingWithEvent(ctx, b, s.event(b.ID, evt, map[string]any{"status": b.Status}), amb)
	}
	if s.persistence == nil {
		return nil
	}
	if amb != nil {
		if err := s.persistence.SaveAmbulance(ctx, *amb); err != nil {
			return err
		}
	}
	return s.persistence.SaveBooking(ctx, b)
}

func (s *Store) event(subject, typ string, payload map[string]any) Event {
	body, _ := json.Marshal(payload)
	return Event{SubjectID: subject, Type: typ, Payload: body, CreatedAt: s.now()}
}

// lookupBookingByKeyLocked finds the booking an earlier request with the same
// owner and key produced. A booking owned by someone else never matches.
func (s *Store) lookupBookingByKeyLocked(ctx context.Context, ownerID, key string) (Booking, bool) {
	if key == "" {
		return Booking{}, false
	}
	scoped := replayKey(ownerID, key)
	id, ok := s.replay.lookup(scoped)
	if !ok && s.idemDB != nil {
		dbctx, cancel := context.WithTimeout(ctx, 1*time.Second)
		defer cancel()
		var err error
		if id, ok, err = s.idemDB.Lookup(dbctx, scoped); err != nil {
			s.logger.Warn("idempotency lookup failed", zap.Error(err))
			return Booking{}, false
		}
		if ok {
			s.replay.remember(scoped, id)
		}
	}
	if !ok {
		return Booking{}, false
	}
	b, found := s.getBookingLocked(ctx, id)
	if !found || b.OwnerID != ownerID {
		return Booking{}, false
	}
	return b, true
}

func (s *Store) rememberKeyLocked(ctx context.Context, ownerID, key, bookingID string) {
	if key == "" {
		return
	}
	scoped := replayKey(ownerID, key)
	s.replay.remember(scoped, bookingID)
	if s.idemDB != nil {
		ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
		defer cancel()
		if err := s.idemDB.Remember(ctx, scoped, bookingID); err != nil {
			s.logger.Warn("idempotency key not persisted", zap.String("booking_id", bookingID), zap.Error(err))
		}
	}
}

func (s *Store) GetBooking(ctx context.Context, id string) (Booking, bool) {
	s.mu.RLock()
	b, ok := s.bookings[id]
	s.mu.RUnlock()
	if ok {
		return b, true
	}
	if s.persistence != nil {
		dbBooking, found, err := s.persistence.GetBooking(ctx, id)
		if err == nil && found {
			s.mu.Lock()
			s.bookings[id] = dbBooking
			s.mu.Unlock()
			return dbBooking, true
		}
	}
	return Booking{}, false
}

func (s *Store) getBookingLocked(ctx context.Context, id string) (Booking, bool) {
	if b, ok := s.bookings[id]; ok {
		return b, true
	}
	if s.persistence != nil {
		if b, found, err := s.persistence.GetBooking(ctx, id); err == nil && found {
			s.bookings[id] = b
			return b, true
		}
	}
	return Booking{}, false
}

// ListBookings returns an owner's bookings, newest first.
func (s *Store) ListBookings(ctx context.Context, ownerID string, limit, offset int) ([]Booking, error) {
	if s.persistence != nil {
		return s.persistence.ListBookingsByOwner(ctx, ownerID, limit, offset)
	}
	s.mu.RLock()
	var out []Booking
	for _, b := range s.bookings {
		if b.OwnerID == ownerID {
			out = append(out, b)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []Booking{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CancelBooking cancels a pending or confirmed booking and frees its
// ambulance. An empty ownerID skips the ownership check.
func (s *Store) CancelBooking(ctx context.Context, id, ownerID string) (Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.getBookingLocked(ctx, id)
	if !ok {
		return Booking{}, ErrBookingNotFound
	}
	if ownerID != "" && b.OwnerID != ownerID {
		return Booking{}, ErrNotOwner
	}
	if b.Status != BookingPending && b.Status != BookingConfirmed {
		return Booking{}, ErrBookingNotCancellable
	}

	b.Status = BookingCancelled
	b.UpdatedAt = s.now()
	amb := s.releaseForLocked(b)
	if err := s.persistBookingLocked(ctx, b, "booking_cancelled", amb); err != nil {
		return Booking{}, fmt.Errorf("cancel booking: %w", err)
	}
	s.bookings[id] = b
	if amb != nil {
		s.ambulances[amb.ID] = *amb
	}
	return b, nil
}

// AdvanceBooking moves a booking forward as tracking progresses. Completing
// a booking frees its ambulance.
func (s *Store) AdvanceBooking(ctx context.Context, id string, status BookingStatus) (Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.getBookingLocked(ctx, id)
	if !ok {
		return Booking{}, ErrBookingNotFound
	}
	if b.Status == BookingCancelled {
		return Booking{}, ErrBookingNotCancellable
	}
	if b.Status == status {
		return b, nil
	}
	if bookingRank[status] < bookingRank[b.Status] {
		return Booking{}, ErrBookingRegression
	}

	b.Status = status
	b.UpdatedAt = s.now()
	var amb *Ambulance
	if status == BookingCompleted {
		amb = s.releaseForLocked(b)
	}
	if err := s.persistBookingLocked(ctx, b, "booking_"+string(status), amb); err != nil {
		return Booking{}, fmt.Errorf("advance booking: %w", err)
	}
	s.bookings[id] = b
	if amb != nil {
		s.ambulances[amb.ID] = *amb
	}
	return b, nil
}

func (s *Store) releaseForLocked(b Booking) *Ambulance {
	if b.Assigned == nil {
		return nil
	}
	amb, ok := s.ambulances[b.Assigned.AmbulanceID]
	if !ok || amb.Assignment == nil || amb.Assignment.BookingID != b.ID {
		return nil
	}
	amb = released(amb, s.now())
	return &amb
}

// FleetStats counts ambulances by status.
type FleetStats struct {
	Total       int   `json:"total"`
	Available   int   `json:"available"`
	OnTrip      int   `json:"onTrip"`
	Unavailable int   `json:"unavailable"`
	Claims      int64 `json:"claims"`
	NoCapacity  int64 `json:"noCapacity"`
}

func (s *Store) SnapshotFleet() FleetStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st FleetStats
	for _, a := range s.ambulances {
		st.Total++
		switch a.Status {
		case AmbulanceAvailable:
			st.Available++
		case AmbulanceOnTrip:
			st.OnTrip++
		default:
			st.Unavailable++
		}
	}
	st.Claims = atomic.LoadInt64(&s.claims)
	st.NoCapacity = atomic.LoadInt64(&s.noCapacity)
	return st
}

// HealthCheck checks db/redis ping if configured.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.dbPing != nil {
		if err := s.dbPing(ctx); err != nil {
			return err
		}
	}
	if s.redisPing != nil {
		if err := s.redisPing(ctx); err != nil {
			return err
		}
	}
	return nil
}
