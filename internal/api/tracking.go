package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
	"ambidispatch/internal/tracking"
)

type positionPayload struct {
	Lat          float64  `json:"lat"`
	Lng          float64  `json:"lng"`
	Speed        float64  `json:"speed,omitempty"`
	Heading      *float64 `json:"heading,omitempty"`
	Status       string   `json:"status,omitempty"`
	ETAMinutes   *float64 `json:"etaMinutes,omitempty"`
	Recalculated bool     `json:"recalculated,omitempty"`
	// Timestamp is unix milliseconds; zero means now.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// bookingProgress maps tracking statuses onto the booking lifecycle.
var bookingProgress = map[tracking.Status]dispatch.BookingStatus{
	tracking.StatusEnRoute: dispatch.BookingInTransit,
	tracking.StatusNearby:  dispatch.BookingInTransit,
	tracking.StatusArrived: dispatch.BookingCompleted,
}

// ReportPosition accepts a driver position report. It moves the ambulance in
// the fleet index, advances the tracking session and the booking.
func (h *Handler) ReportPosition(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enabled(), dispatch.RoleDriver, dispatch.RoleOperator, dispatch.RoleAdmin) {
		return
	}
	bookingID := chi.URLParam(r, "bookingID")
	var payload positionPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		respondErr(w, err, nil)
		return
	}
	at := time.Now()
	if payload.Timestamp > 0 {
		at = time.UnixMilli(payload.Timestamp)
	}

	session, ok := h.tracker.Get(bookingID)
	if !ok {
		// sessions are in memory; reopen from the booking after a restart
		b, found := h.store.GetBooking(r.Context(), bookingID)
		if !found {
			respondErr(w, tracking.ErrSessionNotFound, nil)
			return
		}
		if !reopenable(b.Status) {
			respondErr(w, tracking.ErrSessionClosed, nil)
			return
		}
		if session, ok = h.openTracking(r.Context(), b); !ok {
			respondErr(w, tracking.ErrSessionNotFound, nil)
			return
		}
	}

	update, err := h.tracker.Publish(r.Context(), bookingID, tracking.Report{
		Lat:          payload.Lat,
		Lng:          payload.Lng,
		Speed:        payload.Speed,
		Heading:      payload.Heading,
		Status:       tracking.Status(payload.Status),
		ETAMinutes:   payload.ETAMinutes,
		Recalculated: payload.Recalculated,
		At:           at,
	})
	if err != nil {
		respondErr(w, err, session.Latest())
		return
	}

	ambulanceID := session.Assigned().AmbulanceID
	if _, err := h.store.UpdateAmbulanceLocation(r.Context(), ambulanceID, geo.Point{Lat: update.Lat, Lng: update.Lng}); err != nil {
		h.logger.Warn("ambulance location not stored", zap.String("ambulance_id", ambulanceID), zap.Error(err))
	}
	h.advanceBooking(r.Context(), bookingID, update.Status)
	respondJSON(w, http.StatusOK, update)
}

// reopenable reports whether a booking may get a tracking session back.
// Cancelled and completed bookings stay closed.
func reopenable(st dispatch.BookingStatus) bool {
	return st == dispatch.BookingConfirmed || st == dispatch.BookingInTransit
}

func (h *Handler) advanceBooking(ctx context.Context, bookingID string, st tracking.Status) {
	next, ok := bookingProgress[st]
	if !ok {
		return
	}
	if _, err := h.store.AdvanceBooking(ctx, bookingID, next); err != nil && !errors.Is(err, dispatch.ErrBookingNotFound) {
		h.logger.Warn("booking not advanced",
			zap.String("booking_id", bookingID),
			zap.String("status", string(next)),
			zap.Error(err),
		)
	}
}

type trackingView struct {
	Latest     tracking.Update            `json:"latest"`
	ETAMinutes float64                    `json:"etaMinutes"`
	Snapped    bool                       `json:"snapped"`
	Provider   string                     `json:"provider,omitempty"`
	Route      []geo.Point                `json:"route"`
	Covered    []geo.Point                `json:"covered"`
	Remaining  []geo.Point                `json:"remaining"`
	Ambulance  dispatch.AssignedAmbulance `json:"ambulance"`
	Observers  int                        `json:"observers"`
	ClosedAt   *time.Time                 `json:"closedAt,omitempty"`
}

// GetTracking returns the latest state of a session for clients that poll.
func (h *Handler) GetTracking(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "bookingID")
	s, ok := h.tracker.Get(id)
	if !ok {
		respondErr(w, tracking.ErrSessionNotFound, nil)
		return
	}
	plan := s.Plan()
	view := trackingView{
		Latest:     s.Latest(),
		ETAMinutes: s.ETAAt(time.Now()),
		Snapped:    plan.Snapped,
		Provider:   plan.Provider,
		Route:      plan.Points,
		Covered:    s.CoveredPath(),
		Remaining:  s.RemainingPath(),
		Ambulance:  s.Assigned(),
		Observers:  h.tracker.Observers(id),
	}
	if at := s.ClosedAt(); !at.IsZero() {
		view.ClosedAt = &at
	}
	respondJSON(w, http.StatusOK, view)
}

func (h *Handler) TrackingWebsocket(w http.ResponseWriter, r *http.Request) {
	h.tracker.ServeWS(w, r, chi.URLParam(r, "bookingID"))
}
