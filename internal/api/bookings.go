package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
	"ambidispatch/internal/tracking"
)

type bookingPayload struct {
	OwnerID       string           `json:"ownerId,omitempty"`
	OperatorID    string           `json:"operatorId,omitempty"`
	Patient       dispatch.Patient `json:"patient"`
	PickupAddress string           `json:"pickupAddress"`
	Destination   string           `json:"destination"`
	Pickup        *geo.Point       `json:"pickup,omitempty"`
	Drop          *geo.Point       `json:"drop,omitempty"`
	ScheduledDate string           `json:"scheduledDate"`
	ScheduledTime string           `json:"scheduledTime"`
	Reason        string           `json:"reason,omitempty"`
	SpecialNeeds  string           `json:"specialNeeds,omitempty"`
	Notes         string           `json:"notes,omitempty"`
}

// CreateBooking stores a scheduled booking and assigns an ambulance when one
// is free. Without capacity the booking stays pending and 409 no_capacity is
// returned with it.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enabled()
	if !requireRole(w, r, enforce, dispatch.RolePatient, dispatch.RoleOperator, dispatch.RoleAdmin) {
		return
	}
	var payload bookingPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		respondErr(w, err, nil)
		return
	}
	ownerID := payload.OwnerID
	if id, ok := identityFromContext(r.Context()); ok && id.Role == dispatch.RolePatient {
		ownerID = id.ID
	}

	b, err := h.store.CreateBooking(r.Context(), dispatch.BookingRequest{
		OwnerID:        ownerID,
		OperatorID:     payload.OperatorID,
		Kind:           dispatch.KindScheduled,
		Patient:        payload.Patient,
		PickupAddress:  payload.PickupAddress,
		Destination:    payload.Destination,
		Pickup:         payload.Pickup,
		Drop:           payload.Drop,
		ScheduledDate:  payload.ScheduledDate,
		ScheduledTime:  payload.ScheduledTime,
		Reason:         payload.Reason,
		SpecialNeeds:   payload.SpecialNeeds,
		Notes:          payload.Notes,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	switch {
	case errors.Is(err, dispatch.ErrNoCapacity):
		h.logger.Warn("booking left pending, no capacity", zap.String("booking_id", b.ID))
		respondErr(w, err, b)
		return
	case err != nil:
		if status, _ := classify(err); status >= http.StatusInternalServerError {
			h.logger.Error("create booking", zap.Error(err))
		}
		respondErr(w, err, nil)
		return
	}
	h.openTracking(r.Context(), b)
	respondJSON(w, http.StatusCreated, b)
}

// openTracking starts the live session for an assigned booking. Failure only
// delays tracking until the first position report.
func (h *Handler) openTracking(ctx context.Context, b dispatch.Booking) (*tracking.Session, bool) {
	if h.tracker == nil || b.Assigned == nil {
		return nil, false
	}
	pickup := b.Assigned.Base
	if b.Pickup != nil {
		pickup = *b.Pickup
	}
	dest := pickup
	switch {
	case b.Drop != nil:
		dest = *b.Drop
	case h.destination != nil:
		dest = *h.destination
	}
	s, err := h.tracker.Open(ctx, b.ID, tracking.Waypoints{Base: b.Assigned.Base, Pickup: pickup, Destination: dest}, *b.Assigned)
	if err != nil {
		h.logger.Warn("tracking session not opened", zap.String("booking_id", b.ID), zap.Error(err))
		return nil, false
	}
	return s, true
}

func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFromContext(r.Context())
	ownerID := id.ID
	if id.Role == dispatch.RoleAdmin || id.Role == dispatch.RoleOperator || !h.auth.enabled() {
		if q := r.URL.Query().Get("ownerId"); q != "" {
			ownerID = q
		}
	}
	limit, offset := pagination(r)
	bookings, err := h.store.ListBookings(r.Context(), ownerID, limit, offset)
	if err != nil {
		h.logger.Error("list bookings", zap.Error(err))
		respondErr(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"bookings": bookings, "limit": limit, "offset": offset})
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, ok := h.store.GetBooking(r.Context(), chi.URLParam(r, "bookingID"))
	if !ok {
		respondErr(w, dispatch.ErrBookingNotFound, nil)
		return
	}
	if id, authed := identityFromContext(r.Context()); h.auth.enabled() && (!authed || !canAccessBooking(id, b)) {
		respondError(w, http.StatusForbidden, "forbidden", "forbidden")
		return
	}
	respondJSON(w, http.StatusOK, b)
}

// CancelBooking cancels a pending or confirmed booking. Patients may only
// cancel their own.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	enforce := h.auth.enabled()
	if !requireRole(w, r, enforce, dispatch.RolePatient, dispatch.RoleOperator, dispatch.RoleAdmin) {
		return
	}
	ownerID := ""
	if id, ok := identityFromContext(r.Context()); ok && id.Role == dispatch.RolePatient {
		ownerID = id.ID
	}
	b, err := h.store.CancelBooking(r.Context(), chi.URLParam(r, "bookingID"), ownerID)
	if err != nil {
		respondErr(w, err, nil)
		return
	}
	if h.tracker != nil {
		h.tracker.Close(b.ID)
	}
	respondJSON(w, http.StatusOK, b)
}
