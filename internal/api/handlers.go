package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
	"ambidispatch/internal/sos"
	"ambidispatch/internal/tracking"
)

type Handler struct {
	store       *dispatch.Store
	sos         *sos.Service
	tracker     *tracking.Gateway
	auth        authConfig
	events      dispatch.EventLogger
	destination *geo.Point
	logger      *zap.Logger
	latency     *bucketCounter
	started     time.Time
}

func newHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:       deps.Store,
		sos:         deps.SOS,
		tracker:     deps.Tracking,
		auth:        newAuthConfig(deps.AuthStore, deps.IdentityDB, deps.AuthTTL),
		events:      deps.Events,
		destination: deps.Destination,
		logger:      logger,
		latency:     newBucketCounter(defaultLatencyBuckets),
		started:     time.Now(),
	}
}

func requireRole(w http.ResponseWriter, r *http.Request, enforce bool, allowed ...dispatch.IdentityRole) bool {
	if !enforce {
		return true
	}
	id, ok := identityFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return false
	}
	for _, role := range allowed {
		if id.Role == role {
			return true
		}
	}
	respondError(w, http.StatusForbidden, "forbidden", "forbidden")
	return false
}

// canAccessBooking lets staff see every booking and patients their own.
func canAccessBooking(id dispatch.Identity, b dispatch.Booking) bool {
	switch id.Role {
	case dispatch.RoleAdmin, dispatch.RoleOperator, dispatch.RoleDriver:
		return true
	}
	return b.OwnerID != "" && b.OwnerID == id.ID
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 100 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.HealthCheck(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

type registerPayload struct {
	Role     string `json:"role"`
	TTL      string `json:"ttl,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Verified bool   `json:"verified,omitempty"`
}

// RegisterIdentity issues a bearer token. Admin only.
func (h *Handler) RegisterIdentity(w http.ResponseWriter, r *http.Request) {
	if h.auth.store == nil {
		respondError(w, http.StatusServiceUnavailable, "auth_disabled", "auth not configured")
		return
	}
	if !requireRole(w, r, true, dispatch.RoleAdmin) {
		return
	}
	var payload registerPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		respondErr(w, err, nil)
		return
	}
	ttl := h.auth.ttl
	if payload.TTL != "" {
		parsed, err := time.ParseDuration(payload.TTL)
		if err != nil || parsed < 0 {
			respondError(w, http.StatusBadRequest, "invalid_payload", "invalid ttl")
			return
		}
		ttl = parsed
	}
	identity, err := h.auth.store.Register(dispatch.IdentityRole(payload.Role), payload.Phone, payload.Verified, ttl)
	if err != nil {
		respondErr(w, err, nil)
		return
	}
	if err := h.auth.persist(r.Context(), identity); err != nil {
		h.logger.Warn("identity not persisted", zap.String("identity", identity.ID), zap.Error(err))
	}
	respondJSON(w, http.StatusOK, identity)
}

// ListEvents returns the audit log of a booking, ambulance or SOS request.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enabled(), dispatch.RoleAdmin) {
		return
	}
	if h.events == nil {
		respondError(w, http.StatusServiceUnavailable, "events_disabled", "event log requires a database")
		return
	}
	limit, offset := pagination(r)
	events, err := h.events.ListEvents(r.Context(), chi.URLParam(r, "subjectID"), limit, offset)
	if err != nil {
		h.logger.Error("list events", zap.Error(err))
		respondErr(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": events, "limit": limit, "offset": offset})
}

// Metrics reports request latency and live counters.
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enabled(), dispatch.RoleAdmin) {
		return
	}
	body := map[string]any{
		"httpLatency": h.latency.snapshot(),
		"fleet":       h.store.SnapshotFleet(),
	}
	if h.sos != nil {
		body["sos"] = h.sos.Counts()
	}
	if h.tracker != nil {
		body["trackingSessions"] = h.tracker.SessionCount()
	}
	respondJSON(w, http.StatusOK, body)
}
