package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ambidispatch/internal/auth"
	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
	"ambidispatch/internal/sos"
	"ambidispatch/internal/tracking"
)

// Deps are the services the HTTP layer exposes.
type Deps struct {
	Store      *dispatch.Store
	SOS        *sos.Service
	Tracking   *tracking.Gateway
	AuthStore  *auth.InMemoryStore
	IdentityDB IdentityDB
	AuthTTL    time.Duration
	Events     dispatch.EventLogger
	// Destination is the receiving facility used when a booking has no drop
	// coordinates.
	Destination *geo.Point
	Logger      *zap.Logger
}

// AttachRoutes wires HTTP routes to handlers.
func AttachRoutes(r chi.Router, deps Deps) *Handler {
	h := newHandler(deps)

	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, accessLog(h.logger, h.latency))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ready", h.Ready)

	r.Group(func(pr chi.Router) {
		pr.Use(h.auth.optional)
		pr.Post("/api/sos", h.ActivateSOS)
		pr.Get("/api/sos/{sosID}", h.GetSOS)
		pr.Post("/api/sos/{sosID}/skip", h.SkipSOS)
		pr.Post("/api/sos/{sosID}/location", h.DeliverSOSLocation)
		pr.Post("/api/sos/{sosID}/phone", h.SubmitSOSPhone)
		pr.Post("/api/sos/{sosID}/otp", h.SubmitSOSOTP)
		pr.Post("/api/sos/{sosID}/cancel", h.CancelSOS)
		pr.Get("/api/tracking/{bookingID}", h.GetTracking)
		pr.Post("/api/triage/severity", h.ScoreSeverity)
	})

	r.Group(func(pr chi.Router) {
		pr.Use(h.auth.middleware)
		pr.Post("/api/bookings", h.CreateBooking)
		pr.Get("/api/bookings", h.ListBookings)
		pr.Get("/api/bookings/{bookingID}", h.GetBooking)
		pr.Post("/api/bookings/{bookingID}/cancel", h.CancelBooking)
		pr.Post("/api/tracking/{bookingID}/location", h.ReportPosition)
		pr.Post("/api/fleet/ambulances", h.UpsertAmbulance)
		pr.Get("/api/fleet/stats", h.FleetStats)
		pr.Post("/api/auth/register", h.RegisterIdentity)
		pr.Get("/api/admin/events/{subjectID}", h.ListEvents)
		pr.Get("/api/admin/metrics", h.Metrics)
	})

	r.Get("/ws/sos/{sosID}", h.SOSWebsocket)
	r.Get("/ws/tracking/{bookingID}", h.TrackingWebsocket)
	return h
}
