package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"ambidispatch/internal/geo"
	"ambidispatch/internal/sos"
	"ambidispatch/internal/tracking"
)

type activateSOSPayload struct {
	Location       *geo.Point `json:"location,omitempty"`
	LocationDenied bool       `json:"locationDenied,omitempty"`
	Address        string     `json:"address,omitempty"`
	OperatorID     string     `json:"operatorId,omitempty"`
	PatientName    string     `json:"patientName,omitempty"`
}

// ActivateSOS starts a request. Authenticated callers with a verified phone
// are dispatched without OTP.
func (h *Handler) ActivateSOS(w http.ResponseWriter, r *http.Request) {
	var payload activateSOSPayload
	if err := decodeOptional(w, r, &payload); err != nil {
		respondErr(w, err, nil)
		return
	}
	in := sos.ActivateInput{
		Location:       payload.Location,
		LocationDenied: payload.LocationDenied,
		Address:        payload.Address,
		OperatorID:     payload.OperatorID,
		PatientName:    payload.PatientName,
	}
	if id, ok := identityFromContext(r.Context()); ok {
		in.Caller = &id
	}
	req, err := h.sos.Activate(r.Context(), in)
	if err != nil {
		respondErr(w, err, nil)
		return
	}
	h.logger.Info("sos activated",
		zap.String("sos_id", req.ID),
		zap.Bool("authenticated", in.Caller != nil),
		zap.Bool("has_location", in.Location != nil),
	)
	respondJSON(w, http.StatusAccepted, req)
}

func (h *Handler) GetSOS(w http.ResponseWriter, r *http.Request) {
	req, err := h.sos.Get(chi.URLParam(r, "sosID"))
	if err != nil {
		respondErr(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

// respondSOS writes the snapshot, or the error with the snapshot attached.
func (h *Handler) respondSOS(w http.ResponseWriter, req sos.Request, err error) {
	if err != nil {
		var detail any
		if req.ID != "" {
			detail = req
		}
		if status, _ := classify(err); status >= http.StatusInternalServerError {
			h.logger.Error("sos operation failed", zap.String("sos_id", req.ID), zap.Error(err))
		}
		respondErr(w, err, detail)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (h *Handler) SkipSOS(w http.ResponseWriter, r *http.Request) {
	req, err := h.sos.Skip(chi.URLParam(r, "sosID"))
	h.respondSOS(w, req, err)
}

type sosLocationPayload struct {
	Lat    *float64 `json:"lat,omitempty"`
	Lng    *float64 `json:"lng,omitempty"`
	Denied bool     `json:"denied,omitempty"`
}

// DeliverSOSLocation hands the device's location fix, or its denial, to a
// request that is counting down or activating.
func (h *Handler) DeliverSOSLocation(w http.ResponseWriter, r *http.Request) {
	var payload sosLocationPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		respondErr(w, err, nil)
		return
	}
	var p *geo.Point
	if !payload.Denied {
		if payload.Lat == nil || payload.Lng == nil {
			respondErr(w, sos.ErrInvalidLocation, nil)
			return
		}
		p = &geo.Point{Lat: *payload.Lat, Lng: *payload.Lng}
	}
	req, err := h.sos.DeliverLocation(chi.URLParam(r, "sosID"), p, payload.Denied)
	h.respondSOS(w, req, err)
}

type sosPhonePayload struct {
	Phone string `json:"phone"`
}

func (h *Handler) SubmitSOSPhone(w http.ResponseWriter, r *http.Request) {
	var payload sosPhonePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		respondErr(w, err, nil)
		return
	}
	req, err := h.sos.SubmitPhone(r.Context(), chi.URLParam(r, "sosID"), payload.Phone)
	h.respondSOS(w, req, err)
}

type sosOTPPayload struct {
	Code string `json:"code"`
}

// SubmitSOSOTP verifies the code. When the caller is signed in, a successful
// verification marks their identity verified for later requests.
func (h *Handler) SubmitSOSOTP(w http.ResponseWriter, r *http.Request) {
	var payload sosOTPPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		respondErr(w, err, nil)
		return
	}
	req, err := h.sos.SubmitOTP(r.Context(), chi.URLParam(r, "sosID"), payload.Code)
	if err == nil && req.VerifiedPhone != "" {
		h.rememberVerified(r, req.VerifiedPhone)
	}
	h.respondSOS(w, req, err)
}

func (h *Handler) rememberVerified(r *http.Request, phone string) {
	caller, ok := identityFromContext(r.Context())
	if !ok || h.auth.store == nil {
		return
	}
	updated, ok := h.auth.store.MarkVerified(caller.ID, phone)
	if !ok {
		return
	}
	if err := h.auth.persist(r.Context(), updated); err != nil {
		h.logger.Warn("verified identity not persisted", zap.String("identity", caller.ID), zap.Error(err))
	}
}

type sosCancelPayload struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) CancelSOS(w http.ResponseWriter, r *http.Request) {
	var payload sosCancelPayload
	if err := decodeOptional(w, r, &payload); err != nil {
		respondErr(w, err, nil)
		return
	}
	if payload.Reason == "" {
		payload.Reason = "cancelled by user"
	}
	req, err := h.sos.Cancel(r.Context(), chi.URLParam(r, "sosID"), payload.Reason)
	h.respondSOS(w, req, err)
}

// SOSWebsocket streams request snapshots until the request settles.
func (h *Handler) SOSWebsocket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sosID")
	updates, stop, err := h.sos.Subscribe(id)
	if err != nil {
		respondErr(w, err, nil)
		return
	}
	defer stop()
	tracking.Stream(w, r, updates, sos.Request.Final, h.tracker.ClientConfig(), h.logger.With(zap.String("sos_id", id)))
}
