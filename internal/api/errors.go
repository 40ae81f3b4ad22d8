package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"ambidispatch/internal/auth"
	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/sos"
	"ambidispatch/internal/tracking"
)

var errInvalidPayload = errors.New("invalid payload")

type errorBody struct {
	Error  string   `json:"error"`
	Code   string   `json:"code,omitempty"`
	Fields []string `json:"fields,omitempty"`
	// Detail carries the resource state after a rejected operation, so the
	// client can render it without another round trip.
	Detail any `json:"detail,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, errorBody{Error: msg, Code: code})
}

// respondErr maps a domain error onto its HTTP status and stable code.
func respondErr(w http.ResponseWriter, err error, detail any) {
	status, code := classify(err)
	body := errorBody{Error: err.Error(), Code: code, Detail: detail}
	var verr *dispatch.ValidationError
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	if status == http.StatusInternalServerError {
		body.Error = "internal error"
	}
	respondJSON(w, status, body)
}

var errorCodes = []struct {
	target error
	status int
	code   string
}{
	{errInvalidPayload, http.StatusBadRequest, "invalid_payload"},
	{auth.ErrInvalidRole, http.StatusBadRequest, "invalid_role"},

	{sos.ErrNotFound, http.StatusNotFound, "not_found"},
	{dispatch.ErrBookingNotFound, http.StatusNotFound, "not_found"},
	{dispatch.ErrAmbulanceNotFound, http.StatusNotFound, "not_found"},
	{tracking.ErrSessionNotFound, http.StatusNotFound, "not_found"},

	{dispatch.ErrNotOwner, http.StatusForbidden, "forbidden"},

	{dispatch.ErrNoCapacity, http.StatusConflict, "no_capacity"},
	{sos.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{sos.ErrTooManyAttempts, http.StatusConflict, "too_many_attempts"},
	{tracking.ErrStatusRegression, http.StatusConflict, "status_regression"},
	{tracking.ErrETAIncrease, http.StatusConflict, "eta_increase"},
	{tracking.ErrSessionClosed, http.StatusConflict, "session_closed"},
	{dispatch.ErrBookingRegression, http.StatusConflict, "status_regression"},
	{dispatch.ErrBookingNotCancellable, http.StatusConflict, "not_cancellable"},
	{dispatch.ErrAmbulanceTaken, http.StatusConflict, "ambulance_taken"},

	{sos.ErrInvalidOTP, http.StatusUnprocessableEntity, "invalid_otp"},
	{sos.ErrInvalidLocation, http.StatusUnprocessableEntity, "invalid_location"},
	{sos.ErrInvalidPhone, http.StatusUnprocessableEntity, "invalid_phone"},
	{sos.ErrInvalidCode, http.StatusUnprocessableEntity, "invalid_code"},
	{sos.ErrNoPendingPhone, http.StatusUnprocessableEntity, "no_pending_phone"},
	{tracking.ErrUnknownStatus, http.StatusUnprocessableEntity, "unknown_status"},
	{tracking.ErrInvalidPosition, http.StatusUnprocessableEntity, "invalid_position"},

	{sos.ErrOTPSend, http.StatusBadGateway, "otp_send_failed"},
	{sos.ErrOTPUnavailable, http.StatusServiceUnavailable, "otp_unavailable"},
}

func classify(err error) (int, string) {
	var verr *dispatch.ValidationError
	if errors.As(err, &verr) {
		return http.StatusUnprocessableEntity, "validation"
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.target) {
			return e.status, e.code
		}
	}
	return http.StatusInternalServerError, "internal"
}
