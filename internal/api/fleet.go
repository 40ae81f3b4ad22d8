package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"ambidispatch/internal/dispatch"
	"ambidispatch/internal/geo"
	"ambidispatch/internal/triage"
)

type ambulancePayload struct {
	ID              string                   `json:"id"`
	OperatorID      string                   `json:"operatorId,omitempty"`
	VehicleNumber   string                   `json:"vehicleNumber"`
	Type            dispatch.AmbulanceType   `json:"type"`
	Status          dispatch.AmbulanceStatus `json:"status,omitempty"`
	DriverName      string                   `json:"driverName"`
	DriverPhone     string                   `json:"driverPhone"`
	Base            geo.Point                `json:"base"`
	BaseAddress     string                   `json:"baseAddress,omitempty"`
	ServiceRadiusKM float64                  `json:"serviceRadiusKm,omitempty"`
	IsDefault       bool                     `json:"isDefault,omitempty"`
	Equipment       dispatch.Equipment       `json:"equipment"`
}

// UpsertAmbulance registers or updates a fleet vehicle. Operators can only
// manage their own fleet.
func (h *Handler) UpsertAmbulance(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enabled(), dispatch.RoleOperator, dispatch.RoleAdmin) {
		return
	}
	var payload ambulancePayload
	if err := decodeJSON(w, r, &payload); err != nil {
		respondErr(w, err, nil)
		return
	}
	operatorID := payload.OperatorID
	if id, ok := identityFromContext(r.Context()); ok && id.Role == dispatch.RoleOperator {
		operatorID = id.ID
	}
	amb, err := h.store.UpsertAmbulance(r.Context(), dispatch.Ambulance{
		ID:              payload.ID,
		OperatorID:      operatorID,
		VehicleNumber:   payload.VehicleNumber,
		Type:            payload.Type,
		Status:          payload.Status,
		DriverName:      payload.DriverName,
		DriverPhone:     payload.DriverPhone,
		Base:            payload.Base,
		BaseAddress:     payload.BaseAddress,
		ServiceRadiusKM: payload.ServiceRadiusKM,
		IsDefault:       payload.IsDefault,
		Equipment:       payload.Equipment,
		UpdatedAt:       time.Now(),
	})
	if err != nil {
		if status, _ := classify(err); status >= http.StatusInternalServerError {
			h.logger.Error("upsert ambulance", zap.String("ambulance_id", payload.ID), zap.Error(err))
		}
		respondErr(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, amb)
}

func (h *Handler) FleetStats(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, h.auth.enabled(), dispatch.RoleOperator, dispatch.RoleAdmin) {
		return
	}
	respondJSON(w, http.StatusOK, h.store.SnapshotFleet())
}

type severityPayload struct {
	triage.Vitals
	PreviousScore  *float64 `json:"previousScore,omitempty"`
	TrendThreshold float64  `json:"trendThreshold,omitempty"`
}

type severityResponse struct {
	triage.Result
	Trend string `json:"trend,omitempty"`
}

// ScoreSeverity classifies a set of vitals. Implausible readings are 422.
func (h *Handler) ScoreSeverity(w http.ResponseWriter, r *http.Request) {
	var payload severityPayload
	if err := decodeJSON(w, r, &payload); err != nil {
		respondErr(w, err, nil)
		return
	}
	if problems := triage.Validate(payload.Vitals); len(problems) > 0 {
		respondJSON(w, http.StatusUnprocessableEntity, errorBody{Error: "implausible vitals", Code: "validation", Fields: problems})
		return
	}
	res := severityResponse{Result: triage.Calculate(payload.Vitals)}
	if payload.PreviousScore != nil {
		res.Trend = triage.Trend(*payload.PreviousScore, float64(res.Score), payload.TrendThreshold)
	}
	respondJSON(w, http.StatusOK, res)
}
