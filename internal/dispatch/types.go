package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"ambidispatch/internal/geo"
)

type AmbulanceStatus string

const (
	AmbulanceAvailable   AmbulanceStatus = "available"
	AmbulanceOnTrip      AmbulanceStatus = "on_trip"
	AmbulanceMaintenance AmbulanceStatus = "maintenance"
	AmbulanceOffDuty     AmbulanceStatus = "off_duty"
)

type AmbulanceType string

const (
	TypeBasic            AmbulanceType = "basic"
	TypeAdvanced         AmbulanceType = "advanced"
	TypePatientTransport AmbulanceType = "patient_transport"
	TypeNeonatal         AmbulanceType = "neonatal"
	TypeAir              AmbulanceType = "air"
)

type Equipment struct {
	Oxygen        bool `json:"oxygen"`
	Defibrillator bool `json:"defibrillator"`
	Stretcher     bool `json:"stretcher"`
	Ventilator    bool `json:"ventilator"`
}

// Assignment links an on-trip ambulance to the booking it serves.
type Assignment struct {
	BookingID  string    `json:"bookingId"`
	SosID      string    `json:"sosId,omitempty"`
	AssignedAt time.Time `json:"assignedAt"`
}

// Ambulance is one fleet vehicle as maintained by its operator.
type Ambulance struct {
	ID              string          `json:"id"`
	OperatorID      string          `json:"operatorId"`
	VehicleNumber   string          `json:"vehicleNumber"`
	Type            AmbulanceType   `json:"type"`
	Status          AmbulanceStatus `json:"status"`
	DriverName      string          `json:"driverName"`
	DriverPhone     string          `json:"driverPhone"`
	Base            geo.Point       `json:"base"`
	BaseAddress     string          `json:"baseAddress,omitempty"`
	Location        *geo.Point      `json:"location,omitempty"`
	ServiceRadiusKM float64         `json:"serviceRadiusKm"`
	IsDefault       bool            `json:"isDefault"`
	Equipment       Equipment       `json:"equipment"`
	Assignment      *Assignment     `json:"currentAssignment,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Position is the last reported location, or the base when none was reported.
func (a Ambulance) Position() geo.Point {
	if a.Location != nil {
		return *a.Location
	}
	return a.Base
}

func (a Ambulance) withDefaults() Ambulance {
	if a.Status == "" {
		a.Status = AmbulanceAvailable
	}
	if a.Type == "" {
		a.Type = TypeBasic
	}
	return a
}

// AssignedAmbulance is the immutable record of an assignment. A reassignment
// produces a new value.
type AssignedAmbulance struct {
	AmbulanceID   string        `json:"ambulanceId"`
	OperatorID    string        `json:"operatorId"`
	VehicleNumber string        `json:"vehicleNumber"`
	Type          AmbulanceType `json:"type"`
	DriverName    string        `json:"driverName"`
	DriverPhone   string        `json:"driverPhone"`
	Base          geo.Point     `json:"base"`
	// DistanceKM is zero when the requester had no coordinates.
	DistanceKM float64   `json:"distanceKm"`
	AssignedAt time.Time `json:"assignedAt"`
}

func newAssigned(a Ambulance, distKM float64, at time.Time) AssignedAmbulance {
	return AssignedAmbulance{
		AmbulanceID:   a.ID,
		OperatorID:    a.OperatorID,
		VehicleNumber: a.VehicleNumber,
		Type:          a.Type,
		DriverName:    a.DriverName,
		DriverPhone:   a.DriverPhone,
		Base:          a.Base,
		DistanceKM:    distKM,
		AssignedAt:    at,
	}
}

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingInTransit BookingStatus = "in_transit"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

var bookingRank = map[BookingStatus]int{
	BookingPending:   0,
	BookingConfirmed: 1,
	BookingInTransit: 2,
	BookingCompleted: 3,
}

type BookingKind string

const (
	KindScheduled BookingKind = "scheduled"
	KindSOS       BookingKind = "sos"
)

type Patient struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Age    int    `json:"age,omitempty"`
	Gender string `json:"gender,omitempty"`
}

type Booking struct {
	ID            string             `json:"id"`
	OwnerID       string             `json:"ownerId,omitempty"`
	OperatorID    string             `json:"operatorId,omitempty"`
	Kind          BookingKind        `json:"kind"`
	SosID         string             `json:"sosId,omitempty"`
	Patient       Patient            `json:"patient"`
	PickupAddress string             `json:"pickupAddress"`
	Destination   string             `json:"destination"`
	Pickup        *geo.Point         `json:"pickup,omitempty"`
	Drop          *geo.Point         `json:"drop,omitempty"`
	ScheduledDate string             `json:"scheduledDate,omitempty"`
	ScheduledTime string             `json:"scheduledTime,omitempty"`
	Reason        string             `json:"reason,omitempty"`
	SpecialNeeds  string             `json:"specialNeeds,omitempty"`
	Notes         string             `json:"notes,omitempty"`
	Status        BookingStatus      `json:"status"`
	Assigned      *AssignedAmbulance `json:"assignedAmbulance,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
}

// BookingRequest is the validated input for CreateBooking.
type BookingRequest struct {
	OwnerID        string
	OperatorID     string
	Kind           BookingKind
	SosID          string
	Patient        Patient
	PickupAddress  string
	Destination    string
	Pickup         *geo.Point
	Drop           *geo.Point
	ScheduledDate  string
	ScheduledTime  string
	Reason         string
	SpecialNeeds   string
	Notes          string
	IdempotencyKey string
}

// AssignRequest asks for an ambulance near Pickup. BookingID, when it names a
// known booking, is updated in the same commit as the claim.
type AssignRequest struct {
	BookingID  string
	SosID      string
	OperatorID string
	Pickup     *geo.Point
}

type IdentityRole string

const (
	RolePatient  IdentityRole = "patient"
	RoleDriver   IdentityRole = "driver"
	RoleOperator IdentityRole = "operator"
	RoleAdmin    IdentityRole = "admin"
)

// Identity is an authenticated caller. Verified marks a phone number that
// already passed OTP once, which lets SOS requests skip verification.
type Identity struct {
	ID       string       `json:"id"`
	Role     IdentityRole `json:"role"`
	Token    string       `json:"token,omitempty"`
	Phone    string       `json:"phone,omitempty"`
	Verified bool         `json:"verified"`
	// ExpiresAt is optional; nil means no expiry.
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Event is an audit record for a booking, ambulance or SOS request.
type Event struct {
	SubjectID string          `json:"subjectId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ActorID   string          `json:"actorId,omitempty"`
	ActorRole string          `json:"actorRole,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type EventLogger interface {
	AppendEvent(ctx context.Context, evt Event) error
	ListEvents(ctx context.Context, subjectID string, limit, offset int) ([]Event, error)
}

// Persistence stores fleet and booking records.
type Persistence interface {
	SaveAmbulance(ctx context.Context, a Ambulance) error
	ListAmbulances(ctx context.Context) ([]Ambulance, error)
	SaveBooking(ctx context.Context, b Booking) error
	GetBooking(ctx context.Context, id string) (Booking, bool, error)
	ListBookingsByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Booking, error)
}

// ClaimTransaction commits an assignment atomically. ClaimAmbulance must only
// succeed when the ambulance is still available in the store of record and
// returns ErrAmbulanceTaken otherwise.
type ClaimTransaction interface {
	ClaimAmbulance(ctx context.Context, amb Ambulance, booking *Booking, event Event) error
	UpdateBookingWithEvent(ctx context.Context, booking Booking, event Event, amb *Ambulance) error
}

// AmbulanceReader reads one fleet row from the store of record. The store
// uses it to resync an ambulance after losing a claim.
type AmbulanceReader interface {
	GetAmbulance(ctx context.Context, id string) (Ambulance, bool, error)
}

type IdempotencyStore interface {
	Remember(ctx context.Context, key, bookingID string) error
	Lookup(ctx context.Context, key string) (string, bool, error)
}

// GeoLocator is a proximity index over ambulance positions.
type GeoLocator interface {
	Add(ctx context.Context, id string, p geo.Point) error
	Remove(ctx context.Context, id string) error
	Nearby(ctx context.Context, p geo.Point, radiusKM float64, limit int) ([]geo.Hit, error)
}
