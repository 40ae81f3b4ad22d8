package dispatch

import "errors"

var (
	// ErrNoCapacity means no ambulance could be assigned. Callers surface it
	// as an alert, not as a retryable failure.
	ErrNoCapacity            = errors.New("no ambulance available")
	ErrAmbulanceTaken        = errors.New("ambulance already claimed")
	ErrAmbulanceNotFound     = errors.New("ambulance not found")
	ErrBookingNotFound       = errors.New("booking not found")
	ErrBookingNotCancellable = errors.New("booking can no longer be cancelled")
	ErrBookingRegression     = errors.New("booking status cannot move backwards")
	ErrNotOwner              = errors.New("booking belongs to another user")
)

// ValidationError lists missing or malformed booking fields.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	msg := "invalid booking:"
	for i, f := range e.Fields {
		if i > 0 {
			msg += ","
		}
		msg += " " + f
	}
	return msg
}
