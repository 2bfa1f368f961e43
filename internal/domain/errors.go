package domain

import "errors"

// Sentinel errors shared by the service and handler layers. Handlers map these
// onto HTTP statuses; everything else is treated as an internal failure.
var (
	// ErrCallNotFound signals an unknown call id.
	ErrCallNotFound = errors.New("call not found")

	// ErrAppointmentConflict signals an overlapping scheduled appointment. It is
	// a first-class booking outcome, not a storage failure.
	ErrAppointmentConflict = errors.New("appointment slot already booked")

	// ErrInvalidStatus signals an agent self-report carrying a status outside
	// the accepted set.
	ErrInvalidStatus = errors.New("invalid call status")

	// ErrInvalidBooking signals a malformed booking request (bad date or time
	// format, inverted interval, missing fields).
	ErrInvalidBooking = errors.New("invalid booking request")

	// ErrStorageUnavailable wraps retry-budget exhaustion in the connection
	// manager.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
