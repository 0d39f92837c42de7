// Package apperr defines the error taxonomy shared by the booking engine and
// the HTTP layer. Each value is a sentinel: callers wrap it with context using
// fmt.Errorf("%s: %w", op, err) and compare with errors.Is.
package apperr

import "errors"

var (
	// ErrCapacityExceeded means the event does not have enough seats left
	// for the requested reservation.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrInvalidStateTransition is returned when a booking or hold cannot
	// move to the requested state from its current one. The attempt has
	// no side effects.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrUnauthorized means the requester neither owns the booking nor
	// holds elevated privilege.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrWindowClosed is returned when a cancellation arrives after the
	// configured cutoff before the event starts.
	ErrWindowClosed = errors.New("cancellation window closed")

	// ErrProcessorUnavailable wraps failures of the external payment
	// processor. It is retryable.
	ErrProcessorUnavailable = errors.New("payment processor unavailable")

	// ErrProcessorRejected means the processor answered but refused the
	// request (4xx). Retrying the same request will not help.
	ErrProcessorRejected = errors.New("payment processor rejected request")

	// ErrPersistenceConflict signals optimistic-lock or row-lock contention
	// in the store. It is retried internally before it surfaces.
	ErrPersistenceConflict = errors.New("persistence conflict")

	// ErrDuplicateEvent marks a payment notification whose idempotency key
	// was already applied. It is reported, not treated as a failure.
	ErrDuplicateEvent = errors.New("duplicate payment event")

	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDuplicateBooking  = errors.New("active booking already exists for this event")
	ErrInvalidSignature  = errors.New("invalid notification signature")
	ErrHoldReleased      = errors.New("hold already released")
	ErrPaymentIncomplete = errors.New("payment not completed")
)

// IsRetryable reports whether err is worth retrying: processor outages and
// persistence contention are transient, everything else is terminal for the
// request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProcessorUnavailable) || errors.Is(err, ErrPersistenceConflict)
}
