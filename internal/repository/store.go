package repository

import (
	"context"
	"time"

	"github.com/iliyamo/supper-club-booking/internal/model"
)

// Store runs units of work against durable storage. Everything done through
// the Tx passed to fn commits together or not at all.
type Store interface {
	// WithinTx runs fn in a read-write transaction. The transaction is
	// rolled back when fn returns an error.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// View runs fn in a read-only transaction. ...ForUpdate methods must
	// not be used inside View.
	View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the repositories bound to a single transaction.
type Tx interface {
	Events() EventRepo
	Holds() HoldRepo
	Bookings() BookingRepo
	PaymentEvents() PaymentEventRepo
}

// EventRepo persists event capacity records. Only the capacity ledger calls
// UpdateCounters.
type EventRepo interface {
	Create(ctx context.Context, e *model.Event) error
	Get(ctx context.Context, id uint64) (model.Event, error)
	// GetForUpdate reads the event and locks its row until the
	// transaction ends.
	GetForUpdate(ctx context.Context, id uint64) (model.Event, error)
	// UpdateCounters writes HeldSeats and ConfirmedSeats if the stored
	// version still equals e.Version, and bumps the version. It returns
	// ErrConflict when the version moved or the new counters would break
	// the capacity invariant.
	UpdateCounters(ctx context.Context, e model.Event) error
}

// HoldRepo persists seat holds.
type HoldRepo interface {
	Create(ctx context.Context, h model.SeatHold) error
	GetForUpdate(ctx context.Context, token string) (model.SeatHold, error)
	UpdateState(ctx context.Context, token string, state model.HoldState, at time.Time) error
	// ListExpired returns active holds whose expiry is at or before now,
	// oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]model.SeatHold, error)
}

// BookingRepo persists bookings. Rows are never deleted.
type BookingRepo interface {
	Create(ctx context.Context, b *model.Booking) error
	Get(ctx context.Context, id uint64) (model.Booking, error)
	GetForUpdate(ctx context.Context, id uint64) (model.Booking, error)
	GetByPaymentReferenceForUpdate(ctx context.Context, ref string) (model.Booking, error)
	GetByHoldTokenForUpdate(ctx context.Context, token string) (model.Booking, error)
	// FindActive returns the pending or confirmed booking of userID for
	// eventID, or ErrNotFound.
	FindActive(ctx context.Context, userID, eventID uint64) (model.Booking, error)
	ListByUser(ctx context.Context, userID uint64) ([]model.Booking, error)
	// ListConfirmedStartedBefore returns confirmed bookings whose event
	// started at or before t.
	ListConfirmedStartedBefore(ctx context.Context, t time.Time, limit int) ([]model.Booking, error)
	// Update writes the mutable columns: state, payment_reference,
	// refund_reference, failure_reason, cancelled_at and updated_at.
	Update(ctx context.Context, b model.Booking) error
}

// PaymentEventRepo is the append-mostly ingestion log. Rows are keyed by
// the processor event id.
type PaymentEventRepo interface {
	Get(ctx context.Context, eventID string) (model.PaymentEvent, error)
	// Insert fails with ErrDuplicate when eventID is already logged.
	Insert(ctx context.Context, pe model.PaymentEvent) error
	// Update rewrites an orphaned entry once it has been re-driven.
	Update(ctx context.Context, pe model.PaymentEvent) error
	ListOrphaned(ctx context.Context, limit int) ([]model.PaymentEvent, error)
}

// UserRepo persists accounts for the authentication endpoints.
type UserRepo interface {
	Create(ctx context.Context, email, passwordHash, role string) (uint64, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
	UpdatePasswordHash(ctx context.Context, id uint64, passwordHash string) error
}
