package model

import (
	"fmt"
	"time"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
)

// BookingState is the lifecycle state of a booking.
type BookingState string

const (
	BookingPendingPayment BookingState = "pending_payment"
	BookingConfirmed      BookingState = "confirmed"
	BookingPaymentFailed  BookingState = "payment_failed"
	BookingCancelled      BookingState = "cancelled"
	BookingCompleted      BookingState = "completed"
)

// transitions lists every allowed edge of the booking state machine.
var transitions = map[BookingState][]BookingState{
	BookingPendingPayment: {BookingConfirmed, BookingPaymentFailed},
	BookingConfirmed:      {BookingCancelled, BookingCompleted},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to BookingState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s BookingState) Terminal() bool { return len(transitions[s]) == 0 }

// Valid reports whether s is one of the known states.
func (s BookingState) Valid() bool {
	switch s {
	case BookingPendingPayment, BookingConfirmed, BookingPaymentFailed, BookingCancelled, BookingCompleted:
		return true
	}
	return false
}

// Booking records one requester's seats at one event. Bookings are never
// deleted; cancellation and failures are states so the history stays
// auditable.
//
// Fields:
//
//	ID               – bookings.id
//	EventID          – the event the seats belong to (the booking owns this
//	                   reference; events never point back at bookings).
//	UserID           – requester who owns the booking.
//	Seats            – seats requested, 1..event max.
//	AmountCents      – Seats * event price at reservation time.
//	HoldToken        – capacity ledger hold backing the seats.
//	PaymentReference – processor payment intent; assigned once.
//	RefundReference  – processor refund id, when refunded.
type Booking struct {
	ID               uint64       `json:"id"`
	EventID          uint64       `json:"event_id"`
	UserID           uint64       `json:"user_id"`
	Seats            int          `json:"seats"`
	AmountCents      uint64       `json:"amount_cents"`
	Currency         string       `json:"currency"`
	HoldToken        string       `json:"-"`
	PaymentReference string       `json:"payment_reference,omitempty"`
	State            BookingState `json:"state"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	RefundReference  string       `json:"refund_reference,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	CancelledAt      *time.Time   `json:"cancelled_at,omitempty"`
}

// TransitionTo moves the booking to next, stamping UpdatedAt (and
// CancelledAt for cancellations). It fails without touching the booking when
// the edge is not allowed.
func (b *Booking) TransitionTo(next BookingState, at time.Time) error {
	if !CanTransition(b.State, next) {
		return fmt.Errorf("booking %d: %s -> %s: %w", b.ID, b.State, next, apperr.ErrInvalidStateTransition)
	}
	b.State = next
	b.UpdatedAt = at
	if next == BookingCancelled {
		t := at
		b.CancelledAt = &t
	}
	return nil
}

// Active reports whether the booking still occupies seats.
func (b Booking) Active() bool {
	return b.State == BookingPendingPayment || b.State == BookingConfirmed
}
