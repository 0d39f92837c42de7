// Package queue defines message payloads exchanged over RabbitMQ, the
// publisher used by the engine and the consumers that run in the server
// process.
package queue

import (
	"time"

	"github.com/iliyamo/supper-club-booking/internal/model"
)

// Queue names. All queues are durable and fed through the default exchange.
const (
	// BookingEvents carries booking lifecycle changes for downstream
	// consumers (audit log, notifications, analytics).
	BookingEvents = "booking.events"
	// PaymentReview carries payment events that need a human: disputes and
	// outcomes that conflicted with an earlier terminal outcome.
	PaymentReview = "payment.review"
	// PaymentNotifications buffers verified processor notifications when the
	// webhook runs in asynchronous mode.
	PaymentNotifications = "payment.notifications"
)

// BookingEvent is published after a booking changes state. It contains
// enough information for consumers to log or notify without querying the
// primary database.
type BookingEvent struct {
	BookingID        uint64             `json:"booking_id"`
	EventID          uint64             `json:"event_id"`
	UserID           uint64             `json:"user_id"`
	Seats            int                `json:"seats"`
	AmountCents      uint64             `json:"amount_cents"`
	Currency         string             `json:"currency"`
	State            model.BookingState `json:"state"`
	PaymentReference string             `json:"payment_reference,omitempty"`
	RefundReference  string             `json:"refund_reference,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	OccurredAt       time.Time          `json:"occurred_at"`
}

// NewBookingEvent snapshots b.
func NewBookingEvent(b model.Booking) BookingEvent {
	return BookingEvent{
		BookingID:        b.ID,
		EventID:          b.EventID,
		UserID:           b.UserID,
		Seats:            b.Seats,
		AmountCents:      b.AmountCents,
		Currency:         b.Currency,
		State:            b.State,
		PaymentReference: b.PaymentReference,
		RefundReference:  b.RefundReference,
		Reason:           b.FailureReason,
		OccurredAt:       b.UpdatedAt,
	}
}

// ReviewFlag asks an operator to look at a payment event.
type ReviewFlag struct {
	PaymentEventID   string               `json:"payment_event_id"`
	PaymentReference string               `json:"payment_reference"`
	Outcome          model.PaymentOutcome `json:"outcome"`
	Status           model.IngestStatus   `json:"status"`
	BookingID        uint64               `json:"booking_id,omitempty"`
	Detail           string               `json:"detail"`
	FlaggedAt        time.Time            `json:"flagged_at"`
}
