package model

import "time"

// PaymentOutcome is what the processor reports about a payment.
type PaymentOutcome string

const (
	OutcomeSucceeded PaymentOutcome = "succeeded"
	OutcomeFailed    PaymentOutcome = "failed"
	OutcomeRefunded  PaymentOutcome = "refunded"
	OutcomeDisputed  PaymentOutcome = "disputed"
)

func (o PaymentOutcome) Valid() bool {
	switch o {
	case OutcomeSucceeded, OutcomeFailed, OutcomeRefunded, OutcomeDisputed:
		return true
	}
	return false
}

// IngestStatus is the recorded result of applying a payment event.
type IngestStatus string

const (
	IngestApplied  IngestStatus = "applied"  // booking and ledger changed
	IngestNoop     IngestStatus = "noop"     // booking already reflects the outcome
	IngestOrphaned IngestStatus = "orphaned" // no booking carries the reference yet
	IngestRejected IngestStatus = "rejected" // conflicts with an earlier terminal outcome
	IngestFlagged  IngestStatus = "flagged"  // needs manual review (disputes)
)

// PaymentEvent is one row of the ingestion log, keyed by the processor's
// event id. The row is written in the same transaction as the state change it
// describes, after that change.
type PaymentEvent struct {
	EventID          string         `json:"event_id"`
	EventType        string         `json:"event_type"`
	PaymentReference string         `json:"payment_reference"`
	RefundReference  string         `json:"refund_reference,omitempty"`
	Outcome          PaymentOutcome `json:"outcome"`
	Status           IngestStatus   `json:"status"`
	BookingID        uint64         `json:"booking_id,omitempty"`
	Detail           string         `json:"detail,omitempty"`
	ReceivedAt       time.Time      `json:"received_at"`
	ProcessedAt      time.Time      `json:"processed_at"`
}
