package payment

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v76"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
	"github.com/iliyamo/supper-club-booking/internal/model"
)

// Processor event types the service reacts to.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventChargeRefunded  = "charge.refunded"
	EventDisputeCreated  = "charge.dispute.created"
)

// Notification is a decoded processor event: the unit the ingestor applies
// exactly once, keyed by EventID.
type Notification struct {
	EventID          string               `json:"event_id"`
	EventType        string               `json:"event_type"`
	PaymentReference string               `json:"payment_reference"`
	Outcome          model.PaymentOutcome `json:"outcome"`
	// RefundReference is set for refund notifications.
	RefundReference string `json:"refund_reference,omitempty"`
}

// ParseNotification decodes a webhook body. ok is false for event types the
// service does not handle; those are acknowledged and dropped.
func ParseNotification(body []byte) (n Notification, ok bool, err error) {
	var ev stripe.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Notification{}, false, fmt.Errorf("decode notification: %v: %w", err, apperr.ErrInvalidInput)
	}
	if ev.ID == "" || ev.Type == "" {
		return Notification{}, false, fmt.Errorf("notification without id or type: %w", apperr.ErrInvalidInput)
	}

	n = Notification{EventID: ev.ID, EventType: string(ev.Type)}
	switch n.EventType {
	case EventIntentSucceeded, EventIntentFailed:
		var pi stripe.PaymentIntent
		if err := decodeObject(ev, &pi); err != nil {
			return Notification{}, false, err
		}
		n.PaymentReference, n.Outcome = pi.ID, model.OutcomeSucceeded
		if n.EventType == EventIntentFailed {
			n.Outcome = model.OutcomeFailed
		}
	case EventChargeRefunded:
		var ch stripe.Charge
		if err := decodeObject(ev, &ch); err != nil {
			return Notification{}, false, err
		}
		n.Outcome, n.PaymentReference, n.RefundReference = model.OutcomeRefunded, intentID(ch.PaymentIntent), refundID(ch)
	case EventDisputeCreated:
		var dp stripe.Dispute
		if err := decodeObject(ev, &dp); err != nil {
			return Notification{}, false, err
		}
		n.Outcome, n.PaymentReference = model.OutcomeDisputed, intentID(dp.PaymentIntent)
	default:
		return n, false, nil
	}
	if n.PaymentReference == "" {
		return Notification{}, false, fmt.Errorf("%s without payment reference: %w", n.EventType, apperr.ErrInvalidInput)
	}
	return n, true, nil
}

func decodeObject(ev stripe.Event, v any) error {
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return fmt.Errorf("%s without data.object: %w", ev.Type, apperr.ErrInvalidInput)
	}
	if err := json.Unmarshal(ev.Data.Raw, v); err != nil {
		return fmt.Errorf("decode %s object: %v: %w", ev.Type, err, apperr.ErrInvalidInput)
	}
	return nil
}

func intentID(pi *stripe.PaymentIntent) string {
	if pi == nil {
		return ""
	}
	return pi.ID
}

// refundID is the newest refund on the charge. Events rendered without the
// refunds list fall back to the charge id.
func refundID(ch stripe.Charge) string {
	if ch.Refunds != nil && len(ch.Refunds.Data) > 0 && ch.Refunds.Data[0] != nil {
		return ch.Refunds.Data[0].ID
	}
	return ch.ID
}

// Validate checks a notification received from a trusted internal source
// such as the message queue.
func (n Notification) Validate() error {
	if n.EventID == "" || n.PaymentReference == "" || !n.Outcome.Valid() {
		return fmt.Errorf("incomplete notification %q: %w", n.EventID, apperr.ErrInvalidInput)
	}
	return nil
}
