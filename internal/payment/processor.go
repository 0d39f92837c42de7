// Package payment is the boundary to the external payment processor: the
// Processor interface used by the engine, a Stripe client on stripe-go, an in-memory
// sandbox, and verification and decoding of signed webhook notifications.
package payment

import (
	"context"

	"github.com/iliyamo/supper-club-booking/internal/model"
)

// IntentRequest asks the processor for a payment intent. IdempotencyKey
// makes a retried request return the intent created by the first attempt.
type IntentRequest struct {
	AmountCents    uint64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the processor's handle for a pending payment. ClientSecret is
// handed to the browser to complete the payment.
type Intent struct {
	Reference    string `json:"payment_reference"`
	ClientSecret string `json:"client_secret,omitempty"`
	Status       string `json:"status"`
}

// Processor is implemented by Stripe and Sandbox. Implementations return
// errors wrapping apperr.ErrProcessorUnavailable for transient failures and
// apperr.ErrProcessorRejected for requests the processor refused.
type Processor interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	// Confirm reports the settled outcome of a payment: OutcomeSucceeded or
	// OutcomeFailed. A payment that is still in flight yields
	// apperr.ErrPaymentIncomplete.
	Confirm(ctx context.Context, reference string) (model.PaymentOutcome, error)
	// Refund refunds the full amount of the payment and returns the
	// processor's refund reference.
	Refund(ctx context.Context, reference, idempotencyKey string) (string, error)
}
