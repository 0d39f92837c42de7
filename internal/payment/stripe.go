package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
	"github.com/iliyamo/supper-club-booking/internal/model"
)

// Stripe is the Processor backed by the Stripe API. The SDK's own network
// retries are off; callers retry through internal/retry.
type Stripe struct {
	api *client.API
	log *slog.Logger
}

// NewStripe builds a client against baseURL (https://api.stripe.com in
// production, a stub server in tests).
func NewStripe(baseURL, secretKey string, log *slog.Logger) *Stripe {
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(baseURL),
		HTTPClient:        &http.Client{Timeout: 10 * time.Second},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     stripeLogger{log},
	})
	api := &client.API{}
	api.Init(secretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
	return &Stripe{api: api, log: log}
}

func (s *Stripe) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	const op = "payment.Stripe.CreateIntent"

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(req.AmountCents)),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	keys := make([]string, 0, len(req.Metadata))
	for k := range req.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		params.AddMetadata(k, req.Metadata[k])
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("%s: %w", op, s.classify(ctx, "create intent", err))
	}
	return Intent{Reference: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

// Confirm retrieves the intent and maps its status to an outcome.
func (s *Stripe) Confirm(ctx context.Context, reference string) (model.PaymentOutcome, error) {
	const op = "payment.Stripe.Confirm"

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.api.PaymentIntents.Get(reference, params)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, s.classify(ctx, "get intent", err))
	}
	switch {
	case pi.Status == stripe.PaymentIntentStatusSucceeded:
		return model.OutcomeSucceeded, nil
	case pi.Status == stripe.PaymentIntentStatusCanceled:
		return model.OutcomeFailed, nil
	case pi.Status == stripe.PaymentIntentStatusRequiresPaymentMethod && pi.LastPaymentError != nil:
		return model.OutcomeFailed, nil
	}
	return "", fmt.Errorf("%s: intent %s is %s: %w", op, reference, pi.Status, apperr.ErrPaymentIncomplete)
}

func (s *Stripe) Refund(ctx context.Context, reference, idempotencyKey string) (string, error) {
	const op = "payment.Stripe.Refund"

	params := &stripe.RefundParams{PaymentIntent: stripe.String(reference)}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	rf, err := s.api.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, s.classify(ctx, "create refund", err))
	}
	return rf.ID, nil
}

// classify maps SDK errors onto the processor taxonomy. API errors with 429
// or 5xx and transport failures are ErrProcessorUnavailable; any other API
// error is ErrProcessorRejected.
func (s *Stripe) classify(ctx context.Context, call string, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", call, ctx.Err())
	}
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%s: %v: %w", call, err, apperr.ErrProcessorUnavailable)
	}
	s.log.Warn("stripe request failed",
		slog.String("call", call),
		slog.Int("status", se.HTTPStatusCode),
		slog.String("code", string(se.Code)))
	if se.HTTPStatusCode == http.StatusTooManyRequests || se.HTTPStatusCode >= 500 {
		return fmt.Errorf("%s: status %d: %w", call, se.HTTPStatusCode, apperr.ErrProcessorUnavailable)
	}
	return fmt.Errorf("%s: status %d: %s: %w", call, se.HTTPStatusCode, se.Msg, apperr.ErrProcessorRejected)
}

// stripeLogger routes SDK logging into slog at debug level; failures are
// logged by classify instead.
type stripeLogger struct{ log *slog.Logger }

func (l stripeLogger) Debugf(format string, v ...interface{}) { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l stripeLogger) Infof(format string, v ...interface{})  { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l stripeLogger) Warnf(format string, v ...interface{})  { l.log.Debug(fmt.Sprintf(format, v...)) }
func (l stripeLogger) Errorf(format string, v ...interface{}) { l.log.Debug(fmt.Sprintf(format, v...)) }
