package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
	"github.com/iliyamo/supper-club-booking/internal/model"
)

// Sandbox is an in-memory processor for local runs and tests. Payments
// settle as succeeded unless SetOutcome says otherwise, and the next calls of
// an operation can be made to fail with FailNext.
type Sandbox struct {
	mu       sync.Mutex
	intents  map[string]Intent               // by idempotency key
	outcomes map[string]model.PaymentOutcome // by reference
	pending  map[string]bool
	refunds  map[string]string // idempotency key -> refund reference
	failures map[string]int
	calls    map[string]int
}

// Sandbox operation names accepted by FailNext and Calls.
const (
	OpCreateIntent = "create_intent"
	OpConfirm      = "confirm"
	OpRefund       = "refund"
)

func NewSandbox() *Sandbox {
	return &Sandbox{
		intents:  map[string]Intent{},
		outcomes: map[string]model.PaymentOutcome{},
		pending:  map[string]bool{},
		refunds:  map[string]string{},
		failures: map[string]int{},
		calls:    map[string]int{},
	}
}

// FailNext makes the next n calls of op fail with ErrProcessorUnavailable.
func (s *Sandbox) FailNext(op string, n int) {
	s.mu.Lock()
	s.failures[op] += n
	s.mu.Unlock()
}

// SetOutcome fixes what Confirm reports for reference.
func (s *Sandbox) SetOutcome(reference string, o model.PaymentOutcome) {
	s.mu.Lock()
	s.outcomes[reference] = o
	delete(s.pending, reference)
	s.mu.Unlock()
}

// SetPending makes Confirm report the payment as still in flight.
func (s *Sandbox) SetPending(reference string) {
	s.mu.Lock()
	s.pending[reference] = true
	s.mu.Unlock()
}

// Calls returns how many times op was invoked, failures included.
func (s *Sandbox) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Sandbox) enter(op string) error {
	s.calls[op]++
	if s.failures[op] > 0 {
		s.failures[op]--
		return fmt.Errorf("sandbox %s: %w", op, apperr.ErrProcessorUnavailable)
	}
	return nil
}

func (s *Sandbox) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpCreateIntent); err != nil {
		return Intent{}, err
	}
	if req.AmountCents == 0 {
		return Intent{}, fmt.Errorf("sandbox: amount must be positive: %w", apperr.ErrProcessorRejected)
	}
	if in, ok := s.intents[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return in, nil
	}
	id := "pi_sandbox_" + uuid.NewString()
	in := Intent{Reference: id, ClientSecret: id + "_secret", Status: "requires_payment_method"}
	if req.IdempotencyKey != "" {
		s.intents[req.IdempotencyKey] = in
	}
	return in, nil
}

func (s *Sandbox) Confirm(ctx context.Context, reference string) (model.PaymentOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpConfirm); err != nil {
		return "", err
	}
	if s.pending[reference] {
		return "", fmt.Errorf("sandbox: %s: %w", reference, apperr.ErrPaymentIncomplete)
	}
	if o, ok := s.outcomes[reference]; ok {
		return o, nil
	}
	return model.OutcomeSucceeded, nil
}

func (s *Sandbox) Refund(ctx context.Context, reference, idempotencyKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(OpRefund); err != nil {
		return "", err
	}
	if ref, ok := s.refunds[idempotencyKey]; ok && idempotencyKey != "" {
		return ref, nil
	}
	ref := "re_sandbox_" + uuid.NewString()
	if idempotencyKey != "" {
		s.refunds[idempotencyKey] = ref
	}
	return ref, nil
}
