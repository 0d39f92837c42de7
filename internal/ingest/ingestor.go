// Package ingest applies processor payment notifications exactly once.
// Delivery is at-least-once and unordered; the ingestion log keyed by the
// processor's event id turns redeliveries into lookups, and a per-reference
// lock serializes notifications about the same payment.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
	"github.com/iliyamo/supper-club-booking/internal/clock"
	"github.com/iliyamo/supper-club-booking/internal/ledger"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
	"github.com/iliyamo/supper-club-booking/internal/lock"
	"github.com/iliyamo/supper-club-booking/internal/metrics"
	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/payment"
	"github.com/iliyamo/supper-club-booking/internal/queue"
	"github.com/iliyamo/supper-club-booking/internal/repository"
	"github.com/iliyamo/supper-club-booking/internal/retry"
)

const reconcileBatch = 100

type Ingestor struct {
	store     repository.Store
	ledger    *ledger.Ledger
	locker    lock.Locker
	publisher queue.Publisher
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	retry     retry.Policy
}

type Deps struct {
	Store     repository.Store
	Ledger    *ledger.Ledger
	Locker    lock.Locker
	Publisher queue.Publisher
	Clock     clock.Clock
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Retry     retry.Policy
}

func New(d Deps) *Ingestor {
	if d.Retry.Attempts == 0 {
		d.Retry = retry.Default
	}
	return &Ingestor{
		store:     d.Store,
		ledger:    d.Ledger,
		locker:    d.Locker,
		publisher: d.Publisher,
		clock:     d.Clock,
		log:       d.Log,
		metrics:   d.Metrics,
		retry:     d.Retry,
	}
}

// Result is the recorded outcome of a notification. Duplicate is set when the
// event id had already been applied and Event is the earlier record.
type Result struct {
	Event     model.PaymentEvent `json:"event"`
	Duplicate bool               `json:"duplicate"`
}

// change carries what a committed application did, for the side effects
// that run after commit.
type change struct {
	booking     model.Booking
	ledgerMoved bool
}

// Apply records n in the ingestion log and applies its effect on the booking
// that carries n.PaymentReference. The log row is written last, in the same
// transaction as the ledger and booking changes.
func (s *Ingestor) Apply(ctx context.Context, n payment.Notification) (Result, error) {
	const op = "ingest.Apply"
	log := s.log.With(slog.String("op", op), slog.String("event_id", n.EventID),
		slog.String("payment_reference", n.PaymentReference), slog.String("outcome", string(n.Outcome)))

	if err := n.Validate(); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	// Redeliveries of applied events are answered without taking the lock.
	if pe, err := s.lookup(ctx, n.EventID); err == nil && pe.Status != model.IngestOrphaned {
		return s.duplicate(log, pe), nil
	}

	release, err := s.locker.Acquire(ctx, "payment:"+n.PaymentReference)
	if err != nil {
		return Result{}, fmt.Errorf("%s: lock: %w", op, err)
	}
	defer release()

	var (
		res Result
		chg change
	)
	err = retry.Do(ctx, s.policy(op), func(ctx context.Context) error {
		res, chg = Result{}, change{}
		return s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			res, chg, err = s.applyTx(ctx, tx, n)
			return err
		})
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// Another writer logged the event first.
		if pe, lerr := s.lookup(ctx, n.EventID); lerr == nil {
			return s.duplicate(log, pe), nil
		}
	}
	if err != nil {
		log.Error("failed to apply payment event", sl.Err(err))
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}
	if res.Duplicate {
		return s.duplicate(log, res.Event), nil
	}

	s.afterCommit(ctx, log, res.Event, chg)
	return res, nil
}

func (s *Ingestor) applyTx(ctx context.Context, tx repository.Tx, n payment.Notification) (Result, change, error) {
	now := s.clock.Now()
	prev, err := tx.PaymentEvents().Get(ctx, n.EventID)
	redrive := err == nil
	switch {
	case redrive && prev.Status != model.IngestOrphaned:
		return Result{Event: prev, Duplicate: true}, change{}, nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return Result{}, change{}, err
	}

	pe := model.PaymentEvent{
		EventID:          n.EventID,
		EventType:        n.EventType,
		PaymentReference: n.PaymentReference,
		RefundReference:  n.RefundReference,
		Outcome:          n.Outcome,
		ReceivedAt:       now,
		ProcessedAt:      now,
	}
	if redrive {
		pe.ReceivedAt = prev.ReceivedAt
		if pe.RefundReference == "" {
			pe.RefundReference = prev.RefundReference
		}
	}

	var chg change
	b, err := tx.Bookings().GetByPaymentReferenceForUpdate(ctx, n.PaymentReference)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		pe.Status = model.IngestOrphaned
		pe.Detail = "no booking carries this payment reference"
	case err != nil:
		return Result{}, change{}, err
	default:
		pe.BookingID = b.ID
		pe.Status, pe.Detail, chg, err = s.reduce(ctx, tx, b, pe)
		if err != nil {
			return Result{}, change{}, err
		}
	}

	if redrive {
		err = tx.PaymentEvents().Update(ctx, pe)
	} else {
		err = tx.PaymentEvents().Insert(ctx, pe)
	}
	if err != nil {
		return Result{}, change{}, err
	}
	return Result{Event: pe}, chg, nil
}

// reduce decides what the outcome means for a booking in its current state.
// The first terminal outcome wins; a later conflicting outcome is rejected
// and leaves the booking and ledger untouched.
func (s *Ingestor) reduce(ctx context.Context, tx repository.Tx, b model.Booking, pe model.PaymentEvent) (model.IngestStatus, string, change, error) {
	now := s.clock.Now()
	switch pe.Outcome {
	case model.OutcomeSucceeded:
		switch b.State {
		case model.BookingPendingPayment:
			if _, err := s.ledger.ConfirmTx(ctx, tx, b.HoldToken); err != nil {
				return "", "", change{}, err
			}
			if err := b.TransitionTo(model.BookingConfirmed, now); err != nil {
				return "", "", change{}, err
			}
			if err := tx.Bookings().Update(ctx, b); err != nil {
				return "", "", change{}, err
			}
			return model.IngestApplied, "booking confirmed", change{booking: b, ledgerMoved: true}, nil
		case model.BookingPaymentFailed:
			return model.IngestRejected, "payment succeeded after the booking failed; refund required", change{}, nil
		}
		return model.IngestNoop, "booking already " + string(b.State), change{}, nil

	case model.OutcomeFailed:
		switch b.State {
		case model.BookingPendingPayment:
			if _, err := s.ledger.ReleaseTx(ctx, tx, b.HoldToken); err != nil {
				return "", "", change{}, err
			}
			if err := b.TransitionTo(model.BookingPaymentFailed, now); err != nil {
				return "", "", change{}, err
			}
			b.FailureReason = "payment failed"
			if err := tx.Bookings().Update(ctx, b); err != nil {
				return "", "", change{}, err
			}
			return model.IngestApplied, "booking payment failed", change{booking: b, ledgerMoved: true}, nil
		case model.BookingPaymentFailed:
			return model.IngestNoop, "booking already payment_failed", change{}, nil
		}
		return model.IngestRejected, "payment failure after booking reached " + string(b.State), change{}, nil

	case model.OutcomeRefunded:
		if b.State != model.BookingConfirmed && b.State != model.BookingCancelled {
			return model.IngestRejected, "refund for booking in state " + string(b.State), change{}, nil
		}
		if b.RefundReference != "" {
			return model.IngestNoop, "refund already recorded", change{}, nil
		}
		b.RefundReference = pe.RefundReference
		if b.RefundReference == "" {
			b.RefundReference = pe.EventID
		}
		b.UpdatedAt = now
		if err := tx.Bookings().Update(ctx, b); err != nil {
			return "", "", change{}, err
		}
		return model.IngestApplied, "refund recorded", change{booking: b}, nil

	case model.OutcomeDisputed:
		return model.IngestFlagged, "dispute opened; manual review required", change{}, nil
	}
	return "", "", change{}, fmt.Errorf("outcome %q: %w", pe.Outcome, apperr.ErrInvalidInput)
}

func (s *Ingestor) afterCommit(ctx context.Context, log *slog.Logger, pe model.PaymentEvent, chg change) {
	s.metrics.PaymentEvent(string(pe.Outcome), string(pe.Status))
	log.Info("payment event recorded", slog.String("status", string(pe.Status)),
		slog.Uint64("booking_id", pe.BookingID), slog.String("detail", pe.Detail))

	if chg.ledgerMoved {
		s.ledger.Changed(chg.booking.EventID)
	}
	if s.publisher == nil {
		return
	}
	pubCtx := context.WithoutCancel(ctx)
	if chg.booking.ID != 0 {
		if err := s.publisher.Publish(pubCtx, queue.BookingEvents, queue.NewBookingEvent(chg.booking)); err != nil {
			log.Warn("booking event not published", sl.Err(err))
		}
	}
	if pe.Status == model.IngestRejected || pe.Status == model.IngestFlagged {
		flag := queue.ReviewFlag{
			PaymentEventID:   pe.EventID,
			PaymentReference: pe.PaymentReference,
			Outcome:          pe.Outcome,
			Status:           pe.Status,
			BookingID:        pe.BookingID,
			Detail:           pe.Detail,
			FlaggedAt:        pe.ProcessedAt,
		}
		if err := s.publisher.Publish(pubCtx, queue.PaymentReview, flag); err != nil {
			log.Warn("review flag not published", sl.Err(err))
		}
	}
}

func (s *Ingestor) duplicate(log *slog.Logger, pe model.PaymentEvent) Result {
	log.Info("duplicate payment event ignored", slog.String("status", string(pe.Status)), sl.Err(apperr.ErrDuplicateEvent))
	s.metrics.PaymentEvent(string(pe.Outcome), "duplicate")
	return Result{Event: pe, Duplicate: true}
}

// lookup returns the logged record of eventID.
func (s *Ingestor) lookup(ctx context.Context, eventID string) (model.PaymentEvent, error) {
	var pe model.PaymentEvent
	err := s.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		pe, err = tx.PaymentEvents().Get(ctx, eventID)
		return err
	})
	return pe, err
}

// ReconcileOrphans re-drives orphaned log entries. Entries whose booking now
// exists are applied; the rest stay orphaned. It returns how many entries
// left the orphaned state.
func (s *Ingestor) ReconcileOrphans(ctx context.Context) (int, error) {
	const op = "ingest.ReconcileOrphans"

	var orphans []model.PaymentEvent
	err := s.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		orphans, err = tx.PaymentEvents().ListOrphaned(ctx, reconcileBatch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	resolved := 0
	var errs []error
	for _, pe := range orphans {
		res, err := s.Apply(ctx, payment.Notification{
			EventID:          pe.EventID,
			EventType:        pe.EventType,
			PaymentReference: pe.PaymentReference,
			Outcome:          pe.Outcome,
			RefundReference:  pe.RefundReference,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res.Event.Status != model.IngestOrphaned {
			resolved++
		}
	}
	if err := errors.Join(errs...); err != nil {
		return resolved, fmt.Errorf("%s: %w", op, err)
	}
	return resolved, nil
}

// SyncEventID is the ingestion-log key of an outcome learned by asking the
// processor directly rather than from a notification.
func SyncEventID(reference string, o model.PaymentOutcome) string {
	return strings.Join([]string{"sync", reference, string(o)}, ":")
}

func (s *Ingestor) policy(op string) retry.Policy {
	p := s.retry
	p.OnRetry = func(attempt int, err error) {
		s.log.Warn("retrying", slog.String("op", op), slog.Int("attempt", attempt), sl.Err(err))
		s.metrics.Retry(op)(attempt, err)
	}
	return p
}
