// Package booking owns the lifecycle of a booking from reservation to a
// terminal state. Reservation is the sequence: hold seats and persist the
// pending booking (one transaction), create the payment intent, record its
// reference. A failure after the seats are held gives them back before the
// error is returned.
package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
	"github.com/iliyamo/supper-club-booking/internal/clock"
	"github.com/iliyamo/supper-club-booking/internal/ledger"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
	"github.com/iliyamo/supper-club-booking/internal/metrics"
	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/payment"
	"github.com/iliyamo/supper-club-booking/internal/queue"
	"github.com/iliyamo/supper-club-booking/internal/repository"
	"github.com/iliyamo/supper-club-booking/internal/retry"
)

const (
	reasonIntentFailed = "payment intent could not be created"
	reasonHoldExpired  = "payment not confirmed before the hold expired"
	completionBatch    = 100
)

type Service struct {
	store     repository.Store
	ledger    *ledger.Ledger
	processor payment.Processor
	publisher queue.Publisher
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	retry     retry.Policy
	currency  string
}

// Deps groups the collaborators of Service. Publisher and Metrics may be nil.
type Deps struct {
	Store     repository.Store
	Ledger    *ledger.Ledger
	Processor payment.Processor
	Publisher queue.Publisher
	Clock     clock.Clock
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Retry     retry.Policy
	Currency  string
}

func New(d Deps) *Service {
	if d.Currency == "" {
		d.Currency = "usd"
	}
	if d.Retry.Attempts == 0 {
		d.Retry = retry.Default
	}
	return &Service{
		store:     d.Store,
		ledger:    d.Ledger,
		processor: d.Processor,
		publisher: d.Publisher,
		clock:     d.Clock,
		log:       d.Log,
		metrics:   d.Metrics,
		retry:     d.Retry,
		currency:  d.Currency,
	}
}

// Reservation is the result of a successful reserve: the pending booking and
// the intent the client completes the payment with.
type Reservation struct {
	Booking model.Booking  `json:"booking"`
	Intent  payment.Intent `json:"payment"`
	Hold    model.SeatHold `json:"hold"`
}

// Reserve holds seats for the requester and starts the payment.
func (s *Service) Reserve(ctx context.Context, req model.Requester, eventID uint64, seats int) (Reservation, error) {
	const op = "booking.Reserve"
	log := s.log.With(slog.String("op", op), slog.Uint64("event_id", eventID), slog.Uint64("user_id", req.UserID))

	res, err := s.reserve(ctx, log, req, eventID, seats)
	if err != nil {
		s.metrics.Reservation(resultLabel(err))
		return Reservation{}, fmt.Errorf("%s: %w", op, err)
	}
	s.metrics.Reservation("ok")
	return res, nil
}

func (s *Service) reserve(ctx context.Context, log *slog.Logger, req model.Requester, eventID uint64, seats int) (Reservation, error) {
	if req.UserID == 0 {
		return Reservation{}, apperr.ErrUnauthorized
	}
	if seats < 1 {
		return Reservation{}, fmt.Errorf("seats must be at least 1: %w", apperr.ErrInvalidInput)
	}

	var (
		b    model.Booking
		hold model.SeatHold
	)
	// Holding the seats and persisting the booking share one transaction:
	// if the booking cannot be written the hold is rolled back with it.
	err := s.withRetry(ctx, "booking.persist", func(ctx context.Context, tx repository.Tx) error {
		if active, err := tx.Bookings().FindActive(ctx, req.UserID, eventID); err == nil {
			return fmt.Errorf("booking %d: %w", active.ID, apperr.ErrDuplicateBooking)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		ev, err := tx.Events().Get(ctx, eventID)
		if err != nil {
			return fmt.Errorf("event %d: %w", eventID, err)
		}
		now := s.clock.Now()
		if !ev.StartsAt.After(now) {
			return fmt.Errorf("event %d already started: %w", eventID, apperr.ErrInvalidInput)
		}
		hold, err = s.ledger.ReserveTx(ctx, tx, eventID, seats)
		if err != nil {
			return err
		}
		b = model.Booking{
			EventID:     eventID,
			UserID:      req.UserID,
			Seats:       seats,
			AmountCents: uint64(ev.PriceCents) * uint64(seats),
			Currency:    s.currency,
			HoldToken:   hold.Token,
			State:       model.BookingPendingPayment,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return tx.Bookings().Create(ctx, &b)
	})
	if err != nil {
		return Reservation{}, err
	}
	s.ledger.Changed(eventID)
	log = log.With(slog.Uint64("booking_id", b.ID))

	var intent payment.Intent
	err = retry.Do(ctx, s.policy("booking.create_intent"), func(ctx context.Context) error {
		var err error
		intent, err = s.processor.CreateIntent(ctx, payment.IntentRequest{
			AmountCents:    b.AmountCents,
			Currency:       b.Currency,
			IdempotencyKey: "intent-booking-" + strconv.FormatUint(b.ID, 10),
			Metadata: map[string]string{
				"booking_id": strconv.FormatUint(b.ID, 10),
				"event_id":   strconv.FormatUint(b.EventID, 10),
				"user_id":    strconv.FormatUint(b.UserID, 10),
				"seats":      strconv.Itoa(b.Seats),
			},
		})
		return err
	})
	if err != nil {
		log.Error("payment intent failed, releasing seats", sl.Err(err))
		s.abandon(ctx, log, b.ID, reasonIntentFailed)
		return Reservation{}, err
	}

	err = s.withRetry(ctx, "booking.record_reference", func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.Bookings().GetForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}
		cur.PaymentReference = intent.Reference
		cur.UpdatedAt = s.clock.Now()
		if err := tx.Bookings().Update(ctx, cur); err != nil {
			return err
		}
		b = cur
		return nil
	})
	if err != nil {
		log.Error("recording payment reference failed, releasing seats", sl.Err(err))
		s.abandon(ctx, log, b.ID, reasonIntentFailed)
		return Reservation{}, err
	}

	log.Info("booking reserved", slog.Int("seats", seats), slog.String("payment_reference", intent.Reference))
	return Reservation{Booking: b, Intent: intent, Hold: hold}, nil
}

// abandon is the compensating action for a reservation whose payment could
// not be started: the hold is released and the booking fails. Errors are
// logged; the expiry sweep releases the hold if this does not.
func (s *Service) abandon(ctx context.Context, log *slog.Logger, bookingID uint64, reason string) {
	ctx = context.WithoutCancel(ctx)
	var b model.Booking
	err := s.withRetry(ctx, "booking.abandon", func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.Bookings().GetForUpdate(ctx, bookingID)
		if err != nil {
			return err
		}
		if cur.State != model.BookingPendingPayment {
			b = model.Booking{}
			return nil
		}
		if _, err := s.ledger.ReleaseTx(ctx, tx, cur.HoldToken); err != nil {
			return err
		}
		if err := cur.TransitionTo(model.BookingPaymentFailed, s.clock.Now()); err != nil {
			return err
		}
		cur.FailureReason = reason
		b = cur
		return tx.Bookings().Update(ctx, cur)
	})
	if err != nil {
		log.Error("compensation failed", sl.Err(err))
		return
	}
	if b.ID != 0 {
		s.ledger.Changed(b.EventID)
		s.Publish(ctx, b)
	}
}

// Get returns a booking the requester may see.
func (s *Service) Get(ctx context.Context, req model.Requester, id uint64) (model.Booking, error) {
	const op = "booking.Get"

	var b model.Booking
	err := s.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		b, err = tx.Bookings().Get(ctx, id)
		return err
	})
	if err != nil {
		return model.Booking{}, fmt.Errorf("%s: %w", op, err)
	}
	if !req.CanAccess(b) {
		return model.Booking{}, fmt.Errorf("%s: booking %d: %w", op, id, apperr.ErrUnauthorized)
	}
	return b, nil
}

// List returns userID's bookings, newest first. Zero means the requester;
// only an elevated requester may list someone else's.
func (s *Service) List(ctx context.Context, req model.Requester, userID uint64) ([]model.Booking, error) {
	const op = "booking.List"

	if userID == 0 {
		userID = req.UserID
	}
	if userID != req.UserID && !req.Elevated() {
		return nil, fmt.Errorf("%s: bookings of user %d: %w", op, userID, apperr.ErrUnauthorized)
	}

	var out []model.Booking
	err := s.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		out, err = tx.Bookings().ListByUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

// ExpireHold is the ledger sweep callback. The booking row is locked before
// the hold and event rows, the order reservation, ingestion and cancellation
// use, and a pending booking fails in the transaction that releases its
// seats. failedID is the booking that moved to payment_failed, if any.
func (s *Service) ExpireHold(ctx context.Context, tx repository.Tx, hold model.SeatHold) (released bool, failedID uint64, err error) {
	b, err := tx.Bookings().GetByHoldTokenForUpdate(ctx, hold.Token)
	if errors.Is(err, repository.ErrNotFound) {
		released, err = s.ledger.ReleaseExpiredTx(ctx, tx, hold.Token)
		return released, 0, err
	}
	if err != nil {
		return false, 0, err
	}
	if released, err = s.ledger.ReleaseExpiredTx(ctx, tx, hold.Token); err != nil || !released {
		return released, 0, err
	}
	if b.State != model.BookingPendingPayment {
		return true, 0, nil
	}
	if err := b.TransitionTo(model.BookingPaymentFailed, s.clock.Now()); err != nil {
		return false, 0, err
	}
	b.FailureReason = reasonHoldExpired
	if err := tx.Bookings().Update(ctx, b); err != nil {
		return false, 0, err
	}
	return true, b.ID, nil
}

// SweepExpiredHolds releases expired holds and fails their bookings.
func (s *Service) SweepExpiredHolds(ctx context.Context) (int, error) {
	const op = "booking.SweepExpiredHolds"

	var expired []uint64
	n, err := s.ledger.SweepExpired(ctx, func(ctx context.Context, tx repository.Tx, hold model.SeatHold) (bool, error) {
		released, id, err := s.ExpireHold(ctx, tx, hold)
		if err == nil && id != 0 {
			expired = append(expired, id)
		}
		return released, err
	})
	s.publishFailed(ctx, expired)
	if err != nil {
		return n, fmt.Errorf("%s: %w", op, err)
	}
	return n, nil
}

// publishFailed re-reads the bookings after commit and announces those that
// really ended in payment_failed.
func (s *Service) publishFailed(ctx context.Context, ids []uint64) {
	seen := map[uint64]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		var b model.Booking
		err := s.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
			var err error
			b, err = tx.Bookings().Get(ctx, id)
			return err
		})
		if err == nil && b.State == model.BookingPaymentFailed {
			s.Publish(ctx, b)
		}
	}
}

// CompleteFinished moves confirmed bookings of events that started at least
// grace ago to completed. It returns how many bookings it completed.
func (s *Service) CompleteFinished(ctx context.Context, grace time.Duration) (int, error) {
	const op = "booking.CompleteFinished"
	log := s.log.With(slog.String("op", op))

	cutoff := s.clock.Now().Add(-grace)
	var due []model.Booking
	err := s.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		due, err = tx.Bookings().ListConfirmedStartedBefore(ctx, cutoff, completionBatch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	done := 0
	var errs []error
	for _, d := range due {
		var b model.Booking
		err := s.withRetry(ctx, op, func(ctx context.Context, tx repository.Tx) error {
			b = model.Booking{}
			cur, err := tx.Bookings().GetForUpdate(ctx, d.ID)
			if err != nil {
				return err
			}
			if cur.State != model.BookingConfirmed {
				return nil
			}
			if err := cur.TransitionTo(model.BookingCompleted, s.clock.Now()); err != nil {
				return err
			}
			b = cur
			return tx.Bookings().Update(ctx, cur)
		})
		if err != nil {
			log.Error("failed to complete booking", slog.Uint64("booking_id", d.ID), sl.Err(err))
			errs = append(errs, err)
			continue
		}
		if b.ID != 0 {
			done++
			s.Publish(ctx, b)
		}
	}
	s.metrics.Completed(done)
	if err := errors.Join(errs...); err != nil {
		return done, fmt.Errorf("%s: %w", op, err)
	}
	return done, nil
}

// Publish announces a committed booking change. Failures are logged only:
// the booking row is the source of truth.
func (s *Service) Publish(ctx context.Context, b model.Booking) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), queue.BookingEvents, queue.NewBookingEvent(b)); err != nil {
		s.log.Warn("booking event not published", slog.Uint64("booking_id", b.ID), sl.Err(err))
	}
}

func (s *Service) policy(op string) retry.Policy {
	p := s.retry
	p.OnRetry = func(attempt int, err error) {
		s.log.Warn("retrying", slog.String("op", op), slog.Int("attempt", attempt), sl.Err(err))
		s.metrics.Retry(op)(attempt, err)
	}
	return p
}

func (s *Service) withRetry(ctx context.Context, op string, fn func(ctx context.Context, tx repository.Tx) error) error {
	return retry.Do(ctx, s.policy(op), func(ctx context.Context) error {
		return s.store.WithinTx(ctx, fn)
	})
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, apperr.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, apperr.ErrDuplicateBooking):
		return "duplicate"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrInvalidInput), errors.Is(err, apperr.ErrUnauthorized):
		return "invalid"
	case errors.Is(err, apperr.ErrProcessorUnavailable), errors.Is(err, apperr.ErrProcessorRejected):
		return "processor_error"
	}
	return "error"
}
