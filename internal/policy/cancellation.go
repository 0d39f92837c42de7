// Package policy enforces who may cancel a booking and when, and carries out
// an approved cancellation: refund first, then release the seats and cancel
// the booking in one transaction. A refund that fails changes nothing.
package policy

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
	"github.com/iliyamo/supper-club-booking/internal/lock"
	"github.com/iliyamo/supper-club-booking/internal/metrics"
	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/payment"
	"github.com/iliyamo/supper-club-booking/internal/queue"
	"github.com/iliyamo/supper-club-booking/internal/repository"
	"github.com/iliyamo/supper-club-booking/internal/retry"
)

// DefaultCutoff is how long before the event a booking can still be
// cancelled.
const DefaultCutoff = 24 * time.Hour

type Canceller struct {
	store     repository.Store
	ledger    *ledger.Ledger
	processor payment.Processor
	locker    lock.Locker
	publisher queue.Publisher
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
	retry     retry.Policy
	cutoff    time.Duration
}

type Deps struct {
	Store     repository.Store
	Ledger    *ledger.Ledger
	Processor payment.Processor
	Locker    lock.Locker
	Publisher queue.Publisher
	Clock     clock.Clock
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Retry     retry.Policy
	Cutoff    time.Duration
}

func New(d Deps) *Canceller {
	if d.Retry.Attempts == 0 {
		d.Retry = retry.Default
	}
	if d.Cutoff == 0 {
		d.Cutoff = DefaultCutoff
	}
	return &Canceller{
		store:     d.Store,
		ledger:    d.Ledger,
		processor: d.Processor,
		locker:    d.Locker,
		publisher: d.Publisher,
		clock:     d.Clock,
		log:       d.Log,
		metrics:   d.Metrics,
		retry:     d.Retry,
		cutoff:    d.Cutoff,
	}
}

// Evaluate decides whether req may cancel b for event ev at now. The window
// is closed once the time left before the event drops below cutoff.
func Evaluate(b model.Booking, ev model.Event, req model.Requester, now time.Time, cutoff time.Duration) error {
	if !req.CanAccess(b) {
		return fmt.Errorf("booking %d: %w", b.ID, apperr.ErrUnauthorized)
	}
	if !model.CanTransition(b.State, model.BookingCancelled) {
		return fmt.Errorf("booking %d is %s: %w", b.ID, b.State, apperr.ErrInvalidStateTransition)
	}
	if left := ev.StartsAt.Sub(now); left < cutoff {
		return fmt.Errorf("booking %d: %s before the event, cutoff %s: %w",
			b.ID, left.Truncate(time.Minute), cutoff, apperr.ErrWindowClosed)
	}
	return nil
}

// Cancel refunds and cancels a confirmed booking.
func (c *Canceller) Cancel(ctx context.Context, bookingID uint64, req model.Requester) (model.Booking, error) {
	const op = "policy.Cancel"
	log := c.log.With(slog.String("op", op), slog.Uint64("booking_id", bookingID), slog.Uint64("requester", req.UserID))

	b, err := c.cancel(ctx, log, bookingID, req)
	if err != nil {
		c.metrics.Cancellation(resultLabel(err))
		return model.Booking{}, fmt.Errorf("%s: %w", op, err)
	}
	c.metrics.Cancellation("ok")
	return b, nil
}

func (c *Canceller) cancel(ctx context.Context, log *slog.Logger, bookingID uint64, req model.Requester) (model.Booking, error) {
	release, err := c.locker.Acquire(ctx, "booking:"+strconv.FormatUint(bookingID, 10))
	if err != nil {
		return model.Booking{}, fmt.Errorf("lock: %w", err)
	}
	defer release()

	var (
		b  model.Booking
		ev model.Event
	)
	err = c.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		if b, err = tx.Bookings().Get(ctx, bookingID); err != nil {
			return err
		}
		ev, err = tx.Events().Get(ctx, b.EventID)
		return err
	})
	if err != nil {
		return model.Booking{}, err
	}
	if err := Evaluate(b, ev, req, c.clock.Now(), c.cutoff); err != nil {
		return model.Booking{}, err
	}
	if b.PaymentReference == "" {
		return model.Booking{}, fmt.Errorf("booking %d has no payment to refund: %w", b.ID, apperr.ErrInvalidStateTransition)
	}

	// A refund already recorded from a processor notification is not
	// requested again; only the seats and the state still need to follow.
	refundRef := b.RefundReference
	if refundRef == "" {
		err = retry.Do(ctx, c.policy("policy.refund"), func(ctx context.Context) error {
			var err error
			refundRef, err = c.processor.Refund(ctx, b.PaymentReference, "refund-booking-"+strconv.FormatUint(b.ID, 10))
			return err
		})
		if err != nil {
			log.Warn("refund failed, booking left unchanged", sl.Err(err))
			return model.Booking{}, err
		}
	} else {
		log.Info("booking already refunded, skipping refund", slog.String("refund_reference", refundRef))
	}

	// The refund is idempotent on its key, so if this transaction keeps
	// failing a retried cancellation gets the same refund back and finishes.
	err = retry.Do(ctx, c.policy("policy.cancel"), func(ctx context.Context) error {
		return c.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			cur, err := tx.Bookings().GetForUpdate(ctx, bookingID)
			if err != nil {
				return err
			}
			if _, err := c.ledger.ReleaseTx(ctx, tx, cur.HoldToken); err != nil {
				return err
			}
			if err := cur.TransitionTo(model.BookingCancelled, c.clock.Now()); err != nil {
				return err
			}
			if cur.RefundReference == "" {
				cur.RefundReference = refundRef
			}
			if err := tx.Bookings().Update(ctx, cur); err != nil {
				return err
			}
			b = cur
			return nil
		})
	})
	if err != nil {
		log.Error("refund issued but cancellation not recorded", slog.String("refund_reference", refundRef), sl.Err(err))
		return model.Booking{}, err
	}

	c.ledger.Changed(b.EventID)
	if c.publisher != nil {
		if err := c.publisher.Publish(context.WithoutCancel(ctx), queue.BookingEvents, queue.NewBookingEvent(b)); err != nil {
			log.Warn("booking event not published", sl.Err(err))
		}
	}
	log.Info("booking cancelled", slog.Int("seats", b.Seats), slog.String("refund_reference", b.RefundReference))
	return b, nil
}

func (c *Canceller) policy(op string) retry.Policy {
	p := c.retry
	p.OnRetry = func(attempt int, err error) {
		c.log.Warn("retrying", slog.String("op", op), slog.Int("attempt", attempt), sl.Err(err))
		c.metrics.Retry(op)(attempt, err)
	}
	return p
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, apperr.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, apperr.ErrInvalidStateTransition):
		return "invalid_state"
	case errors.Is(err, apperr.ErrWindowClosed):
		return "window_closed"
	case errors.Is(err, apperr.ErrNotFound):
		return "not_found"
	case errors.Is(err, apperr.ErrProcessorUnavailable), errors.Is(err, apperr.ErrProcessorRejected):
		return "refund_failed"
	}
	return "error"
}
