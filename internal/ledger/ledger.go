// Package ledger is the capacity ledger: the only code that writes an event's
// held and confirmed seat counters. Every mutation locks the event row and
// commits through a version compare-and-swap, so concurrent callers racing for
// the last seats are serialized per event and never overbook.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
	"github.com/iliyamo/supper-club-booking/internal/clock"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
	"github.com/iliyamo/supper-club-booking/internal/metrics"
	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/repository"
	"github.com/iliyamo/supper-club-booking/internal/retry"
)

// DefaultHoldTTL matches the payment confirmation timeout.
const DefaultHoldTTL = 15 * time.Minute

const sweepBatch = 100

type Ledger struct {
	store    repository.Store
	clock    clock.Clock
	log      *slog.Logger
	metrics  *metrics.Metrics
	retry    retry.Policy
	holdTTL  time.Duration
	onChange func(eventID uint64)
}

type Option func(*Ledger)

func WithHoldTTL(d time.Duration) Option { return func(l *Ledger) { l.holdTTL = d } }

func WithRetry(p retry.Policy) Option { return func(l *Ledger) { l.retry = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

// WithOnChange registers a callback run after a commit that moved an event's
// counters. The engine uses it to drop cached availability.
func WithOnChange(fn func(eventID uint64)) Option { return func(l *Ledger) { l.onChange = fn } }

func New(store repository.Store, clk clock.Clock, log *slog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		clock:   clk,
		log:     log,
		retry:   retry.Default,
		holdTTL: DefaultHoldTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HoldTTL is the lifetime given to new holds.
func (l *Ledger) HoldTTL() time.Duration { return l.holdTTL }

// Changed reports that eventID's counters moved in a transaction that has now
// committed. Callers using the ...Tx forms invoke it after their commit.
func (l *Ledger) Changed(eventID uint64) {
	if l.onChange != nil {
		l.onChange(eventID)
	}
}

// Reserve holds seats on an event in its own transaction.
func (l *Ledger) Reserve(ctx context.Context, eventID uint64, seats int) (model.SeatHold, error) {
	const op = "ledger.Reserve"

	var hold model.SeatHold
	err := l.withRetry(ctx, op, func(ctx context.Context, tx repository.Tx) error {
		var err error
		hold, err = l.ReserveTx(ctx, tx, eventID, seats)
		return err
	})
	if err != nil {
		return model.SeatHold{}, fmt.Errorf("%s: %w", op, err)
	}
	l.Changed(eventID)
	return hold, nil
}

// ReserveTx checks capacity and increments the held counter under the event
// row lock, then records an active hold expiring after the hold TTL.
func (l *Ledger) ReserveTx(ctx context.Context, tx repository.Tx, eventID uint64, seats int) (model.SeatHold, error) {
	if seats < 1 {
		return model.SeatHold{}, fmt.Errorf("seats must be positive: %w", apperr.ErrInvalidInput)
	}
	ev, err := tx.Events().GetForUpdate(ctx, eventID)
	if err != nil {
		return model.SeatHold{}, fmt.Errorf("event %d: %w", eventID, err)
	}
	if seats > ev.Available() {
		return model.SeatHold{}, fmt.Errorf("event %d: %d requested, %d available: %w",
			eventID, seats, ev.Available(), apperr.ErrCapacityExceeded)
	}

	now := l.clock.Now()
	hold := model.SeatHold{
		Token:     uuid.NewString(),
		EventID:   eventID,
		Seats:     seats,
		State:     model.HoldActive,
		ExpiresAt: now.Add(l.holdTTL),
		CreatedAt: now,
		UpdatedAt: now,
	}
	ev.HeldSeats += seats
	if err := tx.Events().UpdateCounters(ctx, ev); err != nil {
		return model.SeatHold{}, err
	}
	if err := tx.Holds().Create(ctx, hold); err != nil {
		return model.SeatHold{}, err
	}
	return hold, nil
}

// Confirm moves a hold's seats from held to confirmed.
func (l *Ledger) Confirm(ctx context.Context, token string) (model.SeatHold, error) {
	const op = "ledger.Confirm"

	var hold model.SeatHold
	err := l.withRetry(ctx, op, func(ctx context.Context, tx repository.Tx) error {
		var err error
		hold, err = l.ConfirmTx(ctx, tx, token)
		return err
	})
	if err != nil {
		return model.SeatHold{}, fmt.Errorf("%s: %w", op, err)
	}
	l.Changed(hold.EventID)
	return hold, nil
}

// ConfirmTx is a no-op for an already confirmed hold. A released hold cannot
// be confirmed: its seats may already belong to someone else.
func (l *Ledger) ConfirmTx(ctx context.Context, tx repository.Tx, token string) (model.SeatHold, error) {
	hold, err := tx.Holds().GetForUpdate(ctx, token)
	if err != nil {
		return model.SeatHold{}, fmt.Errorf("hold %s: %w", token, err)
	}
	switch hold.State {
	case model.HoldConfirmed:
		return hold, nil
	case model.HoldReleased:
		return hold, fmt.Errorf("hold %s: %w", token, apperr.ErrHoldReleased)
	}

	ev, err := tx.Events().GetForUpdate(ctx, hold.EventID)
	if err != nil {
		return model.SeatHold{}, fmt.Errorf("event %d: %w", hold.EventID, err)
	}
	ev.HeldSeats -= hold.Seats
	ev.ConfirmedSeats += hold.Seats
	if err := tx.Events().UpdateCounters(ctx, ev); err != nil {
		return model.SeatHold{}, err
	}
	now := l.clock.Now()
	if err := tx.Holds().UpdateState(ctx, token, model.HoldConfirmed, now); err != nil {
		return model.SeatHold{}, err
	}
	hold.State = model.HoldConfirmed
	hold.UpdatedAt = now
	return hold, nil
}

// Release returns a hold's seats to availability.
func (l *Ledger) Release(ctx context.Context, token string) (model.SeatHold, error) {
	const op = "ledger.Release"

	var hold model.SeatHold
	err := l.withRetry(ctx, op, func(ctx context.Context, tx repository.Tx) error {
		var err error
		hold, err = l.ReleaseTx(ctx, tx, token)
		return err
	})
	if err != nil {
		return model.SeatHold{}, fmt.Errorf("%s: %w", op, err)
	}
	l.Changed(hold.EventID)
	return hold, nil
}

// ReleaseTx decrements whichever counter currently carries the hold's seats.
// Releasing an already released hold is a no-op.
func (l *Ledger) ReleaseTx(ctx context.Context, tx repository.Tx, token string) (model.SeatHold, error) {
	hold, err := tx.Holds().GetForUpdate(ctx, token)
	if err != nil {
		return model.SeatHold{}, fmt.Errorf("hold %s: %w", token, err)
	}
	if hold.State == model.HoldReleased {
		return hold, nil
	}

	ev, err := tx.Events().GetForUpdate(ctx, hold.EventID)
	if err != nil {
		return model.SeatHold{}, fmt.Errorf("event %d: %w", hold.EventID, err)
	}
	switch hold.State {
	case model.HoldActive:
		ev.HeldSeats -= hold.Seats
	case model.HoldConfirmed:
		ev.ConfirmedSeats -= hold.Seats
	}
	if err := tx.Events().UpdateCounters(ctx, ev); err != nil {
		return model.SeatHold{}, err
	}
	now := l.clock.Now()
	if err := tx.Holds().UpdateState(ctx, token, model.HoldReleased, now); err != nil {
		return model.SeatHold{}, err
	}
	hold.State = model.HoldReleased
	hold.UpdatedAt = now
	return hold, nil
}

// AvailableSeats returns maxSeats - heldSeats - confirmedSeats.
func (l *Ledger) AvailableSeats(ctx context.Context, eventID uint64) (int, error) {
	const op = "ledger.AvailableSeats"

	ev, err := l.Event(ctx, eventID)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return ev.Available(), nil
}

// Event reads an event's capacity record.
func (l *Ledger) Event(ctx context.Context, eventID uint64) (model.Event, error) {
	var ev model.Event
	err := l.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		ev, err = tx.Events().Get(ctx, eventID)
		return err
	})
	return ev, err
}

// CreateEvent registers a new capacity record with zeroed counters.
func (l *Ledger) CreateEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	const op = "ledger.CreateEvent"

	if ev.MaxSeats < 1 {
		return model.Event{}, fmt.Errorf("%s: max seats must be positive: %w", op, apperr.ErrInvalidInput)
	}
	ev.CreatedAt = l.clock.Now()
	err := l.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Events().Create(ctx, &ev)
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("%s: %w", op, err)
	}
	return ev, nil
}

// ExpireFunc releases one expired hold inside tx and reports whether it
// did. Callers that own rows tied to the hold lock those first and then call
// ReleaseExpiredTx, keeping the owner, hold, event lock order every other
// writer uses.
type ExpireFunc func(ctx context.Context, tx repository.Tx, hold model.SeatHold) (bool, error)

// ReleaseExpiredTx releases the hold if, under its row lock, it is still
// active and past its expiry.
func (l *Ledger) ReleaseExpiredTx(ctx context.Context, tx repository.Tx, token string) (bool, error) {
	cur, err := tx.Holds().GetForUpdate(ctx, token)
	if err != nil {
		return false, fmt.Errorf("hold %s: %w", token, err)
	}
	if cur.State != model.HoldActive || cur.ExpiresAt.After(l.clock.Now()) {
		return false, nil
	}
	if _, err := l.ReleaseTx(ctx, tx, token); err != nil {
		return false, err
	}
	return true, nil
}

// SweepExpired releases active holds whose expiry has passed, each in its
// own transaction through expire (ReleaseExpiredTx when nil). The state and
// expiry are re-checked under the row locks, so the sweep is safe to run
// alongside confirmations and on several processes at once. It returns the
// number of holds released.
func (l *Ledger) SweepExpired(ctx context.Context, expire ExpireFunc) (int, error) {
	const op = "ledger.SweepExpired"
	log := l.log.With(slog.String("op", op))

	if expire == nil {
		expire = func(ctx context.Context, tx repository.Tx, h model.SeatHold) (bool, error) {
			return l.ReleaseExpiredTx(ctx, tx, h.Token)
		}
	}

	now := l.clock.Now()
	var expired []model.SeatHold
	err := l.store.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		expired, err = tx.Holds().ListExpired(ctx, now, sweepBatch)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	released := 0
	var errs []error
	for _, h := range expired {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		did := false
		err := l.withRetry(ctx, op, func(ctx context.Context, tx repository.Tx) error {
			var err error
			did, err = expire(ctx, tx, h)
			return err
		})
		if err != nil {
			log.Error("failed to release expired hold", slog.String("token", h.Token), sl.Err(err))
			errs = append(errs, err)
			continue
		}
		if did {
			released++
			l.Changed(h.EventID)
			log.Info("released expired hold",
				slog.String("token", h.Token), slog.Uint64("event_id", h.EventID), slog.Int("seats", h.Seats))
		}
	}
	l.metrics.ExpiredHolds(released)
	if err := errors.Join(errs...); err != nil {
		return released, fmt.Errorf("%s: %w", op, err)
	}
	return released, nil
}

// withRetry runs fn in a transaction, retrying persistence conflicts.
func (l *Ledger) withRetry(ctx context.Context, op string, fn func(ctx context.Context, tx repository.Tx) error) error {
	p := l.retry
	p.OnRetry = func(attempt int, err error) {
		l.log.Warn("retrying after conflict", slog.String("op", op), slog.Int("attempt", attempt), sl.Err(err))
		l.metrics.Retry(op)(attempt, err)
	}
	return retry.Do(ctx, p, func(ctx context.Context) error {
		return l.store.WithinTx(ctx, fn)
	})
}
