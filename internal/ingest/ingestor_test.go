package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
	"github.com/iliyamo/supper-club-booking/internal/clock"
	"github.com/iliyamo/supper-club-booking/internal/ledger"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
	"github.com/iliyamo/supper-club-booking/internal/lock"
	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/payment"
	"github.com/iliyamo/supper-club-booking/internal/queue"
	"github.com/iliyamo/supper-club-booking/internal/repository"
	"github.com/iliyamo/supper-club-booking/internal/repository/memory"
	"github.com/iliyamo/supper-club-booking/internal/retry"
)

var now = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type suite struct {
	ing       *Ingestor
	ledger    *ledger.Ledger
	store     *memory.Store
	published *queue.Memory
	event     model.Event
}

func newSuite(t *testing.T, maxSeats int) suite {
	t.Helper()
	st := memory.New()
	clk := clock.NewFake(now)
	fast := retry.Policy{Attempts: 3}
	l := ledger.New(st, clk, sl.Discard(), ledger.WithRetry(fast))
	pub := queue.NewMemory()
	ing := New(Deps{
		Store: st, Ledger: l, Locker: lock.NewLocal(), Publisher: pub,
		Clock: clk, Log: sl.Discard(), Retry: fast,
	})
	ev, err := l.CreateEvent(context.Background(), model.Event{
		Title: gofakeit.Sentence(3), StartsAt: now.Add(96 * time.Hour), PriceCents: 3000, MaxSeats: maxSeats,
	})
	require.NoError(t, err)
	return suite{ing: ing, ledger: l, store: st, published: pub, event: ev}
}

// pending creates a pending booking holding seats and carrying ref.
func (s suite) pending(t *testing.T, userID uint64, seats int, ref string) model.Booking {
	t.Helper()
	var b model.Booking
	require.NoError(t, s.store.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		hold, err := s.ledger.ReserveTx(ctx, tx, s.event.ID, seats)
		if err != nil {
			return err
		}
		b = model.Booking{
			EventID: s.event.ID, UserID: userID, Seats: seats, AmountCents: uint64(seats) * 3000,
			Currency: "usd", HoldToken: hold.Token, PaymentReference: ref,
			State: model.BookingPendingPayment, CreatedAt: now, UpdatedAt: now,
		}
		return tx.Bookings().Create(ctx, &b)
	}))
	return b
}

func (s suite) booking(t *testing.T, id uint64) model.Booking {
	t.Helper()
	var b model.Booking
	require.NoError(t, s.store.View(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		var err error
		b, err = tx.Bookings().Get(ctx, id)
		return err
	}))
	return b
}

func (s suite) counters(t *testing.T) model.Event {
	t.Helper()
	ev, err := s.ledger.Event(context.Background(), s.event.ID)
	require.NoError(t, err)
	require.LessOrEqual(t, ev.HeldSeats+ev.ConfirmedSeats, ev.MaxSeats)
	return ev
}

func note(id, ref string, o model.PaymentOutcome) payment.Notification {
	return payment.Notification{EventID: id, EventType: "test." + string(o), PaymentReference: ref, Outcome: o}
}

func TestApply_SucceededConfirms(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t, 6)
	b := s.pending(t, 1, 2, "pi_1")

	res, err := s.ing.Apply(ctx, note("evt_1", "pi_1", model.OutcomeSucceeded))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, model.IngestApplied, res.Event.Status)
	assert.Equal(t, b.ID, res.Event.BookingID)

	assert.Equal(t, model.BookingConfirmed, s.booking(t, b.ID).State)
	c := s.counters(t)
	assert.Equal(t, 0, c.HeldSeats)
	assert.Equal(t, 2, c.ConfirmedSeats)
	assert.Len(t, s.published.Messages(queue.BookingEvents), 1)
}

func TestApply_DuplicateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t, 6)
	b := s.pending(t, 1, 2, "pi_1")

	first, err := s.ing.Apply(ctx, note("evt_1", "pi_1", model.OutcomeSucceeded))
	require.NoError(t, err)
	second, err := s.ing.Apply(ctx, note("evt_1", "pi_1", model.OutcomeSucceeded))
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event, second.Event)
	assert.Equal(t, model.BookingConfirmed, s.booking(t, b.ID).State)
	assert.Equal(t, 2, s.counters(t).ConfirmedSeats)
	assert.Len(t, s.published.Messages(queue.BookingEvents), 1)
}

func TestApply_FailedThenSucceeded(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t, 6)
	b := s.pending(t, 1, 3, "pi_1")

	res, err := s.ing.Apply(ctx, note("evt_fail", "pi_1", model.OutcomeFailed))
	require.NoError(t, err)
	assert.Equal(t, model.IngestApplied, res.Event.Status)

	res, err = s.ing.Apply(ctx, note("evt_ok", "pi_1", model.OutcomeSucceeded))
	require.NoError(t, err)
	assert.Equal(t, model.IngestRejected, res.Event.Status)

	got := s.booking(t, b.ID)
	assert.Equal(t, model.BookingPaymentFailed, got.State)
	c := s.counters(t)
	assert.Equal(t, 0, c.HeldSeats)
	assert.Equal(t, 0, c.ConfirmedSeats)
	assert.Len(t, s.published.Messages(queue.PaymentReview), 1)
}

func TestApply_SucceededThenFailed(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t, 6)
	b := s.pending(t, 1, 3, "pi_1")

	_, err := s.ing.Apply(ctx, note("evt_ok", "pi_1", model.OutcomeSucceeded))
	require.NoError(t, err)
	res, err := s.ing.Apply(ctx, note("evt_fail", "pi_1", model.OutcomeFailed))
	require.NoError(t, err)
	assert.Equal(t, model.IngestRejected, res.Event.Status)

	assert.Equal(t, model.BookingConfirmed, s.booking(t, b.ID).State)
	c := s.counters(t)
	assert.Equal(t, 0, c.HeldSeats)
	assert.Equal(t, 3, c.ConfirmedSeats)
}

func TestApply_ConcurrentConflictingOutcomes(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		s := newSuite(t, 6)
		b := s.pending(t, 1, 2, "pi_race")

		var wg sync.WaitGroup
		results := make([]Result, 4)
		notes := []payment.Notification{
			note("evt_ok", "pi_race", model.OutcomeSucceeded),
			note("evt_fail", "pi_race", model.OutcomeFailed),
			note("evt_ok", "pi_race", model.OutcomeSucceeded),
			note("evt_fail", "pi_race", model.OutcomeFailed),
		}
		for j, n := range notes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := s.ing.Apply(ctx, n)
				assert.NoError(t, err)
				results[j] = res
			}()
		}
		wg.Wait()

		applied := 0
		for _, r := range results {
			if !r.Duplicate && r.Event.Status == model.IngestApplied {
				applied++
			}
		}
		assert.Equal(t, 1, applied)

		got := s.booking(t, b.ID)
		c := s.counters(t)
		switch got.State {
		case model.BookingConfirmed:
			assert.Equal(t, 2, c.ConfirmedSeats)
			assert.Equal(t, 0, c.HeldSeats)
		case model.BookingPaymentFailed:
			assert.Equal(t, 0, c.ConfirmedSeats+c.HeldSeats)
		default:
			t.Fatalf("unexpected state %s", got.State)
		}
	}
}

func TestApply_OrphanThenReconcile(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t, 6)

	res, err := s.ing.Apply(ctx, note("evt_early", "pi_late", model.OutcomeSucceeded))
	require.NoError(t, err)
	assert.Equal(t, model.IngestOrphaned, res.Event.Status)

	n, err := s.ing.ReconcileOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	b := s.pending(t, 1, 1, "pi_late")
	n, err = s.ing.ReconcileOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.BookingConfirmed, s.booking(t, b.ID).State)

	// The re-driven entry is now an ordinary duplicate.
	res, err = s.ing.Apply(ctx, note("evt_early", "pi_late", model.OutcomeSucceeded))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, model.IngestApplied, res.Event.Status)
}

func TestApply_OrphanRedelivery(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t, 6)

	_, err := s.ing.Apply(ctx, note("evt_1", "pi_1", model.OutcomeFailed))
	require.NoError(t, err)
	b := s.pending(t, 1, 2, "pi_1")

	res, err := s.ing.Apply(ctx, note("evt_1", "pi_1", model.OutcomeFailed))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, model.IngestApplied, res.Event.Status)
	assert.Equal(t, model.BookingPaymentFailed, s.booking(t, b.ID).State)
	assert.Equal(t, 6, s.counters(t).Available())
}

func TestApply_Refunded(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t, 6)
	pending := s.pending(t, 1, 1, "pi_pending")
	confirmed := s.pending(t, 2, 1, "pi_confirmed")
	_, err := s.ing.Apply(ctx, note("evt_ok", "pi_confirmed", model.OutcomeSucceeded))
	require.NoError(t, err)

	res, err := s.ing.Apply(ctx, note("evt_r1", "pi_pending", model.OutcomeRefunded))
	require.NoError(t, err)
	assert.Equal(t, model.IngestRejected, res.Event.Status)
	assert.Empty(t, s.booking(t, pending.ID).RefundReference)

	n := note("evt_r2", "pi_confirmed", model.OutcomeRefunded)
	n.RefundReference = "ch_123"
	res, err = s.ing.Apply(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, model.IngestApplied, res.Event.Status)
	got := s.booking(t, confirmed.ID)
	assert.Equal(t, "ch_123", got.RefundReference)
	assert.Equal(t, model.BookingConfirmed, got.State)

	n.EventID = "evt_r3"
	res, err = s.ing.Apply(ctx, n)
	require.NoError(t, err)
	assert.Equal(t, model.IngestNoop, res.Event.Status)
}

func TestApply_DisputeFlagged(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t, 6)
	b := s.pending(t, 1, 2, "pi_1")
	_, err := s.ing.Apply(ctx, note("evt_ok", "pi_1", model.OutcomeSucceeded))
	require.NoError(t, err)

	res, err := s.ing.Apply(ctx, note("evt_dp", "pi_1", model.OutcomeDisputed))
	require.NoError(t, err)
	assert.Equal(t, model.IngestFlagged, res.Event.Status)
	assert.Equal(t, model.BookingConfirmed, s.booking(t, b.ID).State)
	assert.Len(t, s.published.Messages(queue.PaymentReview), 1)
}

func TestApply_PersistenceConflictRetried(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t, 6)
	b := s.pending(t, 1, 2, "pi_1")

	s.store.InjectFault("payment_events.insert", repository.ErrConflict)
	res, err := s.ing.Apply(ctx, note("evt_1", "pi_1", model.OutcomeSucceeded))
	require.NoError(t, err)
	assert.Equal(t, model.IngestApplied, res.Event.Status)
	assert.Equal(t, model.BookingConfirmed, s.booking(t, b.ID).State)
	assert.Equal(t, 2, s.counters(t).ConfirmedSeats)
}

func TestApply_LogFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t, 6)
	b := s.pending(t, 1, 2, "pi_1")

	for i := 0; i < 3; i++ {
		s.store.InjectFault("payment_events.insert", repository.ErrConflict)
	}
	_, err := s.ing.Apply(ctx, note("evt_1", "pi_1", model.OutcomeSucceeded))
	require.ErrorIs(t, err, apperr.ErrPersistenceConflict)

	assert.Equal(t, model.BookingPendingPayment, s.booking(t, b.ID).State)
	assert.Equal(t, 2, s.counters(t).HeldSeats)

	res, err := s.ing.Apply(ctx, note("evt_1", "pi_1", model.OutcomeSucceeded))
	require.NoError(t, err)
	assert.Equal(t, model.IngestApplied, res.Event.Status)
}

func TestApply_InvalidNotification(t *testing.T) {
	s := newSuite(t, 6)
	_, err := s.ing.Apply(context.Background(), payment.Notification{EventID: "evt", Outcome: "paid"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestSyncEventID(t *testing.T) {
	assert.Equal(t, "sync:pi_1:succeeded", SyncEventID("pi_1", model.OutcomeSucceeded))
}
