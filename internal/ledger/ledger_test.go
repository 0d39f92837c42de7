package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
	"github.com/iliyamo/supper-club-booking/internal/clock"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/repository"
	"github.com/iliyamo/supper-club-booking/internal/repository/memory"
	"github.com/iliyamo/supper-club-booking/internal/retry"
)

var start = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type fixture struct {
	ledger *Ledger
	store  *memory.Store
	clock  *clock.Fake
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := memory.New()
	clk := clock.NewFake(start)
	l := New(st, clk, sl.Discard(),
		WithHoldTTL(10*time.Minute),
		WithRetry(retry.Policy{Attempts: 3}),
	)
	return fixture{ledger: l, store: st, clock: clk}
}

func (f fixture) event(t *testing.T, maxSeats int) model.Event {
	t.Helper()
	ev, err := f.ledger.CreateEvent(context.Background(), model.Event{
		Title:      gofakeit.Sentence(3),
		StartsAt:   start.Add(72 * time.Hour),
		PriceCents: 4500,
		MaxSeats:   maxSeats,
	})
	require.NoError(t, err)
	return ev
}

func (f fixture) counters(t *testing.T, id uint64) model.Event {
	t.Helper()
	ev, err := f.ledger.Event(context.Background(), id)
	require.NoError(t, err)
	assert.LessOrEqual(t, ev.HeldSeats+ev.ConfirmedSeats, ev.MaxSeats)
	assert.GreaterOrEqual(t, ev.HeldSeats, 0)
	assert.GreaterOrEqual(t, ev.ConfirmedSeats, 0)
	return ev
}

func TestReserve_ConfirmedFiveOfSix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, 6)

	h, err := f.ledger.Reserve(ctx, ev.ID, 5)
	require.NoError(t, err)
	_, err = f.ledger.Confirm(ctx, h.Token)
	require.NoError(t, err)

	_, err = f.ledger.Reserve(ctx, ev.ID, 2)
	require.ErrorIs(t, err, apperr.ErrCapacityExceeded)

	_, err = f.ledger.Reserve(ctx, ev.ID, 1)
	require.NoError(t, err)

	avail, err := f.ledger.AvailableSeats(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, avail)

	got := f.counters(t, ev.ID)
	assert.Equal(t, 5, got.ConfirmedSeats)
	assert.Equal(t, 1, got.HeldSeats)
}

func TestReserve_ConcurrentExactlyKSucceed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const k, n = 4, 25
	ev := f.event(t, k)

	var ok, full atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.Reserve(ctx, ev.ID, 1)
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, apperr.ErrCapacityExceeded):
				full.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(k), ok.Load())
	assert.Equal(t, int32(n-k), full.Load())
	got := f.counters(t, ev.ID)
	assert.Equal(t, k, got.HeldSeats)
}

// The optimistic store lets the transactions overlap, so reservations race
// on the event version and losers go through the conflict retry.
func TestReserve_ConcurrentVersionContention(t *testing.T) {
	ctx := context.Background()
	st := memory.NewOptimistic()
	l := New(st, clock.NewFake(start), sl.Discard(), WithRetry(retry.Policy{Attempts: 100}))
	const k, n = 5, 20
	ev, err := l.CreateEvent(ctx, model.Event{Title: gofakeit.Sentence(3), StartsAt: start.Add(72 * time.Hour), MaxSeats: k})
	require.NoError(t, err)

	var ok, full atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Reserve(ctx, ev.ID, 1)
			switch {
			case err == nil:
				ok.Add(1)
			case assert.ErrorIs(t, err, apperr.ErrCapacityExceeded):
				full.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(k), ok.Load())
	assert.Equal(t, int32(n-k), full.Load())
	got, err := l.Event(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, k, got.HeldSeats)
	assert.Equal(t, uint64(k), got.Version)
}

func TestReserve_InvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, 6)

	_, err := f.ledger.Reserve(ctx, ev.ID, 0)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.ledger.Reserve(ctx, ev.ID+100, 1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestReserve_RetriesConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, 6)

	f.store.InjectFault("events.update_counters", repository.ErrConflict)
	h, err := f.ledger.Reserve(ctx, ev.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, model.HoldActive, h.State)
	assert.Equal(t, 2, f.counters(t, ev.ID).HeldSeats)
}

func TestReserve_ConflictExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, 6)

	for i := 0; i < 3; i++ {
		f.store.InjectFault("events.update_counters", repository.ErrConflict)
	}
	_, err := f.ledger.Reserve(ctx, ev.ID, 2)
	require.ErrorIs(t, err, apperr.ErrPersistenceConflict)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 0, f.counters(t, ev.ID).HeldSeats)
}

func TestConfirm_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, 6)

	h, err := f.ledger.Reserve(ctx, ev.ID, 3)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		got, err := f.ledger.Confirm(ctx, h.Token)
		require.NoError(t, err)
		assert.Equal(t, model.HoldConfirmed, got.State)
	}
	c := f.counters(t, ev.ID)
	assert.Equal(t, 0, c.HeldSeats)
	assert.Equal(t, 3, c.ConfirmedSeats)
}

func TestRelease_HeldAndConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, 6)

	held, err := f.ledger.Reserve(ctx, ev.ID, 2)
	require.NoError(t, err)
	conf, err := f.ledger.Reserve(ctx, ev.ID, 3)
	require.NoError(t, err)
	_, err = f.ledger.Confirm(ctx, conf.Token)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = f.ledger.Release(ctx, held.Token)
		require.NoError(t, err)
		_, err = f.ledger.Release(ctx, conf.Token)
		require.NoError(t, err)
	}
	c := f.counters(t, ev.ID)
	assert.Equal(t, 0, c.HeldSeats)
	assert.Equal(t, 0, c.ConfirmedSeats)
	assert.Equal(t, 6, c.Available())
}

func TestConfirm_AfterRelease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, 6)

	h, err := f.ledger.Reserve(ctx, ev.ID, 1)
	require.NoError(t, err)
	_, err = f.ledger.Release(ctx, h.Token)
	require.NoError(t, err)

	_, err = f.ledger.Confirm(ctx, h.Token)
	require.ErrorIs(t, err, apperr.ErrHoldReleased)
	assert.Equal(t, 0, f.counters(t, ev.ID).ConfirmedSeats)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, 2)

	old, err := f.ledger.Reserve(ctx, ev.ID, 2)
	require.NoError(t, err)
	_, err = f.ledger.Reserve(ctx, ev.ID, 1)
	require.ErrorIs(t, err, apperr.ErrCapacityExceeded)

	// Not expired yet.
	f.clock.Advance(9 * time.Minute)
	n, err := f.ledger.SweepExpired(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(time.Minute)
	var seen []string
	n, err = f.ledger.SweepExpired(ctx, func(ctx context.Context, tx repository.Tx, h model.SeatHold) (bool, error) {
		seen = append(seen, h.Token)
		return f.ledger.ReleaseExpiredTx(ctx, tx, h.Token)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{old.Token}, seen)

	_, err = f.ledger.Reserve(ctx, ev.ID, 2)
	require.NoError(t, err)

	// A second sweep over the same hold does nothing.
	n, err = f.ledger.SweepExpired(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepExpired_SkipsConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, 4)

	h, err := f.ledger.Reserve(ctx, ev.ID, 2)
	require.NoError(t, err)
	_, err = f.ledger.Confirm(ctx, h.Token)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	n, err := f.ledger.SweepExpired(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, f.counters(t, ev.ID).ConfirmedSeats)
}

func TestSweepExpired_CallbackFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ev := f.event(t, 4)

	_, err := f.ledger.Reserve(ctx, ev.ID, 2)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	n, err := f.ledger.SweepExpired(ctx, func(ctx context.Context, tx repository.Tx, h model.SeatHold) (bool, error) {
		if _, err := f.ledger.ReleaseExpiredTx(ctx, tx, h.Token); err != nil {
			return false, err
		}
		return false, apperr.ErrInvalidStateTransition
	})
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, f.counters(t, ev.ID).HeldSeats)
}

func TestOnChange(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	var changed []uint64
	l := New(st, clock.NewFake(start), sl.Discard(), WithOnChange(func(id uint64) { changed = append(changed, id) }))
	ev, err := l.CreateEvent(ctx, model.Event{Title: "x", StartsAt: start, MaxSeats: 2})
	require.NoError(t, err)

	h, err := l.Reserve(ctx, ev.ID, 1)
	require.NoError(t, err)
	_, err = l.Release(ctx, h.Token)
	require.NoError(t, err)
	assert.Equal(t, []uint64{ev.ID, ev.ID}, changed)
}
