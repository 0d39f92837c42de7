package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/repository"
)

func TestWithinTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()

	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		e := &model.Event{Title: "Dinner", MaxSeats: 6, StartsAt: time.Now()}
		require.NoError(t, tx.Events().Create(ctx, e))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		_, err := tx.Events().Get(ctx, 1)
		return err
	})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateCounters_VersionAndCapacity(t *testing.T) {
	ctx := context.Background()
	s := New()

	var ev model.Event
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		ev = model.Event{Title: "Dinner", MaxSeats: 4, StartsAt: time.Now()}
		return tx.Events().Create(ctx, &ev)
	}))

	err := s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		next := ev
		next.HeldSeats = 5
		return tx.Events().UpdateCounters(ctx, next)
	})
	assert.ErrorIs(t, err, repository.ErrConflict)

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		next := ev
		next.HeldSeats = 2
		return tx.Events().UpdateCounters(ctx, next)
	}))

	// Stale version.
	err = s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		next := ev
		next.HeldSeats = 1
		return tx.Events().UpdateCounters(ctx, next)
	})
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestInjectFault_OneShot(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.InjectFault("bookings.create", repository.ErrConflict)

	create := func() error {
		return s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			return tx.Bookings().Create(ctx, &model.Booking{EventID: 1, UserID: 1, Seats: 1})
		})
	}
	assert.ErrorIs(t, create(), repository.ErrConflict)
	assert.NoError(t, create())
}

func TestBookingUpdate_PaymentReferenceImmutable(t *testing.T) {
	ctx := context.Background()
	s := New()
	b := &model.Booking{EventID: 1, UserID: 1, Seats: 1, State: model.BookingPendingPayment}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.Bookings().Create(ctx, b); err != nil {
			return err
		}
		b.PaymentReference = "pi_first"
		return tx.Bookings().Update(ctx, *b)
	}))
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		b.PaymentReference = "pi_second"
		return tx.Bookings().Update(ctx, *b)
	}))

	var got model.Booking
	require.NoError(t, s.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		got, err = tx.Bookings().Get(ctx, b.ID)
		return err
	}))
	assert.Equal(t, "pi_first", got.PaymentReference)
}

func TestUsers_DuplicateEmail(t *testing.T) {
	ctx := context.Background()
	u := NewUsers()
	_, err := u.Create(ctx, "Ada@Example.com", "hash", model.RoleCustomer)
	require.NoError(t, err)
	_, err = u.Create(ctx, " ada@example.com", "hash", model.RoleCustomer)
	assert.ErrorIs(t, err, repository.ErrEmailExists)

	got, err := u.GetByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, model.RoleCustomer, got.Role)
}

func createEvent(t *testing.T, s *Store, maxSeats int) model.Event {
	t.Helper()
	var ev model.Event
	require.NoError(t, s.WithinTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		ev = model.Event{Title: "Dinner", MaxSeats: maxSeats, StartsAt: time.Now()}
		return tx.Events().Create(ctx, &ev)
	}))
	return ev
}

func TestOptimistic_UpdateCountersLosesToConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	s := NewOptimistic()
	ev := createEvent(t, s, 4)

	locked := make(chan struct{})
	resume := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			cur, err := tx.Events().GetForUpdate(ctx, ev.ID)
			if err != nil {
				return err
			}
			close(locked)
			<-resume
			cur.HeldSeats = 1
			return tx.Events().UpdateCounters(ctx, cur)
		})
	}()

	<-locked
	// Another writer commits between the read and the compare-and-swap.
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.Events().GetForUpdate(ctx, ev.ID)
		if err != nil {
			return err
		}
		cur.HeldSeats = 3
		return tx.Events().UpdateCounters(ctx, cur)
	}))
	close(resume)

	require.ErrorIs(t, <-done, repository.ErrConflict)

	var got model.Event
	require.NoError(t, s.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		got, err = tx.Events().Get(ctx, ev.ID)
		return err
	}))
	assert.Equal(t, 3, got.HeldSeats)
	assert.Equal(t, uint64(1), got.Version)
}

func TestOptimistic_CommitRejectsStaleLockedRow(t *testing.T) {
	ctx := context.Background()
	s := NewOptimistic()
	b := &model.Booking{EventID: 1, UserID: 1, Seats: 1, State: model.BookingConfirmed}
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return tx.Bookings().Create(ctx, b)
	}))

	locked := make(chan struct{})
	resume := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			cur, err := tx.Bookings().GetForUpdate(ctx, b.ID)
			if err != nil {
				return err
			}
			close(locked)
			<-resume
			cur.RefundReference = "re_late"
			return tx.Bookings().Update(ctx, cur)
		})
	}()

	<-locked
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.Bookings().GetForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}
		cur.State = model.BookingCancelled
		return tx.Bookings().Update(ctx, cur)
	}))
	close(resume)

	require.ErrorIs(t, <-done, repository.ErrConflict)
	var got model.Booking
	require.NoError(t, s.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		got, err = tx.Bookings().Get(ctx, b.ID)
		return err
	}))
	assert.Equal(t, model.BookingCancelled, got.State)
	assert.Empty(t, got.RefundReference)
}

func TestOptimistic_UnrelatedRowsCommitInParallel(t *testing.T) {
	ctx := context.Background()
	s := NewOptimistic()
	a := createEvent(t, s, 4)
	b := createEvent(t, s, 4)

	locked := make(chan struct{})
	resume := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
			cur, err := tx.Events().GetForUpdate(ctx, a.ID)
			if err != nil {
				return err
			}
			close(locked)
			<-resume
			cur.HeldSeats = 2
			return tx.Events().UpdateCounters(ctx, cur)
		})
	}()

	<-locked
	// A transaction on another event is not blocked by the open one.
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		cur, err := tx.Events().GetForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}
		cur.ConfirmedSeats = 4
		return tx.Events().UpdateCounters(ctx, cur)
	}))
	close(resume)
	require.NoError(t, <-done)

	require.NoError(t, s.View(ctx, func(ctx context.Context, tx repository.Tx) error {
		ea, err := tx.Events().Get(ctx, a.ID)
		require.NoError(t, err)
		eb, err := tx.Events().Get(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, ea.HeldSeats)
		assert.Equal(t, 4, eb.ConfirmedSeats)
		return nil
	}))
}
