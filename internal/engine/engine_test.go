package engine

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
	"github.com/iliyamo/supper-club-booking/internal/config"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
	"github.com/iliyamo/supper-club-booking/internal/lock"
	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/payment"
	"github.com/iliyamo/supper-club-booking/internal/queue"
	"github.com/iliyamo/supper-club-booking/internal/repository/memory"
	"github.com/iliyamo/supper-club-booking/internal/retry"
)

var now = time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC)

var admin = model.Requester{UserID: 1, Role: model.RoleAdmin}

type suite struct {
	engine    *Engine
	processor *payment.Sandbox
	published *queue.Memory
	clock     *clock.Fake

	mu      sync.Mutex
	changed []uint64
}

func newSuite(t *testing.T) *suite {
	t.Helper()
	s := &suite{
		processor: payment.NewSandbox(),
		published: queue.NewMemory(),
		clock:     clock.NewFake(now),
	}
	s.engine = New(Deps{
		Store:     memory.New(),
		Processor: s.processor,
		Locker:    lock.NewLocal(),
		Publisher: s.published,
		Clock:     s.clock,
		Log:       sl.Discard(),
		Retry:     retry.Policy{Attempts: 3},
		Booking: config.BookingConfig{
			HoldTTL:         15 * time.Minute,
			CancelCutoff:    24 * time.Hour,
			SweepInterval:   10 * time.Millisecond,
			CompletionGrace: 3 * time.Hour,
			MinSeats:        2,
			MaxSeats:        12,
		},
		Currency: "usd",
		OnChange: func(eventID uint64) {
			s.mu.Lock()
			s.changed = append(s.changed, eventID)
			s.mu.Unlock()
		},
	})
	return s
}

func (s *suite) event(t *testing.T, maxSeats int, startsIn time.Duration) model.Event {
	t.Helper()
	ev, err := s.engine.CreateEvent(context.Background(), admin, model.Event{
		Title:      gofakeit.Sentence(3),
		StartsAt:   now.Add(startsIn),
		PriceCents: 6500,
		MaxSeats:   maxSeats,
	})
	require.NoError(t, err)
	return ev
}

func (s *suite) available(t *testing.T, eventID uint64) int {
	t.Helper()
	n, err := s.engine.AvailableSeats(context.Background(), eventID)
	require.NoError(t, err)
	return n
}

func customer(id uint64) model.Requester {
	return model.Requester{UserID: id, Role: model.RoleCustomer}
}

func TestEngine_ReserveConfirmCancel(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t)
	ev := s.event(t, 6, 48*time.Hour)

	a, err := s.engine.ReserveBooking(ctx, customer(10), ev.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, model.BookingPendingPayment, a.Booking.State)
	assert.Equal(t, 2, s.available(t, ev.ID))

	_, err = s.engine.ReserveBooking(ctx, customer(11), ev.ID, 3)
	require.ErrorIs(t, err, apperr.ErrCapacityExceeded)
	assert.Equal(t, 2, s.available(t, ev.ID))

	b, err := s.engine.ConfirmBookingPayment(ctx, customer(10), a.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, b.State)
	assert.Equal(t, 2, s.available(t, ev.ID))

	// The webhook for the same payment arrives later and changes nothing.
	res, err := s.engine.IngestPaymentNotification(ctx, payment.Notification{
		EventID:          "evt_" + gofakeit.UUID(),
		EventType:        payment.EventIntentSucceeded,
		PaymentReference: b.PaymentReference,
		Outcome:          model.OutcomeSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, model.IngestNoop, res.Event.Status)

	again, err := s.engine.ConfirmBookingPayment(ctx, customer(10), a.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingConfirmed, again.State)
	assert.Equal(t, 1, s.processor.Calls(payment.OpConfirm))

	s.clock.Advance(23 * time.Hour) // 25h before the event
	cancelled, err := s.engine.CancelBooking(ctx, customer(10), a.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, cancelled.State)
	assert.Equal(t, 6, s.available(t, ev.ID))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Contains(t, s.changed, ev.ID)
}

func TestConfirmBookingPayment_StillPending(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t)
	ev := s.event(t, 6, 48*time.Hour)

	r, err := s.engine.ReserveBooking(ctx, customer(10), ev.ID, 2)
	require.NoError(t, err)
	s.processor.SetPending(r.Booking.PaymentReference)

	_, err = s.engine.ConfirmBookingPayment(ctx, customer(10), r.Booking.ID)
	require.ErrorIs(t, err, apperr.ErrPaymentIncomplete)

	b, err := s.engine.GetBooking(ctx, customer(10), r.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingPendingPayment, b.State)
	assert.Equal(t, 4, s.available(t, ev.ID))
}

func TestConfirmBookingPayment_Failed(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t)
	ev := s.event(t, 6, 48*time.Hour)

	r, err := s.engine.ReserveBooking(ctx, customer(10), ev.ID, 2)
	require.NoError(t, err)
	s.processor.SetOutcome(r.Booking.PaymentReference, model.OutcomeFailed)

	b, err := s.engine.ConfirmBookingPayment(ctx, customer(10), r.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingPaymentFailed, b.State)
	assert.Equal(t, 6, s.available(t, ev.ID))

	// A late success for the same payment loses to the first terminal outcome.
	res, err := s.engine.IngestPaymentNotification(ctx, payment.Notification{
		EventID:          "evt_late",
		EventType:        payment.EventIntentSucceeded,
		PaymentReference: b.PaymentReference,
		Outcome:          model.OutcomeSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, model.IngestRejected, res.Event.Status)
	assert.Equal(t, 6, s.available(t, ev.ID))
}

func TestConfirmBookingPayment_ProcessorDown(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t)
	ev := s.event(t, 6, 48*time.Hour)

	r, err := s.engine.ReserveBooking(ctx, customer(10), ev.ID, 2)
	require.NoError(t, err)
	s.processor.FailNext(payment.OpConfirm, 3)

	_, err = s.engine.ConfirmBookingPayment(ctx, customer(10), r.Booking.ID)
	require.ErrorIs(t, err, apperr.ErrProcessorUnavailable)
	assert.Equal(t, 3, s.processor.Calls(payment.OpConfirm))
}

func TestConfirmBookingPayment_Unauthorized(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t)
	ev := s.event(t, 6, 48*time.Hour)

	r, err := s.engine.ReserveBooking(ctx, customer(10), ev.ID, 2)
	require.NoError(t, err)

	_, err = s.engine.ConfirmBookingPayment(ctx, customer(99), r.Booking.ID)
	require.ErrorIs(t, err, apperr.ErrUnauthorized)
	assert.Equal(t, 0, s.processor.Calls(payment.OpConfirm))
}

func TestCreateEvent_Validation(t *testing.T) {
	s := newSuite(t)
	valid := model.Event{Title: "Harvest supper", StartsAt: now.Add(72 * time.Hour), PriceCents: 8000, MaxSeats: 6}

	tests := []struct {
		name   string
		req    model.Requester
		mutate func(*model.Event)
		want   error
	}{
		{"customer", customer(5), func(*model.Event) {}, apperr.ErrUnauthorized},
		{"blank title", admin, func(e *model.Event) { e.Title = "  " }, apperr.ErrInvalidInput},
		{"in the past", admin, func(e *model.Event) { e.StartsAt = now.Add(-time.Hour) }, apperr.ErrInvalidInput},
		{"free", admin, func(e *model.Event) { e.PriceCents = 0 }, apperr.ErrInvalidInput},
		{"too small", admin, func(e *model.Event) { e.MaxSeats = 1 }, apperr.ErrInvalidInput},
		{"too large", admin, func(e *model.Event) { e.MaxSeats = 13 }, apperr.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := valid
			tt.mutate(&ev)
			_, err := s.engine.CreateEvent(context.Background(), tt.req, ev)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	created, err := s.engine.CreateEvent(context.Background(), admin, valid)
	require.NoError(t, err)
	assert.Equal(t, 6, created.Available())

	av, err := s.engine.Availability(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Harvest supper", av.Title)
	assert.Equal(t, 6, av.AvailableSeats)
}

func TestSweep_ExpiredSeatsAreReusable(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t)
	ev := s.event(t, 6, 48*time.Hour)

	r, err := s.engine.ReserveBooking(ctx, customer(10), ev.ID, 6)
	require.NoError(t, err)
	_, err = s.engine.ReserveBooking(ctx, customer(11), ev.ID, 1)
	require.ErrorIs(t, err, apperr.ErrCapacityExceeded)

	s.clock.Advance(16 * time.Minute)
	rep, err := s.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ExpiredHolds)
	assert.Equal(t, 6, s.available(t, ev.ID))

	b, err := s.engine.GetBooking(ctx, customer(10), r.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingPaymentFailed, b.State)

	_, err = s.engine.ReserveBooking(ctx, customer(11), ev.ID, 6)
	require.NoError(t, err)
}

func TestSweep_CompletesAndReconciles(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t)
	ev := s.event(t, 6, 30*time.Hour)

	orphan, err := s.engine.IngestPaymentNotification(ctx, payment.Notification{
		EventID:          "evt_orphan",
		EventType:        payment.EventIntentSucceeded,
		PaymentReference: "pi_unknown",
		Outcome:          model.OutcomeSucceeded,
	})
	require.NoError(t, err)
	assert.Equal(t, model.IngestOrphaned, orphan.Event.Status)

	r, err := s.engine.ReserveBooking(ctx, customer(10), ev.ID, 3)
	require.NoError(t, err)
	_, err = s.engine.ConfirmBookingPayment(ctx, customer(10), r.Booking.ID)
	require.NoError(t, err)

	s.clock.Advance(34 * time.Hour)
	rep, err := s.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Completed)
	assert.Zero(t, rep.Reconciled)

	list, err := s.engine.ListBookings(ctx, customer(10), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.BookingCompleted, list[0].State)
}

func TestRun_StopsOnCancel(t *testing.T) {
	s := newSuite(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		s.engine.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCancelBooking_AfterRefundNotification(t *testing.T) {
	ctx := context.Background()
	s := newSuite(t)
	ev := s.event(t, 6, 72*time.Hour)

	r, err := s.engine.ReserveBooking(ctx, customer(10), ev.ID, 2)
	require.NoError(t, err)
	b, err := s.engine.ConfirmBookingPayment(ctx, customer(10), r.Booking.ID)
	require.NoError(t, err)

	// Refunded from the processor dashboard: the booking stays confirmed.
	res, err := s.engine.IngestPaymentNotification(ctx, payment.Notification{
		EventID:          "evt_refund",
		EventType:        payment.EventChargeRefunded,
		PaymentReference: b.PaymentReference,
		Outcome:          model.OutcomeRefunded,
		RefundReference:  "re_dashboard",
	})
	require.NoError(t, err)
	assert.Equal(t, model.IngestApplied, res.Event.Status)
	assert.Equal(t, 4, s.available(t, ev.ID))

	cancelled, err := s.engine.CancelBooking(ctx, customer(10), b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BookingCancelled, cancelled.State)
	assert.Equal(t, "re_dashboard", cancelled.RefundReference)
	assert.Equal(t, 0, s.processor.Calls(payment.OpRefund))
	assert.Equal(t, 6, s.available(t, ev.ID))
}
