// Package engine is the booking and capacity consistency engine as seen by the
// outer layers: reserve, confirm, ingest, cancel and availability, plus the
// background sweeps that keep holds, bookings and the ingestion log moving.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
	"github.com/iliyamo/supper-club-booking/internal/booking"
	"github.com/iliyamo/supper-club-booking/internal/clock"
	"github.com/iliyamo/supper-club-booking/internal/config"
	"github.com/iliyamo/supper-club-booking/internal/ingest"
	"github.com/iliyamo/supper-club-booking/internal/ledger"
	"github.com/iliyamo/supper-club-booking/internal/lib/logger/sl"
	"github.com/iliyamo/supper-club-booking/internal/lock"
	"github.com/iliyamo/supper-club-booking/internal/metrics"
	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/payment"
	"github.com/iliyamo/supper-club-booking/internal/policy"
	"github.com/iliyamo/supper-club-booking/internal/queue"
	"github.com/iliyamo/supper-club-booking/internal/repository"
	"github.com/iliyamo/supper-club-booking/internal/retry"
)

// syncEventType tags ingestion log entries written by ConfirmBookingPayment.
const syncEventType = "sync.confirm"

type Engine struct {
	ledger    *ledger.Ledger
	bookings  *booking.Service
	ingestor  *ingest.Ingestor
	canceller *policy.Canceller
	processor payment.Processor
	clock     clock.Clock
	log       *slog.Logger
	retry     retry.Policy
	cfg       config.BookingConfig
}

// Deps groups what the engine is built from. Publisher, Metrics and OnChange
// may be nil; zero durations and bounds in Booking take their defaults.
type Deps struct {
	Store     repository.Store
	Processor payment.Processor
	Locker    lock.Locker
	Publisher queue.Publisher
	Clock     clock.Clock
	Log       *slog.Logger
	Metrics   *metrics.Metrics
	Retry     retry.Policy
	Booking   config.BookingConfig
	Currency  string

	// OnChange runs after every commit that moved an event's counters.
	OnChange func(eventID uint64)
}

func New(d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	if d.Retry.Attempts == 0 {
		d.Retry = retry.Default
	}
	d.Booking = withDefaults(d.Booking)

	opts := []ledger.Option{
		ledger.WithHoldTTL(d.Booking.HoldTTL),
		ledger.WithRetry(d.Retry),
		ledger.WithMetrics(d.Metrics),
	}
	if d.OnChange != nil {
		opts = append(opts, ledger.WithOnChange(d.OnChange))
	}
	l := ledger.New(d.Store, d.Clock, d.Log, opts...)

	return &Engine{
		ledger: l,
		bookings: booking.New(booking.Deps{
			Store: d.Store, Ledger: l, Processor: d.Processor, Publisher: d.Publisher,
			Clock: d.Clock, Log: d.Log, Metrics: d.Metrics, Retry: d.Retry, Currency: d.Currency,
		}),
		ingestor: ingest.New(ingest.Deps{
			Store: d.Store, Ledger: l, Locker: d.Locker, Publisher: d.Publisher,
			Clock: d.Clock, Log: d.Log, Metrics: d.Metrics, Retry: d.Retry,
		}),
		canceller: policy.New(policy.Deps{
			Store: d.Store, Ledger: l, Processor: d.Processor, Locker: d.Locker, Publisher: d.Publisher,
			Clock: d.Clock, Log: d.Log, Metrics: d.Metrics, Retry: d.Retry, Cutoff: d.Booking.CancelCutoff,
		}),
		processor: d.Processor,
		clock:     d.Clock,
		log:       d.Log,
		retry:     d.Retry,
		cfg:       d.Booking,
	}
}

func withDefaults(c config.BookingConfig) config.BookingConfig {
	if c.HoldTTL <= 0 {
		c.HoldTTL = ledger.DefaultHoldTTL
	}
	if c.CancelCutoff <= 0 {
		c.CancelCutoff = policy.DefaultCutoff
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.CompletionGrace <= 0 {
		c.CompletionGrace = 3 * time.Hour
	}
	if c.MinSeats <= 0 {
		c.MinSeats = 1
	}
	if c.MaxSeats < c.MinSeats {
		c.MaxSeats = c.MinSeats
	}
	return c
}

// ReserveBooking holds seats on an event and opens a pending booking with a
// payment intent.
func (e *Engine) ReserveBooking(ctx context.Context, req model.Requester, eventID uint64, seats int) (booking.Reservation, error) {
	return e.bookings.Reserve(ctx, req, eventID, seats)
}

// ConfirmBookingPayment asks the processor how the booking's payment ended and
// applies that outcome through the ingestion log, exactly like a
// notification would. Bookings already past pending_payment are returned as
// they are.
func (e *Engine) ConfirmBookingPayment(ctx context.Context, req model.Requester, bookingID uint64) (model.Booking, error) {
	const op = "engine.ConfirmBookingPayment"
	log := e.log.With(slog.String("op", op), slog.Uint64("booking_id", bookingID))

	b, err := e.bookings.Get(ctx, req, bookingID)
	if err != nil {
		return model.Booking{}, fmt.Errorf("%s: %w", op, err)
	}
	if b.State != model.BookingPendingPayment {
		return b, nil
	}
	if b.PaymentReference == "" {
		return model.Booking{}, fmt.Errorf("%s: booking %d has no payment yet: %w", op, b.ID, apperr.ErrPaymentIncomplete)
	}

	var outcome model.PaymentOutcome
	err = retry.Do(ctx, e.retry, func(ctx context.Context) error {
		var err error
		outcome, err = e.processor.Confirm(ctx, b.PaymentReference)
		return err
	})
	if err != nil {
		log.Warn("payment outcome not available", sl.Err(err))
		return model.Booking{}, fmt.Errorf("%s: %w", op, err)
	}

	_, err = e.ingestor.Apply(ctx, payment.Notification{
		EventID:          ingest.SyncEventID(b.PaymentReference, outcome),
		EventType:        syncEventType,
		PaymentReference: b.PaymentReference,
		Outcome:          outcome,
	})
	if err != nil {
		return model.Booking{}, fmt.Errorf("%s: %w", op, err)
	}

	b, err = e.bookings.Get(ctx, req, bookingID)
	if err != nil {
		return model.Booking{}, fmt.Errorf("%s: %w", op, err)
	}
	return b, nil
}

// IngestPaymentNotification applies a processor notification exactly once.
func (e *Engine) IngestPaymentNotification(ctx context.Context, n payment.Notification) (ingest.Result, error) {
	return e.ingestor.Apply(ctx, n)
}

// CancelBooking refunds and cancels a confirmed booking inside the
// cancellation window.
func (e *Engine) CancelBooking(ctx context.Context, req model.Requester, bookingID uint64) (model.Booking, error) {
	return e.canceller.Cancel(ctx, bookingID, req)
}

// AvailableSeats returns how many seats of the event can still be reserved.
func (e *Engine) AvailableSeats(ctx context.Context, eventID uint64) (int, error) {
	return e.ledger.AvailableSeats(ctx, eventID)
}

// Availability is the public view of an event's capacity.
type Availability struct {
	EventID        uint64    `json:"event_id"`
	Title          string    `json:"title"`
	StartsAt       time.Time `json:"starts_at"`
	PriceCents     uint32    `json:"price_cents"`
	MaxSeats       int       `json:"max_seats"`
	AvailableSeats int       `json:"available_seats"`
}

func (e *Engine) Availability(ctx context.Context, eventID uint64) (Availability, error) {
	const op = "engine.Availability"

	ev, err := e.ledger.Event(ctx, eventID)
	if err != nil {
		return Availability{}, fmt.Errorf("%s: %w", op, err)
	}
	return Availability{
		EventID:        ev.ID,
		Title:          ev.Title,
		StartsAt:       ev.StartsAt,
		PriceCents:     ev.PriceCents,
		MaxSeats:       ev.MaxSeats,
		AvailableSeats: ev.Available(),
	}, nil
}

// CreateEvent registers an event. Only elevated requesters may do so.
func (e *Engine) CreateEvent(ctx context.Context, req model.Requester, ev model.Event) (model.Event, error) {
	const op = "engine.CreateEvent"

	if !req.Elevated() {
		return model.Event{}, fmt.Errorf("%s: %w", op, apperr.ErrUnauthorized)
	}
	ev.Title = strings.TrimSpace(ev.Title)
	switch {
	case ev.Title == "":
		return model.Event{}, fmt.Errorf("%s: title is required: %w", op, apperr.ErrInvalidInput)
	case !ev.StartsAt.After(e.clock.Now()):
		return model.Event{}, fmt.Errorf("%s: event must start in the future: %w", op, apperr.ErrInvalidInput)
	case ev.PriceCents == 0:
		return model.Event{}, fmt.Errorf("%s: price must be positive: %w", op, apperr.ErrInvalidInput)
	case ev.MaxSeats < e.cfg.MinSeats || ev.MaxSeats > e.cfg.MaxSeats:
		return model.Event{}, fmt.Errorf("%s: max seats must be between %d and %d: %w",
			op, e.cfg.MinSeats, e.cfg.MaxSeats, apperr.ErrInvalidInput)
	}
	ev.StartsAt = ev.StartsAt.UTC()
	ev.HeldSeats, ev.ConfirmedSeats, ev.Version = 0, 0, 0

	created, err := e.ledger.CreateEvent(ctx, ev)
	if err != nil {
		return model.Event{}, fmt.Errorf("%s: %w", op, err)
	}
	e.log.Info("event created", slog.String("op", op), slog.Uint64("event_id", created.ID), slog.Int("max_seats", created.MaxSeats))
	return created, nil
}

func (e *Engine) GetBooking(ctx context.Context, req model.Requester, id uint64) (model.Booking, error) {
	return e.bookings.Get(ctx, req, id)
}

func (e *Engine) ListBookings(ctx context.Context, req model.Requester, userID uint64) ([]model.Booking, error) {
	return e.bookings.List(ctx, req, userID)
}

// SweepHolds releases expired holds and fails their pending bookings.
func (e *Engine) SweepHolds(ctx context.Context) (int, error) {
	return e.bookings.SweepExpiredHolds(ctx)
}

// CompleteEvents completes confirmed bookings of events that are over.
func (e *Engine) CompleteEvents(ctx context.Context) (int, error) {
	return e.bookings.CompleteFinished(ctx, e.cfg.CompletionGrace)
}

// ReconcileOrphans re-drives notifications that arrived before their booking.
func (e *Engine) ReconcileOrphans(ctx context.Context) (int, error) {
	return e.ingestor.ReconcileOrphans(ctx)
}

// SweepReport counts what one Sweep pass did.
type SweepReport struct {
	ExpiredHolds int `json:"expired_holds"`
	Completed    int `json:"completed"`
	Reconciled   int `json:"reconciled"`
}

// Sweep runs the hold, completion and orphan sweeps once. A failing sweep
// does not stop the others.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		r    SweepReport
		errs []error
		err  error
	)
	if r.ExpiredHolds, err = e.SweepHolds(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.Completed, err = e.CompleteEvents(ctx); err != nil {
		errs = append(errs, err)
	}
	if r.Reconciled, err = e.ReconcileOrphans(ctx); err != nil {
		errs = append(errs, err)
	}
	return r, errors.Join(errs...)
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	const op = "engine.Run"
	log := e.log.With(slog.String("op", op))

	t := time.NewTicker(e.cfg.SweepInterval)
	defer t.Stop()
	log.Info("background sweeps started", slog.Duration("interval", e.cfg.SweepInterval))
	for {
		r, err := e.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("sweep failed", sl.Err(err))
		}
		if r != (SweepReport{}) {
			log.Info("sweep done",
				slog.Int("expired_holds", r.ExpiredHolds),
				slog.Int("completed", r.Completed),
				slog.Int("reconciled", r.Reconciled))
		}
		select {
		case <-ctx.Done():
			log.Info("background sweeps stopped")
			return
		case <-t.C:
		}
	}
}
