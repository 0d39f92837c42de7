// Package memory is an in-process implementation of repository.Store. It is
// used by tests and by STORE_DRIVER=memory for local development. Each
// read-write transaction works on a copy of the data and publishes it on
// success, so a failing unit of work leaves no trace.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/iliyamo/supper-club-booking/internal/model"
	"github.com/iliyamo/supper-club-booking/internal/repository"
)

var errReadOnly = errors.New("memory: write in read-only transaction")

type state struct {
	events        map[uint64]model.Event
	holds         map[string]model.SeatHold
	bookings      map[uint64]model.Booking
	payments      map[string]model.PaymentEvent
	nextEventID   uint64
	nextBookingID uint64
	// seq counts committed writes per row key.
	seq map[string]uint64
}

func (s *state) clone() *state {
	c := &state{
		events:        make(map[uint64]model.Event, len(s.events)),
		holds:         make(map[string]model.SeatHold, len(s.holds)),
		bookings:      make(map[uint64]model.Booking, len(s.bookings)),
		payments:      make(map[string]model.PaymentEvent, len(s.payments)),
		nextEventID:   s.nextEventID,
		nextBookingID: s.nextBookingID,
		seq:           make(map[string]uint64, len(s.seq)),
	}
	for k, v := range s.seq {
		c.seq[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.holds {
		c.holds[k] = v
	}
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

// Store serializes read-write transactions behind one mutex. That is
// coarser than the row locks of the MySQL store but gives the same
// guarantees to callers. NewOptimistic drops the mutex around transaction
// bodies; see there.
type Store struct {
	mu         sync.RWMutex
	st         *state
	optimistic bool

	fmu    sync.Mutex
	faults map[string][]error
}

func New() *Store {
	return &Store{
		st: &state{
			events:   map[uint64]model.Event{},
			holds:    map[string]model.SeatHold{},
			bookings: map[uint64]model.Booking{},
			payments: map[string]model.PaymentEvent{},
			seq:      map[string]uint64{},
		},
		faults: map[string][]error{},
	}
}

// NewOptimistic returns a Store whose read-write transactions run
// concurrently, each on its own snapshot. UpdateCounters compares the
// event version against the committed row, as the MySQL statement's WHERE
// clause does, and commit fails with repository.ErrConflict when any row
// the transaction locked or wrote was committed by someone else meanwhile.
// Only the rows written are published, so unrelated transactions never
// conflict.
func NewOptimistic() *Store {
	s := New()
	s.optimistic = true
	return s
}

// InjectFault makes the next call to the named operation fail with err.
// Names are "<repo>.<method>", e.g. "bookings.create" or
// "events.update_counters". Faults queue up per name.
func (s *Store) InjectFault(name string, err error) {
	s.fmu.Lock()
	s.faults[name] = append(s.faults[name], err)
	s.fmu.Unlock()
}

// fault pops the next queued fault.
func (s *Store) fault(name string) error {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	q := s.faults[name]
	if len(q) == 0 {
		return nil
	}
	s.faults[name] = q[1:]
	return q[0]
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.optimistic {
		return s.withinOptimisticTx(ctx, fn)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := newTx(s, s.st.clone())
	if err := fn(ctx, t); err != nil {
		return err
	}
	for key := range t.written {
		t.st.seq[key]++
	}
	s.st = t.st
	return nil
}

func (s *Store) withinOptimisticTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.RLock()
	t := newTx(s, s.st.clone())
	s.mu.RUnlock()

	if err := fn(ctx, t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, seen := range t.touched {
		if s.st.seq[key] != seen {
			return fmt.Errorf("row %s changed since the transaction began: %w", key, repository.ErrConflict)
		}
	}
	for key := range t.written {
		publish(s.st, t.st, key)
		s.st.seq[key]++
	}
	s.st.nextEventID = max(s.st.nextEventID, t.st.nextEventID)
	s.st.nextBookingID = max(s.st.nextBookingID, t.st.nextBookingID)
	return nil
}

// publish copies one row from src to dst.
func publish(dst, src *state, key string) {
	kind, id := key[:1], key[2:]
	switch kind {
	case "e":
		n, _ := strconv.ParseUint(id, 10, 64)
		dst.events[n] = src.events[n]
	case "h":
		dst.holds[id] = src.holds[id]
	case "b":
		n, _ := strconv.ParseUint(id, 10, 64)
		dst.bookings[n] = src.bookings[n]
	case "p":
		dst.payments[id] = src.payments[id]
	}
}

func eventKey(id uint64) string   { return "e:" + strconv.FormatUint(id, 10) }
func holdKey(token string) string { return "h:" + token }
func bookingKey(id uint64) string { return "b:" + strconv.FormatUint(id, 10) }
func paymentKey(id string) string { return "p:" + id }

func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, &tx{store: s, st: s.st, readOnly: true})
}

type tx struct {
	store    *Store
	st       *state
	readOnly bool
	// touched maps each locked or written row to its seq in the snapshot.
	touched map[string]uint64
	written map[string]bool
}

func newTx(s *Store, st *state) *tx {
	return &tx{store: s, st: st, touched: map[string]uint64{}, written: map[string]bool{}}
}

// lock records a row read for update.
func (t *tx) lock(key string) {
	if t.readOnly {
		return
	}
	if _, ok := t.touched[key]; !ok {
		t.touched[key] = t.st.seq[key]
	}
}

// write records a row the transaction changed.
func (t *tx) write(key string) {
	if t.readOnly {
		return
	}
	t.lock(key)
	t.written[key] = true
}

func (t *tx) Events() repository.EventRepo               { return events{t} }
func (t *tx) Holds() repository.HoldRepo                 { return holds{t} }
func (t *tx) Bookings() repository.BookingRepo           { return bookings{t} }
func (t *tx) PaymentEvents() repository.PaymentEventRepo { return payments{t} }

// check returns an injected fault or the read-only error for writes.
func (t *tx) check(name string, write bool) error {
	if write && t.readOnly {
		return errReadOnly
	}
	if t.readOnly {
		// View holds only the read lock; faults are consumed by
		// read-write transactions.
		return nil
	}
	return t.store.fault(name)
}

type events struct{ t *tx }

func (r events) Create(ctx context.Context, e *model.Event) error {
	if err := r.t.check("events.create", true); err != nil {
		return err
	}
	r.t.st.nextEventID++
	e.ID = r.t.st.nextEventID
	e.HeldSeats, e.ConfirmedSeats, e.Version = 0, 0, 0
	e.StartsAt = e.StartsAt.UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	r.t.st.events[e.ID] = *e
	r.t.write(eventKey(e.ID))
	return nil
}

func (r events) Get(ctx context.Context, id uint64) (model.Event, error) {
	if err := r.t.check("events.get", false); err != nil {
		return model.Event{}, err
	}
	e, ok := r.t.st.events[id]
	if !ok {
		return model.Event{}, repository.ErrNotFound
	}
	return e, nil
}

func (r events) GetForUpdate(ctx context.Context, id uint64) (model.Event, error) {
	e, err := r.Get(ctx, id)
	if err == nil {
		r.t.lock(eventKey(id))
	}
	return e, err
}

func (r events) UpdateCounters(ctx context.Context, e model.Event) error {
	if err := r.t.check("events.update_counters", true); err != nil {
		return err
	}
	cur, ok := r.t.st.events[e.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.Version != e.Version || e.HeldSeats < 0 || e.ConfirmedSeats < 0 ||
		e.HeldSeats+e.ConfirmedSeats > cur.MaxSeats {
		return repository.ErrConflict
	}
	if r.t.store.optimistic && r.t.store.committedVersion(e.ID) != e.Version {
		return repository.ErrConflict
	}
	cur.HeldSeats = e.HeldSeats
	cur.ConfirmedSeats = e.ConfirmedSeats
	cur.Version++
	r.t.st.events[e.ID] = cur
	r.t.write(eventKey(e.ID))
	return nil
}

// committedVersion reads the event version outside any snapshot.
func (s *Store) committedVersion(id uint64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.events[id].Version
}

type holds struct{ t *tx }

func (r holds) Create(ctx context.Context, h model.SeatHold) error {
	if err := r.t.check("holds.create", true); err != nil {
		return err
	}
	if _, ok := r.t.st.holds[h.Token]; ok {
		return repository.ErrDuplicate
	}
	r.t.st.holds[h.Token] = h
	r.t.write(holdKey(h.Token))
	return nil
}

func (r holds) GetForUpdate(ctx context.Context, token string) (model.SeatHold, error) {
	if err := r.t.check("holds.get", false); err != nil {
		return model.SeatHold{}, err
	}
	h, ok := r.t.st.holds[token]
	if !ok {
		return model.SeatHold{}, repository.ErrNotFound
	}
	r.t.lock(holdKey(token))
	return h, nil
}

func (r holds) UpdateState(ctx context.Context, token string, state model.HoldState, at time.Time) error {
	if err := r.t.check("holds.update_state", true); err != nil {
		return err
	}
	h, ok := r.t.st.holds[token]
	if !ok {
		return repository.ErrNotFound
	}
	h.State = state
	h.UpdatedAt = at
	r.t.st.holds[token] = h
	r.t.write(holdKey(token))
	return nil
}

func (r holds) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.SeatHold, error) {
	if err := r.t.check("holds.list_expired", false); err != nil {
		return nil, err
	}
	var out []model.SeatHold
	for _, h := range r.t.st.holds {
		if h.State == model.HoldActive && !h.ExpiresAt.After(now) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type bookings struct{ t *tx }

func (r bookings) Create(ctx context.Context, b *model.Booking) error {
	if err := r.t.check("bookings.create", true); err != nil {
		return err
	}
	r.t.st.nextBookingID++
	b.ID = r.t.st.nextBookingID
	r.t.st.bookings[b.ID] = *b
	r.t.write(bookingKey(b.ID))
	return nil
}

func (r bookings) Get(ctx context.Context, id uint64) (model.Booking, error) {
	if err := r.t.check("bookings.get", false); err != nil {
		return model.Booking{}, err
	}
	b, ok := r.t.st.bookings[id]
	if !ok {
		return model.Booking{}, repository.ErrNotFound
	}
	return b, nil
}

func (r bookings) GetForUpdate(ctx context.Context, id uint64) (model.Booking, error) {
	return r.locked(r.Get(ctx, id))
}

func (r bookings) GetByPaymentReferenceForUpdate(ctx context.Context, ref string) (model.Booking, error) {
	return r.locked(r.find(func(b model.Booking) bool { return ref != "" && b.PaymentReference == ref }))
}

func (r bookings) GetByHoldTokenForUpdate(ctx context.Context, token string) (model.Booking, error) {
	return r.locked(r.find(func(b model.Booking) bool { return b.HoldToken == token }))
}

func (r bookings) locked(b model.Booking, err error) (model.Booking, error) {
	if err == nil {
		r.t.lock(bookingKey(b.ID))
	}
	return b, err
}

func (r bookings) FindActive(ctx context.Context, userID, eventID uint64) (model.Booking, error) {
	return r.find(func(b model.Booking) bool {
		return b.UserID == userID && b.EventID == eventID && b.Active()
	})
}

// find returns the match with the highest ID.
func (r bookings) find(match func(model.Booking) bool) (model.Booking, error) {
	var best model.Booking
	for _, b := range r.t.st.bookings {
		if match(b) && b.ID > best.ID {
			best = b
		}
	}
	if best.ID == 0 {
		return model.Booking{}, repository.ErrNotFound
	}
	return best, nil
}

func (r bookings) ListByUser(ctx context.Context, userID uint64) ([]model.Booking, error) {
	out := make([]model.Booking, 0)
	for _, b := range r.t.st.bookings {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r bookings) ListConfirmedStartedBefore(ctx context.Context, t time.Time, limit int) ([]model.Booking, error) {
	out := make([]model.Booking, 0)
	for _, b := range r.t.st.bookings {
		e, ok := r.t.st.events[b.EventID]
		if ok && b.State == model.BookingConfirmed && !e.StartsAt.After(t) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r bookings) Update(ctx context.Context, b model.Booking) error {
	if err := r.t.check("bookings.update", true); err != nil {
		return err
	}
	cur, ok := r.t.st.bookings[b.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if cur.PaymentReference != "" {
		b.PaymentReference = cur.PaymentReference
	}
	if b.CancelledAt != nil {
		t := *b.CancelledAt
		b.CancelledAt = &t
	}
	// Only the mutable columns change.
	cur.State = b.State
	cur.PaymentReference = b.PaymentReference
	cur.RefundReference = b.RefundReference
	cur.FailureReason = b.FailureReason
	cur.CancelledAt = b.CancelledAt
	cur.UpdatedAt = b.UpdatedAt
	r.t.st.bookings[b.ID] = cur
	r.t.write(bookingKey(b.ID))
	return nil
}

type payments struct{ t *tx }

func (r payments) Get(ctx context.Context, eventID string) (model.PaymentEvent, error) {
	if err := r.t.check("payment_events.get", false); err != nil {
		return model.PaymentEvent{}, err
	}
	pe, ok := r.t.st.payments[eventID]
	if !ok {
		return model.PaymentEvent{}, repository.ErrNotFound
	}
	return pe, nil
}

func (r payments) Insert(ctx context.Context, pe model.PaymentEvent) error {
	if err := r.t.check("payment_events.insert", true); err != nil {
		return err
	}
	if _, ok := r.t.st.payments[pe.EventID]; ok {
		return repository.ErrDuplicate
	}
	r.t.st.payments[pe.EventID] = pe
	r.t.write(paymentKey(pe.EventID))
	return nil
}

func (r payments) Update(ctx context.Context, pe model.PaymentEvent) error {
	if err := r.t.check("payment_events.update", true); err != nil {
		return err
	}
	cur, ok := r.t.st.payments[pe.EventID]
	if !ok {
		return repository.ErrNotFound
	}
	cur.Status = pe.Status
	cur.BookingID = pe.BookingID
	cur.Detail = pe.Detail
	cur.ProcessedAt = pe.ProcessedAt
	r.t.st.payments[pe.EventID] = cur
	r.t.write(paymentKey(pe.EventID))
	return nil
}

func (r payments) ListOrphaned(ctx context.Context, limit int) ([]model.PaymentEvent, error) {
	var out []model.PaymentEvent
	for _, pe := range r.t.st.payments {
		if pe.Status == model.IngestOrphaned {
			out = append(out, pe)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
