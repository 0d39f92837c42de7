package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/supper-club-booking/internal/model"
)

// BookingRepoSQL provides access to the bookings table. Bookings are never
// deleted; every lifecycle change is an UPDATE of the state column.
type BookingRepoSQL struct {
	q querier
}

const bookingColumns = `b.id, b.event_id, b.user_id, b.seats, b.amount_cents, b.currency, b.hold_token,
       b.payment_reference, b.state, b.failure_reason, b.refund_reference,
       b.created_at, b.updated_at, b.cancelled_at`

// Create inserts a booking and populates its generated ID.
func (r *BookingRepoSQL) Create(ctx context.Context, b *model.Booking) error {
	const q = `INSERT INTO bookings
               (event_id, user_id, seats, amount_cents, currency, hold_token, payment_reference, state, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.q.ExecContext(ctx, q,
		b.EventID, b.UserID, b.Seats, b.AmountCents, b.Currency, b.HoldToken,
		nullString(b.PaymentReference), string(b.State), b.CreatedAt.UTC(), b.UpdatedAt.UTC(),
	)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	b.ID = uint64(id)
	return nil
}

func (r *BookingRepoSQL) Get(ctx context.Context, id uint64) (model.Booking, error) {
	return r.one(ctx, `WHERE b.id = ?`, id)
}

func (r *BookingRepoSQL) GetForUpdate(ctx context.Context, id uint64) (model.Booking, error) {
	return r.one(ctx, `WHERE b.id = ? FOR UPDATE`, id)
}

func (r *BookingRepoSQL) GetByPaymentReferenceForUpdate(ctx context.Context, ref string) (model.Booking, error) {
	return r.one(ctx, `WHERE b.payment_reference = ? FOR UPDATE`, ref)
}

func (r *BookingRepoSQL) GetByHoldTokenForUpdate(ctx context.Context, token string) (model.Booking, error) {
	return r.one(ctx, `WHERE b.hold_token = ? FOR UPDATE`, token)
}

func (r *BookingRepoSQL) FindActive(ctx context.Context, userID, eventID uint64) (model.Booking, error) {
	return r.one(ctx, `WHERE b.user_id = ? AND b.event_id = ? AND b.state IN ('pending_payment', 'confirmed')
                       ORDER BY b.id DESC LIMIT 1 FOR UPDATE`, userID, eventID)
}

// ListByUser returns the user's bookings, newest first.
func (r *BookingRepoSQL) ListByUser(ctx context.Context, userID uint64) ([]model.Booking, error) {
	return r.many(ctx, `WHERE b.user_id = ? ORDER BY b.created_at DESC, b.id DESC`, userID)
}

func (r *BookingRepoSQL) ListConfirmedStartedBefore(ctx context.Context, t time.Time, limit int) ([]model.Booking, error) {
	return r.many(ctx, `JOIN events e ON e.id = b.event_id
                        WHERE b.state = 'confirmed' AND e.starts_at <= ?
                        ORDER BY e.starts_at, b.id
                        LIMIT ?`, t.UTC(), limit)
}

// Update writes the mutable columns. payment_reference is only written
// while it is still NULL, which keeps it immutable once assigned.
func (r *BookingRepoSQL) Update(ctx context.Context, b model.Booking) error {
	const q = `UPDATE bookings
               SET state = ?,
                   payment_reference = COALESCE(payment_reference, ?),
                   refund_reference = ?,
                   failure_reason = ?,
                   cancelled_at = ?,
                   updated_at = ?
               WHERE id = ?`
	var cancelledAt any
	if b.CancelledAt != nil {
		cancelledAt = b.CancelledAt.UTC()
	}
	res, err := r.q.ExecContext(ctx, q,
		string(b.State), nullString(b.PaymentReference), nullString(b.RefundReference),
		nullString(b.FailureReason), cancelledAt, b.UpdatedAt.UTC(), b.ID,
	)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// MySQL reports 0 affected rows when nothing changed, so only
		// treat it as missing if the row is really gone.
		if _, err := r.Get(ctx, b.ID); err != nil {
			return err
		}
	}
	return nil
}

func (r *BookingRepoSQL) one(ctx context.Context, where string, args ...any) (model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings b ` + where
	b, err := scanBooking(r.q.QueryRowContext(ctx, q, args...))
	if err != nil {
		return model.Booking{}, mapErr(err)
	}
	return b, nil
}

func (r *BookingRepoSQL) many(ctx context.Context, tail string, args ...any) ([]model.Booking, error) {
	q := `SELECT ` + bookingColumns + ` FROM bookings b ` + tail
	rows, err := r.q.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := make([]model.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanBooking(s scanner) (model.Booking, error) {
	var (
		b                       model.Booking
		state                   string
		payRef, failure, refund sql.NullString
		cancelledAt             sql.NullTime
	)
	err := s.Scan(
		&b.ID, &b.EventID, &b.UserID, &b.Seats, &b.AmountCents, &b.Currency, &b.HoldToken,
		&payRef, &state, &failure, &refund,
		&b.CreatedAt, &b.UpdatedAt, &cancelledAt,
	)
	if err != nil {
		return model.Booking{}, err
	}
	b.State = model.BookingState(state)
	b.PaymentReference = payRef.String
	b.FailureReason = failure.String
	b.RefundReference = refund.String
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	if cancelledAt.Valid {
		t := cancelledAt.Time.UTC()
		b.CancelledAt = &t
	}
	return b, nil
}

// nullString stores empty strings as NULL so unique indexes on optional
// columns do not collide.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
