package repository

import (
	"context"
	"database/sql"

	"github.com/iliyamo/supper-club-booking/internal/model"
)

// PaymentEventRepoSQL is the ingestion log backed by the payment_events
// table. event_id is the primary key, so a duplicate insert fails with
// ErrDuplicate instead of double-applying an event.
type PaymentEventRepoSQL struct {
	q querier
}

const paymentEventColumns = `event_id, event_type, payment_reference, refund_reference, outcome, status, booking_id, detail, received_at, processed_at`

func (r *PaymentEventRepoSQL) Get(ctx context.Context, eventID string) (model.PaymentEvent, error) {
	q := `SELECT ` + paymentEventColumns + ` FROM payment_events WHERE event_id = ?`
	pe, err := scanPaymentEvent(r.q.QueryRowContext(ctx, q, eventID))
	if err != nil {
		return model.PaymentEvent{}, mapErr(err)
	}
	return pe, nil
}

func (r *PaymentEventRepoSQL) Insert(ctx context.Context, pe model.PaymentEvent) error {
	const q = `INSERT INTO payment_events
               (event_id, event_type, payment_reference, refund_reference, outcome, status, booking_id, detail, received_at, processed_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q.ExecContext(ctx, q,
		pe.EventID, pe.EventType, pe.PaymentReference, pe.RefundReference, string(pe.Outcome), string(pe.Status),
		nullBookingID(pe.BookingID), pe.Detail, pe.ReceivedAt.UTC(), pe.ProcessedAt.UTC(),
	)
	return mapErr(err)
}

func (r *PaymentEventRepoSQL) Update(ctx context.Context, pe model.PaymentEvent) error {
	const q = `UPDATE payment_events
               SET status = ?, booking_id = ?, detail = ?, processed_at = ?
               WHERE event_id = ?`
	_, err := r.q.ExecContext(ctx, q,
		string(pe.Status), nullBookingID(pe.BookingID), pe.Detail, pe.ProcessedAt.UTC(), pe.EventID,
	)
	return mapErr(err)
}

// ListOrphaned returns orphaned entries, oldest first.
func (r *PaymentEventRepoSQL) ListOrphaned(ctx context.Context, limit int) ([]model.PaymentEvent, error) {
	q := `SELECT ` + paymentEventColumns + ` FROM payment_events
          WHERE status = 'orphaned' ORDER BY received_at LIMIT ?`
	rows, err := r.q.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []model.PaymentEvent
	for rows.Next() {
		pe, err := scanPaymentEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pe)
	}
	return out, rows.Err()
}

func scanPaymentEvent(s scanner) (model.PaymentEvent, error) {
	var (
		pe              model.PaymentEvent
		outcome, status string
		bookingID       sql.NullInt64
	)
	if err := s.Scan(&pe.EventID, &pe.EventType, &pe.PaymentReference, &pe.RefundReference, &outcome, &status,
		&bookingID, &pe.Detail, &pe.ReceivedAt, &pe.ProcessedAt); err != nil {
		return model.PaymentEvent{}, err
	}
	pe.Outcome = model.PaymentOutcome(outcome)
	pe.Status = model.IngestStatus(status)
	if bookingID.Valid {
		pe.BookingID = uint64(bookingID.Int64)
	}
	pe.ReceivedAt = pe.ReceivedAt.UTC()
	pe.ProcessedAt = pe.ProcessedAt.UTC()
	return pe, nil
}

func nullBookingID(id uint64) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(id), Valid: id != 0}
}
