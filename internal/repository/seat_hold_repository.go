package repository

import (
	"context"
	"time"

	"github.com/iliyamo/supper-club-booking/internal/model"
)

// SeatHoldRepo provides data access to the seat_holds table. All methods
// behave with respect to UTC timestamps; callers must ensure that
// expiration comparisons are performed in UTC.
type SeatHoldRepo struct {
	q querier
}

const holdColumns = `token, event_id, seats, state, expires_at, created_at, updated_at`

// Create inserts a hold. The caller fills every field, including the
// token, so the hold can be referenced before the transaction commits.
func (r *SeatHoldRepo) Create(ctx context.Context, h model.SeatHold) error {
	const q = `INSERT INTO seat_holds (token, event_id, seats, state, expires_at, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.q.ExecContext(ctx, q,
		h.Token, h.EventID, h.Seats, string(h.State),
		h.ExpiresAt.UTC(), h.CreatedAt.UTC(), h.UpdatedAt.UTC(),
	)
	return mapErr(err)
}

// GetForUpdate loads a hold and locks its row.
func (r *SeatHoldRepo) GetForUpdate(ctx context.Context, token string) (model.SeatHold, error) {
	q := `SELECT ` + holdColumns + ` FROM seat_holds WHERE token = ? FOR UPDATE`
	h, err := scanHold(r.q.QueryRowContext(ctx, q, token))
	if err != nil {
		return model.SeatHold{}, mapErr(err)
	}
	return h, nil
}

func (r *SeatHoldRepo) UpdateState(ctx context.Context, token string, state model.HoldState, at time.Time) error {
	const q = `UPDATE seat_holds SET state = ?, updated_at = ? WHERE token = ?`
	res, err := r.q.ExecContext(ctx, q, string(state), at.UTC(), token)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired reads without locking. The sweep re-checks each hold under
// its row lock before releasing it.
func (r *SeatHoldRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]model.SeatHold, error) {
	q := `SELECT ` + holdColumns + ` FROM seat_holds
          WHERE state = 'active' AND expires_at <= ?
          ORDER BY expires_at
          LIMIT ?`
	rows, err := r.q.QueryContext(ctx, q, now.UTC(), limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var holds []model.SeatHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return holds, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanHold(s scanner) (model.SeatHold, error) {
	var h model.SeatHold
	var state string
	if err := s.Scan(&h.Token, &h.EventID, &h.Seats, &state, &h.ExpiresAt, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return model.SeatHold{}, err
	}
	h.State = model.HoldState(state)
	h.ExpiresAt = h.ExpiresAt.UTC()
	h.CreatedAt = h.CreatedAt.UTC()
	h.UpdatedAt = h.UpdatedAt.UTC()
	return h, nil
}
