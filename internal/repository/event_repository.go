package repository

import (
	"context"

	"github.com/iliyamo/supper-club-booking/internal/model"
)

// EventRepoSQL reads and writes the events table. All timestamps are stored
// in UTC (the DSN sets loc=UTC).
type EventRepoSQL struct {
	q querier
}

const eventColumns = `id, title, starts_at, price_cents, max_seats, held_seats, confirmed_seats, version, created_at`

// Create inserts a new event with zeroed counters and populates the
// generated ID and defaults on e.
func (r *EventRepoSQL) Create(ctx context.Context, e *model.Event) error {
	const q = `INSERT INTO events (title, starts_at, price_cents, max_seats) VALUES (?, ?, ?, ?)`
	res, err := r.q.ExecContext(ctx, q, e.Title, e.StartsAt.UTC(), e.PriceCents, e.MaxSeats)
	if err != nil {
		return mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	// Query back the full row to populate defaults
	created, err := r.get(ctx, uint64(id), "")
	if err != nil {
		return err
	}
	*e = created
	return nil
}

func (r *EventRepoSQL) Get(ctx context.Context, id uint64) (model.Event, error) {
	return r.get(ctx, id, "")
}

func (r *EventRepoSQL) GetForUpdate(ctx context.Context, id uint64) (model.Event, error) {
	return r.get(ctx, id, " FOR UPDATE")
}

func (r *EventRepoSQL) get(ctx context.Context, id uint64, suffix string) (model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE id = ?` + suffix
	var e model.Event
	err := r.q.QueryRowContext(ctx, q, id).Scan(
		&e.ID, &e.Title, &e.StartsAt, &e.PriceCents, &e.MaxSeats,
		&e.HeldSeats, &e.ConfirmedSeats, &e.Version, &e.CreatedAt,
	)
	if err != nil {
		return model.Event{}, mapErr(err)
	}
	e.StartsAt = e.StartsAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

// UpdateCounters is a compare-and-swap on version. The capacity predicate
// is repeated in the WHERE clause so a bad caller can never persist an
// overbooked row.
func (r *EventRepoSQL) UpdateCounters(ctx context.Context, e model.Event) error {
	const q = `UPDATE events
               SET held_seats = ?, confirmed_seats = ?, version = version + 1
               WHERE id = ? AND version = ?
                 AND ? >= 0 AND ? >= 0 AND ? + ? <= max_seats`
	res, err := r.q.ExecContext(ctx, q,
		e.HeldSeats, e.ConfirmedSeats,
		e.ID, e.Version,
		e.HeldSeats, e.ConfirmedSeats, e.HeldSeats, e.ConfirmedSeats,
	)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
