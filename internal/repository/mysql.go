package repository

import (
	"context"
	"database/sql"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MySQLStore implements Store on top of database/sql. Entity-level
// serialization comes from InnoDB row locks taken by the ...ForUpdate
// queries; unrelated events and bookings never contend.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore returns a Store bound to the given database.
func NewMySQLStore(db *sql.DB) *MySQLStore { return &MySQLStore{db: db} }

// DB exposes the underlying handle for callers that need it directly
// (health checks, the user repository).
func (s *MySQLStore) DB() *sql.DB { return s.db }

func (s *MySQLStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.run(ctx, nil, fn)
}

func (s *MySQLStore) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.run(ctx, &sql.TxOptions{ReadOnly: true}, fn)
}

func (s *MySQLStore) run(ctx context.Context, opts *sql.TxOptions, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return mapErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(ctx, sqlTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	committed = true
	return nil
}

type sqlTx struct{ q querier }

func (t sqlTx) Events() EventRepo               { return &EventRepoSQL{q: t.q} }
func (t sqlTx) Holds() HoldRepo                 { return &SeatHoldRepo{q: t.q} }
func (t sqlTx) Bookings() BookingRepo           { return &BookingRepoSQL{q: t.q} }
func (t sqlTx) PaymentEvents() PaymentEventRepo { return &PaymentEventRepoSQL{q: t.q} }
