// Package repository defines the persistence contract of the booking engine
// and its MySQL implementation. The sentinel values below let higher layers
// distinguish failure scenarios without knowing which store produced them.
package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/supper-club-booking/internal/apperr"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = apperr.ErrNotFound

// ErrConflict is returned when a conditional update lost a race (version
// mismatch, deadlock, lock wait timeout). It wraps
// apperr.ErrPersistenceConflict so callers retry it.
var ErrConflict = fmt.Errorf("repository conflict: %w", apperr.ErrPersistenceConflict)

// ErrDuplicate is returned when an insert collides with a unique key.
var ErrDuplicate = errors.New("duplicate key")

// MySQL server error numbers mapped onto the sentinels above.
const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// mapErr translates driver errors into repository sentinels. Errors that
// do not match are returned unchanged.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case mysqlDeadlock, mysqlLockWaitTimeout:
			return fmt.Errorf("%w: %s", ErrConflict, me.Message)
		case mysqlDuplicateEntry:
			return fmt.Errorf("%w: %s", ErrDuplicate, me.Message)
		}
	}
	return err
}
