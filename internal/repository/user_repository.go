package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/supper-club-booking/internal/model"
)

// ErrEmailExists is returned by Create when the address is taken.
var ErrEmailExists = errors.New("email already exists")

const userColumns = "id,email,password_hash,role,is_active,created_at,updated_at"

// UserRepoSQL mirrors the 'users' table. Accounts live outside the booking
// transactions, so it works on the pool directly.
type UserRepoSQL struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepoSQL { return &UserRepoSQL{DB: db} }

// Create inserts a user and returns its ID. The password must already be
// hashed; the email is stored lower-cased.
func (r *UserRepoSQL) Create(ctx context.Context, email, passwordHash, role string) (uint64, error) {
	const op = "repository.UserRepoSQL.Create"

	res, err := r.DB.ExecContext(ctx,
		"INSERT INTO users (email, password_hash, role) VALUES (?,?,?)",
		normalizeEmail(email), passwordHash, role)
	if err != nil {
		if err = mapErr(err); errors.Is(err, ErrDuplicate) {
			return 0, fmt.Errorf("%s: %w", op, ErrEmailExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%s: last insert id: %w", op, err)
	}
	return uint64(id), nil
}

func (r *UserRepoSQL) GetByEmail(ctx context.Context, email string) (model.User, error) {
	const op = "repository.UserRepoSQL.GetByEmail"
	u, err := scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", normalizeEmail(email)))
	if err != nil {
		return model.User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

func (r *UserRepoSQL) GetByID(ctx context.Context, id uint64) (model.User, error) {
	const op = "repository.UserRepoSQL.GetByID"
	u, err := scanUser(r.DB.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id))
	if err != nil {
		return model.User{}, fmt.Errorf("%s: user %d: %w", op, id, err)
	}
	return u, nil
}

// UpdatePasswordHash replaces the stored hash, e.g. after a bcrypt cost bump.
func (r *UserRepoSQL) UpdatePasswordHash(ctx context.Context, id uint64, passwordHash string) error {
	const op = "repository.UserRepoSQL.UpdatePasswordHash"

	res, err := r.DB.ExecContext(ctx, "UPDATE users SET password_hash=? WHERE id=?", passwordHash, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, mapErr(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: user %d: %w", op, id, ErrNotFound)
	}
	return nil
}

func scanUser(s scanner) (model.User, error) {
	var u model.User
	err := s.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.CreatedAt, &u.UpdatedAt)
	return u, mapErr(err)
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }
