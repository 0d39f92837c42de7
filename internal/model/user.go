package model

import "time"

// Roles carried in the access token. ADMIN is the elevated privilege that may
// act on bookings owned by others.
const (
	RoleCustomer = "CUSTOMER"
	RoleAdmin    = "ADMIN"
)

// User represents an application user record as stored in the `users`
// table. Authentication proper is an outer concern; the booking engine only
// needs the ID and role of whoever is calling.
//
// Fields:
//
//	ID           – primary key identifier of the user.
//	Email        – unique email address.
//	PasswordHash – bcrypt hashed password.
//	Role         – CUSTOMER or ADMIN.
//	IsActive     – whether the account is active.
type User struct {
	ID           uint64
	Email        string
	PasswordHash string
	Role         string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Requester identifies the caller of a booking operation.
type Requester struct {
	UserID uint64
	Role   string
}

// Elevated reports whether the requester may act on other users' bookings.
func (r Requester) Elevated() bool { return r.Role == RoleAdmin }

// CanAccess reports whether the requester owns b or is elevated.
func (r Requester) CanAccess(b Booking) bool {
	return r.Elevated() || (r.UserID != 0 && r.UserID == b.UserID)
}
