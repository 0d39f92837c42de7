package utils

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt ignores everything past 72 bytes, so longer passwords are refused
// rather than silently truncated.
const (
	MinPasswordLen = 8
	MaxPasswordLen = 72
)

var ErrWeakPassword = fmt.Errorf("password must be %d to %d bytes", MinPasswordLen, MaxPasswordLen)

// CheckPassword reports ErrWeakPassword for a password outside the accepted
// length range.
func CheckPassword(plain string) error {
	if len(plain) < MinPasswordLen || len(plain) > MaxPasswordLen {
		return ErrWeakPassword
	}
	return nil
}

// HashPassword checks plain and hashes it with cost, clamped to the range
// bcrypt accepts.
func HashPassword(plain string, cost int) (string, error) {
	const op = "utils.HashPassword"

	if err := CheckPassword(plain); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	cost = max(bcrypt.MinCost, min(cost, bcrypt.MaxCost))
	b, err := bcrypt.GenerateFromPassword([]byte(plain), cost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return string(b), nil
}

// VerifyPassword compares plain against hash in constant time.
func VerifyPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// NeedsRehash reports whether hash was made with a lower cost than cost, or
// is not a bcrypt hash at all.
func NeedsRehash(hash string, cost int) bool {
	got, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return got < max(bcrypt.MinCost, min(cost, bcrypt.MaxCost))
}
