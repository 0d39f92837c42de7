package utils

import (
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestAccessToken_RoundTrip(t *testing.T) {
	secret := gofakeit.Password(true, true, true, false, false, 32)

	tok, err := NewAccessToken(secret, 42, "ADMIN", 5)
	require.NoError(t, err)

	id, err := ParseAccessToken(secret, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 42, Role: "ADMIN"}, id)
}

func TestParseAccessToken_Rejects(t *testing.T) {
	good, err := NewAccessToken("secret", 7, "CUSTOMER", 5)
	require.NoError(t, err)
	expired, err := NewAccessToken("secret", 7, "CUSTOMER", -5)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "7", "role": "ADMIN"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name, secret, raw string
	}{
		{"wrong secret", "other", good.Token},
		{"expired", "secret", expired.Token},
		{"alg none", "secret", none},
		{"garbage", "secret", "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAccessToken(tt.secret, tt.raw)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestPassword(t *testing.T) {
	plain := gofakeit.Password(true, true, true, true, false, 16)
	hash, err := HashPassword(plain, bcrypt.MinCost)
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, plain))
	assert.False(t, VerifyPassword(hash, plain+"x"))
	assert.False(t, NeedsRehash(hash, bcrypt.MinCost))
	assert.True(t, NeedsRehash(hash, bcrypt.MinCost+1))
	assert.True(t, NeedsRehash("not-a-hash", bcrypt.MinCost))
}

func TestHashPassword_ClampsCost(t *testing.T) {
	hash, err := HashPassword("long-enough-pw", 1)
	require.NoError(t, err)
	cost, err := bcrypt.Cost([]byte(hash))
	require.NoError(t, err)
	assert.Equal(t, bcrypt.MinCost, cost)
}

func TestHashPassword_RejectsLength(t *testing.T) {
	for _, plain := range []string{"", "short", strings.Repeat("a", MaxPasswordLen+1)} {
		_, err := HashPassword(plain, bcrypt.MinCost)
		assert.ErrorIs(t, err, ErrWeakPassword, "len %d", len(plain))
	}
	assert.NoError(t, CheckPassword(strings.Repeat("a", MaxPasswordLen)))
}
