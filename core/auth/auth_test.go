package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessCode(t *testing.T) {
	hash, err := HashAccessCode("psalm-23")
	require.NoError(t, err)
	assert.NotEqual(t, "psalm-23", hash)

	assert.True(t, CheckAccessCode("psalm-23", hash))
	assert.False(t, CheckAccessCode("psalm-24", hash))
	assert.False(t, CheckAccessCode("", hash))
	assert.False(t, CheckAccessCode("psalm-23", ""))
}

func TestTokenRoundTrip(t *testing.T) {
	m := NewTokenManager("secret", "worshiproom", time.Hour)
	token, err := m.Issue(Identity{UserID: "u-1", Username: "alice", Role: RoleAdmin})
	require.NoError(t, err)

	id, err := m.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "u-1", Username: "alice", Role: RoleAdmin}, id)
	assert.True(t, id.IsAdmin())
}

func TestTokenRejected(t *testing.T) {
	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewTokenManager("secret", "worshiproom", time.Hour)
	m.now = func() time.Time { return issued }
	token, err := m.Issue(Identity{UserID: "u-1"})
	require.NoError(t, err)

	_, err = m.Parse("")
	assert.ErrorIs(t, err, ErrMissingToken)

	_, err = m.Parse("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewTokenManager("other-secret", "worshiproom", time.Hour)
	other.now = m.now
	_, err = other.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign := NewTokenManager("secret", "someone-else", time.Hour)
	foreign.now = m.now
	_, err = foreign.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	m.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, err = m.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.Issue(Identity{})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRequiresHS256(t *testing.T) {
	m := NewTokenManager("secret", "", time.Hour)
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = m.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "u-1"})
	id, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "u-1", id.UserID)
	assert.False(t, id.IsAdmin())
}
