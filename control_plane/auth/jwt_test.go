package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = strings.Repeat("k", 32)

func TestTokenRoundTrip(t *testing.T) {
	tokens, err := NewTokens(secret, time.Hour)
	require.NoError(t, err)

	tok, err := tokens.Generate("t1", RoleOperator, "alice")
	require.NoError(t, err)

	claims, err := tokens.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "t1", claims.TenantID)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestTokenRejections(t *testing.T) {
	tokens, err := NewTokens(secret, time.Hour)
	require.NoError(t, err)
	tok, err := tokens.Generate("t1", RoleAgent, "")
	require.NoError(t, err)

	t.Run("other secret", func(t *testing.T) {
		other, err := NewTokens(strings.Repeat("x", 32), time.Hour)
		require.NoError(t, err)
		_, err = other.Validate(tok)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tampered claims", func(t *testing.T) {
		parts := strings.Split(tok, ".")
		forged, err := tokens.Generate("t2", RoleAdmin, "")
		require.NoError(t, err)
		parts[1] = strings.Split(forged, ".")[1]
		_, err = tokens.Validate(strings.Join(parts, "."))
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		tokens.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
		defer func() { tokens.now = time.Now }()
		_, err := tokens.Validate(tok)
		assert.ErrorIs(t, err, ErrExpired)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := tokens.Validate("abc")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestShortSecret(t *testing.T) {
	_, err := NewTokens("short", time.Hour)
	assert.Error(t, err)
}
