package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, subject string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestVerifyValidToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	subject, err := verifier.Verify(signToken(t, "user-1", time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "user-1", subject)
}

func TestVerifyEmptyToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	_, err := verifier.Verify("")
	require.ErrorIs(t, err, ErrNoToken)
	assert.True(t, IsAuthError(err))
}

func TestVerifyExpiredToken(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	_, err := verifier.Verify(signToken(t, "user-1", time.Now().Add(-time.Hour)))
	require.ErrorIs(t, err, ErrExpiredToken)
	assert.True(t, IsAuthError(err))
}

func TestVerifyWrongSecret(t *testing.T) {
	verifier := NewJWTVerifier("other-secret")

	_, err := verifier.Verify(signToken(t, "user-1", time.Now().Add(time.Hour)))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyMissingSubject(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)

	_, err := verifier.Verify(signToken(t, "", time.Now().Add(time.Hour)))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestNormalizeToken(t *testing.T) {
	assert.Equal(t, "abc", NormalizeToken("Bearer abc"))
	assert.Equal(t, "abc", NormalizeToken("bearer abc"))
	assert.Equal(t, "abc", NormalizeToken("BEARER  abc "))
	assert.Equal(t, "abc", NormalizeToken("abc"))
	assert.Equal(t, "", NormalizeToken(""))
}

func TestIsAuthErrorClassification(t *testing.T) {
	assert.True(t, IsAuthError(errors.New("user not found")))
	assert.True(t, IsAuthError(errors.New("jwt malformed")))
	assert.True(t, IsAuthError(errors.New("request unauthorized")))
	assert.False(t, IsAuthError(errors.New("connection refused")))
	assert.False(t, IsAuthError(nil))
}
