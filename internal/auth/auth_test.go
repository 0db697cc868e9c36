package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/design-core/internal/config"
)

const secret = "test-secret"

func sign(t *testing.T, key string, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	require.NoError(t, err)
	return s
}

func TestVerifier(t *testing.T) {
	v, err := NewVerifier(config.Config{JWTSecret: secret, WriteScope: "design:write", AllowDebugToken: true, DebugToken: "dbg"})
	require.NoError(t, err)

	verify := func(header, value string) (Principal, error) {
		req := httptest.NewRequest("POST", "/designs", nil)
		if header != "" {
			req.Header.Set(header, value)
		}
		return v.VerifyRequest(req)
	}

	t.Run("token success", func(t *testing.T) {
		tok := sign(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{
			"sub":   "ana",
			"scope": "design:read design:write",
			"exp":   time.Now().Add(time.Hour).Unix(),
		})
		p, err := verify("Authorization", "Bearer "+tok)
		require.NoError(t, err)
		assert.Equal(t, "ana", p.Subject)
		assert.False(t, p.Debug)
	})

	t.Run("roles claim", func(t *testing.T) {
		tok := sign(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ana", "roles": []string{"design:write"}})
		_, err := verify("Authorization", "Bearer "+tok)
		assert.NoError(t, err)
	})

	t.Run("missing scope", func(t *testing.T) {
		tok := sign(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ana", "scope": "design:read"})
		_, err := verify("Authorization", "Bearer "+tok)
		assert.True(t, errors.Is(err, ErrForbidden))
	})

	t.Run("wrong secret", func(t *testing.T) {
		tok := sign(t, "other", jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ana", "scope": "design:write"})
		_, err := verify("Authorization", "Bearer "+tok)
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("expired", func(t *testing.T) {
		tok := sign(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "ana", "scope": "design:write", "exp": time.Now().Add(-time.Minute).Unix(),
		})
		_, err := verify("Authorization", "Bearer "+tok)
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("other algorithm", func(t *testing.T) {
		tok := sign(t, secret, jwt.SigningMethodHS512, jwt.MapClaims{"sub": "ana", "scope": "design:write"})
		_, err := verify("Authorization", "Bearer "+tok)
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("no subject", func(t *testing.T) {
		tok := sign(t, secret, jwt.SigningMethodHS256, jwt.MapClaims{"scope": "design:write"})
		_, err := verify("Authorization", "Bearer "+tok)
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("no credentials", func(t *testing.T) {
		_, err := verify("", "")
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("debug token", func(t *testing.T) {
		p, err := verify("X-Debug-Token", "dbg")
		require.NoError(t, err)
		assert.True(t, p.Debug)
		assert.Equal(t, "debug", p.Subject)

		_, err = verify("X-Debug-Token", "nope")
		assert.True(t, errors.Is(err, ErrUnauthenticated))
	})
}

func TestDebugTokenDisabled(t *testing.T) {
	v, err := NewVerifier(config.Config{JWTSecret: secret})
	require.NoError(t, err)
	req := httptest.NewRequest("POST", "/designs", nil)
	req.Header.Set("X-Debug-Token", "dbg")
	_, err = v.VerifyRequest(req)
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(config.Config{})
	assert.Error(t, err)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
	ctx := WithPrincipal(context.Background(), Principal{Subject: "ana"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "ana", p.Subject)
}
