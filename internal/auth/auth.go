// Package auth verifies callers of the write endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ILLUVRSE/design-core/internal/config"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("missing required scope")
)

// Principal is the verified caller. Subject becomes the author of committed versions.
type Principal struct {
	Subject string
	Debug   bool
}

// Verifier checks HS256 bearer tokens, or the debug token when enabled.
type Verifier struct {
	secret     []byte
	scope      string
	allowDebug bool
	debugToken string
}

func NewVerifier(cfg config.Config) (*Verifier, error) {
	if cfg.JWTSecret == "" && !cfg.AllowDebugToken {
		return nil, errors.New("DESIGN_CORE_JWT_SECRET required unless the debug token is enabled")
	}
	return &Verifier{
		secret:     []byte(cfg.JWTSecret),
		scope:      cfg.WriteScope,
		allowDebug: cfg.AllowDebugToken,
		debugToken: cfg.DebugToken,
	}, nil
}

// VerifyRequest authenticates r. Errors wrap ErrUnauthenticated or ErrForbidden.
func (v *Verifier) VerifyRequest(r *http.Request) (Principal, error) {
	if v.allowDebug {
		if token := r.Header.Get("X-Debug-Token"); token != "" {
			if token != v.debugToken {
				return Principal{}, fmt.Errorf("%w: bad debug token", ErrUnauthenticated)
			}
			subject := r.Header.Get("X-Debug-Principal")
			if subject == "" {
				subject = "debug"
			}
			return Principal{Subject: subject, Debug: true}, nil
		}
	}

	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Principal{}, fmt.Errorf("%w: bearer token missing", ErrUnauthenticated)
	}
	return v.verifyToken(strings.TrimPrefix(header, "Bearer "))
}

func (v *Verifier) verifyToken(tokenStr string) (Principal, error) {
	if len(v.secret) == 0 {
		return Principal{}, fmt.Errorf("%w: no signing secret configured", ErrUnauthenticated)
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}
	subject, _ := claims.GetSubject()
	if subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	if v.scope != "" && !hasScope(claims, v.scope) {
		return Principal{}, ErrForbidden
	}
	return Principal{Subject: subject}, nil
}

// hasScope accepts either a space separated "scope" claim or a "roles" array.
func hasScope(claims jwt.MapClaims, want string) bool {
	if scope, ok := claims["scope"].(string); ok {
		for _, s := range strings.Fields(scope) {
			if s == want {
				return true
			}
		}
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by the auth middleware.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
