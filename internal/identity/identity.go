// Package identity turns bearer tokens and browser sessions into verified
// caller identities issued by the OIDC provider (a Cognito user pool).
package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidToken is returned when a token cannot be verified
var ErrInvalidToken = errors.New("invalid token")

// ErrNoToken is returned when a request carries no credentials
var ErrNoToken = errors.New("no credentials presented")

// Identity is a verified caller as asserted by the identity provider
type Identity struct {
	Subject  string   `json:"sub"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	Groups   []string `json:"groups"`
}

// Resolver verifies a raw token and returns the identity it asserts
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// BearerToken extracts the token from an "Authorization: Bearer" header
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
