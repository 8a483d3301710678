package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrUnauthenticated is returned when a token is missing, malformed or rejected.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnavailable is returned when the identity service can not be reached.
	ErrUnavailable = errors.New("identity service unavailable")
)

// Identity is the authenticated principal behind a token.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type Client interface {
	// Resolve authenticates token, returns the identity behind it.
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// TokenFromRequest extracts the bearer token from header, cookie `x-token` or
// query `token`, in that order.
func TokenFromRequest(r *http.Request) string {
	if v := r.Header.Get("Authorization"); v != "" {
		const prefix = "Bearer "
		if len(v) > len(prefix) && strings.EqualFold(v[:len(prefix)], prefix) {
			return strings.TrimSpace(v[len(prefix):])
		}
	}
	if c, err := r.Cookie("x-token"); err == nil && c.Value != "" {
		return c.Value
	}
	// browsers can not set headers on websocket upgrade.
	return r.URL.Query().Get("token")
}
