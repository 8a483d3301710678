package auth

import (
	"context"
	"fmt"
	"unicode"
)

// MockClient treats the token as the user id, for development only.
type MockClient struct {
	Client
}

func (c *MockClient) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", ErrUnauthenticated)
	}
	if len(token) > 64 {
		return nil, fmt.Errorf("token too long: %w", ErrUnauthenticated)
	}
	for _, r := range token {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return nil, fmt.Errorf("invalid character %q in token: %w", r, ErrUnauthenticated)
		}
	}
	return &Identity{UserID: token}, nil
}
