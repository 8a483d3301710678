package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents JWT claims issued by the identity provider.
type Claims struct {
	UserID string `json:"uid,omitempty"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTClient verifies HS256 tokens with a shared secret.
type JWTClient struct {
	secret []byte
}

func NewJWTClient(secret []byte) (*JWTClient, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret should have at least 16 bytes")
	}
	return &JWTClient{secret: secret}, nil
}

// Sign issues a token for uid, used by tooling and tests.
func (c *JWTClient) Sign(uid, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: uid,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

func (c *JWTClient) Resolve(ctx context.Context, tokenString string) (*Identity, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("empty token: %w", ErrUnauthenticated)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, jwt.ErrSignatureInvalid)
	}

	uid := claims.UserID
	if uid == "" {
		uid = claims.Subject
	}
	if uid == "" {
		return nil, fmt.Errorf("token has no subject: %w", ErrUnauthenticated)
	}
	return &Identity{UserID: uid, DisplayName: claims.Name}, nil
}
