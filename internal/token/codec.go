// Package token signs and verifies the compact, expiring tokens that
// carry work orders and proofs between the server and the client.
//
// Tokens are HS256 JWTs. The payload travels under the "data" claim
// next to the registered exp, iat and jti claims. Every token gets a
// fresh jti, so two tokens over identical payloads never share a
// signature.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"shardminer/backend/internal/clock"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token expired")
)

// Claims wraps an arbitrary payload with the registered JWT claims.
type Claims[T any] struct {
	Data T `json:"data"`
	jwt.RegisteredClaims
}

type Codec struct {
	secret []byte
	ttl    time.Duration
	clock  clock.Clock
}

func New(secret []byte, ttl time.Duration, clk clock.Clock) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token: empty secret")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("token: ttl must be positive, got %s", ttl)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Codec{secret: secret, ttl: ttl, clock: clk}, nil
}

func (c *Codec) TTL() time.Duration { return c.ttl }

// Sign encodes payload into a signed token that expires after the
// codec's TTL.
func Sign[T any](c *Codec, payload T) (string, error) {
	now := c.clock.Now()
	claims := Claims[T]{
		Data: payload,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("token: signing: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry of tokenString and returns the
// embedded payload. Failures are ErrExpired or ErrInvalidToken; the
// underlying jwt error is wrapped for logging.
func Verify[T any](c *Codec, tokenString string) (T, error) {
	var zero T
	if tokenString == "" {
		return zero, ErrInvalidToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.clock.Now),
	)

	claims := &Claims[T]{}
	parsed, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return zero, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return zero, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return zero, ErrInvalidToken
	}

	return claims.Data, nil
}
