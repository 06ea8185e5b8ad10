package session

import (
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "datalens"

// TokenCodec signs and verifies the JWT handed to API callers. The token
// carries only the session id; everything else lives in the redis record.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenCodec builds an HS256 codec. ttl <= 0 defaults to the session TTL
// default of 7 days.
func NewTokenCodec(secret string, ttl time.Duration) (*TokenCodec, error) {
	if secret == "" {
		return nil, errors.New("jwt secret required")
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &TokenCodec{secret: []byte(secret), ttl: ttl}, nil
}

type sessionClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Mint signs a token referencing a session id.
func (c *TokenCodec) Mint(sessionID string) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify validates a token and returns the session id it references.
func (c *TokenCodec) Verify(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || claims.SessionID == "" {
		return "", errors.New("token has no session id")
	}
	return claims.SessionID, nil
}
