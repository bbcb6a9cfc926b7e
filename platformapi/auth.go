// Package platformapi implements the narrow session/topic/message/auth
// ports gateway.Handler and runner.Hub depend on but do not own
// (gateway/ports.go's own doc comment calls this persistence
// pre-existing). No file in original_source/service/app/repos covers a
// session, topic, or message table, so this package has no distillation
// source to follow; it is grounded instead on the teacher pack's own
// idiom for this kind of boundary: auth/jwt.go's HS256 JWTService for
// token verification, and the turn/mongo Client pattern (Store interface
// plus health.Pinger, Options, New) for the Mongo-backed session/topic/
// message store.
package platformapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned by Authenticate when token fails to parse,
// fails signature verification, or has no subject claim.
var ErrInvalidToken = errors.New("platformapi: invalid token")

// JWTAuthenticator verifies HS256-signed bearer tokens and resolves them
// to the user id carried in the token's subject claim. Satisfies both
// gateway.Authenticator and runner.Authenticator.
type JWTAuthenticator struct {
	secret []byte
}

// NewJWTAuthenticator builds a JWTAuthenticator from a shared HMAC secret.
func NewJWTAuthenticator(secret string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret)}
}

// Authenticate parses token and returns the subject claim as the user id.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("platformapi: authenticator has no secret configured")
	}
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	userID := strings.TrimSpace(claims.Subject)
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// IssueToken signs a token for userID, valid for ttl. Used by whatever
// front door mints tokens before a client ever dials the gateway; kept
// here so the verifier and issuer stay bound to the same secret.
func (a *JWTAuthenticator) IssueToken(userID string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", fmt.Errorf("platformapi: authenticator has no secret configured")
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
