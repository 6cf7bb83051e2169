// Package auth supplies the short-lived bearer tokens the relay expects.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means no credential is available; the user has to sign in.
	ErrNoToken = errors.New("no access token")
	// ErrTokenExpired means a credential exists but is past its expiry.
	ErrTokenExpired = errors.New("access token expired")
)

// TokenSource yields a bearer token for the relay.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, e.g. from a flag or the environment.
type Static string

func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	if err := Check(string(s), time.Now()); err != nil {
		return "", err
	}
	return string(s), nil
}

// Chain returns the first token any source yields. Sources without a token
// are skipped; other errors stop the search.
type Chain []TokenSource

func (c Chain) Token(ctx context.Context) (string, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		tok, err := src.Token(ctx)
		if errors.Is(err, ErrNoToken) {
			continue
		}
		return tok, err
	}
	return "", ErrNoToken
}

// Expiry returns the exp claim of a JWT without verifying its signature. ok
// is false for opaque tokens and JWTs without exp.
func Expiry(token string) (exp time.Time, ok bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Check rejects a JWT whose exp is not after now. Opaque tokens pass; the
// relay is the authority on them.
func Check(token string, now time.Time) error {
	if exp, ok := Expiry(token); ok && !now.Before(exp) {
		return ErrTokenExpired
	}
	return nil
}
