package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthenticated is returned when no usable credential exists. It
	// always means the user has to log in again.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrMalformedToken is returned when a token cannot be decoded or has no expiry.
	ErrMalformedToken = errors.New("malformed token")
)

// Claims are the claims the chat server puts into its access tokens.
type Claims struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Credential is a bearer token together with what the client learned by
// decoding it.
type Credential struct {
	Token     string
	ExpiresAt time.Time
	Email     string
	Username  string
}

// Expired reports whether the credential is past its expiry, or will be
// within skew of now.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(c.ExpiresAt)
}

// ParseCredential decodes an access token without verifying its signature;
// the client never holds the signing key. Only the expiry and identity claims
// are read.
func ParseCredential(token string) (Credential, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.ExpiresAt == nil {
		return Credential{}, fmt.Errorf("%w: missing exp claim", ErrMalformedToken)
	}
	return Credential{
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		Email:     claims.Email,
		Username:  claims.Username,
	}, nil
}
