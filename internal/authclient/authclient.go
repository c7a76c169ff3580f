// Package authclient validates bearer tokens against a named deployment
// environment, backed by firebase.google.com/go/v4/auth.
package authclient

import (
	"context"
	"fmt"

	"firebase.google.com/go/v4/auth"
)

// TokenVerifier is the Firebase surface this package depends on; an
// interface so tests can supply a fake rather than a live Firebase project.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

// Client validates tokens against one or more named environments (e.g.
// "staging", "production"), each backed by its own Firebase project.
type Client struct {
	verifiers map[string]TokenVerifier
}

// New builds a Client from a map of environment name to TokenVerifier.
func New(verifiers map[string]TokenVerifier) *Client {
	return &Client{verifiers: verifiers}
}

// Validate reports whether token is a currently valid ID token for
// environmentURL. Any failure (unknown environment, malformed token,
// revoked token, a network error reaching Firebase) is treated as "not
// valid", never as success; the error is still returned so callers can
// distinguish "invalid" from "couldn't check" if they need to.
func (c *Client) Validate(ctx context.Context, token, environmentURL string) (bool, error) {
	if token == "" {
		return false, fmt.Errorf("authclient.Validate: token is empty")
	}

	verifier, ok := c.verifiers[environmentURL]
	if !ok {
		return false, fmt.Errorf("authclient.Validate: no verifier configured for environment %q", environmentURL)
	}

	if _, err := verifier.VerifyIDToken(ctx, token); err != nil {
		return false, fmt.Errorf("authclient.Validate: %w", err)
	}
	return true, nil
}

// UserVerifier adapts a TokenVerifier to the HTTP middleware's
// uid-returning shape.
type UserVerifier struct {
	v TokenVerifier
}

// NewUserVerifier wraps a TokenVerifier.
func NewUserVerifier(v TokenVerifier) *UserVerifier {
	return &UserVerifier{v: v}
}

// VerifyToken verifies token and returns the authenticated user's UID.
func (u *UserVerifier) VerifyToken(ctx context.Context, token string) (string, error) {
	t, err := u.v.VerifyIDToken(ctx, token)
	if err != nil {
		return "", fmt.Errorf("authclient.VerifyToken: %w", err)
	}
	return t.UID, nil
}
