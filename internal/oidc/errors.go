package oidc

import "errors"

var (
	// ErrUnknownKey is returned when a kid does not resolve in the key ring.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrInvalidToken is returned when claims are read from a token that cannot be parsed.
	// Callers are expected to Verify before extracting claims.
	ErrInvalidToken = errors.New("invalid token")
	ErrConfig       = errors.New("invalid oidc config")
)
