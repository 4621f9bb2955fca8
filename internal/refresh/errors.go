package refresh

import "errors"

var (
	// ErrInvalidRefreshToken covers unknown, revoked and expired secrets on read paths.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrExpiredToken        = errors.New("expired refresh token")
	// ErrReuseDetected means a rotated or revoked secret was presented again.
	// Every token of the owner has been revoked by the time it is returned.
	ErrReuseDetected = errors.New("refresh token reuse detected")

	// ErrTokenNotFound is returned by stores when no token matches.
	ErrTokenNotFound = errors.New("refresh token not found")
	// ErrTokenAlreadyRevoked is returned by stores when a compare-and-set on a
	// live token loses.
	ErrTokenAlreadyRevoked = errors.New("refresh token already revoked")
	ErrConfig              = errors.New("invalid refresh config")
)
