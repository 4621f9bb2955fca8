package auth

import "errors"

var (
	// ErrInvalidCredentials hides which part of a login failed.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned when a refresh token outlives its account.
	ErrUserNotFound = errors.New("user not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrConfig       = errors.New("invalid auth config")
)
