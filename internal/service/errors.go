package service

import (
	"errors"
	"fmt"
)

// The public error taxonomy. Handlers translate these and only these into
// HTTP responses; repository and codec internals never cross this boundary.
var (
	// ErrInvalidCredentials covers both unknown user and wrong password so
	// a login failure never reveals which factor was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrEmailTaken signals a registration conflict.
	ErrEmailTaken = errors.New("email already registered")

	// ErrUnauthorized covers a missing, malformed, expired or otherwise
	// unusable access token, including a token whose subject no longer
	// exists.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidOrExpiredToken covers every way a refresh token can be dead:
	// bad signature, expiry, wrong kind, never issued, already rotated,
	// revoked, or owned by someone else.
	ErrInvalidOrExpiredToken = errors.New("refresh token invalid or expired")

	// ErrStoreUnavailable marks an infrastructure failure. It is the only
	// member of the taxonomy that maps to a retryable server error; every
	// auth decision fails closed when it occurs.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// ValidationError reports a client-fixable problem with a named input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErr(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
