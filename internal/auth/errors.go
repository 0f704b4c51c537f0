package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnauthenticated    = errors.New("auth: unauthenticated")
	ErrForbidden          = errors.New("auth: forbidden")
	ErrReuseDetected      = errors.New("auth: refresh token reuse detected")
	ErrMaxDevicesExceeded = errors.New("auth: maximum active devices exceeded")
	ErrRateLimited        = errors.New("auth: rate limited")

	ErrTokenExpired       = errors.New("auth: token expired")
	ErrMalformedSignature = errors.New("auth: malformed token or signature")
	ErrIssuerMismatch     = errors.New("auth: issuer or audience mismatch")
	ErrTokenRevoked       = errors.New("auth: token revoked")

	ErrRevocationUnavailable = errors.New("auth: revocation store unavailable")

	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrNotFound           = errors.New("auth: not found")
	ErrConflict           = errors.New("auth: resource conflict")
	ErrInvalidInput       = errors.New("auth: invalid input")
	ErrNotImplemented     = errors.New("auth: not implemented")
)

// RateLimitError carries the retry hint of a throttled attempt.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
