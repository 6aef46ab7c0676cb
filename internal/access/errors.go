package access

import "errors"

// Authentication errors
var (
	// ErrUnauthenticated indicates no credential was presented
	ErrUnauthenticated = errors.New("missing API key")

	// ErrInvalidCredential indicates the credential is unknown or disabled
	ErrInvalidCredential = errors.New("invalid API key")
)

// Metering errors
var (
	// ErrRateLimited indicates the identity exceeded its per-minute ceiling
	ErrRateLimited = errors.New("too many requests")

	// ErrInsufficientCredits indicates the account balance cannot cover the call
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// Backend errors
var (
	// ErrServiceUnavailable indicates the stores needed to decide are unreachable
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrInternal indicates an unexpected failure
	ErrInternal = errors.New("internal error")
)
