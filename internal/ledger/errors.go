package ledger

import "errors"

var (
	// ErrInvalidAmount indicates a non-positive deduction or top-up amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrStoreUnavailable indicates every store able to serve the operation failed.
	ErrStoreUnavailable = errors.New("ledger: credit store unavailable")

	// ErrAccountNotFound indicates neither store knows the account.
	ErrAccountNotFound = errors.New("ledger: account not found")
)
