package models

import (
	"errors"
	"fmt"
)

// Typed errors surfaced to the partner as structured reason payloads.
// None are silently swallowed; ErrStoreUnavailable is the only kind eligible
// for a local retry.
var (
	ErrUserNotFound         = errors.New("user does not exist")
	ErrUserDeleted          = errors.New("user was deleted")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrHoldNotFound         = errors.New("hold not found")
	ErrDuplicateHold        = errors.New("hold id reused with a different amount")
	ErrDuplicateTransaction = errors.New("transaction id reused with a different amount")
	ErrAlreadyTerminal      = errors.New("hold is not open")
	ErrHoldExpired          = errors.New("hold has expired")
	ErrStoreUnavailable     = errors.New("store unavailable")
)

// InsufficientFundsError carries the balance observed when a debit was
// rejected, so responses can report it without a second read.
type InsufficientFundsError struct {
	BalanceMicros int64
}

func (e *InsufficientFundsError) Error() string {
	return ErrInsufficientFunds.Error()
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// ValidationError rejects malformed input before any store is touched.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Invalid builds a ValidationError for a single field.
func Invalid(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
