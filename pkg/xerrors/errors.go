// Package xerrors defines the error taxonomy shared by the settlement core.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping decisions.
type Kind string

const (
	// KindValidation marks bad or missing input. Never retried.
	KindValidation Kind = "VALIDATION"
	// KindInsufficientFunds marks a business rejection of a reservation.
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	// KindConcurrencyConflict marks a CAS write that lost its race after
	// exhausting bounded retries.
	KindConcurrencyConflict Kind = "CONCURRENCY_CONFLICT"
	// KindDownstreamUnavailable marks a store or transport failure.
	KindDownstreamUnavailable Kind = "DOWNSTREAM_UNAVAILABLE"
	// KindDuplicateEvent marks an at-least-once redelivery that was absorbed.
	KindDuplicateEvent Kind = "DUPLICATE_EVENT"
	// KindWalletInitFail marks persistent failure to lazily create a wallet.
	KindWalletInitFail Kind = "WALLET_INIT_FAIL"
	// KindNotFound marks a missing record.
	KindNotFound Kind = "NOT_FOUND"
)

// Error carries a Kind alongside a human readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

var _ error = (*Error)(nil)

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf extracts the Kind from err, or KindDownstreamUnavailable when err
// carries no classification (an unclassified failure is treated as
// infrastructure trouble and surfaced as retryable).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindDownstreamUnavailable
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
