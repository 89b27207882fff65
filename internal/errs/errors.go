// Package errs provides the unified error type used across blockidx.
//
// Every layer (connection registry, query builder, table facade, key-value
// store) wraps its native errors into *errs.Error before returning them.
// Callers two layers up (indexing jobs, the HTTP gateway) branch on the kind
// through the Is* predicates and never import driver packages.
//
// Usage:
//
//	// In a dialect: wrap the native error
//	return errs.Wrap(errs.ErrKindConflict, "duplicate entry", mysqlErr)
//
//	// In a job: decide whether to reschedule
//	if errs.IsConnectionFailed(err) {
//	    queue.Requeue(address)
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing driver-specific codes.
type ErrKind int

const (
	ErrKindUnknown          ErrKind = iota
	ErrKindNotFound                 // no rows, unknown table
	ErrKindConnectionFailed         // refused, unreachable, bad credentials
	ErrKindTimeout                  // context deadline / cancellation
	ErrKindQueryFailed              // statement rejected by the engine
	ErrKindInvalidInput             // malformed params, schema or endpoint
	ErrKindConflict                 // duplicate key, object already exists
	ErrKindTxFinalized              // work issued against a committed/rolled back transaction
	ErrKindUnsupportedType          // value cannot be represented in the key-value store
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindNotFound:
		return "not_found"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindQueryFailed:
		return "query_failed"
	case ErrKindInvalidInput:
		return "invalid_input"
	case ErrKindConflict:
		return "conflict"
	case ErrKindTxFinalized:
		return "tx_finalized"
	case ErrKindUnsupportedType:
		return "unsupported_type"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by blockidx packages.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, kept for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf is New with a format string.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
// If cause is already an *Error its kind is kept, so re-wrapping while adding
// context never downgrades a classified failure to a generic one.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	var inner *Error
	if kind == ErrKindUnknown && errors.As(cause, &inner) {
		kind = inner.Kind
	}
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf extracts the ErrKind from the first *Error in the chain.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}

// IsNotFound reports whether err represents a "not found" result.
func IsNotFound(err error) bool { return KindOf(err) == ErrKindNotFound }

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool { return KindOf(err) == ErrKindTimeout }

// IsConnectionFailed reports whether err is a connectivity or auth failure.
func IsConnectionFailed(err error) bool { return KindOf(err) == ErrKindConnectionFailed }

// IsQueryFailed reports whether err is a statement execution failure.
func IsQueryFailed(err error) bool { return KindOf(err) == ErrKindQueryFailed }

// IsInvalidInput reports whether err was caused by bad input from the caller.
func IsInvalidInput(err error) bool { return KindOf(err) == ErrKindInvalidInput }

// IsConflict reports whether err is a duplicate / already-exists failure.
func IsConflict(err error) bool { return KindOf(err) == ErrKindConflict }

// IsTxFinalized reports whether err came from using a finished transaction.
func IsTxFinalized(err error) bool { return KindOf(err) == ErrKindTxFinalized }

// IsUnsupportedType reports whether err is a rejected key-value payload.
func IsUnsupportedType(err error) bool { return KindOf(err) == ErrKindUnsupportedType }
