package core

import (
	"errors"
	"fmt"
)

// ErrorCode categorises a rejected command.
type ErrorCode string

const (
	CodeNotFound              ErrorCode = "NOT_FOUND"
	CodeInsufficientStock     ErrorCode = "INSUFFICIENT_STOCK"
	CodeInsufficientAvailable ErrorCode = "INSUFFICIENT_AVAILABLE"
	CodeInvalidQuantity       ErrorCode = "INVALID_QUANTITY"
	CodeInvalidState          ErrorCode = "INVALID_STATE"
	CodeConcurrencyConflict   ErrorCode = "CONCURRENCY_CONFLICT"
	CodeReconciliationDrift   ErrorCode = "RECONCILIATION_DRIFT"
)

// Error is the typed error returned by every ledger command.
// Two errors match under errors.Is when their codes match.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrInsufficientStock     = &Error{Code: CodeInsufficientStock}
	ErrInsufficientAvailable = &Error{Code: CodeInsufficientAvailable}
	ErrInvalidQuantity       = &Error{Code: CodeInvalidQuantity}
	ErrInvalidState          = &Error{Code: CodeInvalidState}
	ErrConcurrencyConflict   = &Error{Code: CodeConcurrencyConflict}
	ErrReconciliationDrift   = &Error{Code: CodeReconciliationDrift}
)

// ErrStaleVersion is returned by a Tx when an optimistic version check fails.
// The service retries on it and surfaces ErrConcurrencyConflict once the budget is spent.
var ErrStaleVersion = errors.New("stale stock level version")

// Errorf builds a typed error. Stores use it to report NOT_FOUND.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return Errorf(code, format, args...)
}

// CodeOf returns the ErrorCode carried by err, or "" for infrastructure errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
