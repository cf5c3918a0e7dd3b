// Package apperr defines the error kinds surfaced by the ledger and the
// redemption flows. Every rejection carries a user-facing message; callers
// match on kind with errors.Is against the sentinels below.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindInvalidOperation    Kind = "invalid_operation"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindInsufficientStock   Kind = "insufficient_stock"
	KindExpired             Kind = "expired"
	KindAlreadyProcessed    Kind = "already_processed"
	KindRateLimited         Kind = "rate_limited"
)

// Error is a domain rejection. State is never modified when one is returned.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is the number of seconds to wait, set for KindRateLimited.
	RetryAfter int
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Is reports whether target is an *Error of the same kind, so that
// errors.Is(err, apperr.ErrNotFound) matches any not-found rejection.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrInvalidOperation    = &Error{Kind: KindInvalidOperation}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrInsufficientStock   = &Error{Kind: KindInsufficientStock}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrAlreadyProcessed    = &Error{Kind: KindAlreadyProcessed}
	ErrRateLimited         = &Error{Kind: KindRateLimited}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func InvalidOperation(format string, args ...any) *Error {
	return New(KindInvalidOperation, format, args...)
}

func InsufficientBalance(have, need int64) *Error {
	return New(KindInsufficientBalance, "insufficient balance: have %d points, need %d", have, need)
}

func InsufficientStock(item string, have, want int) *Error {
	return New(KindInsufficientStock, "insufficient stock for %s: %d available, %d requested", item, have, want)
}

func Expired(format string, args ...any) *Error {
	return New(KindExpired, format, args...)
}

func AlreadyProcessed(format string, args ...any) *Error {
	return New(KindAlreadyProcessed, format, args...)
}

// RateLimited builds a rejection asking the caller to wait seconds more.
func RateLimited(seconds int) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Message:    fmt.Sprintf("please wait %d seconds before checking in again", seconds),
		RetryAfter: seconds,
	}
}

// KindOf returns the kind of err, or "" for infrastructure errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
