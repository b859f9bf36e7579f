package services

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures surfaced to callers of the performance services.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation" // malformed or out-of-bound input
	KindAuth       ErrorKind = "auth"       // invalid, forged, expired or superseded token
	KindNotFound   ErrorKind = "not_found"  // unknown, deleted or expired performance
	KindState      ErrorKind = "state"      // operation not allowed in the current window
)

// Error is a classified service failure. Message is safe to return to clients.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is matches sentinel errors of the same kind, so errors.Is(err, ErrAuth) works
// for any auth failure regardless of its message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is checks.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrAuth       = &Error{Kind: KindAuth}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrState      = &Error{Kind: KindState}

	// ErrTokenSuperseded rejects a mutation made with a token that a later
	// mutation has replaced.
	ErrTokenSuperseded = &Error{Kind: KindAuth, Message: "token has been superseded"}
	// ErrTokenMismatch rejects a token presented for a different performance.
	ErrTokenMismatch = &Error{Kind: KindAuth, Message: "token does not match performance"}
)

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func authError(msg string) *Error {
	return &Error{Kind: KindAuth, Message: msg}
}

func notFoundError(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

func stateError(msg string) *Error {
	return &Error{Kind: KindState, Message: msg}
}

// KindOf returns the kind of a classified error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
