// Package apperr defines the error taxonomy returned by the coordination engine.
//
// Every error that crosses a component boundary is an *Error carrying a Kind
// (how the caller should react) and a Code (what exactly went wrong). Callers
// match with errors.Is against the exported sentinels, which compare kind and
// code only, or with the Is* helpers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the reaction expected from the caller.
type Kind int

const (
	// KindInternal is a store or transport failure. Retry with backoff.
	KindInternal Kind = iota
	// KindValidation is a malformed or out-of-range input. Not retryable without correction.
	KindValidation
	// KindState is a wrong intent status or an already-made decision.
	KindState
	// KindNotFound is an unknown intent or bid.
	KindNotFound
	// KindAuth is a signature or connection authentication failure.
	KindAuth
	// KindExpired means the deadline or the bidding window has passed.
	KindExpired
	// KindConflict means a compare-and-set race was lost. Retryable immediately.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindState:
		return "state"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindExpired:
		return "expired"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error codes.
const (
	CodeInvalidFields     = "invalid_fields"
	CodeInvalidSignature  = "invalid_signature"
	CodeDuplicate         = "duplicate"
	CodePastDeadline      = "past_deadline"
	CodeInvalidTransition = "invalid_transition"
	CodeNotFound          = "not_found"
	CodeIntentNotOpen     = "intent_not_open"
	CodeWindowClosed      = "window_closed"
	CodeFeeTooHigh        = "fee_too_high"
	CodeNoBids            = "no_bids"
	CodeAlreadyDecided    = "already_decided"
	CodeConflict          = "conflict"
	CodeUnauthenticated   = "unauthenticated"
	CodeInternal          = "internal"
)

// Error is the structured error type of the engine.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match when the target is an *Error with the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound          = &Error{Kind: KindNotFound, Code: CodeNotFound}
	ErrDuplicate         = &Error{Kind: KindState, Code: CodeDuplicate}
	ErrInvalidFields     = &Error{Kind: KindValidation, Code: CodeInvalidFields}
	ErrInvalidSignature  = &Error{Kind: KindAuth, Code: CodeInvalidSignature}
	ErrPastDeadline      = &Error{Kind: KindExpired, Code: CodePastDeadline}
	ErrInvalidTransition = &Error{Kind: KindState, Code: CodeInvalidTransition}
	ErrIntentNotOpen     = &Error{Kind: KindState, Code: CodeIntentNotOpen}
	ErrWindowClosed      = &Error{Kind: KindExpired, Code: CodeWindowClosed}
	ErrFeeTooHigh        = &Error{Kind: KindValidation, Code: CodeFeeTooHigh}
	ErrNoBids            = &Error{Kind: KindState, Code: CodeNoBids}
	ErrAlreadyDecided    = &Error{Kind: KindState, Code: CodeAlreadyDecided}
	ErrConflict          = &Error{Kind: KindConflict, Code: CodeConflict}
	ErrUnauthenticated   = &Error{Kind: KindAuth, Code: CodeUnauthenticated}
)

// New builds an error of the given kind and code.
func New(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validation builds a KindValidation error with CodeInvalidFields.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, CodeInvalidFields, format, args...)
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, CodeNotFound, format, args...)
}

// Conflict builds a KindConflict error.
func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, CodeConflict, format, args...)
}

// Internal wraps a store or transport failure. The message shown to callers is
// generic; the cause stays reachable through Unwrap for logging.
func Internal(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Label is the metrics label for err. Nil maps to "ok".
func Label(err error) string {
	if err == nil {
		return "ok"
	}
	return CodeOf(err)
}

// IsConflict reports whether err is a lost compare-and-set race.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict && err != nil
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// Public returns the message safe to show to an external caller. Internal
// errors never leak their cause.
func Public(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindInternal {
		return "internal error, please retry"
	}
	return e.Error()
}
