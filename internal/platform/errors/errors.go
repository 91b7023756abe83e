// Package errors provides a structured error type with wrapping and metadata
package errors

// Always import the project errors package as perr (platform/errors)

import (
	stderrs "errors"
	"fmt"
)

// ErrorCode classifies errors for dispatch and retry decisions
// Values are stable for persisted last_error records; add sparingly
type ErrorCode uint16

const (
	// ErrorCodeUnknown is for unclassified errors; dispatch treats them as transient
	ErrorCodeUnknown ErrorCode = iota

	// ErrorCodeTransient is for conditions where a retry may succeed
	ErrorCodeTransient

	// ErrorCodePermanent is for handler-signalled terminal failures (poison)
	ErrorCodePermanent

	// ErrorCodeJoinNotReady signals a fan-in join with non-terminal members
	ErrorCodeJoinNotReady

	// ErrorCodeLeaseLost signals work cancelled because its lease expired or was taken
	ErrorCodeLeaseLost

	// ErrorCodeValidation is for input rejected at the API boundary before any write
	ErrorCodeValidation

	// ErrorCodeNotFound is for missing rows
	ErrorCodeNotFound

	// ErrorCodeDuplicateKey is for unique constraint violations
	ErrorCodeDuplicateKey

	// ErrorCodeConflict is for ownership conflicts beyond duplicate key
	ErrorCodeConflict

	// ErrorCodeUnavailable is for unreachable or starting dependencies
	ErrorCodeUnavailable

	// ErrorCodeDB is for general database errors
	ErrorCodeDB

	// ErrorCodeSchemaDeploy is for failed schema deployment at startup
	ErrorCodeSchemaDeploy
)

// ErrNotFound is a sentinel not found error for convenience
var ErrNotFound = New(ErrorCodeNotFound, "not found")

// Error is the structured error type with wrapping and metadata
// msg is human/developer facing; code is machine facing
// field is optional (for validation); op is optional operation tag
// orig is the wrapped cause
type Error struct {
	orig  error
	msg   string
	code  ErrorCode
	field string
	op    string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.orig != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.orig)
	}
	return e.msg
}

// Unwrap returns the wrapped error, if any
func (e *Error) Unwrap() error { return e.orig }

// Code returns the error code
func (e *Error) Code() ErrorCode { return e.code }

// Field returns the offending field, if any
func (e *Error) Field() string { return e.field }

// Op returns the operation label, if set
func (e *Error) Op() string { return e.op }

// Root returns the deepest wrapped cause
func Root(err error) error {
	for err != nil {
		u := stderrs.Unwrap(err)
		if u == nil {
			return err
		}
		err = u
	}
	return nil
}

// CodeOf extracts an ErrorCode from any error, defaulting to Unknown
func CodeOf(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.code
	}
	return ErrorCodeUnknown
}

// IsCode reports whether err has the given code
func IsCode(err error, code ErrorCode) bool { return CodeOf(err) == code }

// As unwraps and returns (*Error, true) if err is one of ours
func As(err error) (*Error, bool) {
	var e *Error
	if stderrs.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Mutators (copy-on-write)

// WithField attaches a field to an *Error (copy-on-write). If err isn't *Error, returns err unchanged
func WithField(err error, field string) error {
	if e, ok := As(err); ok {
		c := *e
		c.field = field
		return &c
	}
	return err
}

// WithOp attaches an operation label to an *Error (copy-on-write). If err isn't *Error, returns err unchanged
func WithOp(err error, op string) error {
	if e, ok := As(err); ok {
		c := *e
		c.op = op
		return &c
	}
	return err
}

// Constructors

// New returns a new *Error with the given code and message
func New(code ErrorCode, msg string) error { return &Error{code: code, msg: msg} }

// Newf returns a new *Error with code and formatted message
func Newf(code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...)}
}

// Wrap returns a new *Error that wraps orig with code and message
func Wrap(orig error, code ErrorCode, msg string) error {
	return &Error{code: code, msg: msg, orig: orig}
}

// Wrapf returns a new *Error that wraps orig with code and formatted message
func Wrapf(orig error, code ErrorCode, format string, a ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, a...), orig: orig}
}

// WrapIf wraps only when err != nil (helper for 1-liners)
func WrapIf(err error, code ErrorCode, msg string) error {
	if err == nil {
		return nil
	}
	return Wrap(err, code, msg)
}

// Sugar

// NotFoundf returns a not found error
func NotFoundf(format string, a ...any) error { return Newf(ErrorCodeNotFound, format, a...) }

// Validationf returns a validation error
func Validationf(format string, a ...any) error { return Newf(ErrorCodeValidation, format, a...) }

// Transientf returns a retryable error
func Transientf(format string, a ...any) error { return Newf(ErrorCodeTransient, format, a...) }

// Permanentf returns a terminal handler failure (poison)
func Permanentf(format string, a ...any) error { return Newf(ErrorCodePermanent, format, a...) }

// JoinNotReadyf returns a fan-in not-ready error
func JoinNotReadyf(format string, a ...any) error { return Newf(ErrorCodeJoinNotReady, format, a...) }

// LeaseLostf returns a lease lost error
func LeaseLostf(format string, a ...any) error { return Newf(ErrorCodeLeaseLost, format, a...) }

// DuplicateKeyf returns a duplicate key error
func DuplicateKeyf(format string, a ...any) error { return Newf(ErrorCodeDuplicateKey, format, a...) }

// Conflictf returns a conflict error
func Conflictf(format string, a ...any) error { return Newf(ErrorCodeConflict, format, a...) }

// Unavailablef returns an unavailable error
func Unavailablef(format string, a ...any) error { return Newf(ErrorCodeUnavailable, format, a...) }

// DBf returns a general database error
func DBf(format string, a ...any) error { return Newf(ErrorCodeDB, format, a...) }

// SchemaDeployf returns a schema deployment error
func SchemaDeployf(format string, a ...any) error { return Newf(ErrorCodeSchemaDeploy, format, a...) }

// Internalf returns a generic internal error
func Internalf(format string, a ...any) error { return Newf(ErrorCodeUnknown, format, a...) }

// Kind predicates used by dispatch classification

// IsPermanent reports whether err is a handler-signalled terminal failure
func IsPermanent(err error) bool { return IsCode(err, ErrorCodePermanent) }

// IsJoinNotReady reports whether err is a fan-in not-ready condition
func IsJoinNotReady(err error) bool { return IsCode(err, ErrorCodeJoinNotReady) }

// IsLeaseLost reports whether err signals lease loss
func IsLeaseLost(err error) bool { return IsCode(err, ErrorCodeLeaseLost) }

// IsValidation reports whether err was rejected at the API boundary
func IsValidation(err error) bool { return IsCode(err, ErrorCodeValidation) }

// Retry semantics

// Retryable reports whether the error is retryable
// Permanent, validation, and lease-lost errors never are; database errors
// delegate to backend-specific logic in pg.go (IsRetryable); everything
// else defaults to retryable per the propagation policy
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrorCodePermanent, ErrorCodeValidation, ErrorCodeLeaseLost, ErrorCodeNotFound:
		return false
	case ErrorCodeTransient, ErrorCodeJoinNotReady, ErrorCodeUnavailable:
		return true
	case ErrorCodeDB:
		return IsRetryable(err)
	default:
		return true
	}
}
