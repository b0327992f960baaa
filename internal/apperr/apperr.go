// Package apperr defines the coded error type returned across package
// boundaries. Callers branch on the code, never on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Code categorizes an error.
type Code string

const (
	// CodeConflict indicates a duplicate identifier or a job that cannot be run again.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates an unknown job identifier.
	CodeNotFound Code = "not_found"
	// CodeValidation indicates a malformed request.
	CodeValidation Code = "validation"
	// CodeConfiguration indicates a target callback could not be constructed.
	CodeConfiguration Code = "configuration"
	// CodeResolution indicates attack or vulnerability strategies could not be resolved.
	CodeResolution Code = "resolution"
	// CodeProbeEngine indicates the probe run itself failed.
	CodeProbeEngine Code = "probe_engine"
	// CodeNormalization indicates a probe result could not be encoded for storage.
	CodeNormalization Code = "normalization"
	// CodeTimeout indicates the caller's deadline elapsed before the job finished.
	CodeTimeout Code = "timeout"
	// CodeCanceled indicates the caller went away before the job finished.
	CodeCanceled Code = "canceled"
	// CodeFatal indicates an unexpected failure inside an execution.
	CodeFatal Code = "fatal"
	// CodeInternal indicates any other failure.
	CodeInternal Code = "internal"
)

// Error is a structured error with a code, message, and optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with the given code and formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a code and message. It returns nil if err is nil.
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Conflictf creates a Conflict error.
func Conflictf(format string, args ...any) *Error {
	return Newf(CodeConflict, format, args...)
}

// NotFoundf creates a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return Newf(CodeNotFound, format, args...)
}

// Configurationf creates a Configuration error.
func Configurationf(format string, args ...any) *Error {
	return Newf(CodeConfiguration, format, args...)
}

// Resolutionf creates a Resolution error.
func Resolutionf(format string, args ...any) *Error {
	return Newf(CodeResolution, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool { return Is(err, CodeNotFound) }

// IsConflict reports whether err is a Conflict error.
func IsConflict(err error) bool { return Is(err, CodeConflict) }

// IsTimeout reports whether err is a Timeout error.
func IsTimeout(err error) bool { return Is(err, CodeTimeout) }

// IsConfiguration reports whether err is a Configuration error.
func IsConfiguration(err error) bool { return Is(err, CodeConfiguration) }
