package v1alpha1

import (
	"errors"
	"fmt"
)

// Code classifies errors returned across the management boundary.
type Code string

const (
	CodePermissionDenied  Code = "PermissionDenied"
	CodeIllegalArgument   Code = "IllegalArgument"
	CodeUntrustedOrigin   Code = "UntrustedOrigin"
	CodeIllegalState      Code = "IllegalState"
	CodeResourceExhausted Code = "ResourceExhausted"
	CodeInternal          Code = "Internal"
)

// Error is an error carrying a Code. Lower layers return plain wrapped
// errors; the service layer attaches a code before the error leaves the
// daemon.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// Errorf returns an *Error with the given code and formatted message. A %w
// verb in format is honored for unwrapping.
func Errorf(code Code, format string, args ...interface{}) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: err.Error(), Err: errors.Unwrap(err)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain. Errors without
// one are Internal; nil has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// WithCode returns err unchanged if it already carries a code, otherwise it
// wraps err with code.
func WithCode(code Code, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return err
	}
	return &Error{Code: code, Message: err.Error(), Err: err}
}
