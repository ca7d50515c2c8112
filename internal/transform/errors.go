package transform

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode classifies a transformation failure. Codes are stable and
// machine-readable; they end up on the chunk record as last_error_code.
type ErrorCode string

const (
	CodeTimeout         ErrorCode = "timeout"
	CodeMalformedOutput ErrorCode = "malformed_output"
	CodeRateLimited     ErrorCode = "rate_limited"
	CodeServiceError    ErrorCode = "service_error"
)

// Error is a classified transformation failure.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient. Malformed output is the
// only permanent class: re-sending the same payload reproduces it.
func (e *Error) Retryable() bool {
	return e.Code != CodeMalformedOutput
}

// NewError builds a classified error wrapping cause.
func NewError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Classify maps an arbitrary error from a provider call to a classified
// *Error. Known classified errors pass through unchanged; context deadline
// expiry maps to timeout; everything else is a service error.
func Classify(err error) *Error {
	var terr *Error
	if errors.As(err, &terr) {
		return terr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, Message: "transformation call timed out", Err: err}
	}
	return &Error{Code: CodeServiceError, Err: err}
}
