package ir

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes store errors.
type ErrorCode string

const (
	// CodeNotFound: unknown context, version, message identifier or index.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeOutOfRange: timestamp before version 1, index beyond sequence bounds.
	CodeOutOfRange ErrorCode = "OUT_OF_RANGE"

	// CodeConflict: a second version was about to be committed for the same
	// predecessor. Only reachable through a serialization bug.
	CodeConflict ErrorCode = "CONFLICT"

	// CodeInvalidArgument: malformed selector, empty batch, mutually exclusive
	// parameters, reused message id.
	CodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
)

// Sentinels for errors.Is matching against any *Error with the same code.
var (
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "not found"}
	ErrOutOfRange      = &Error{Code: CodeOutOfRange, Message: "out of range"}
	ErrConflict        = &Error{Code: CodeConflict, Message: "conflict"}
	ErrInvalidArgument = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// Error is the structured error returned by the store, engine and resolver.
//
// Validation errors are returned before any state changes; a returned Error
// never implies a partially applied mutation.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// ContextID identifies the affected context, when known.
	ContextID string

	// Details contains additional context.
	Details map[string]string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.ContextID != "" {
		return fmt.Sprintf("%s: %s (context=%s)", e.Code, e.Message, e.ContextID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error carrying the same code, so errors.Is(err, ErrNotFound)
// works for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NotFound creates a CodeNotFound error.
func NotFound(contextID, format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...), ContextID: contextID}
}

// OutOfRange creates a CodeOutOfRange error.
func OutOfRange(contextID, format string, args ...any) *Error {
	return &Error{Code: CodeOutOfRange, Message: fmt.Sprintf(format, args...), ContextID: contextID}
}

// Conflict creates a CodeConflict error.
func Conflict(contextID string, expectedHead, actualHead int64) *Error {
	return &Error{
		Code:      CodeConflict,
		Message:   "head moved during commit",
		ContextID: contextID,
		Details: map[string]string{
			"expected_head": fmt.Sprintf("%d", expectedHead),
			"actual_head":   fmt.Sprintf("%d", actualHead),
		},
	}
}

// InvalidArgument creates a CodeInvalidArgument error.
func InvalidArgument(contextID, format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...), ContextID: contextID}
}

// CodeOf extracts the ErrorCode from err. Returns "" for foreign errors.
// Uses errors.As to handle wrapped errors.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound returns true if err carries CodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsOutOfRange returns true if err carries CodeOutOfRange.
func IsOutOfRange(err error) bool { return CodeOf(err) == CodeOutOfRange }

// IsConflict returns true if err carries CodeConflict.
func IsConflict(err error) bool { return CodeOf(err) == CodeConflict }

// IsInvalidArgument returns true if err carries CodeInvalidArgument.
func IsInvalidArgument(err error) bool { return CodeOf(err) == CodeInvalidArgument }
