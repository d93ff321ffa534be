package model

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. This is a closed set: every failure anywhere in the request
// lifecycle maps to exactly one of these codes on the wire.
const (
	CodeParseError          = "PARSE_ERROR"
	CodeStructurallyInvalid = "STRUCTURALLY_INVALID"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeRequestTooLarge     = "REQUEST_TOO_LARGE"
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNotFound            = "NOT_FOUND"
	CodeCannotCancel        = "CANNOT_CANCEL"
	CodeRateLimited         = "RATE_LIMITED"
	CodeCancelled           = "CANCELLED"
	CodeTimeout             = "TIMEOUT"
	CodeInternalError       = "INTERNAL_ERROR"
)

// statusForCode maps error codes to transport-status-like codes.
var statusForCode = map[string]string{
	CodeParseError:          "400",
	CodeStructurallyInvalid: "400",
	CodeValidationFailed:    "422",
	CodeRequestTooLarge:     "413",
	CodeUnauthenticated:     "401",
	CodeUnauthorized:        "403",
	CodeNotFound:            "404",
	CodeCannotCancel:        "409",
	CodeRateLimited:         "429",
	CodeCancelled:           "499",
	CodeTimeout:             "504",
	CodeInternalError:       "500",
}

// Error is the wire-format error object. It implements the error interface
// so domain code can return it directly and the orchestrator boundary can
// recover it with errors.As.
type Error struct {
	Status  string         `json:"status"`
	Code    string         `json:"code"`
	Title   string         `json:"title"`
	Detail  string         `json:"detail,omitempty"`
	Source  string         `json:"source,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Title)
}

// WithSource returns a copy of the error pointing at the offending field.
func (e *Error) WithSource(pointer string) *Error {
	c := *e
	c.Source = pointer
	return &c
}

// WithDetails returns a copy of the error carrying structured details.
func (e *Error) WithDetails(details map[string]any) *Error {
	c := *e
	c.Details = details
	return &c
}

func newError(code, title, detail string) *Error {
	return &Error{
		Status: statusForCode[code],
		Code:   code,
		Title:  title,
		Detail: detail,
	}
}

// NewParseError returns a PARSE_ERROR.
func NewParseError(detail string) *Error {
	return newError(CodeParseError, "Request could not be decoded", detail)
}

// NewStructurallyInvalidError returns a STRUCTURALLY_INVALID error for a
// request whose top-level shape is wrong.
func NewStructurallyInvalidError(detail string) *Error {
	return newError(CodeStructurallyInvalid, "Request shape is invalid", detail)
}

// NewBatchNotSupportedError returns the STRUCTURALLY_INVALID variant used
// when the top-level shape is a sequential array. Batches get their own
// detail message so clients are told they are unsupported rather than
// malformed.
func NewBatchNotSupportedError() *Error {
	return newError(CodeStructurallyInvalid, "Request shape is invalid",
		"batch requests are not supported; send one request object per call")
}

// NewValidationError returns a VALIDATION_FAILED error for one field.
// Multiple of these are aggregated into a single response.
func NewValidationError(pointer, detail string) *Error {
	e := newError(CodeValidationFailed, "Request failed validation", detail)
	e.Source = pointer
	return e
}

// NewRequestTooLargeError returns a REQUEST_TOO_LARGE error.
func NewRequestTooLargeError(limit int) *Error {
	return newError(CodeRequestTooLarge, "Request exceeds size limit",
		fmt.Sprintf("request body may not exceed %d bytes", limit))
}

// NewUnauthenticatedError returns an UNAUTHENTICATED error.
func NewUnauthenticatedError() *Error {
	return newError(CodeUnauthenticated, "Caller identity is required", "")
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError() *Error {
	return newError(CodeUnauthorized, "Caller is not permitted to do this", "")
}

// NewNotFoundError returns a NOT_FOUND error. The same error shape is used
// for "does not exist" and "exists but you cannot see it" so responses do
// not leak which case applies.
func NewNotFoundError(detail string) *Error {
	return newError(CodeNotFound, "Resource not found", detail)
}

// NewCannotCancelError returns a CANNOT_CANCEL error naming the current
// terminal status, so callers can tell "already done" from "already
// cancelled".
func NewCannotCancelError(status OperationStatus) *Error {
	e := newError(CodeCannotCancel, "Operation is already in a terminal state",
		fmt.Sprintf("operation is %s and can no longer be cancelled", status))
	e.Details = map[string]any{"status": string(status)}
	return e
}

// NewRateLimitedError returns a RATE_LIMITED error.
func NewRateLimitedError() *Error {
	return newError(CodeRateLimited, "Rate limit exceeded", "try again later")
}

// NewCancelledError returns a CANCELLED error for a request aborted by the
// client before a result was produced.
func NewCancelledError() *Error {
	return newError(CodeCancelled, "Request was cancelled", "")
}

// NewTimeoutError returns a TIMEOUT error.
func NewTimeoutError() *Error {
	return newError(CodeTimeout, "Function did not respond in time", "")
}

// NewInternalError returns an opaque INTERNAL_ERROR. Internal diagnostic
// detail never travels on the wire; it belongs in server-side logs only.
func NewInternalError() *Error {
	return newError(CodeInternalError, "An unexpected error occurred", "")
}

// NewConcurrentModificationError returns the INTERNAL_ERROR variant for a
// cancellation abandoned after repeated write conflicts. It is distinct from
// NOT_FOUND and CANNOT_CANCEL so callers can tell a transient conflict from
// a permanent rejection.
func NewConcurrentModificationError() *Error {
	e := newError(CodeInternalError, "An unexpected error occurred",
		"could not cancel due to concurrent modification; retry the request")
	e.Details = map[string]any{"reason": "concurrent_modification"}
	return e
}

// MapError converts any failure into exactly one wire-format error. A *Error
// anywhere in the chain wins; context cancellation and deadline expiry map
// to their dedicated kinds; everything else collapses to an opaque
// INTERNAL_ERROR.
func MapError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError()
	}
	if errors.Is(err, context.Canceled) {
		return NewCancelledError()
	}
	return NewInternalError()
}
