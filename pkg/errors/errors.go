// Package errors defines the service error type and the stable error codes
// exposed on the wire. Handlers map any *Error to the HTTP envelope via its
// code; everything below the API layer wraps causes with fmt.Errorf.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code surfaced in responses.
type Code string

// Error codes
const (
	// CodeAuthMissing is returned when no credentials accompany a request
	CodeAuthMissing Code = "AUTH_MISSING"

	// CodeAuthInvalid is returned when presented credentials fail validation
	CodeAuthInvalid Code = "AUTH_INVALID"

	// CodeKeyNotFound is returned when the requested signing key does not exist
	CodeKeyNotFound Code = "KEY_NOT_FOUND"

	// CodeKeyProcessing is returned when stored key material cannot be parsed
	CodeKeyProcessing Code = "KEY_PROCESSING_ERROR"

	// CodeKeyList is returned when the key store cannot be enumerated
	CodeKeyList Code = "KEY_LIST_ERROR"

	// CodeKeyUpload is returned when persisting an uploaded key fails
	CodeKeyUpload Code = "KEY_UPLOAD_ERROR"

	// CodeKeyDelete is returned when deleting a stored key fails
	CodeKeyDelete Code = "KEY_DELETE_ERROR"

	// CodeSign is returned when signing fails
	CodeSign Code = "SIGN_ERROR"

	// CodeRateLimitUnavailable is returned when the rate limiter itself fails;
	// callers deny the request (fail closed)
	CodeRateLimitUnavailable Code = "RATE_LIMIT_ERROR"

	// CodeRateLimited is returned when the identity's token bucket is empty
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeInvalidRequest is returned for malformed or incomplete requests
	CodeInvalidRequest Code = "INVALID_REQUEST"

	// CodeAudit is returned when the audit log cannot be queried
	CodeAudit Code = "AUDIT_ERROR"

	// CodeNotFound is returned for unknown routes or resources
	CodeNotFound Code = "NOT_FOUND"

	// CodeInternal is returned for unexpected failures
	CodeInternal Code = "INTERNAL_ERROR"

	// CodeUnsupportedMediaType is returned for unacceptable content types
	CodeUnsupportedMediaType Code = "UNSUPPORTED_MEDIA_TYPE"
)

// Error represents a service error with a stable wire code.
type Error struct {
	// Code is the stable error code
	Code Code

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error

	// RetryAfter is the suggested wait in seconds; only set for CodeRateLimited
	RetryAfter int
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new service error
func New(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewAuthMissing creates an error for requests without credentials
func NewAuthMissing(message string) *Error {
	return New(CodeAuthMissing, message, nil)
}

// NewAuthInvalid creates an error for credentials that fail validation
func NewAuthInvalid(message string, cause error) *Error {
	return New(CodeAuthInvalid, message, cause)
}

// NewKeyNotFound creates an error for a missing signing key
func NewKeyNotFound(message string, cause error) *Error {
	return New(CodeKeyNotFound, message, cause)
}

// NewKeyProcessing creates an error for unparseable key material
func NewKeyProcessing(message string, cause error) *Error {
	return New(CodeKeyProcessing, message, cause)
}

// NewSign creates an error for a failed signing operation
func NewSign(message string, cause error) *Error {
	return New(CodeSign, message, cause)
}

// NewRateLimitUnavailable creates a fail-closed error for limiter failures
func NewRateLimitUnavailable(cause error) *Error {
	return New(CodeRateLimitUnavailable, "Rate limiter unavailable", cause)
}

// NewRateLimited creates an error for an exhausted token bucket
func NewRateLimited(retryAfter int) *Error {
	e := New(CodeRateLimited, "Rate limit exceeded", nil)
	e.RetryAfter = retryAfter
	return e
}

// NewInvalidRequest creates an error for malformed requests
func NewInvalidRequest(message string, cause error) *Error {
	return New(CodeInvalidRequest, message, cause)
}

// NewInternal creates an error for unexpected failures
func NewInternal(message string, cause error) *Error {
	return New(CodeInternal, message, cause)
}

// As unwraps err to a *Error if one is present in its chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// CodeOf returns the wire code of err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsAuthInvalid checks if the error carries CodeAuthInvalid
func IsAuthInvalid(err error) bool {
	return CodeOf(err) == CodeAuthInvalid
}

// IsKeyNotFound checks if the error carries CodeKeyNotFound
func IsKeyNotFound(err error) bool {
	return CodeOf(err) == CodeKeyNotFound
}

// IsRateLimited checks if the error carries CodeRateLimited
func IsRateLimited(err error) bool {
	return CodeOf(err) == CodeRateLimited
}

// IsInvalidRequest checks if the error carries CodeInvalidRequest
func IsInvalidRequest(err error) bool {
	return CodeOf(err) == CodeInvalidRequest
}

// HTTPStatus maps an error code to its HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAuthMissing, CodeAuthInvalid:
		return http.StatusUnauthorized
	case CodeKeyNotFound, CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeRateLimitUnavailable:
		return http.StatusServiceUnavailable
	case CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeUnsupportedMediaType:
		return http.StatusUnsupportedMediaType
	case CodeKeyProcessing, CodeKeyList, CodeKeyUpload, CodeKeyDelete,
		CodeSign, CodeAudit, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
