// Package errors defines the service's domain error type and its mapping onto
// HTTP and gRPC status codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error classification.
type Code string

const (
	ErrCodeNotFound        Code = "NOT_FOUND"
	ErrCodeInvalidInput    Code = "INVALID_INPUT"
	ErrCodePolicyViolation Code = "POLICY_VIOLATION"
	ErrCodeUnauthorized    Code = "UNAUTHORIZED"
	ErrCodeForbidden       Code = "FORBIDDEN"
	ErrCodeConflict        Code = "CONFLICT"
	ErrCodeRateLimited     Code = "RATE_LIMITED"
	ErrCodeInternal        Code = "INTERNAL"
)

// Error is the domain error carried across service boundaries.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
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

// Is matches another *Error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s not found: %s", resource, id),
		Metadata: map[string]string{"resource": resource, "id": id},
	}
}

// InvalidInput reports a malformed request field.
func InvalidInput(field, message string) *Error {
	return &Error{
		Code:     ErrCodeInvalidInput,
		Message:  fmt.Sprintf("invalid %s: %s", field, message),
		Metadata: map[string]string{"field": field},
	}
}

// PolicyViolation reports a request that breaks approval policy constraints.
func PolicyViolation(message string, metadata map[string]string) *Error {
	return &Error{Code: ErrCodePolicyViolation, Message: message, Metadata: metadata}
}

// Forbidden reports a caller lacking the required privilege.
func Forbidden(message string) *Error {
	return &Error{Code: ErrCodeForbidden, Message: message}
}

// Conflict reports a state precondition that no longer holds.
func Conflict(message string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message}
}

// CodeOf extracts the code of the first *Error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// MetadataOf returns the metadata of the first *Error in err's chain.
func MetadataOf(err error) map[string]string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Metadata
	}
	return nil
}

// Is is a convenience wrapper over the standard library.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is a convenience wrapper over the standard library.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// HTTPStatus maps an error to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodePolicyViolation:
		return http.StatusUnprocessableEntity
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	case ErrCodePolicyViolation:
		return codes.FailedPrecondition
	case ErrCodeUnauthorized:
		return codes.Unauthenticated
	case ErrCodeForbidden:
		return codes.PermissionDenied
	case ErrCodeConflict:
		return codes.Aborted
	case ErrCodeRateLimited:
		return codes.ResourceExhausted
	default:
		return codes.Internal
	}
}

// JoinAllowed renders a set of allowed values for error messages in a stable order.
func JoinAllowed(values []string) string {
	sorted := append([]string(nil), values...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}
