// Package errors provides standardized error types for the access-control core.
package errors

import (
	"errors"
	"fmt"
)

// Error codes. Policy denials are not errors and have no code here.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeInvalidRule      = "INVALID_RULE"
	CodeNotFound         = "NOT_FOUND"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeStoreFailed      = "STORE_FAILED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// AccessError represents an access-control error with code, message, and optional details.
type AccessError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *AccessError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AccessError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by code.
func (e *AccessError) Is(target error) bool {
	t, ok := target.(*AccessError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetails replaces the error details.
func (e *AccessError) WithDetails(details map[string]interface{}) *AccessError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *AccessError) WithDetail(key string, value interface{}) *AccessError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common errors
var (
	ErrMissingUser  = &AccessError{Code: CodeUnauthenticated, Message: "user id is required"}
	ErrInvalidToken = &AccessError{Code: CodeUnauthenticated, Message: "invalid bearer token"}
	ErrEmptyQuery   = &AccessError{Code: CodeInvalidRequest, Message: "query cannot be empty"}
	ErrRuleNotFound = &AccessError{Code: CodeNotFound, Message: "data access rule not found"}
	ErrRoleNotFound = &AccessError{Code: CodeNotFound, Message: "role not found"}
	ErrStoreClosed  = &AccessError{Code: CodeUnavailable, Message: "store is closed"}
)

// New creates a new AccessError with the given code and message.
func New(code, message string) *AccessError {
	return &AccessError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AccessError with a formatted message.
func Newf(code, format string, args ...interface{}) *AccessError {
	return &AccessError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with an AccessError.
func Wrap(err error, code, message string) *AccessError {
	if err == nil {
		return nil
	}
	return &AccessError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *AccessError {
	if err == nil {
		return nil
	}
	return &AccessError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// IsUnauthenticated reports whether err is an authentication precondition failure.
func IsUnauthenticated(err error) bool {
	return hasCode(err, CodeUnauthenticated)
}

// IsUnavailable reports whether err is a collaborator/transport failure.
func IsUnavailable(err error) bool {
	return hasCode(err, CodeUnavailable)
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

// IsInvalidRequest checks if an error is an invalid request error.
func IsInvalidRequest(err error) bool {
	return hasCode(err, CodeInvalidRequest)
}

func hasCode(err error, code string) bool {
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		return accessErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) string {
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		return accessErr.Code
	}
	return CodeInternal
}

// GetMessage extracts the error message from an error.
func GetMessage(err error) string {
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		return accessErr.Message
	}
	return err.Error()
}
