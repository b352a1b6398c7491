// Package aaerr carries the error taxonomy shared by every component that
// touches a UserOperation: validation, chain guard, sponsorship policy and
// the two upstream services.
package aaerr

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode is the stable, machine readable part of an error. It is what the
// HTTP surface renders in `error.code`.
type ErrorCode string

const (
	ValidationError   ErrorCode = "VALIDATION_ERROR"
	InvalidChain      ErrorCode = "INVALID_CHAIN"
	SponsorshipDenied ErrorCode = "SPONSORSHIP_DENIED"
	PaymasterError    ErrorCode = "PAYMASTER_ERROR"
	BundlerError      ErrorCode = "BUNDLER_ERROR"
	InvalidHash       ErrorCode = "INVALID_HASH"
	UnsupportedMethod ErrorCode = "UNSUPPORTED_METHOD"
	InternalError     ErrorCode = "INTERNAL_SERVER_ERROR"
)

// Known reports whether code is one of the codes above. Codes read from an
// upstream response are only trusted when they are known.
func Known(code ErrorCode) bool {
	switch code {
	case ValidationError, InvalidChain, SponsorshipDenied, PaymasterError,
		BundlerError, InvalidHash, UnsupportedMethod, InternalError:
		return true
	}
	return false
}

// Error lets a bare code be used as an errors.Is target:
//
//	errors.Is(err, aaerr.InvalidChain)
func (c ErrorCode) Error() string {
	return string(c)
}

// StructuredError provides consistent error handling with error codes
type StructuredError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}

	cause error
}

func (e *StructuredError) Error() string {
	return e.Message
}

func (e *StructuredError) Unwrap() error {
	return e.cause
}

// Is matches another StructuredError or a bare ErrorCode with the same code.
func (e *StructuredError) Is(target error) bool {
	switch t := target.(type) {
	case ErrorCode:
		return e.Code == t
	case *StructuredError:
		return e.Code == t.Code
	}
	return false
}

// New creates a structured error. Details are optional.
func New(code ErrorCode, message string, details ...map[string]interface{}) *StructuredError {
	var detailsMap map[string]interface{}
	if len(details) > 0 {
		detailsMap = details[0]
	}

	return &StructuredError{
		Code:    code,
		Message: message,
		Details: detailsMap,
	}
}

// Wrap creates a structured error that keeps cause reachable through
// errors.Unwrap.
func Wrap(code ErrorCode, cause error, message string) *StructuredError {
	return &StructuredError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

func NewValidationError(field, reason string) *StructuredError {
	msg := fmt.Sprintf("Validation error: %s", reason)
	if field != "" {
		msg = fmt.Sprintf("Validation error: %s: %s", field, reason)
	}
	return New(ValidationError, msg, map[string]interface{}{"field": field})
}

func NewInvalidChainError(got, want uint64) *StructuredError {
	return New(
		InvalidChain,
		fmt.Sprintf("Invalid chainId %d. Only chain %d is supported.", got, want),
		map[string]interface{}{"chainId": got, "supported": want},
	)
}

func NewSponsorshipDeniedError(reason string) *StructuredError {
	msg := "Not eligible for gas sponsorship"
	if reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, reason)
	}
	return New(SponsorshipDenied, msg)
}

func NewInvalidHashError(hash string) *StructuredError {
	return New(InvalidHash, "Invalid UserOperation hash format", map[string]interface{}{"hash": hash})
}

func NewUnsupportedMethodError(method string) *StructuredError {
	return New(UnsupportedMethod, fmt.Sprintf("Unsupported bundler method: %s", method), map[string]interface{}{"method": method})
}

// CodeOf returns the code of the first StructuredError in err's chain, or
// InternalError when there is none.
func CodeOf(err error) ErrorCode {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Code
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return InternalError
}

// HTTPStatus maps a code to the status the HTTP surface answers with.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ValidationError, InvalidChain, InvalidHash, UnsupportedMethod:
		return http.StatusBadRequest
	case SponsorshipDenied:
		return http.StatusForbidden
	case PaymasterError, BundlerError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
