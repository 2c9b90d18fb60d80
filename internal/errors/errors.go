// Package errors defines the error taxonomy of the aggregation core.
// Invalid-request errors are fatal to the single call that raised them;
// missing-entity conditions are warnings handled at the call site and
// never surface as errors.
package errors

import (
	"errors"
	"fmt"
)

// Base error types
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnknownSource  = errors.New("unknown safety source")
	ErrWrongPackage   = errors.New("calling package mismatch")
	ErrBadCertificate = errors.New("signing certificate mismatch")
	ErrInternalError  = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeIdentity    ErrorType = "identity"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeUnsupported ErrorType = "unsupported"
	ErrorTypeInternal    ErrorType = "internal"
)

// RequestError is a structured error for rejected source requests. It
// indicates a misbehaving or misconfigured caller, never corrupt state.
type RequestError struct {
	Type     ErrorType
	Op       string // Operation that failed (e.g., "set_source_data")
	SourceID string // Source the request named, if any
	UserID   int32
	Err      error // Underlying error
}

func (e *RequestError) Error() string {
	if e.SourceID != "" {
		return fmt.Sprintf("%s rejected for source %s (user %d): %v", e.Op, e.SourceID, e.UserID, e.Err)
	}
	return fmt.Sprintf("%s rejected: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *RequestError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrNotFound, ErrUnknownSource:
		if e.Type == ErrorTypeNotFound {
			return true
		}
	case ErrWrongPackage, ErrBadCertificate:
		if e.Type == ErrorTypeIdentity {
			return true
		}
	case ErrInvalidInput:
		if e.Type == ErrorTypeValidation {
			return true
		}
	}
	return errors.Is(e.Err, target)
}

// NewRequestError creates a new RequestError
func NewRequestError(errorType ErrorType, op, sourceID string, userID int32, err error) *RequestError {
	return &RequestError{
		Type:     errorType,
		Op:       op,
		SourceID: sourceID,
		UserID:   userID,
		Err:      err,
	}
}

// Validationf builds a validation RequestError from a format string.
func Validationf(op, sourceID string, userID int32, format string, args ...any) *RequestError {
	return NewRequestError(ErrorTypeValidation, op, sourceID, userID, fmt.Errorf(format, args...))
}

// IsInvalidRequest checks whether an error came from request validation,
// as opposed to an internal failure.
func IsInvalidRequest(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Type != ErrorTypeInternal
	}
	return errors.Is(err, ErrInvalidInput)
}
