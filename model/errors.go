package model

import (
	"fmt"
	"sort"
	"strings"
)

// Error codes returned by the record platform. Every public operation fails
// with an *ErrorEnvelope carrying exactly one of these codes.
const (
	ErrValidationFailed     = "VALIDATION_FAILED"
	ErrAccessDenied         = "ACCESS_DENIED"
	ErrMutationNotPermitted = "MUTATION_NOT_PERMITTED"
	ErrColumnNotEditable    = "COLUMN_NOT_EDITABLE"
	ErrRowOutOfScope        = "ROW_OUT_OF_SCOPE"
	ErrVersionConflict      = "VERSION_CONFLICT"
	ErrNotFound             = "NOT_FOUND"
	ErrIllegalTransition    = "ILLEGAL_TRANSITION"
	ErrStorageUnavailable   = "STORAGE_UNAVAILABLE"
)

// Transport-level error codes.
const (
	ErrBadRequest    = "BAD_REQUEST"
	ErrUnauthorized  = "UNAUTHORIZED"
	ErrInternalError = "INTERNAL_ERROR"
)

// Field-level violation codes used in FieldError.Code.
const (
	ViolationRequired      = "REQUIRED"
	ViolationNotNumeric    = "NOT_NUMERIC"
	ViolationBelowMin      = "BELOW_MIN"
	ViolationAboveMax      = "ABOVE_MAX"
	ViolationInvalidDate   = "INVALID_DATE"
	ViolationPattern       = "PATTERN_MISMATCH"
	ViolationTooShort      = "TOO_SHORT"
	ViolationTooLong       = "TOO_LONG"
	ViolationInvalidOption = "INVALID_OPTION"
	ViolationFileType      = "FILE_TYPE_NOT_ALLOWED"
	ViolationFileTooLarge  = "FILE_TOO_LARGE"
	ViolationInvalidType   = "INVALID_TYPE"
	ViolationUnknownField  = "UNKNOWN_FIELD"
	ViolationNotEditable   = "NOT_EDITABLE"
	ViolationNotViewable   = "NOT_VIEWABLE"
)

// ErrorEnvelope is the error type returned by every core operation and
// rendered as the JSON error body by the transport layer.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`

	// Current is the authoritative stored record. Set only for VERSION_CONFLICT.
	Current *Record `json:"current,omitempty"`

	cause error
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying infrastructure error, if any.
func (e *ErrorEnvelope) Unwrap() error {
	return e.cause
}

// Retryable reports whether the caller may retry the same request with
// backoff. Only transient storage failures are retryable.
func (e *ErrorEnvelope) Retryable() bool {
	return e.Code == ErrStorageUnavailable
}

// FieldError describes a single field-level violation.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Is reports whether err is an *ErrorEnvelope with the given code.
func Is(err error, code string) bool {
	env, ok := AsEnvelope(err)
	return ok && env.Code == code
}

// AsEnvelope unwraps err into an *ErrorEnvelope.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	for err != nil {
		if env, ok := err.(*ErrorEnvelope); ok {
			return env, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// NewValidationFailedError returns a VALIDATION_FAILED error listing every violation.
func NewValidationFailedError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationFailed,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewAccessDeniedError returns an ACCESS_DENIED error for an entity-level gate.
func NewAccessDeniedError(module, entity string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrAccessDenied,
		Message: fmt.Sprintf("access to %s/%s denied", module, entity),
	}
}

// NewMutationNotPermittedError returns a MUTATION_NOT_PERMITTED error.
func NewMutationNotPermittedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMutationNotPermitted, Message: msg}
}

// NewColumnNotEditableError returns a COLUMN_NOT_EDITABLE error naming every
// offending key in sorted order.
func NewColumnNotEditableError(keys []string) *ErrorEnvelope {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	details := make([]FieldError, 0, len(sorted))
	for _, k := range sorted {
		details = append(details, FieldError{
			Field:   k,
			Code:    ViolationNotEditable,
			Message: fmt.Sprintf("field %s not editable", k),
		})
	}
	return &ErrorEnvelope{
		Code:    ErrColumnNotEditable,
		Message: fmt.Sprintf("fields not editable: %s", strings.Join(sorted, ", ")),
		Details: details,
	}
}

// NewRowOutOfScopeError returns a ROW_OUT_OF_SCOPE error.
func NewRowOutOfScopeError(recordID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrRowOutOfScope,
		Message: fmt.Sprintf("record %s is outside the caller's scope", recordID),
	}
}

// NewVersionConflictError returns a VERSION_CONFLICT carrying the current record.
func NewVersionConflictError(current *Record, expected int64) *ErrorEnvelope {
	msg := fmt.Sprintf("version conflict (expected %d)", expected)
	if current != nil {
		msg = fmt.Sprintf("version conflict (expected %d, current %d)", expected, current.Version)
	}
	return &ErrorEnvelope{Code: ErrVersionConflict, Message: msg, Current: current}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewIllegalTransitionError returns an ILLEGAL_TRANSITION error.
func NewIllegalTransitionError(from RecordStatus, action string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIllegalTransition,
		Message: fmt.Sprintf("cannot %s a record in status %q", action, from),
	}
}

// NewStorageUnavailableError wraps a transient infrastructure failure.
func NewStorageUnavailableError(cause error) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrStorageUnavailable,
		Message: "The record store is temporarily unavailable",
		cause:   cause,
	}
}

// WrapStorage returns err unchanged if it is already an *ErrorEnvelope and
// otherwise wraps it as STORAGE_UNAVAILABLE.
func WrapStorage(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsEnvelope(err); ok {
		return err
	}
	return NewStorageUnavailableError(err)
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
