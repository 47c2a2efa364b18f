package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "record not found"}
	want := "NOT_FOUND: record not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestRetryable_onlyStorageUnavailable(t *testing.T) {
	codes := []*ErrorEnvelope{
		NewValidationFailedError(nil),
		NewAccessDeniedError("expense", "dealer"),
		NewMutationNotPermittedError("no"),
		NewColumnNotEditableError([]string{"a"}),
		NewRowOutOfScopeError("r1"),
		NewVersionConflictError(nil, 1),
		NewNotFoundError("x"),
		NewIllegalTransitionError(StatusDraft, "approve"),
	}
	for _, e := range codes {
		if e.Retryable() {
			t.Errorf("%s Retryable() = true, want false", e.Code)
		}
	}
	if !NewStorageUnavailableError(nil).Retryable() {
		t.Error("STORAGE_UNAVAILABLE Retryable() = false, want true")
	}
}

func TestStorageUnavailable_unwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	e := NewStorageUnavailableError(fmt.Errorf("update record: %w", cause))
	if !errors.Is(e, cause) {
		t.Error("errors.Is(envelope, cause) = false, want true")
	}
}

func TestNewColumnNotEditableError_namesSortedKeys(t *testing.T) {
	e := NewColumnNotEditableError([]string{"vendor", "amount"})
	if e.Code != ErrColumnNotEditable {
		t.Errorf("Code = %q, want %q", e.Code, ErrColumnNotEditable)
	}
	if len(e.Details) != 2 {
		t.Fatalf("Details length = %d, want 2", len(e.Details))
	}
	if e.Details[0].Field != "amount" || e.Details[1].Field != "vendor" {
		t.Errorf("Details fields = %q, %q, want amount, vendor", e.Details[0].Field, e.Details[1].Field)
	}
	if e.Message != "fields not editable: amount, vendor" {
		t.Errorf("Message = %q", e.Message)
	}
}

func TestNewVersionConflictError_carriesCurrent(t *testing.T) {
	cur := &Record{ID: "r1", Version: 2}
	e := NewVersionConflictError(cur, 1)
	if e.Current != cur {
		t.Error("Current not set")
	}
	if e.Message != "version conflict (expected 1, current 2)" {
		t.Errorf("Message = %q", e.Message)
	}
}

func TestIsAndAsEnvelope(t *testing.T) {
	wrapped := fmt.Errorf("approve: %w", NewIllegalTransitionError(StatusDraft, "approve"))
	if !Is(wrapped, ErrIllegalTransition) {
		t.Error("Is(wrapped, ILLEGAL_TRANSITION) = false, want true")
	}
	if Is(errors.New("plain"), ErrNotFound) {
		t.Error("Is(plain, NOT_FOUND) = true, want false")
	}
	env, ok := AsEnvelope(wrapped)
	if !ok || env.Code != ErrIllegalTransition {
		t.Errorf("AsEnvelope = %v, %v", env, ok)
	}
}

func TestNewValidationFailedError(t *testing.T) {
	details := []FieldError{
		{Field: "amount", Code: ViolationAboveMax, Message: "must be at most 1000"},
	}
	e := NewValidationFailedError(details)
	if e.Code != ErrValidationFailed {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationFailed)
	}
	if len(e.Details) != 1 || e.Details[0].Field != "amount" {
		t.Errorf("Details = %+v", e.Details)
	}
}

func TestWrapStorage(t *testing.T) {
	if WrapStorage(nil) != nil {
		t.Error("WrapStorage(nil) != nil")
	}
	nf := NewNotFoundError("gone")
	if got := WrapStorage(nf); got != nf {
		t.Errorf("WrapStorage(envelope) = %v, want unchanged", got)
	}
	if !Is(WrapStorage(errors.New("dial tcp: refused")), ErrStorageUnavailable) {
		t.Error("WrapStorage(plain) is not STORAGE_UNAVAILABLE")
	}
}
