package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSequentError_Error(t *testing.T) {
	err := New(ErrCategoryStorage, CodeUnavailable, "store unreachable")
	expected := "[STORAGE:UNAVAILABLE] store unreachable"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestSequentError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryStorage, CodeUnavailable, "store unreachable", cause)
	expected := "[STORAGE:UNAVAILABLE] store unreachable: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestSequentError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryStorage, CodeWriteFailed, "insert failed", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestSequentError_Is(t *testing.T) {
	err1 := New(ErrCategoryValidation, CodeMissingField, "first")
	err2 := New(ErrCategoryValidation, CodeMissingField, "second")
	err3 := New(ErrCategoryValidation, CodeInvalidField, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryStorage, CodeUnavailable, true},
		{ErrCategoryStorage, CodeWriteFailed, true},
		{ErrCategoryStorage, CodeReadFailed, true},
		{ErrCategoryStorage, CodeUploadFailed, true},
		{ErrCategoryStorage, CodeCorrupted, false},
		{ErrCategoryQuery, CodeTimeout, true},
		{ErrCategoryQuery, CodeInvalidFilter, false},
		{ErrCategoryValidation, CodeMissingField, false},
		{ErrCategoryValidation, CodeConsistency, false},
		{ErrCategoryAuth, CodeForbidden, false},
		{ErrCategoryInternal, CodeUnexpected, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}
}

func TestIsValidation(t *testing.T) {
	if !IsValidation(NewValidationError(CodeMissingField, "request_id is required")) {
		t.Error("validation error not recognized")
	}
	if IsValidation(NewStorageError(CodeUnavailable, "down", nil)) {
		t.Error("storage error misclassified as validation")
	}
	wrapped := fmt.Errorf("append: %w", NewValidationError(CodeInvalidSchema, "bad version"))
	if !IsValidation(wrapped) {
		t.Error("wrapped validation error not recognized")
	}
}

func TestGetCategory(t *testing.T) {
	err := New(ErrCategoryQuery, CodeInvalidFilter, "bad time range")
	if GetCategory(err) != ErrCategoryQuery {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryQuery)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-SequentError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := New(ErrCategoryQuery, CodeInvalidFilter, "bad time range")
	if GetCode(err) != CodeInvalidFilter {
		t.Errorf("got %q, want %q", GetCode(err), CodeInvalidFilter)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-SequentError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryValidation, CodeMissingField, "missing field")
	detailed := err.WithDetails(map[string]interface{}{"field": "request_id"})

	if detailed.Details["field"] != "request_id" {
		t.Error("WithDetails should set details")
	}
	// Original should be unmodified
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	v := NewValidationError(CodeMissingField, "request_id is required")
	if v.Category != ErrCategoryValidation || v.Code != CodeMissingField {
		t.Error("NewValidationError mismatch")
	}

	s := NewStorageError(CodeUnavailable, "sqlite locked", cause)
	if s.Category != ErrCategoryStorage || !errors.Is(s, cause) {
		t.Error("NewStorageError mismatch")
	}

	a := NewAuthError(CodeForbidden, "reader token on write route")
	if a.Category != ErrCategoryAuth {
		t.Error("NewAuthError mismatch")
	}

	q := NewQueryError(CodeInvalidFilter, "until before since")
	if q.Category != ErrCategoryQuery {
		t.Error("NewQueryError mismatch")
	}

	ar := NewArchiveError(CodeArchiveFailed, "put failed", cause)
	if ar.Category != ErrCategoryArchive {
		t.Error("NewArchiveError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}
