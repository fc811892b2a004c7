// Package errors provides structured error types for the Sequent system.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryAuth       ErrorCategory = "AUTH"
	ErrCategoryQuery      ErrorCategory = "QUERY"
	ErrCategoryArchive    ErrorCategory = "ARCHIVE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeMissingField   = "MISSING_FIELD"
	CodeInvalidField   = "INVALID_FIELD"
	CodeInvalidSchema  = "INVALID_SCHEMA"
	CodeConsistency    = "CONSISTENCY"
	CodeMalformedInput = "MALFORMED_INPUT"

	// Storage codes
	CodeUnavailable  = "UNAVAILABLE"
	CodeWriteFailed  = "WRITE_FAILED"
	CodeReadFailed   = "READ_FAILED"
	CodeCorrupted    = "CORRUPTED"
	CodeSpoolFailed  = "SPOOL_FAILED"
	CodeUploadFailed = "UPLOAD_FAILED"

	// Auth codes
	CodeMissingToken = "MISSING_TOKEN"
	CodeUnknownToken = "UNKNOWN_TOKEN"
	CodeForbidden    = "FORBIDDEN"

	// Query codes
	CodeInvalidFilter = "INVALID_FILTER"
	CodeTimeout       = "TIMEOUT"

	// Archive codes
	CodeArchiveFailed = "ARCHIVE_FAILED"
	CodeObjectMissing = "OBJECT_MISSING"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
	CodeNotFound   = "NOT_FOUND"
)

// SequentError is the structured error type used throughout the system.
type SequentError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *SequentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *SequentError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *SequentError) Is(target error) bool {
	var t *SequentError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new SequentError.
func New(category ErrorCategory, code, message string) *SequentError {
	return &SequentError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new SequentError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *SequentError {
	return &SequentError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *SequentError) WithDetails(details map[string]interface{}) *SequentError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var se *SequentError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// IsValidation reports whether the error chain is a validation rejection.
// Validation failures are caller bugs and must never be retried as-is.
func IsValidation(err error) bool {
	return GetCategory(err) == ErrCategoryValidation
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a SequentError.
func GetCategory(err error) ErrorCategory {
	var se *SequentError
	if errors.As(err, &se) {
		return se.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a SequentError.
func GetCode(err error) string {
	var se *SequentError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// isRetryable determines if an error code is retryable. Storage-layer
// unavailability is the retryable class: the store could not be reached or
// could not complete the operation, and the same call may succeed later.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUnavailable:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	case category == ErrCategoryStorage && code == CodeReadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryQuery && code == CodeTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *SequentError {
	return New(ErrCategoryValidation, code, message)
}

func NewStorageError(code, message string, cause error) *SequentError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewAuthError(code, message string) *SequentError {
	return New(ErrCategoryAuth, code, message)
}

func NewQueryError(code, message string) *SequentError {
	return New(ErrCategoryQuery, code, message)
}

func NewArchiveError(code, message string, cause error) *SequentError {
	return Wrap(ErrCategoryArchive, code, message, cause)
}

func NewInternalError(message string, cause error) *SequentError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
