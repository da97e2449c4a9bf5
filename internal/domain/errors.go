package domain

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Domain Errors
// These errors are shared by the storage layer and the engine services to
// communicate domain-specific failure conditions.
// -----------------------------------------------------------------------------

// Storage errors
var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by a repository when an optimistic version check fails.
	ErrConflict = errors.New("version conflict")
)

// Engine errors
var (
	ErrUnknownTier         = errors.New("unknown tier")
	ErrInvalidInput        = errors.New("invalid input")
	ErrConcurrencyConflict = errors.New("concurrency conflict: retry the request")
)

// ValidationCode identifies why a request or candidate was rejected.
type ValidationCode string

const (
	CodeMissingOwner      ValidationCode = "missing_owner"
	CodeMissingSessionID  ValidationCode = "missing_session_id"
	CodeMissingSkill      ValidationCode = "missing_skill"
	CodeUnknownSkill      ValidationCode = "unknown_skill"
	CodeMissingQuestion   ValidationCode = "missing_question"
	CodeMissingOptions    ValidationCode = "missing_options"
	CodeOptionCount       ValidationCode = "option_count"
	CodeEmptyOption       ValidationCode = "empty_option"
	CodeCorrectOutOfRange ValidationCode = "correct_out_of_range"
	CodeInvalidBatchSize  ValidationCode = "invalid_batch_size"
	CodeInvalidResult     ValidationCode = "invalid_result"
	CodeInvalidCandidate  ValidationCode = "invalid_candidate"
)

// ValidationError describes malformed input. It is never retryable.
type ValidationError struct {
	Code    ValidationCode `json:"code"`
	Field   string         `json:"field,omitempty"`
	Message string         `json:"message"`
}

// NewValidationError creates a ValidationError
func NewValidationError(code ValidationCode, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Code:    code,
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets callers match any validation failure with errors.Is(err, ErrInvalidInput).
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// AsValidation extracts a *ValidationError from err.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
