package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeTemplateSyntax    = "TEMPLATE_SYNTAX"
	ErrCodeMatch             = "MATCH_ERROR"
	ErrCodeUnitFailed        = "UNIT_FAILED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeEnrichmentWrite   = "ENRICHMENT_WRITE"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeProvider          = "PROVIDER_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// FlintError is the structured error type for all engine operations.
type FlintError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Unit    string         `json:"unit,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlintError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("[%s] unit %s: %s", e.Code, e.Unit, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlintError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlintError.
func NewError(code, message string) *FlintError {
	return &FlintError{Code: code, Message: message}
}

// NewErrorf creates a new FlintError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlintError {
	return &FlintError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithUnit attaches a work unit name to the error.
func (e *FlintError) WithUnit(unit string) *FlintError {
	e.Unit = unit
	return e
}

// WithCause attaches an underlying cause.
func (e *FlintError) WithCause(err error) *FlintError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlintError) WithDetails(details map[string]any) *FlintError {
	e.Details = details
	return e
}

// IsRetryable reports whether the error code permits another attempt.
// Definition, syntax, and lifecycle errors never are; provider, store,
// and timeout failures may succeed on a later attempt.
func (e *FlintError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeProvider, ErrCodeStore, ErrCodeTimeout, ErrCodeUnitFailed:
		return true
	default:
		return false
	}
}
