package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeInvalidGraph       = "INVALID_GRAPH"
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeStepBudgetExceeded = "STEP_BUDGET_EXCEEDED"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeNonRetryable       = "NON_RETRYABLE"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeVault              = "VAULT_ERROR"
	ErrCodeProvider           = "PROVIDER_ERROR"
	ErrCodeInternal           = "INTERNAL"
)

// nonRetryableCodes never benefit from another attempt.
var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:        true,
	ErrCodeNotFound:          true,
	ErrCodeInvalidGraph:      true,
	ErrCodeInvalidTransition: true,
	ErrCodeCancelled:         true,
	ErrCodeNonRetryable:      true,
	ErrCodeCircuitOpen:       true,
	ErrCodeVault:             true,
}

// FlowError is the structured error type for all agentflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code allows another attempt.
func (e *FlowError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails merges key-value details into the error.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// AsFlowError extracts a *FlowError from err's chain.
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// ErrorCode returns the code of err if it carries one, or fallback.
func ErrorCode(err error, fallback string) string {
	if fe, ok := AsFlowError(err); ok {
		return fe.Code
	}
	return fallback
}
