package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeInternal          = "INTERNAL"

	// Build-time validation.
	ErrCodeDuplicateID  = "DUPLICATE_ID"
	ErrCodeDanglingRef  = "DANGLING_REFERENCE"
	ErrCodeScope        = "SCOPE_VIOLATION"
	ErrCodeArity        = "ARITY"
	ErrCodeBounds       = "BOUNDS"
	ErrCodeMissingStart = "MISSING_START"
	ErrCodeMissingEnd   = "MISSING_END"
	ErrCodeUnreachable  = "UNREACHABLE"
	ErrCodeChildModel   = "CHILD_MODEL"

	// Runtime structural errors.
	ErrCodeUnknownNode      = "UNKNOWN_NODE"
	ErrCodeNotActive        = "NOT_ACTIVE"
	ErrCodeAlreadyActive    = "ALREADY_ACTIVE"
	ErrCodeWaveConflict     = "WAVE_CONFLICT"
	ErrCodeSplitUnsatisfied = "SPLIT_UNSATISFIED"
	ErrCodeCompositeGated   = "COMPOSITE_GATED"
	ErrCodeInstanceClosed   = "INSTANCE_CLOSED"
	ErrCodeCondition        = "CONDITION_FAILED"
)

// ProcError is the structured error type for all procgraph operations.
type ProcError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ProcError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ProcError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ProcError with the same code, so callers can
// write errors.Is(err, &schema.ProcError{Code: schema.ErrCodeNotActive}).
func (e *ProcError) Is(target error) bool {
	t, ok := target.(*ProcError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new ProcError.
func NewError(code, message string) *ProcError {
	return &ProcError{Code: code, Message: message}
}

// NewErrorf creates a new ProcError with a formatted message.
func NewErrorf(code, format string, args ...any) *ProcError {
	return &ProcError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *ProcError) WithNode(nodeID string) *ProcError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *ProcError) WithCause(err error) *ProcError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ProcError) WithDetails(details map[string]any) *ProcError {
	e.Details = details
	return e
}

// CodeOf returns the code of err if it is (or wraps) a ProcError, or "".
func CodeOf(err error) string {
	for err != nil {
		if pe, ok := err.(*ProcError); ok {
			return pe.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
