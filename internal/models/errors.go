package models

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable string code carried across the tool boundary
type ErrorCode string

const (
	ErrInvalidParams      ErrorCode = "INVALID_PARAMS"
	ErrTaskNotFound       ErrorCode = "TASK_NOT_FOUND"
	ErrBudgetExhausted    ErrorCode = "BUDGET_EXHAUSTED"
	ErrAuthRequired       ErrorCode = "AUTH_REQUIRED"
	ErrAllEnginesBlocked  ErrorCode = "ALL_ENGINES_BLOCKED"
	ErrChromeNotReady     ErrorCode = "CHROME_NOT_READY"
	ErrPipelineError      ErrorCode = "PIPELINE_ERROR"
	ErrCalibrationError   ErrorCode = "CALIBRATION_ERROR"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrPipelineTimeout    ErrorCode = "PIPELINE_TIMEOUT"
	ErrParserNotAvailable ErrorCode = "PARSER_NOT_AVAILABLE"
	ErrSerpSearchFailed   ErrorCode = "SERP_SEARCH_FAILED"
	ErrAllFetchesFailed   ErrorCode = "ALL_FETCHES_FAILED"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
)

// TaskError is the single structured error type behind every failure envelope.
// Handlers raise it with the correct code; the router converts anything else
// into an INTERNAL_ERROR with a fresh correlation ID.
type TaskError struct {
	Code    ErrorCode              `json:"error_code"`
	Message string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
	ErrID   string                 `json:"error_id,omitempty"`
	wrapped error
}

func (e *TaskError) Error() string {
	if e.ErrID != "" {
		return fmt.Sprintf("%s: %s [%s]", e.Code, e.Message, e.ErrID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TaskError) Unwrap() error {
	return e.wrapped
}

// WithDetails attaches structured detail fields and returns the error
func (e *TaskError) WithDetails(details map[string]interface{}) *TaskError {
	e.Details = details
	return e
}

// WithCause records the underlying error for logging without exposing it
// in the envelope
func (e *TaskError) WithCause(err error) *TaskError {
	e.wrapped = err
	return e
}

// Envelope returns the wire-shape failure envelope
func (e *TaskError) Envelope() map[string]interface{} {
	env := map[string]interface{}{
		"ok":         false,
		"error_code": string(e.Code),
		"error":      e.Message,
	}
	if len(e.Details) > 0 {
		env["details"] = e.Details
	}
	if e.ErrID != "" {
		env["error_id"] = e.ErrID
	}
	return env
}

// NewTaskError builds a TaskError with a formatted message
func NewTaskError(code ErrorCode, format string, args ...interface{}) *TaskError {
	return &TaskError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidParams builds an INVALID_PARAMS error
func InvalidParams(format string, args ...interface{}) *TaskError {
	return NewTaskError(ErrInvalidParams, format, args...)
}

// TaskNotFound builds a TASK_NOT_FOUND error for any missing resource
func TaskNotFound(format string, args ...interface{}) *TaskError {
	return NewTaskError(ErrTaskNotFound, format, args...)
}

// CalibrationError builds a CALIBRATION_ERROR
func CalibrationError(format string, args ...interface{}) *TaskError {
	return NewTaskError(ErrCalibrationError, format, args...)
}

// InternalError builds an INTERNAL_ERROR carrying the given correlation ID
func InternalError(errID string, format string, args ...interface{}) *TaskError {
	e := NewTaskError(ErrInternalError, format, args...)
	e.ErrID = errID
	return e
}

// AsTaskError extracts a *TaskError from an error chain
func AsTaskError(err error) (*TaskError, bool) {
	var te *TaskError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Sentinel errors used for flow control below the tool boundary
var (
	// ErrNoJob is returned by fetch_next when the slot has no queued work
	ErrNoJob = errors.New("no queued job available")

	// ErrNotFound is returned by storage lookups that miss
	ErrNotFound = errors.New("not found")
)
