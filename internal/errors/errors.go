// Package errors provides the structured error taxonomy used across the
// detection engine's library surfaces.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies a taxonomy entry. Prefixes group errors by the subsystem
// that raises them.
type Code string

const (
	// Schema errors (rejected at API, not a runtime-path error).
	CodeDuplicatePath  Code = "SCHEMA_DUPLICATE_PATH"
	CodeFrozen         Code = "SCHEMA_FROZEN"
	CodeUnknownFieldID Code = "SCHEMA_UNKNOWN_ID"

	// Event validation errors (rejected at ingest, counted).
	CodeFieldTypeMismatch Code = "EVENT_FIELD_TYPE_MISMATCH"
	CodeUnknownEventType  Code = "EVENT_UNKNOWN_TYPE"
	CodeUnsortedFields    Code = "EVENT_UNSORTED_FIELDS"

	// Bus errors.
	CodeQueueFull Code = "BUS_QUEUE_FULL"
	CodeTimeout   Code = "BUS_TIMEOUT"
	CodeShutdown  Code = "BUS_SHUTDOWN"

	// Predicate runtime errors.
	CodeCompileFailed    Code = "RUNTIME_COMPILE_FAILED"
	CodeExecutionFailed  Code = "RUNTIME_EXECUTION_FAILED"
	CodeBudgetExceeded   Code = "RUNTIME_BUDGET_EXCEEDED"
	CodeMemoryExceeded   Code = "RUNTIME_MEMORY_EXCEEDED"
	CodeUnknownPredicate Code = "RUNTIME_UNKNOWN_PREDICATE"

	// State store errors.
	CodeQuotaPerEntity   Code = "STATE_QUOTA_PER_ENTITY"
	CodeQuotaPerSequence Code = "STATE_QUOTA_PER_SEQUENCE"
	CodeQuotaTotal       Code = "STATE_QUOTA_TOTAL"

	// Lifecycle errors.
	CodeValidationFailed Code = "LIFECYCLE_VALIDATION_FAILED"
	CodeVersionConflict  Code = "LIFECYCLE_VERSION_CONFLICT"
)

// DetectionError is a structured error carrying a stable code, a human
// message, free-form details, and an optional wrapped cause.
type DetectionError struct {
	Code    Code
	Message string
	Details map[string]interface{}
	Err     error
}

func (e *DetectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DetectionError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a key/value pair and returns the receiver for chaining.
func (e *DetectionError) WithDetails(key string, value interface{}) *DetectionError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New builds a DetectionError with no wrapped cause.
func New(code Code, message string) *DetectionError {
	return &DetectionError{Code: code, Message: message}
}

// Wrap builds a DetectionError around an existing cause.
func Wrap(code Code, message string, err error) *DetectionError {
	return &DetectionError{Code: code, Message: message, Err: err}
}

// Schema errors.

func DuplicatePath(path string) *DetectionError {
	return New(CodeDuplicatePath, "field path already registered with a different definition").
		WithDetails("path", path)
}

func Frozen(path string) *DetectionError {
	return New(CodeFrozen, "registry is frozen, cannot register").WithDetails("path", path)
}

func UnknownFieldID(id uint32) *DetectionError {
	return New(CodeUnknownFieldID, "unknown field id").WithDetails("field_id", id)
}

// Event validation errors.

func FieldTypeMismatch(path string) *DetectionError {
	return New(CodeFieldTypeMismatch, "field value type does not match schema").WithDetails("path", path)
}

func UnknownEventType(name string) *DetectionError {
	return New(CodeUnknownEventType, "unknown event type").WithDetails("event_type", name)
}

func UnsortedFields() *DetectionError {
	return New(CodeUnsortedFields, "event fields must be built in sorted, deduplicated order")
}

// Bus errors.

func QueueFull(partition int) *DetectionError {
	return New(CodeQueueFull, "partition queue is full").WithDetails("partition", partition)
}

func Timeout(partition int) *DetectionError {
	return New(CodeTimeout, "publish timed out waiting for partition capacity").WithDetails("partition", partition)
}

func Shutdown() *DetectionError {
	return New(CodeShutdown, "bus is shutting down")
}

// Predicate runtime errors.

func CompileFailed(predicateID string, err error) *DetectionError {
	return Wrap(CodeCompileFailed, "predicate compilation failed", err).WithDetails("predicate_id", predicateID)
}

func ExecutionFailed(predicateID string, err error) *DetectionError {
	return Wrap(CodeExecutionFailed, "predicate execution failed", err).WithDetails("predicate_id", predicateID)
}

func BudgetExceeded(predicateID string) *DetectionError {
	return New(CodeBudgetExceeded, "predicate exceeded its evaluation budget").WithDetails("predicate_id", predicateID)
}

func MemoryExceeded(predicateID string) *DetectionError {
	return New(CodeMemoryExceeded, "predicate exceeded its memory budget").WithDetails("predicate_id", predicateID)
}

func UnknownPredicate(predicateID string) *DetectionError {
	return New(CodeUnknownPredicate, "predicate id is not loaded").WithDetails("predicate_id", predicateID)
}

// State store errors.

func QuotaExceeded(scope string, key string) *DetectionError {
	var code Code
	switch scope {
	case "per_entity":
		code = CodeQuotaPerEntity
	case "per_sequence":
		code = CodeQuotaPerSequence
	default:
		code = CodeQuotaTotal
	}
	return New(code, "state store quota exceeded").WithDetails("scope", scope).WithDetails("key", key)
}

// Lifecycle errors.

func ValidationFailed(ruleID string, err error) *DetectionError {
	return Wrap(CodeValidationFailed, "rule validation failed", err).WithDetails("rule_id", ruleID)
}

func VersionConflict(ruleID string) *DetectionError {
	return New(CodeVersionConflict, "rule version conflict").WithDetails("rule_id", ruleID)
}

// IsDetectionError reports whether err (or something it wraps) is a *DetectionError.
func IsDetectionError(err error) bool {
	var de *DetectionError
	return errors.As(err, &de)
}

// GetDetectionError extracts the *DetectionError from err's chain, if any.
func GetDetectionError(err error) *DetectionError {
	var de *DetectionError
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// Is allows errors.Is(err, errors.New(code, "")) style comparisons by code.
func (e *DetectionError) Is(target error) bool {
	var de *DetectionError
	if errors.As(target, &de) {
		return de.Code == e.Code
	}
	return false
}
