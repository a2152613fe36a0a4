package engine

import "fmt"

// WorkflowErrorCode classifies a structural WorkflowError.
type WorkflowErrorCode string

const (
	ErrMissingMemoryKey  WorkflowErrorCode = "missing_memory_key"
	ErrUnmappableInput   WorkflowErrorCode = "unmappable_input"
	ErrDuplicateMapping  WorkflowErrorCode = "duplicate_mapping"
	ErrServiceNotBound   WorkflowErrorCode = "service_not_bound"
	ErrManifestCycle     WorkflowErrorCode = "manifest_cycle"
	ErrMissingDependency WorkflowErrorCode = "missing_dependency"
)

// WorkflowError represents a structural violation: a missing
// memory key, an unmappable input type, a missing manifest, or a cyclic
// dependent manifest. Unlike StepError, it is never captured as a step
// failure; it surfaces immediately.
type WorkflowError struct {
	Code    WorkflowErrorCode
	Message string
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow error [%s]: %s", e.Code, e.Message)
}

// NewWorkflowError builds a WorkflowError with a formatted message.
func NewWorkflowError(code WorkflowErrorCode, format string, args ...any) *WorkflowError {
	return &WorkflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}
