package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a stable, machine-readable failure code. Codes never
// change once released; clients switch on them instead of messages.
type ErrorCode string

const (
	CodeTaskNotFound             ErrorCode = "task_not_found"
	CodeDependencyNotFound       ErrorCode = "dependency_not_found"
	CodeSnapshotNotFound         ErrorCode = "snapshot_not_found"
	CodeSessionNotFound          ErrorCode = "session_not_found"
	CodeDuplicateTask            ErrorCode = "duplicate_task"
	CodeDuplicateDependency      ErrorCode = "duplicate_dependency"
	CodeCycleWouldForm           ErrorCode = "cycle_would_form"
	CodeInvalidDependency        ErrorCode = "invalid_dependency"
	CodeInvalidTransition        ErrorCode = "invalid_transition"
	CodeInsufficientResources    ErrorCode = "insufficient_resources"
	CodeUnknownResource          ErrorCode = "unknown_resource"
	CodeUnknownExecutor          ErrorCode = "unknown_executor"
	CodePreconditionFailed       ErrorCode = "precondition_failed"
	CodePostconditionFailed      ErrorCode = "postcondition_failed"
	CodeOwnershipHeld            ErrorCode = "ownership_held"
	CodeIntegrityFailed          ErrorCode = "integrity_failed"
	CodeManualResolutionRequired ErrorCode = "manual_resolution_required"
	CodeQueueClosed              ErrorCode = "queue_closed"
	CodeReadOnly                 ErrorCode = "read_only"
	CodeRecoveryFailed           ErrorCode = "recovery_failed"
	CodeInvalidArgument          ErrorCode = "invalid_argument"

	// Terminal-status codes carried on the task itself rather than
	// returned from an API call.
	CodeExecutionFailed  ErrorCode = "execution_failed"
	CodeExecutionTimeout ErrorCode = "execution_timeout"
	CodeExecutionPanic   ErrorCode = "execution_panic"
	CodeRetriesExhausted ErrorCode = "retries_exhausted"
	CodeCancelled        ErrorCode = "cancelled"
)

// Error is the typed failure value used on every input path. Execution
// failures become terminal task states instead; they never surface as
// Error values to callers.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`

	// Path carries the offending task chain for cycle errors, in walk
	// order with the revisited node appended.
	Path []string `json:"path,omitempty"`

	wrapped error
}

func (e *Error) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("%s: %s (path: %s)", e.Code, e.Message, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// NewError builds a typed error with a stable code.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error while keeping it
// reachable through errors.Unwrap.
func WrapError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// IsCode reports whether err (or anything it wraps) carries the code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf extracts the stable code from err, or empty when err is not a
// typed engine error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ErrTaskNotFound reports an unknown task id.
func ErrTaskNotFound(id string) *Error {
	return NewError(CodeTaskNotFound, "task not found: %s", id)
}

// ErrDependencyNotFound reports an unknown dependency edge id.
func ErrDependencyNotFound(id string) *Error {
	return NewError(CodeDependencyNotFound, "dependency not found: %s", id)
}

// ErrSnapshotNotFound reports an unknown snapshot id.
func ErrSnapshotNotFound(id string) *Error {
	return NewError(CodeSnapshotNotFound, "snapshot not found: %s", id)
}

// ErrCycleWouldForm rejects an edge whose addition would create a cycle.
// The path names the exact chain, ending with the revisited node.
func ErrCycleWouldForm(path []string) *Error {
	e := NewError(CodeCycleWouldForm, "adding dependency would create a cycle")
	e.Path = path
	return e
}

// ErrInvalidTransition rejects a state-machine violation.
func ErrInvalidTransition(id string, from, to TaskStatus) *Error {
	return NewError(CodeInvalidTransition, "task %s cannot transition %s -> %s", id, from, to)
}

// ErrInsufficientResources reports that a pool cannot admit a request.
func ErrInsufficientResources(rt ResourceType, want, free float64) *Error {
	return NewError(CodeInsufficientResources,
		"resource pool %q cannot allocate %.2f units (%.2f free)", rt, want, free)
}

// ErrIntegrityFailed reports a checksum mismatch on stored state.
func ErrIntegrityFailed(what, id string) *Error {
	return NewError(CodeIntegrityFailed, "integrity hash mismatch on %s %s", what, id)
}

// ErrManualResolutionRequired reports a conflict whose strategy is
// manual but no resolution payload was supplied.
func ErrManualResolutionRequired(conflictID string) *Error {
	return NewError(CodeManualResolutionRequired,
		"conflict %s requires a manual resolution payload", conflictID)
}
