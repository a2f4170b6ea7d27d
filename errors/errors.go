package errors

import (
	stderrors "errors"
	"fmt"
)

// Error is the unified engine error type.
type Error struct {
	// Kind is the machine-readable classification.
	Kind Kind
	// Message is a human-readable error message.
	Message string
	// Reason is a short identifier recorded on task records for audit
	// (for example "encrypted_archive" or "dependency_failed").
	Reason string
	// Retryable indicates if the operation can be retried.
	Retryable bool
	// Details contains additional context for the error.
	Details map[string]any
	// Cause is the underlying error that caused this error.
	Cause error
}

// Error returns the string representation of the error.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *Error) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with automatic retryable detection.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: IsRetryableKind(kind),
	}
}

// --- Common Error Constructors ---

// Transient creates an Error for a temporary infrastructure failure.
func Transient(message string) *Error {
	return &Error{Kind: KindTransient, Message: message, Retryable: true}
}

// Permanent creates an Error for a permanent content failure.
// The reason is a short identifier recorded on the task record.
func Permanent(reason, message string) *Error {
	return &Error{Kind: KindPermanent, Message: message, Reason: reason}
}

// Config creates an Error for a fatal configuration problem.
func Config(message string) *Error {
	return &Error{Kind: KindConfig, Message: message}
}

// Liveness creates an Error for a worker crash or hang.
func Liveness(message string) *Error {
	return &Error{Kind: KindLiveness, Message: message, Retryable: true}
}

// Timeout creates an Error for a task that exceeded its time budget.
// Timeouts are transient: the task is retried.
func Timeout(operation string) *Error {
	return &Error{
		Kind: KindTransient, Message: fmt.Sprintf("%s exceeded its time budget", operation),
		Reason: "timeout", Retryable: true,
		Details: map[string]any{"operation": operation},
	}
}

// NotFound creates an Error for a blob or record that was not found.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// AlreadyExists creates an Error for an entity that already exists.
func AlreadyExists(resource, id string) *Error {
	return &Error{
		Kind: KindAlreadyExists, Message: fmt.Sprintf("%s %q already exists", resource, id),
		Details: map[string]any{"resource": resource, "id": id},
	}
}

// AlreadyClaimed creates an Error for a task claimed by another worker.
func AlreadyClaimed(taskKey string) *Error {
	return &Error{
		Kind: KindConflict, Message: fmt.Sprintf("task %q is already running elsewhere", taskKey),
		Reason:  "already_claimed",
		Details: map[string]any{"task": taskKey},
	}
}

// CycleDetected creates an Error for a task whose target digest appears
// in its own ancestor chain. Classified as a permanent content problem,
// not a crash: the offending subtree is marked broken and processing of
// unrelated documents continues.
func CycleDetected(digest string) *Error {
	return &Error{
		Kind: KindPermanent, Message: fmt.Sprintf("content digest %s appears in its own ancestry", digest),
		Reason:  "dependency_cycle",
		Details: map[string]any{"digest": digest},
	}
}

// UnknownFunc creates an Error for a task function that is not registered.
func UnknownFunc(name string, version int) *Error {
	return &Error{
		Kind: KindConfig, Message: fmt.Sprintf("no registered function %s (version %d)", name, version),
		Reason:  "unknown_func",
		Details: map[string]any{"func": name, "version": version},
	}
}

// DependencyFailed creates an Error for a task whose ancestor failed
// permanently. Such tasks are deferred, never run.
func DependencyFailed(depKey string) *Error {
	return &Error{
		Kind: KindPermanent, Message: fmt.Sprintf("dependency %s failed permanently", depKey),
		Reason:  "dependency_failed",
		Details: map[string]any{"dependency": depKey},
	}
}

// --- Predicates ---

// IsRetryable reports whether err should be retried. Unclassified errors
// are treated as retryable: the engine maps uncaught faults to liveness
// failures, which retry until the attempt limit.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Retryable
	}
	return true
}

// IsPermanent reports whether err is a permanent content failure.
func IsPermanent(err error) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Kind == KindPermanent
}

// IsConfig reports whether err is a fatal configuration problem.
func IsConfig(err error) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Kind == KindConfig
}

// IsNotFound reports whether err indicates a missing blob or record.
func IsNotFound(err error) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Kind == KindNotFound
}

// IsConflict reports whether err indicates a lost conditional transition.
func IsConflict(err error) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Kind == KindConflict
}

// Reason extracts the short audit reason from err, or "" if none is set.
func Reason(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Reason
	}
	return ""
}
