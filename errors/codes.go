package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout     ErrorCode = "TIMEOUT"      // Sub-dispatch exceeded its bound
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"  // Backend temporarily unavailable
	ErrCodeBusy        ErrorCode = "BUSY"         // Resource held by a concurrent cycle
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED" // Tenant exceeded its dispatch rate

	// Permanent errors
	ErrCodeUnresolvedTask   ErrorCode = "UNRESOLVED_TASK"   // No agent registered for the task
	ErrCodeConfiguration    ErrorCode = "CONFIGURATION"     // Tenant configuration missing or unreadable
	ErrCodeForbidden        ErrorCode = "FORBIDDEN"         // Tenant does not own the project
	ErrCodeContextForbidden ErrorCode = "CONTEXT_FORBIDDEN" // Context belongs to another tenant
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"         // Context missing or expired
	ErrCodeInvalidInput     ErrorCode = "INVALID_INPUT"     // Malformed input
	ErrCodeTaskFailed       ErrorCode = "TASK_FAILED"       // Agent execution failed
	ErrCodeCanceled         ErrorCode = "CANCELED"          // Caller canceled

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeUnavailable, ErrCodeBusy, ErrCodeRateLimited:
		return CategoryTransient
	case ErrCodeUnresolvedTask, ErrCodeConfiguration, ErrCodeForbidden,
		ErrCodeContextForbidden, ErrCodeNotFound, ErrCodeInvalidInput,
		ErrCodeTaskFailed, ErrCodeCanceled:
		return CategoryPermanent
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:          "operation timed out",
	ErrCodeUnavailable:      "backend temporarily unavailable",
	ErrCodeBusy:             "resource is busy",
	ErrCodeRateLimited:      "dispatch rate exceeded",
	ErrCodeUnresolvedTask:   "no agent registered for task",
	ErrCodeConfiguration:    "tenant configuration unavailable",
	ErrCodeForbidden:        "access denied",
	ErrCodeContextForbidden: "context access denied",
	ErrCodeNotFound:         "not found",
	ErrCodeInvalidInput:     "invalid input provided",
	ErrCodeTaskFailed:       "task execution failed",
	ErrCodeCanceled:         "operation canceled",
	ErrCodeInternal:         "internal error",
	ErrCodePanic:            "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
