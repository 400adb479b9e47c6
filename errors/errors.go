package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// KernelError is the interface for all structured errors raised inside the
// kernel. It extends error with the code and category a boundary needs to
// build a structured error output.
type KernelError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of KernelError.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil means use default based on category
	timestamp time.Time
	task      string
	tenantID  string
}

var (
	_ KernelError      = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Message returns the message without the cause chain.
func (e *Error) Message() string {
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns a copy of the error metadata.
func (e *Error) Metadata() map[string]string {
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// Task returns the task name the error relates to, if set.
func (e *Error) Task() string {
	return e.task
}

// TenantID returns the tenant the error relates to, if set.
func (e *Error) TenantID() string {
	return e.tenantID
}

type errorJSON struct {
	Code      ErrorCode         `json:"code"`
	Category  ErrorCategory     `json:"category"`
	Message   string            `json:"message"`
	Cause     string            `json:"cause,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Retryable bool              `json:"retryable"`
	Timestamp string            `json:"timestamp,omitempty"`
	Task      string            `json:"task,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:      e.code,
		Category:  e.category,
		Message:   e.message,
		Metadata:  e.metadata,
		Retryable: e.Retryable(),
		Task:      e.task,
		TenantID:  e.tenantID,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.task = j.Task
	e.tenantID = j.TenantID
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithTask sets the related task name.
func WithTask(task string) Option {
	return func(e *Error) {
		e.task = task
	}
}

// WithTenantID sets the related tenant.
func WithTenantID(id string) Option {
	return func(e *Error) {
		e.tenantID = id
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// UnresolvedTask reports that no registered agent matches task.
func UnresolvedTask(task string, opts ...Option) *Error {
	opts = append([]Option{WithTask(task)}, opts...)
	return New(ErrCodeUnresolvedTask, fmt.Sprintf("unknown task: %s", task), opts...)
}

// Configuration reports a tenant configuration failure.
func Configuration(message string, opts ...Option) *Error {
	return New(ErrCodeConfiguration, message, opts...)
}

// Forbidden reports an ownership failure for projectID.
func Forbidden(projectID string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("project_id", projectID)}, opts...)
	return New(ErrCodeForbidden, fmt.Sprintf("access denied to project %s", projectID), opts...)
}

// ContextForbidden reports a tenant mismatch on a context read.
func ContextForbidden(contextID string, opts ...Option) *Error {
	opts = append([]Option{WithMetadata("context_id", contextID)}, opts...)
	return New(ErrCodeContextForbidden, "access denied to context", opts...)
}

// NotFound creates a not found error.
func NotFound(message string, opts ...Option) *Error {
	return New(ErrCodeNotFound, message, opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidInput, message, opts...)
}

// TaskFailed creates a task failed error.
func TaskFailed(task, reason string, opts ...Option) *Error {
	opts = append([]Option{WithTask(task)}, opts...)
	return New(ErrCodeTaskFailed, fmt.Sprintf("task %s failed: %s", task, reason), opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
