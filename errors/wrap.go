package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with additional context while preserving the error chain.
// If err is nil, Wrap returns nil.
// If err is already a *Error its code and category carry over; context errors
// become TIMEOUT or CANCELED; everything else becomes INTERNAL.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var kerr *Error
	if errors.As(err, &kerr) {
		wrapped := &Error{
			code:      kerr.code,
			category:  kerr.category,
			message:   message,
			cause:     err,
			metadata:  kerr.Metadata(),
			retryable: kerr.retryable,
			timestamp: kerr.timestamp,
			task:      kerr.task,
			tenantID:  kerr.tenantID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}

	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps an error with a specific error code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	opts = append(opts, WithCause(err))
	return New(code, message, opts...)
}

// AsKernelError extracts a *Error from an error chain.
// Returns nil if none is found.
func AsKernelError(err error) *Error {
	var kerr *Error
	if errors.As(err, &kerr) {
		return kerr
	}
	return nil
}

// Is checks if any error in the chain has the given error code.
func Is(err error, code ErrorCode) bool {
	if kerr := AsKernelError(err); kerr != nil {
		return kerr.code == code
	}
	return false
}

// IsRetryable checks if the error is retryable.
func IsRetryable(err error) bool {
	if kerr := AsKernelError(err); kerr != nil {
		return kerr.Retryable()
	}
	return false
}

// Code extracts the error code from an error, if available.
// Returns INTERNAL for errors outside the taxonomy and "" for nil.
func Code(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if kerr := AsKernelError(err); kerr != nil {
		return kerr.code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrCodeCanceled
	}
	return ErrCodeInternal
}

// Category extracts the error category from an error, if available.
func Category(err error) ErrorCategory {
	code := Code(err)
	if code == "" {
		return ""
	}
	if kerr := AsKernelError(err); kerr != nil {
		return kerr.category
	}
	return code.DefaultCategory()
}

// RecoverPanic converts a recovered panic value into an Error.
func RecoverPanic(recovered interface{}) *Error {
	if recovered == nil {
		return nil
	}
	var message string
	switch v := recovered.(type) {
	case error:
		message = v.Error()
	case string:
		message = v
	default:
		message = fmt.Sprintf("%v", v)
	}
	return New(ErrCodePanic, message, WithMetadata("panic_value", fmt.Sprintf("%T", recovered)))
}
