// Package errors provides the structured error taxonomy used across the task
// kernel. Every failure the kernel, the agent contract or the context store can
// detect is expressed as a *Error carrying a code and a category, so the
// boundary that detects it can turn it into a well-formed error output instead
// of letting it escape.
//
// # Error Categories
//
//   - Transient: Temporary failures where retry may succeed (timeouts, unavailable backends)
//   - Permanent: Failures where retry will not help (unresolved task, access denied)
//   - Internal: Unexpected errors indicating bugs (recovered panics)
//
// # Error Codes
//
//   - UNRESOLVED_TASK: no registered agent matches the task name
//   - CONFIGURATION: tenant configuration could not be loaded
//   - FORBIDDEN: the tenant does not own the target project
//   - TASK_FAILED: the agent reported or raised an execution error
//   - TIMEOUT: a sub-dispatch exceeded its bound
//   - NOT_FOUND: a context record is missing or expired
//   - CONTEXT_FORBIDDEN: a context belongs to another tenant
//
// # Usage
//
//	err := errors.New(errors.ErrCodeForbidden, "access denied to project p-1",
//	    errors.WithTenantID("t-1"), errors.WithTask("write"))
//
//	if errors.Is(err, errors.ErrCodeForbidden) {
//	    // translate to a protocol-level denial
//	}
package errors
