// Package agent defines the contract every task handler implements, the
// input and output packets that cross it, and the registry that maps task
// names to handlers.
//
// Handlers implement Execute. Callers never invoke Execute directly; they go
// through Run, which logs, traces and contains every error and panic so that
// a handler failure always surfaces as a status=error Output.
package agent

import (
	"context"
	"time"

	kerrors "github.com/vinayprograms/taskkernel/errors"
)

// Status is the outcome carried by an Output.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusProcessing Status = "processing"
	StatusComplete   Status = "complete"
	StatusSkipped    Status = "skipped"
	StatusPartial    Status = "partial"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusSuccess, StatusError, StatusProcessing, StatusComplete, StatusSkipped, StatusPartial:
		return true
	}
	return false
}

// Well-known parameter keys.
const (
	ParamProjectID  = "project_id"
	ParamCampaignID = "campaign_id"
	ParamContextID  = "context_id"
)

// Input is the request packet handed to an agent. Treat it as immutable;
// WithParam returns a modified copy.
type Input struct {
	Task      string         `json:"task"`
	TenantID  string         `json:"tenant_id"`
	Params    map[string]any `json:"params,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Param returns a string parameter, or "" when absent or not a string.
func (in Input) Param(key string) string {
	s, _ := in.Params[key].(string)
	return s
}

// WithParam returns a copy of in with key set to value.
func (in Input) WithParam(key string, value any) Input {
	params := make(map[string]any, len(in.Params)+1)
	for k, v := range in.Params {
		params[k] = v
	}
	params[key] = value
	in.Params = params
	return in
}

// Output is the only way a result leaves an agent or the kernel.
type Output struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// IsError reports whether the output is an error.
func (o Output) IsError() bool {
	return o.Status == StatusError
}

// Agent is implemented by every task handler.
type Agent interface {
	// Execute performs the task. Returning an error is equivalent to
	// returning a status=error Output; Run converts it.
	Execute(ctx context.Context, in Input) (Output, error)
}

// Configurable is implemented by agents that take tenant configuration.
// The kernel calls Configure on a fresh instance before Execute.
type Configurable interface {
	Configure(projectID string, cfg map[string]any) error
}

// Func adapts a function to the Agent interface.
type Func func(ctx context.Context, in Input) (Output, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// Success builds a success output.
func Success(message string, data map[string]any) Output {
	return Output{Status: StatusSuccess, Message: message, Data: data, Timestamp: time.Now().UTC()}
}

// Failure builds an error output with a plain message.
func Failure(message string) Output {
	return Output{Status: StatusError, Message: message, Timestamp: time.Now().UTC()}
}

// Skipped builds a skipped output.
func Skipped(message string, data map[string]any) Output {
	return Output{Status: StatusSkipped, Message: message, Data: data, Timestamp: time.Now().UTC()}
}

// Processing builds the acknowledgment returned for background work.
// contextID may be empty when no context could be created.
func Processing(contextID string) Output {
	data := map[string]any{}
	message := "task scheduled"
	if contextID != "" {
		data[ParamContextID] = contextID
	} else {
		message = "task scheduled without status tracking"
	}
	return Output{Status: StatusProcessing, Message: message, Data: data, Timestamp: time.Now().UTC()}
}

// FromError converts any error into a status=error output carrying the
// taxonomy code and category.
func FromError(err error) Output {
	if err == nil {
		return Failure("unknown error")
	}
	data := map[string]any{
		"code":     string(kerrors.Code(err)),
		"category": string(kerrors.Category(err)),
	}
	if kerr := kerrors.AsKernelError(err); kerr != nil {
		for k, v := range kerr.Metadata() {
			data[k] = v
		}
	}
	return Output{Status: StatusError, Message: err.Error(), Data: data, Timestamp: time.Now().UTC()}
}
