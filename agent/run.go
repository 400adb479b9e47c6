package agent

import (
	"context"
	"fmt"
	"time"

	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/logging"
	"github.com/vinayprograms/taskkernel/telemetry"
)

// Run executes a with full containment: errors and panics raised inside
// Execute come back as a status=error Output, never as a panic or error.
func Run(ctx context.Context, a Agent, in Input, logger *logging.Logger) (out Output) {
	if logger == nil {
		logger = logging.Discard()
	}
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartAgentSpan(ctx, in.Task)
	start := time.Now()
	logger.AgentStart(in.Task)

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = kerrors.RecoverPanic(r)
			logger.AgentFailure(in.Task, in.TenantID, in.Params, runErr)
			out = FromError(runErr)
		}
		tracer.EndAgentSpan(span, telemetry.AgentSpanOptions{Params: in.Params, Status: string(out.Status)}, runErr)
		logger.AgentComplete(in.Task, time.Since(start), string(out.Status))
	}()

	if a == nil {
		runErr = kerrors.UnresolvedTask(in.Task)
		return FromError(runErr)
	}

	result, err := a.Execute(ctx, in)
	if err != nil {
		runErr = err
		logger.AgentFailure(in.Task, in.TenantID, in.Params, err)
		if kerrors.AsKernelError(err) == nil && ctx.Err() == nil {
			err = kerrors.TaskFailed(in.Task, err.Error(), kerrors.WithTenantID(in.TenantID))
		}
		return FromError(err)
	}

	return normalize(result)
}

// normalize fills in what a handler may have left out.
func normalize(out Output) Output {
	if !out.Status.Valid() {
		out.Message = fmt.Sprintf("agent returned invalid status %q", out.Status)
		out.Status = StatusError
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}
	return out
}
