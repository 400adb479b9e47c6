// Package background runs heavy tasks off the request path.
//
// Submit records a processing context, starts the agent under a supervised
// group and returns at once with the context id. When the run ends the
// context is marked completed or failed with the agent output as result.
// Drain stops intake and waits for outstanding runs, so shutdown can
// account for every task it started.
package background

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/taskkernel/agent"
	"github.com/vinayprograms/taskkernel/bus"
	"github.com/vinayprograms/taskkernel/contextstore"
	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/logging"
	"github.com/vinayprograms/taskkernel/telemetry"
)

// SubjectPrefix prefixes completion events on the bus.
const SubjectPrefix = "kernel.context."

const storeTimeout = 10 * time.Second

// Completion is published when a background run ends.
type Completion struct {
	ContextID string       `json:"context_id"`
	TenantID  string       `json:"tenant_id"`
	Task      string       `json:"task"`
	Status    string       `json:"status"`
	Result    agent.Output `json:"result"`
}

// Config configures an Executor.
type Config struct {
	Contexts *contextstore.Store
	// Bus receives completion events. Optional.
	Bus bus.MessageBus
	// TTL bounds how long a context stays pollable.
	TTL    time.Duration
	Logger *logging.Logger
	Events telemetry.Exporter
}

// Executor supervises background runs.
type Executor struct {
	contexts *contextstore.Store
	bus      bus.MessageBus
	ttl      time.Duration
	logger   *logging.Logger
	events   telemetry.Exporter

	mu       sync.Mutex
	draining bool
	group    errgroup.Group
	inFlight atomic.Int64
}

// New creates an executor.
func New(cfg Config) *Executor {
	e := &Executor{
		contexts: cfg.Contexts,
		bus:      cfg.Bus,
		ttl:      cfg.TTL,
		logger:   cfg.Logger,
		events:   cfg.Events,
	}
	if e.ttl <= 0 {
		e.ttl = contextstore.DefaultTTL
	}
	if e.logger == nil {
		e.logger = logging.Discard()
	}
	e.logger = e.logger.WithComponent("background")
	if e.events == nil {
		e.events = telemetry.NewNoopExporter()
	}
	return e
}

// Submit schedules a on in and returns a processing acknowledgment. If no
// context can be created the task still runs, but the output carries no
// context id. A request id already seen for the tenant returns the earlier
// context instead of starting a second run. A context_id in the params is
// reused only when it belongs to the dispatching tenant.
func (e *Executor) Submit(ctx context.Context, a agent.Agent, in agent.Input) agent.Output {
	if e.Draining() {
		return refuse(in)
	}

	contextID := in.Param(agent.ParamContextID)
	if contextID == "" {
		contextID = e.createContext(ctx, in)
	} else if e.contexts != nil {
		// Only a record of the dispatching tenant may be reused.
		if _, err := e.contexts.Lookup(ctx, contextID, in.TenantID); err != nil {
			return agent.FromError(err)
		}
		e.update(ctx, contextID, map[string]any{contextstore.KeyStatus: contextstore.StatusProcessing, "task": in.Task})
	}

	claimed := false
	if contextID != "" && in.RequestID != "" && e.contexts != nil {
		existing, ok, err := e.contexts.Remember(ctx, in.TenantID, in.RequestID, contextID, e.ttl)
		switch {
		case err != nil:
			e.logger.Warn("idempotency_unavailable", map[string]interface{}{
				"request_id": in.RequestID,
				"error":      err.Error(),
			})
		case !ok:
			if _, err := e.contexts.Delete(ctx, contextID); err != nil {
				e.logger.Warn("context_delete_failed", map[string]interface{}{"context_id": contextID, "error": err.Error()})
			}
			out := agent.Processing(existing)
			out.Data["duplicate"] = true
			return out
		default:
			claimed = true
		}
	}

	if contextID != "" {
		in = in.WithParam(agent.ParamContextID, contextID)
	}

	// The run outlives the request; keep its values but not its deadline.
	runCtx := context.WithoutCancel(ctx)

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return e.refuseLate(runCtx, in, contextID, claimed)
	}
	e.inFlight.Add(1)
	e.group.Go(func() error {
		defer e.inFlight.Add(-1)
		e.run(runCtx, a, in, contextID)
		return nil
	})
	e.mu.Unlock()

	e.logger.Info("background_submitted", map[string]interface{}{
		"task":       in.Task,
		"tenant":     in.TenantID,
		"context_id": contextID,
	})
	return agent.Processing(contextID)
}

// refuseLate handles a submission that lost the race with Drain after its
// context was created. The request id is released so a retry against
// another instance is not answered with this refused run.
func (e *Executor) refuseLate(ctx context.Context, in agent.Input, contextID string, claimed bool) agent.Output {
	out := refuse(in)
	e.finish(ctx, in, contextID, out)
	if claimed {
		if err := e.contexts.Forget(ctx, in.TenantID, in.RequestID); err != nil {
			e.logger.Warn("idempotency_release_failed", map[string]interface{}{
				"request_id": in.RequestID,
				"error":      err.Error(),
			})
		}
	}
	return out
}

func refuse(in agent.Input) agent.Output {
	return agent.FromError(kerrors.New(kerrors.ErrCodeUnavailable, "kernel is shutting down",
		kerrors.WithTask(in.Task), kerrors.WithTenantID(in.TenantID)))
}

func (e *Executor) createContext(ctx context.Context, in agent.Input) string {
	if e.contexts == nil {
		return ""
	}
	rec, err := e.contexts.Create(ctx, in.TenantID, in.Param(agent.ParamProjectID), map[string]any{
		contextstore.KeyStatus: contextstore.StatusProcessing,
		"task":                 in.Task,
	}, e.ttl)
	if err != nil {
		e.logger.DegradedMode("background", fmt.Sprintf("context create failed for %s: %v", in.Task, err))
		return ""
	}
	return rec.ID
}

func (e *Executor) run(ctx context.Context, a agent.Agent, in agent.Input, contextID string) {
	var out agent.Output
	defer func() {
		if r := recover(); r != nil {
			err := kerrors.RecoverPanic(r)
			e.logger.AgentFailure(in.Task, in.TenantID, in.Params, err)
			out = agent.FromError(err)
		}
		e.finish(ctx, in, contextID, out)
	}()
	out = agent.Run(ctx, a, in, e.logger)
}

// finish writes the terminal state once. The TTL is not extended.
func (e *Executor) finish(ctx context.Context, in agent.Input, contextID string, out agent.Output) {
	status := contextstore.StatusCompleted
	if out.IsError() {
		status = contextstore.StatusFailed
	}

	if contextID != "" {
		e.update(ctx, contextID, map[string]any{
			contextstore.KeyStatus: status,
			contextstore.KeyResult: out,
		})
	}

	c := Completion{ContextID: contextID, TenantID: in.TenantID, Task: in.Task, Status: status, Result: out}
	if e.bus != nil && contextID != "" {
		if b, err := json.Marshal(c); err == nil {
			if err := e.bus.Publish(SubjectPrefix+contextID, b); err != nil {
				e.logger.Warn("completion_publish_failed", map[string]interface{}{
					"context_id": contextID,
					"error":      err.Error(),
				})
			}
		}
	}

	e.events.LogEvent(telemetry.EventCompletion, map[string]any{
		"context_id": contextID,
		"tenant":     in.TenantID,
		"task":       in.Task,
		"status":     status,
	})
	e.logger.Info("background_complete", map[string]interface{}{
		"task":       in.Task,
		"context_id": contextID,
		"status":     status,
	})
}

func (e *Executor) update(ctx context.Context, contextID string, patch map[string]any) {
	if e.contexts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	ok, err := e.contexts.Update(ctx, contextID, patch, false)
	if err != nil {
		e.logger.Error("context_update_failed", map[string]interface{}{
			"context_id": contextID,
			"error":      err.Error(),
		})
		return
	}
	if !ok {
		e.logger.Warn("context_gone", map[string]interface{}{"context_id": contextID})
	}
}

// InFlight returns the number of runs not yet finished.
func (e *Executor) InFlight() int {
	return int(e.inFlight.Load())
}

// Draining reports whether Drain has been called.
func (e *Executor) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// Drain refuses new submissions and waits for outstanding runs until ctx
// ends. Runs still going when ctx ends are left to finish on their own.
func (e *Executor) Drain(ctx context.Context) error {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.logger.Warn("drain_timeout", map[string]interface{}{"in_flight": e.InFlight()})
		return ctx.Err()
	}
}
