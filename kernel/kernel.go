// Package kernel routes task inputs to agents.
//
// Dispatch resolves the task against the registry, then for tenant tasks
// settles the project, verifies the tenant owns it, loads the tenant
// configuration into a fresh agent instance and runs it, inline or through
// the background executor for heavy tasks. Dispatch never panics and never
// returns an error: every failure is a status=error Output.
package kernel

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vinayprograms/taskkernel/agent"
	"github.com/vinayprograms/taskkernel/background"
	"github.com/vinayprograms/taskkernel/contextstore"
	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/logging"
	"github.com/vinayprograms/taskkernel/telemetry"
	"github.com/vinayprograms/taskkernel/tenant"
)

// ConfigLoader loads the merged configuration of a project.
type ConfigLoader interface {
	Load(ctx context.Context, projectID string) (tenant.Config, error)
}

// Config wires a Kernel.
type Config struct {
	Registry  *agent.Registry
	Ownership tenant.OwnershipStore
	Loader    ConfigLoader
	// Contexts backs requires_context registrations. Optional.
	Contexts *contextstore.Store
	// Executor runs heavy tasks. Without one they run inline.
	Executor *background.Executor
	Logger   *logging.Logger
	Tracer   *telemetry.Tracer
	Events   telemetry.Exporter
}

// Kernel dispatches tasks. It holds no per-call state and is safe for
// concurrent use.
type Kernel struct {
	registry  *agent.Registry
	ownership tenant.OwnershipStore
	loader    ConfigLoader
	contexts  *contextstore.Store
	executor  *background.Executor
	logger    *logging.Logger
	tracer    *telemetry.Tracer
	events    telemetry.Exporter
}

// New creates a kernel.
func New(cfg Config) (*Kernel, error) {
	if cfg.Registry == nil {
		return nil, errors.New("kernel: registry is required")
	}
	k := &Kernel{
		registry:  cfg.Registry,
		ownership: cfg.Ownership,
		loader:    cfg.Loader,
		contexts:  cfg.Contexts,
		executor:  cfg.Executor,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
		events:    cfg.Events,
	}
	if k.logger == nil {
		k.logger = logging.Discard()
	}
	k.logger = k.logger.WithComponent("kernel")
	if k.tracer == nil {
		k.tracer = telemetry.GetTracer()
	}
	if k.events == nil {
		k.events = telemetry.NewNoopExporter()
	}
	return k, nil
}

// Registry returns the registry the kernel resolves against.
func (k *Kernel) Registry() *agent.Registry {
	return k.registry
}

// NewRequestID returns a time-ordered request id.
func NewRequestID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// Resolve maps a task string to its registration.
func (k *Kernel) Resolve(task string) (agent.Registration, error) {
	return k.registry.Resolve(task)
}

// Dispatch runs one task.
func (k *Kernel) Dispatch(ctx context.Context, in agent.Input) (out agent.Output) {
	start := time.Now()
	if in.RequestID == "" {
		in.RequestID = NewRequestID()
	}
	requested := in.Task

	ctx, span := k.tracer.StartDispatchSpan(ctx, requested, in.TenantID, in.RequestID)
	logger := k.logger
	if id := telemetry.TraceID(ctx); id != "" {
		logger = logger.WithTraceID(id)
	}
	logger.DispatchStart(requested, in.TenantID, in.RequestID)

	var reg agent.Registration
	defer func() {
		if r := recover(); r != nil {
			err := kerrors.RecoverPanic(r)
			logger.AgentFailure(requested, in.TenantID, in.Params, err)
			out = agent.FromError(err)
		}
		var err error
		if out.IsError() {
			err = errors.New(out.Message)
		}
		k.tracer.EndDispatchSpan(span, telemetry.DispatchSpanOptions{
			Resolved: reg.Key.String(),
			Status:   string(out.Status),
			Heavy:    reg.Heavy,
		}, err)
		logger.DispatchComplete(requested, time.Since(start), string(out.Status))
		k.events.LogEvent(telemetry.EventDispatch, map[string]any{
			"task":        requested,
			"resolved":    reg.Key.String(),
			"tenant":      in.TenantID,
			"request_id":  in.RequestID,
			"status":      string(out.Status),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}()

	var err error
	reg, err = k.registry.Resolve(requested)
	if err != nil {
		return agent.FromError(err)
	}
	in.Task = reg.Key.String()

	a, in, err := k.prepare(ctx, reg, in, logger)
	if err != nil {
		return agent.FromError(err)
	}

	if reg.Heavy && k.executor != nil {
		return k.executor.Submit(ctx, a, in)
	}
	return agent.Run(ctx, a, in, logger)
}

// prepare builds the agent instance and the input it will run with.
func (k *Kernel) prepare(ctx context.Context, reg agent.Registration, in agent.Input, logger *logging.Logger) (agent.Agent, agent.Input, error) {
	if reg.New == nil {
		return nil, in, kerrors.UnresolvedTask(in.Task)
	}
	a := reg.New()

	if !reg.System {
		if in.TenantID == "" {
			return nil, in, kerrors.InvalidInput("tenant_id is required", kerrors.WithTask(in.Task))
		}
		projectID, err := k.ResolveProject(ctx, in)
		if err != nil {
			return nil, in, err
		}
		if err := k.authorize(ctx, in.TenantID, projectID); err != nil {
			return nil, in, err
		}
		in = in.WithParam(agent.ParamProjectID, projectID)

		if err := k.configure(ctx, a, projectID); err != nil {
			return nil, in, err
		}
	}

	if id := in.Param(agent.ParamContextID); id != "" && k.contexts != nil {
		if _, err := k.contexts.Lookup(ctx, id, in.TenantID); err != nil {
			return nil, in, err
		}
	}
	if reg.RequiresContext && in.Param(agent.ParamContextID) == "" && k.contexts != nil {
		rec, err := k.contexts.Create(ctx, in.TenantID, in.Param(agent.ParamProjectID), nil, 0)
		if err != nil {
			logger.DegradedMode("contextstore", fmt.Sprintf("context for %s not created: %v", in.Task, err))
		} else {
			in = in.WithParam(agent.ParamContextID, rec.ID)
		}
	}
	return a, in, nil
}

// ResolveProject returns the project a tenant task targets: the project_id
// param, or else the tenant's single active project.
func (k *Kernel) ResolveProject(ctx context.Context, in agent.Input) (string, error) {
	if id := in.Param(agent.ParamProjectID); id != "" {
		return id, nil
	}
	if k.ownership == nil {
		return "", kerrors.InvalidInput("project_id is required", kerrors.WithTask(in.Task))
	}
	id, err := k.ownership.ResolveActiveProject(ctx, in.TenantID)
	if err != nil {
		return "", kerrors.WrapWithCode(err, kerrors.ErrCodeUnavailable, "resolve active project", kerrors.WithTenantID(in.TenantID))
	}
	if id == "" {
		return "", kerrors.InvalidInput(
			fmt.Sprintf("no project_id given and tenant %s has no single active project", in.TenantID),
			kerrors.WithTask(in.Task), kerrors.WithTenantID(in.TenantID))
	}
	return id, nil
}

func (k *Kernel) authorize(ctx context.Context, tenantID, projectID string) error {
	if k.ownership == nil {
		return kerrors.Configuration("no ownership store configured")
	}
	ok, err := k.ownership.VerifyOwnership(ctx, tenantID, projectID)
	if err != nil {
		return kerrors.WrapWithCode(err, kerrors.ErrCodeUnavailable, "verify ownership", kerrors.WithTenantID(tenantID))
	}
	if !ok {
		k.logger.Warn("access_denied", map[string]interface{}{
			"tenant":  tenantID,
			"project": projectID,
		})
		return kerrors.Forbidden(projectID, kerrors.WithTenantID(tenantID))
	}
	return nil
}

func (k *Kernel) configure(ctx context.Context, a agent.Agent, projectID string) error {
	var cfg tenant.Config
	if k.loader != nil {
		var err error
		cfg, err = k.loader.Load(ctx, projectID)
		if err != nil {
			return err
		}
	}
	c, ok := a.(agent.Configurable)
	if !ok {
		return nil
	}
	if cfg == nil {
		cfg = tenant.Config{}
	}
	if err := c.Configure(projectID, cfg); err != nil {
		if kerrors.AsKernelError(err) != nil {
			return err
		}
		return kerrors.Configuration("configure agent for project "+projectID, kerrors.WithCause(err))
	}
	return nil
}
