package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/taskkernel/agent"
	"github.com/vinayprograms/taskkernel/entitystore"
	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/pipeline"
)

// Health reports whether the kernel's backends are serving normally.
type Health struct {
	deps Deps
}

func (h *Health) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	status := "ok"
	data := map[string]any{
		"version": h.deps.Version,
		"time":    time.Now().UTC().Format(time.RFC3339),
	}

	if h.deps.Contexts != nil {
		degraded := h.deps.Contexts.Degraded()
		data["context_store"] = map[string]any{"degraded": degraded}
		if degraded {
			status = "degraded"
		}
	}
	if h.deps.Executor != nil {
		data["background"] = map[string]any{
			"in_flight": h.deps.Executor.InFlight(),
			"draining":  h.deps.Executor.Draining(),
		}
		if h.deps.Executor.Draining() {
			status = "draining"
		}
	}
	if h.deps.Workers != nil {
		counts := h.deps.Workers.TaskCounts()
		data["workers"] = counts
		if h.deps.Mode == ModeBus && status == "ok" {
			for _, task := range agent.PipelineTasks {
				if counts[task.String()] == 0 {
					status = "degraded"
					break
				}
			}
		}
	}
	if h.deps.Registry != nil {
		tasks := make([]string, 0)
		for _, k := range h.deps.Registry.Keys() {
			tasks = append(tasks, k.String())
		}
		data["tasks"] = tasks
		if aliases := h.deps.Registry.Aliases(); len(aliases) > 0 {
			data["aliases"] = aliases
		}
	}
	data["status"] = status
	return agent.Success(status, data), nil
}

// Onboard creates a project owned by the calling tenant. Optional
// "anchors" seed the pipeline.
type Onboard struct {
	entities *entitystore.Store
}

func (o *Onboard) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	if o.entities == nil {
		return agent.Output{}, kerrors.Configuration("no entity store configured")
	}
	if in.TenantID == "" {
		return agent.Output{}, kerrors.InvalidInput("tenant_id is required")
	}
	name := in.Param("name")
	if name == "" {
		return agent.Output{}, kerrors.InvalidInput("name is required")
	}

	p, err := o.entities.CreateProject(ctx, in.TenantID, name)
	if err != nil {
		return agent.Output{}, err
	}

	seeded := 0
	for _, term := range stringList(in.Params["anchors"]) {
		if _, err := o.entities.AddAnchor(ctx, p.ID, in.Param(agent.ParamCampaignID), term); err != nil {
			return agent.Output{}, fmt.Errorf("seed anchor %q: %w", term, err)
		}
		seeded++
	}

	return agent.Success(fmt.Sprintf("project %s created", p.ID), map[string]any{
		agent.ParamProjectID: p.ID,
		"name":               p.Name,
		"anchors":            seeded,
	}), nil
}

// PipelineStatus shows a project's counts and the action a cycle would
// take. When the caller names a tenant, the project must belong to it.
type PipelineStatus struct {
	manager  *pipeline.Manager
	entities *entitystore.Store
}

func (p *PipelineStatus) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	if p.manager == nil {
		return agent.Output{}, kerrors.Configuration("no pipeline manager configured")
	}
	projectID := in.Param(agent.ParamProjectID)
	if projectID == "" {
		return agent.Output{}, kerrors.InvalidInput("project_id is required")
	}
	// System tasks skip the kernel's ownership gate, so the check lives here.
	if in.TenantID == "" {
		return agent.Output{}, kerrors.InvalidInput("tenant_id is required")
	}
	if p.entities == nil {
		return agent.Output{}, kerrors.Configuration("no ownership store configured")
	}
	ok, err := p.entities.VerifyOwnership(ctx, in.TenantID, projectID)
	if err != nil {
		return agent.Output{}, err
	}
	if !ok {
		return agent.Output{}, kerrors.Forbidden(projectID, kerrors.WithTenantID(in.TenantID))
	}

	st, err := p.manager.Status(ctx, projectID, in.Param(agent.ParamCampaignID))
	if err != nil {
		return agent.Output{}, err
	}
	msg := "pipeline balanced"
	if st.Next != nil {
		msg = "next: " + st.Next.Task.String()
	}
	data := map[string]any{
		agent.ParamProjectID:  st.ProjectID,
		agent.ParamCampaignID: st.CampaignID,
		"counts":              st.Counts,
		"balanced":            st.Balanced,
	}
	if st.Next != nil {
		data["next"] = *st.Next
	}
	return agent.Success(msg, data), nil
}

// stringList accepts a []string or a decoded JSON/YAML list.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// intValue accepts the numeric shapes params take after JSON, YAML or TOML
// decoding.
func intValue(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}
