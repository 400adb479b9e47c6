package agents

import (
	"context"

	"github.com/vinayprograms/taskkernel/agent"
	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/pipeline"
)

// PipelineCycle runs one pipeline decision for the dispatch's project.
// A "pipeline" table in the tenant configuration overrides the policy.
type PipelineCycle struct {
	manager *pipeline.Manager
}

func (c *PipelineCycle) Configure(projectID string, cfg map[string]any) error {
	if c.manager == nil {
		return nil
	}
	overrides, ok := cfg["pipeline"].(map[string]any)
	if !ok {
		return nil
	}
	p := c.manager.Policy()
	p.DripLimit = intValue(overrides["drip_limit"], p.DripLimit)
	p.ReviewBuffer = intValue(overrides["review_buffer"], p.ReviewBuffer)
	p.KeywordRatio = intValue(overrides["keyword_ratio"], p.KeywordRatio)
	p.AuditThreshold = intValue(overrides["audit_threshold"], p.AuditThreshold)
	if p.DripLimit < 1 || p.KeywordRatio < 1 || p.ReviewBuffer < 0 {
		return kerrors.Configuration("invalid pipeline overrides for project " + projectID)
	}
	c.manager = c.manager.WithPolicy(p)
	return nil
}

func (c *PipelineCycle) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	if c.manager == nil {
		return agent.Output{}, kerrors.Configuration("no pipeline manager configured")
	}
	return c.manager.Cycle(ctx, in.TenantID, in.Param(agent.ParamProjectID), in.Param(agent.ParamCampaignID), in.RequestID), nil
}
