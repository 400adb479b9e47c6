package agents

import (
	"context"
	"fmt"

	"github.com/vinayprograms/taskkernel/agent"
	"github.com/vinayprograms/taskkernel/entitystore"
	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/pipeline"
)

// Default batch sizes when neither params nor tenant config give one.
const (
	defaultBatch      = 5
	defaultWriteBatch = 1
)

var defaultModifiers = []string{"guide", "tips", "examples", "checklist", "mistakes"}

// stageMoves maps the stage-advancing tasks to their transition.
var stageMoves = map[agent.TaskName][2]string{
	agent.TaskPublish:  {pipeline.StageReady, pipeline.StagePublished},
	agent.TaskAddTools: {pipeline.StageImaged, pipeline.StageReady},
	agent.TaskAddMedia: {pipeline.StageLinked, pipeline.StageImaged},
	agent.TaskAddLinks: {pipeline.StageValidated, pipeline.StageLinked},
	agent.TaskReview:   {pipeline.StageUnreviewed, pipeline.StageValidated},
}

// StageFactory returns the in-process agent for a pipeline action task.
// These agents only move work items between stages; the content work
// itself belongs to remote workers.
func StageFactory(task agent.TaskName, store *entitystore.Store) agent.Factory {
	if move, ok := stageMoves[task]; ok {
		return func() agent.Agent {
			return &Advance{store: store, from: move[0], to: move[1], batch: defaultBatch}
		}
	}
	switch task {
	case agent.TaskWrite:
		return func() agent.Agent { return &Write{store: store, batch: defaultWriteBatch} }
	case agent.TaskGenerateKeywords:
		return func() agent.Agent {
			return &GenerateKeywords{store: store, ratio: pipeline.DefaultPolicy().KeywordRatio, modifiers: defaultModifiers}
		}
	case agent.TaskDiscoverAnchors:
		return func() agent.Agent { return &DiscoverAnchors{store: store} }
	case agent.TaskAnalyticsAudit:
		return func() agent.Agent { return &AnalyticsAudit{store: store} }
	}
	return nil
}

// scope returns the project and campaign an action works on.
func scope(in agent.Input) (string, string, error) {
	projectID := in.Param(agent.ParamProjectID)
	if projectID == "" {
		return "", "", kerrors.InvalidInput("project_id is required", kerrors.WithTask(in.Task))
	}
	return projectID, in.Param(agent.ParamCampaignID), nil
}

// Advance moves up to a batch of work items from one stage to the next.
type Advance struct {
	store    *entitystore.Store
	from, to string
	batch    int
}

func (a *Advance) Configure(projectID string, cfg map[string]any) error {
	a.batch = intValue(cfg["batch_size"], a.batch)
	return nil
}

func (a *Advance) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	projectID, campaignID, err := scope(in)
	if err != nil {
		return agent.Output{}, err
	}
	limit := intValue(in.Params["limit"], a.batch)

	items, err := a.store.ListEntities(ctx, projectID, campaignID, a.from, limit)
	if err != nil {
		return agent.Output{}, err
	}
	if len(items) == 0 {
		return agent.Skipped("no "+a.from+" items", nil), nil
	}
	moved := make([]string, 0, len(items))
	for _, e := range items {
		if err := a.store.UpdateStatus(ctx, e.ID, a.to); err != nil {
			return agent.Output{}, err
		}
		moved = append(moved, e.ID)
	}
	return agent.Success(fmt.Sprintf("moved %d from %s to %s", len(moved), a.from, a.to), map[string]any{
		"moved": moved,
		"from":  a.from,
		"to":    a.to,
	}), nil
}

// Write turns pending keywords into unreviewed drafts.
type Write struct {
	store *entitystore.Store
	batch int
}

func (w *Write) Configure(projectID string, cfg map[string]any) error {
	w.batch = intValue(cfg["write_batch"], w.batch)
	return nil
}

func (w *Write) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	projectID, campaignID, err := scope(in)
	if err != nil {
		return agent.Output{}, err
	}
	keywords, err := w.store.ListKeywords(ctx, projectID, campaignID, entitystore.KeywordPending, intValue(in.Params["limit"], w.batch))
	if err != nil {
		return agent.Output{}, err
	}
	if len(keywords) == 0 {
		return agent.Skipped("no pending keywords", nil), nil
	}
	drafts := make([]string, 0, len(keywords))
	for _, k := range keywords {
		e, err := w.store.AddEntity(ctx, projectID, campaignID, entitystore.EntityContent, k.Term, pipeline.StageUnreviewed)
		if err != nil {
			return agent.Output{}, err
		}
		if err := w.store.MarkKeywordUsed(ctx, k.ID); err != nil {
			return agent.Output{}, err
		}
		drafts = append(drafts, e.ID)
	}
	return agent.Success(fmt.Sprintf("drafted %d", len(drafts)), map[string]any{"drafts": drafts}), nil
}

// GenerateKeywords fills the keyword pool up to ratio keywords per anchor
// by combining anchors with modifiers.
type GenerateKeywords struct {
	store     *entitystore.Store
	ratio     int
	modifiers []string
}

func (g *GenerateKeywords) Configure(projectID string, cfg map[string]any) error {
	if p, ok := cfg["pipeline"].(map[string]any); ok {
		g.ratio = intValue(p["keyword_ratio"], g.ratio)
	}
	if mods := stringList(cfg["keyword_modifiers"]); len(mods) > 0 {
		g.modifiers = mods
	}
	return nil
}

func (g *GenerateKeywords) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	projectID, campaignID, err := scope(in)
	if err != nil {
		return agent.Output{}, err
	}
	anchors, err := g.store.ListAnchors(ctx, projectID, campaignID)
	if err != nil {
		return agent.Output{}, err
	}
	if len(anchors) == 0 {
		return agent.Skipped("no anchors", nil), nil
	}
	counts, err := g.store.StageCounts(ctx, projectID, campaignID)
	if err != nil {
		return agent.Output{}, err
	}
	seen := make(map[string]bool, counts.TotalKeywords)
	if counts.TotalKeywords > 0 {
		existing, err := g.store.ListKeywords(ctx, projectID, campaignID, "", counts.TotalKeywords)
		if err != nil {
			return agent.Output{}, err
		}
		for _, k := range existing {
			seen[k.Term] = true
		}
	}

	need := len(anchors)*g.ratio - counts.TotalKeywords
	added := 0
	for _, mod := range g.modifiers {
		for _, a := range anchors {
			if added >= need {
				break
			}
			term := a.Term + " " + mod
			if seen[term] {
				continue
			}
			if _, err := g.store.AddKeyword(ctx, projectID, campaignID, a.ID, term); err != nil {
				return agent.Output{}, err
			}
			seen[term] = true
			added++
		}
	}
	if added == 0 {
		return agent.Skipped("no new keyword combinations", nil), nil
	}
	return agent.Success(fmt.Sprintf("added %d keywords", added), map[string]any{"added": added}), nil
}

// DiscoverAnchors seeds anchors from the tenant's "seed_anchors" list.
type DiscoverAnchors struct {
	store *entitystore.Store
	seeds []string
}

func (d *DiscoverAnchors) Configure(projectID string, cfg map[string]any) error {
	d.seeds = stringList(cfg["seed_anchors"])
	return nil
}

func (d *DiscoverAnchors) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	projectID, campaignID, err := scope(in)
	if err != nil {
		return agent.Output{}, err
	}
	if len(d.seeds) == 0 {
		return agent.Skipped("no seed_anchors configured", nil), nil
	}
	current, err := d.store.ListAnchors(ctx, projectID, campaignID)
	if err != nil {
		return agent.Output{}, err
	}
	have := make(map[string]bool, len(current))
	for _, a := range current {
		have[a.Term] = true
	}
	added := 0
	for _, term := range d.seeds {
		if have[term] {
			continue
		}
		if _, err := d.store.AddAnchor(ctx, projectID, campaignID, term); err != nil {
			return agent.Output{}, err
		}
		have[term] = true
		added++
	}
	return agent.Success(fmt.Sprintf("added %d anchors", added), map[string]any{"added": added}), nil
}

// AnalyticsAudit reports the published inventory of a campaign.
type AnalyticsAudit struct {
	store *entitystore.Store
}

func (a *AnalyticsAudit) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	projectID, campaignID, err := scope(in)
	if err != nil {
		return agent.Output{}, err
	}
	counts, err := a.store.StageCounts(ctx, projectID, campaignID)
	if err != nil {
		return agent.Output{}, err
	}
	return agent.Success(fmt.Sprintf("%d published", counts.Published), map[string]any{"counts": counts}), nil
}
