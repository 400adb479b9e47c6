// Package pipeline decides and dispatches the next action for a content
// pipeline.
//
// Work items move through unreviewed, validated, linked, imaged, ready and
// published. NextAction is a pure function of the current stage counts: it
// drains the end of the pipeline before feeding the front, so work in
// progress stays bounded. Manager re-derives the counts on every cycle and
// dispatches the chosen action through the kernel.
package pipeline

import (
	"fmt"

	"github.com/vinayprograms/taskkernel/agent"
)

// Counts is a snapshot of one project's pipeline, valid for one decision.
type Counts struct {
	Unreviewed int `json:"unreviewed"`
	Validated  int `json:"validated"`
	Linked     int `json:"linked"`
	Imaged     int `json:"imaged"`
	Ready      int `json:"ready"`
	Published  int `json:"published"`

	PendingKeywords int `json:"pending_keywords"`
	TotalKeywords   int `json:"total_keywords"`
	Anchors         int `json:"anchors"`
}

// Stage statuses stored on work items.
const (
	StageUnreviewed = "unreviewed"
	StageValidated  = "validated"
	StageLinked     = "linked"
	StageImaged     = "imaged"
	StageReady      = "ready"
	StagePublished  = "published"
)

// Stages lists work item statuses in pipeline order.
var Stages = []string{StageUnreviewed, StageValidated, StageLinked, StageImaged, StageReady, StagePublished}

// Policy holds the backpressure constants.
type Policy struct {
	// DripLimit caps how many ready items one publish action advances.
	DripLimit int
	// ReviewBuffer is the unreviewed count at which writing pauses.
	ReviewBuffer int
	// KeywordRatio is the keyword target per anchor.
	KeywordRatio int
	// AuditThreshold is the published count above which audits run.
	AuditThreshold int
}

// DefaultPolicy returns the standard pacing.
func DefaultPolicy() Policy {
	return Policy{
		DripLimit:      2,
		ReviewBuffer:   2,
		KeywordRatio:   5,
		AuditThreshold: 20,
	}
}

// Action is the single step chosen for a cycle.
type Action struct {
	Task agent.TaskName `json:"task"`
	// Batch is the number of items the action may advance; 0 means the
	// agent decides.
	Batch  int    `json:"batch,omitempty"`
	Reason string `json:"reason"`
}

// NextAction returns the highest-priority action for c, or false when the
// pipeline is balanced.
func NextAction(c Counts, p Policy) (Action, bool) {
	switch {
	case c.Ready > 0:
		return Action{
			Task:   agent.TaskPublish,
			Batch:  min(c.Ready, p.DripLimit),
			Reason: fmt.Sprintf("%d ready, drip limit %d", c.Ready, p.DripLimit),
		}, true
	case c.Imaged > 0:
		return Action{Task: agent.TaskAddTools, Reason: fmt.Sprintf("%d imaged", c.Imaged)}, true
	case c.Linked > 0:
		return Action{Task: agent.TaskAddMedia, Reason: fmt.Sprintf("%d linked", c.Linked)}, true
	case c.Validated > 0:
		return Action{Task: agent.TaskAddLinks, Reason: fmt.Sprintf("%d validated", c.Validated)}, true
	case c.Unreviewed > 0:
		return Action{Task: agent.TaskReview, Reason: fmt.Sprintf("%d unreviewed", c.Unreviewed)}, true
	// Review runs first, so the buffer check only bites when ReviewBuffer
	// is configured to 0.
	case c.PendingKeywords > 0 && c.Unreviewed < p.ReviewBuffer:
		return Action{Task: agent.TaskWrite, Reason: fmt.Sprintf("%d keywords pending", c.PendingKeywords)}, true
	case c.Anchors > 0 && c.TotalKeywords < c.Anchors*p.KeywordRatio:
		return Action{
			Task:   agent.TaskGenerateKeywords,
			Reason: fmt.Sprintf("%d keywords for %d anchors, target %d", c.TotalKeywords, c.Anchors, c.Anchors*p.KeywordRatio),
		}, true
	case c.Anchors == 0:
		return Action{Task: agent.TaskDiscoverAnchors, Reason: "no anchors"}, true
	case c.Published > p.AuditThreshold:
		return Action{Task: agent.TaskAnalyticsAudit, Reason: fmt.Sprintf("%d published", c.Published)}, true
	}
	return Action{}, false
}
