package pipeline

import (
	"testing"

	"github.com/vinayprograms/taskkernel/agent"
)

func TestNextAction(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name      string
		counts    Counts
		want      agent.TaskName
		wantBatch int
	}{
		{"empty seeds anchors", Counts{}, agent.TaskDiscoverAnchors, 0},
		{"ready capped by drip", Counts{Ready: 3}, agent.TaskPublish, 2},
		{"ready below drip", Counts{Ready: 1, Imaged: 4}, agent.TaskPublish, 1},
		{"imaged before linked", Counts{Imaged: 1, Linked: 1}, agent.TaskAddTools, 0},
		{"linked", Counts{Linked: 2, Validated: 1}, agent.TaskAddMedia, 0},
		{"validated", Counts{Validated: 1, Unreviewed: 5}, agent.TaskAddLinks, 0},
		{"unreviewed", Counts{Unreviewed: 1, PendingKeywords: 9}, agent.TaskReview, 0},
		{"write when review drained", Counts{PendingKeywords: 5, Anchors: 1, TotalKeywords: 5}, agent.TaskWrite, 0},
		{"keywords below ratio", Counts{Anchors: 2, TotalKeywords: 9}, agent.TaskGenerateKeywords, 0},
		{"audit above threshold", Counts{Anchors: 1, TotalKeywords: 5, Published: 21}, agent.TaskAnalyticsAudit, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextAction(tt.counts, p)
			if !ok {
				t.Fatalf("NextAction(%+v) balanced, want %s", tt.counts, tt.want)
			}
			if got.Task != tt.want {
				t.Errorf("Task = %s, want %s", got.Task, tt.want)
			}
			if got.Batch != tt.wantBatch {
				t.Errorf("Batch = %d, want %d", got.Batch, tt.wantBatch)
			}
			if got.Reason == "" {
				t.Error("Reason is empty")
			}
		})
	}
}

func TestNextAction_Balanced(t *testing.T) {
	tests := []Counts{
		{Anchors: 1, TotalKeywords: 5},
		{Anchors: 3, TotalKeywords: 20, Published: 20},
	}
	for _, c := range tests {
		if got, ok := NextAction(c, DefaultPolicy()); ok {
			t.Errorf("NextAction(%+v) = %s, want balanced", c, got.Task)
		}
	}
}

func TestNextAction_ReviewBuffer(t *testing.T) {
	p := DefaultPolicy()

	got, _ := NextAction(Counts{Unreviewed: 0, PendingKeywords: 5, Anchors: 1, TotalKeywords: 5}, p)
	if got.Task != agent.TaskWrite {
		t.Errorf("unreviewed=0: Task = %s, want write", got.Task)
	}

	got, _ = NextAction(Counts{Unreviewed: 3, PendingKeywords: 5, Anchors: 1, TotalKeywords: 5}, p)
	if got.Task == agent.TaskWrite {
		t.Error("unreviewed=3: write selected despite full review buffer")
	}

	// With a zero buffer writing never starts, even with review drained.
	p.ReviewBuffer = 0
	got, ok := NextAction(Counts{PendingKeywords: 5, Anchors: 1, TotalKeywords: 5}, p)
	if ok && got.Task == agent.TaskWrite {
		t.Error("ReviewBuffer=0: write selected")
	}
}

func TestNextAction_Deterministic(t *testing.T) {
	c := Counts{Linked: 2, PendingKeywords: 1, Anchors: 4}
	first, _ := NextAction(c, DefaultPolicy())
	for i := 0; i < 10; i++ {
		got, _ := NextAction(c, DefaultPolicy())
		if got != first {
			t.Fatalf("run %d: %+v != %+v", i, got, first)
		}
	}
}

func TestNextAction_CustomPolicy(t *testing.T) {
	p := Policy{DripLimit: 5, ReviewBuffer: 2, KeywordRatio: 10, AuditThreshold: 100}

	got, _ := NextAction(Counts{Ready: 7}, p)
	if got.Batch != 5 {
		t.Errorf("Batch = %d, want 5", got.Batch)
	}

	got, _ = NextAction(Counts{Anchors: 1, TotalKeywords: 9}, p)
	if got.Task != agent.TaskGenerateKeywords {
		t.Errorf("Task = %s, want generate_keywords", got.Task)
	}

	if _, ok := NextAction(Counts{Anchors: 1, TotalKeywords: 10, Published: 50}, p); ok {
		t.Error("audit selected below custom threshold")
	}
}
