package entitystore

import (
	"context"
	"path/filepath"
	"testing"

	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "entities.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func TestMigrateIdempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "dir", "e.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOpenMemory(t *testing.T) {
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	store := NewStore(db)
	if _, err := store.CreateProject(context.Background(), "t", "site"); err != nil {
		t.Fatalf("create project: %v", err)
	}
}

func TestOwnership(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p, err := store.CreateProject(ctx, "tenant-a", "blog")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}

	ok, err := store.VerifyOwnership(ctx, "tenant-a", p.ID)
	if err != nil || !ok {
		t.Errorf("owner: ok=%v err=%v", ok, err)
	}
	ok, err = store.VerifyOwnership(ctx, "tenant-b", p.ID)
	if err != nil || ok {
		t.Errorf("other tenant: ok=%v err=%v", ok, err)
	}
	ok, _ = store.VerifyOwnership(ctx, "tenant-a", "missing")
	if ok {
		t.Error("missing project reported as owned")
	}
}

func TestResolveActiveProject(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if id, err := store.ResolveActiveProject(ctx, "tenant-a"); err != nil || id != "" {
		t.Fatalf("no projects: id=%q err=%v", id, err)
	}

	first, _ := store.CreateProject(ctx, "tenant-a", "one")
	if id, _ := store.ResolveActiveProject(ctx, "tenant-a"); id != first.ID {
		t.Errorf("single project: id=%q, want %q", id, first.ID)
	}

	second, _ := store.CreateProject(ctx, "tenant-a", "two")
	if id, _ := store.ResolveActiveProject(ctx, "tenant-a"); id != "" {
		t.Errorf("two active: id=%q, want empty", id)
	}

	if err := store.SetProjectStatus(ctx, second.ID, ProjectArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if id, _ := store.ResolveActiveProject(ctx, "tenant-a"); id != first.ID {
		t.Errorf("after archive: id=%q, want %q", id, first.ID)
	}

	if err := store.SetProjectStatus(ctx, "missing", ProjectArchived); !kerrors.Is(err, kerrors.ErrCodeNotFound) {
		t.Errorf("missing project: err=%v", err)
	}
	if err := store.SetProjectStatus(ctx, first.ID, "deleted"); !kerrors.Is(err, kerrors.ErrCodeInvalidInput) {
		t.Errorf("bad status: err=%v", err)
	}
}

func TestStageCounts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "t", "site")

	for _, stage := range []string{
		pipeline.StageReady, pipeline.StageReady, pipeline.StageReady,
		pipeline.StageImaged, pipeline.StageUnreviewed, pipeline.StagePublished,
	} {
		if _, err := store.AddEntity(ctx, p.ID, "", "", "draft", stage); err != nil {
			t.Fatalf("add entity: %v", err)
		}
	}
	// Other campaigns and entity types stay out of the snapshot.
	store.AddEntity(ctx, p.ID, "spring", "", "x", pipeline.StageReady)
	store.AddEntity(ctx, p.ID, "", "page", "x", pipeline.StageReady)

	anchor, err := store.AddAnchor(ctx, p.ID, "", "go")
	if err != nil {
		t.Fatalf("add anchor: %v", err)
	}
	kw, _ := store.AddKeyword(ctx, p.ID, "", anchor, "go channels")
	store.AddKeyword(ctx, p.ID, "", "", "go generics")
	if err := store.MarkKeywordUsed(ctx, kw); err != nil {
		t.Fatalf("mark used: %v", err)
	}

	got, err := store.StageCounts(ctx, p.ID, pipeline.DefaultCampaign)
	if err != nil {
		t.Fatalf("stage counts: %v", err)
	}
	want := pipeline.Counts{
		Unreviewed:      1,
		Imaged:          1,
		Ready:           3,
		Published:       1,
		PendingKeywords: 1,
		TotalKeywords:   2,
		Anchors:         1,
	}
	if got != want {
		t.Errorf("counts = %+v, want %+v", got, want)
	}

	action, ok := pipeline.NextAction(got, pipeline.DefaultPolicy())
	if !ok || action.Batch != 2 {
		t.Errorf("next action = %+v", action)
	}
}

func TestStageCounts_Empty(t *testing.T) {
	store := openTestStore(t)
	got, err := store.StageCounts(context.Background(), "nothing", "")
	if err != nil {
		t.Fatalf("stage counts: %v", err)
	}
	if got != (pipeline.Counts{}) {
		t.Errorf("counts = %+v, want zero", got)
	}
}

func TestUpdateStatus(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "t", "site")
	e, _ := store.AddEntity(ctx, p.ID, "", "", "draft", pipeline.StageUnreviewed)

	if err := store.UpdateStatus(ctx, e.ID, pipeline.StageValidated); err != nil {
		t.Fatalf("update: %v", err)
	}
	counts, _ := store.CountByStatus(ctx, p.ID, "", EntityContent)
	if counts[pipeline.StageValidated] != 1 || counts[pipeline.StageUnreviewed] != 0 {
		t.Errorf("counts = %v", counts)
	}

	if err := store.UpdateStatus(ctx, e.ID, "shipped"); !kerrors.Is(err, kerrors.ErrCodeInvalidInput) {
		t.Errorf("invalid stage: err=%v", err)
	}
	if err := store.UpdateStatus(ctx, "missing", pipeline.StageReady); !kerrors.Is(err, kerrors.ErrCodeNotFound) {
		t.Errorf("missing entity: err=%v", err)
	}
	if _, err := store.AddEntity(ctx, p.ID, "", "", "x", "shipped"); !kerrors.Is(err, kerrors.ErrCodeInvalidInput) {
		t.Errorf("add with invalid stage: err=%v", err)
	}
}

func TestListEntities(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "t", "site")
	a, _ := store.AddEntity(ctx, p.ID, "", "", "a", pipeline.StageReady)
	store.AddEntity(ctx, p.ID, "", "", "b", pipeline.StageReady)
	store.AddEntity(ctx, p.ID, "", "", "c", pipeline.StageLinked)

	ready, err := store.ListEntities(ctx, p.ID, "", pipeline.StageReady, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ready) != 2 || ready[0].ID != a.ID {
		t.Errorf("ready = %+v", ready)
	}

	all, _ := store.ListEntities(ctx, p.ID, "", "", 0)
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}
}

func TestForeignKeys(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.AddEntity(context.Background(), "no-such-project", "", "", "x", pipeline.StageReady); err == nil {
		t.Error("entity for unknown project accepted")
	}
}

func TestListAnchorsAndKeywords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p, _ := store.CreateProject(ctx, "t", "site")
	a1, _ := store.AddAnchor(ctx, p.ID, "", "go")
	store.AddAnchor(ctx, p.ID, "", "rust")
	if _, err := store.AddAnchor(ctx, p.ID, "", "go"); err == nil {
		t.Error("duplicate anchor accepted")
	}

	anchors, err := store.ListAnchors(ctx, p.ID, "")
	if err != nil {
		t.Fatalf("list anchors: %v", err)
	}
	if len(anchors) != 2 || anchors[0].ID != a1 {
		t.Errorf("anchors = %+v", anchors)
	}

	k1, _ := store.AddKeyword(ctx, p.ID, "", a1, "go tutorial")
	store.AddKeyword(ctx, p.ID, "", "", "rust tutorial")
	store.MarkKeywordUsed(ctx, k1)

	pending, err := store.ListKeywords(ctx, p.ID, "", KeywordPending, 10)
	if err != nil {
		t.Fatalf("list keywords: %v", err)
	}
	if len(pending) != 1 || pending[0].Term != "rust tutorial" || pending[0].AnchorID != "" {
		t.Errorf("pending = %+v", pending)
	}
	all, _ := store.ListKeywords(ctx, p.ID, "", "", 0)
	if len(all) != 2 || all[0].AnchorID != a1 {
		t.Errorf("all = %+v", all)
	}
}
