package agent

import (
	"context"
	"errors"
	"testing"

	kerrors "github.com/vinayprograms/taskkernel/errors"
)

func noop() Agent {
	return Func(func(ctx context.Context, in Input) (Output, error) {
		return Success("", nil), nil
	})
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	for _, reg := range []Registration{
		{Key: TaskHealth, New: noop, System: true},
		{Key: TaskPublish, New: noop},
		{Key: TaskReview, New: noop},
		{Key: TaskWrite, New: noop, Heavy: true},
	} {
		if err := r.Register(reg); err != nil {
			t.Fatalf("Register(%s): %v", reg.Key, err)
		}
	}
	return r
}

func TestRegistry_Register(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name string
		reg  Registration
		want error
	}{
		{"duplicate", Registration{Key: TaskPublish, New: noop}, ErrDuplicateKey},
		{"contains existing", Registration{Key: "publish_now", New: noop}, ErrAmbiguousKey},
		{"contained in existing", Registration{Key: "rite", New: noop}, ErrAmbiguousKey},
		{"empty", Registration{Key: "", New: noop}, ErrInvalidKey},
		{"padded", Registration{Key: " add_tools", New: noop}, ErrInvalidKey},
		{"no factory", Registration{Key: TaskAddTools}, ErrInvalidKey},
		{"system not allow-listed", Registration{Key: TaskAddTools, New: noop, System: true}, ErrNotSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.reg); !errors.Is(err, tt.want) {
				t.Errorf("Register() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestRegistry_BuiltinTaskNamesDoNotOverlap(t *testing.T) {
	r := NewRegistry()
	all := append([]TaskName{TaskHealth, TaskOnboard, TaskPipelineStatus, TaskPipelineCycle}, PipelineTasks...)
	for _, key := range all {
		if err := r.Register(Registration{Key: key, New: noop, System: IsSystemTask(key)}); err != nil {
			t.Errorf("built-in task %s cannot be registered: %v", key, err)
		}
	}
}

func TestRegistry_Resolve(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Alias("content_writer", TaskWrite); err != nil {
		t.Fatalf("Alias: %v", err)
	}

	tests := []struct {
		task string
		want TaskName
	}{
		{"publish", TaskPublish},         // exact
		{"content_writer", TaskWrite},    // alias
		{"publish_article", TaskPublish}, // substring fallback
		{"seo_review_pass", TaskReview},  // substring fallback
		{"health", TaskHealth},           // exact system task
	}
	for _, tt := range tests {
		reg, err := r.Resolve(tt.task)
		if err != nil {
			t.Errorf("Resolve(%q) error: %v", tt.task, err)
			continue
		}
		if reg.Key != tt.want {
			t.Errorf("Resolve(%q) = %s, want %s", tt.task, reg.Key, tt.want)
		}
	}
}

func TestRegistry_ResolveIsDeterministic(t *testing.T) {
	r := newTestRegistry(t)
	for i := 0; i < 50; i++ {
		reg, err := r.Resolve("write_blog")
		if err != nil || reg.Key != TaskWrite {
			t.Fatalf("iteration %d: %v %v", i, reg.Key, err)
		}
	}
}

func TestRegistry_ResolveUnresolved(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Resolve("send_sms")
	if !kerrors.Is(err, kerrors.ErrCodeUnresolvedTask) {
		t.Fatalf("expected UNRESOLVED_TASK, got %v", err)
	}
	if err.Error() != "unknown task: send_sms" {
		t.Errorf("message = %q", err.Error())
	}

	// Two keys contained in one task string is ambiguous.
	_, err = r.Resolve("review_then_publish")
	kerr := kerrors.AsKernelError(err)
	if kerr == nil || kerr.Code() != kerrors.ErrCodeUnresolvedTask {
		t.Fatalf("expected ambiguous task to be unresolved, got %v", err)
	}
	if kerr.Metadata()["candidates"] != "publish,review" {
		t.Errorf("candidates = %q", kerr.Metadata()["candidates"])
	}

	if _, err := r.Resolve(""); err == nil {
		t.Error("empty task must not resolve")
	}
}

func TestRegistry_Alias(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Alias("writer", "ghost"); !errors.Is(err, ErrUnknownAlias) {
		t.Errorf("expected ErrUnknownAlias, got %v", err)
	}
	if err := r.Alias("publish", TaskWrite); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("alias shadowing a key should fail, got %v", err)
	}
	r.Alias("writer", TaskWrite)
	if err := r.Alias("writer", TaskReview); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("re-pointing an alias should fail, got %v", err)
	}
	if err := r.Alias("writer", TaskWrite); err != nil {
		t.Errorf("idempotent alias failed: %v", err)
	}
	if r.Aliases()["writer"] != TaskWrite {
		t.Error("alias table missing entry")
	}
}

func TestRegistry_LookupAndKeys(t *testing.T) {
	r := newTestRegistry(t)

	reg, ok := r.Lookup(TaskWrite)
	if !ok || !reg.Heavy {
		t.Errorf("Lookup(write) = %+v, %v", reg, ok)
	}
	if _, ok := r.Lookup("write_blog"); ok {
		t.Error("Lookup must be exact")
	}

	keys := r.Keys()
	want := []TaskName{TaskHealth, TaskPublish, TaskReview, TaskWrite}
	if len(keys) != len(want) {
		t.Fatalf("Keys() = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("Keys()[%d] = %s, want %s", i, keys[i], want[i])
		}
	}
}
