package background

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vinayprograms/taskkernel/agent"
	"github.com/vinayprograms/taskkernel/bus"
	"github.com/vinayprograms/taskkernel/contextstore"
	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/state"
)

func newTestExecutor(t *testing.T) (*Executor, *contextstore.Store) {
	t.Helper()
	kv := state.NewMemoryStore()
	t.Cleanup(func() { kv.Close() })
	contexts := contextstore.New(kv)
	return New(Config{Contexts: contexts, TTL: time.Hour}), contexts
}

func waitTerminal(t *testing.T, contexts *contextstore.Store, id string) contextstore.Record {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, err := contexts.Get(context.Background(), id)
		if err == nil && r.Terminal() {
			return r
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("context %s never reached a terminal state", id)
	return contextstore.Record{}
}

func contextID(t *testing.T, out agent.Output) string {
	t.Helper()
	if out.Status != agent.StatusProcessing {
		t.Fatalf("Status = %s (%s), want processing", out.Status, out.Message)
	}
	id, _ := out.Data[agent.ParamContextID].(string)
	if id == "" {
		t.Fatal("no context_id in output")
	}
	return id
}

func TestSubmit_Completes(t *testing.T) {
	e, contexts := newTestExecutor(t)

	var seen atomic.Value
	a := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		seen.Store(in.Param(agent.ParamContextID))
		return agent.Success("done", map[string]any{"n": 3}), nil
	})

	in := agent.Input{Task: "write", TenantID: "t", Params: map[string]any{agent.ParamProjectID: "p"}}
	id := contextID(t, e.Submit(context.Background(), a, in))

	r := waitTerminal(t, contexts, id)
	if r.Status() != contextstore.StatusCompleted {
		t.Errorf("status = %q", r.Status())
	}
	result, _ := r.Data[contextstore.KeyResult].(map[string]any)
	if result["status"] != "success" || result["message"] != "done" {
		t.Errorf("result = %v", result)
	}
	if r.ProjectID != "p" || r.TenantID != "t" {
		t.Errorf("record scope = %s/%s", r.TenantID, r.ProjectID)
	}
	if seen.Load() != id {
		t.Errorf("agent saw context_id %v, want %s", seen.Load(), id)
	}
	if !r.ExpiresAt.Equal(r.CreatedAt.Add(time.Hour)) {
		t.Error("terminal update changed the expiry")
	}
}

func TestSubmit_Failed(t *testing.T) {
	tests := []struct {
		name string
		fn   agent.Func
	}{
		{"error", func(ctx context.Context, in agent.Input) (agent.Output, error) {
			return agent.Output{}, errors.New("upstream down")
		}},
		{"error output", func(ctx context.Context, in agent.Input) (agent.Output, error) {
			return agent.Failure("nope"), nil
		}},
		{"panic", func(ctx context.Context, in agent.Input) (agent.Output, error) {
			panic("boom")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, contexts := newTestExecutor(t)
			id := contextID(t, e.Submit(context.Background(), tt.fn, agent.Input{Task: "x", TenantID: "t"}))
			r := waitTerminal(t, contexts, id)
			if r.Status() != contextstore.StatusFailed {
				t.Errorf("status = %q, want failed", r.Status())
			}
		})
	}
}

func TestSubmit_OutlivesCaller(t *testing.T) {
	e, contexts := newTestExecutor(t)

	release := make(chan struct{})
	a := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		<-release
		if ctx.Err() != nil {
			return agent.Output{}, ctx.Err()
		}
		return agent.Success("", nil), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	id := contextID(t, e.Submit(ctx, a, agent.Input{Task: "x", TenantID: "t"}))
	cancel()
	close(release)

	if r := waitTerminal(t, contexts, id); r.Status() != contextstore.StatusCompleted {
		t.Errorf("status = %q, want completed", r.Status())
	}
}

func TestSubmit_WithoutContextStore(t *testing.T) {
	e := New(Config{})
	ran := make(chan struct{})
	a := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		close(ran)
		return agent.Success("", nil), nil
	})

	out := e.Submit(context.Background(), a, agent.Input{Task: "x", TenantID: "t"})
	if out.Status != agent.StatusProcessing {
		t.Fatalf("Status = %s", out.Status)
	}
	if _, ok := out.Data[agent.ParamContextID]; ok {
		t.Error("context_id present without a store")
	}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not run")
	}
}

func TestSubmit_Idempotent(t *testing.T) {
	e, contexts := newTestExecutor(t)

	var runs atomic.Int32
	a := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		runs.Add(1)
		return agent.Success("", nil), nil
	})

	in := agent.Input{Task: "x", TenantID: "t", RequestID: "req-1"}
	first := contextID(t, e.Submit(context.Background(), a, in))
	second := e.Submit(context.Background(), a, in)

	if got := contextID(t, second); got != first {
		t.Errorf("second context = %s, want %s", got, first)
	}
	if second.Data["duplicate"] != true {
		t.Error("duplicate not flagged")
	}

	waitTerminal(t, contexts, first)
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n := runs.Load(); n != 1 {
		t.Errorf("runs = %d, want 1", n)
	}

	// Same request id from another tenant is a different request.
	other := contextID(t, New(Config{Contexts: contexts}).Submit(context.Background(), a, agent.Input{Task: "x", TenantID: "u", RequestID: "req-1"}))
	if other == first {
		t.Error("request id shared across tenants")
	}
}

func TestSubmit_PreCreatedContext(t *testing.T) {
	e, contexts := newTestExecutor(t)

	rec, _ := contexts.Create(context.Background(), "t", "p", nil, time.Hour)
	a := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		return agent.Success("", nil), nil
	})

	in := agent.Input{Task: "x", TenantID: "t", Params: map[string]any{agent.ParamContextID: rec.ID}}
	if got := contextID(t, e.Submit(context.Background(), a, in)); got != rec.ID {
		t.Errorf("context = %s, want %s", got, rec.ID)
	}
	waitTerminal(t, contexts, rec.ID)
}

func TestSubmit_ForeignContextRefused(t *testing.T) {
	e, contexts := newTestExecutor(t)

	victim, _ := contexts.Create(context.Background(), "tenant-b", "p", map[string]any{"result": "secret"}, time.Hour)
	var runs atomic.Int32
	a := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		runs.Add(1)
		return agent.Success("tenant-a result", nil), nil
	})

	in := agent.Input{Task: "x", TenantID: "tenant-a", Params: map[string]any{agent.ParamContextID: victim.ID}}
	out := e.Submit(context.Background(), a, in)
	if out.Data["code"] != string(kerrors.ErrCodeContextForbidden) {
		t.Fatalf("Submit = %s %v, want CONTEXT_FORBIDDEN", out.Status, out.Data)
	}
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if runs.Load() != 0 {
		t.Error("agent ran against a foreign context")
	}
	got, err := contexts.Lookup(context.Background(), victim.ID, "tenant-b")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.Data["result"] != "secret" || got.Status() == contextstore.StatusProcessing {
		t.Errorf("victim record changed: %v", got.Data)
	}
}

func TestRefuseLateReleasesRequestID(t *testing.T) {
	e, contexts := newTestExecutor(t)
	ctx := context.Background()

	rec, _ := contexts.Create(ctx, "t", "p", nil, time.Hour)
	if _, claimed, err := contexts.Remember(ctx, "t", "req-1", rec.ID, time.Hour); err != nil || !claimed {
		t.Fatalf("Remember: claimed=%v err=%v", claimed, err)
	}

	in := agent.Input{Task: "x", TenantID: "t", RequestID: "req-1"}
	out := e.refuseLate(ctx, in, rec.ID, true)
	if out.Data["code"] != string(kerrors.ErrCodeUnavailable) {
		t.Errorf("out = %+v", out)
	}
	if got := waitTerminal(t, contexts, rec.ID); got.Status() != contextstore.StatusFailed {
		t.Errorf("status = %q, want failed", got.Status())
	}
	id, err := contexts.Recall(ctx, "t", "req-1")
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if id != "" {
		t.Errorf("request id still remembered as %s", id)
	}
}

func TestSubmit_PublishesCompletion(t *testing.T) {
	kv := state.NewMemoryStore()
	defer kv.Close()
	contexts := contextstore.New(kv)
	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	e := New(Config{Contexts: contexts, Bus: b})

	release := make(chan struct{})
	a := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		<-release
		return agent.Success("ok", nil), nil
	})

	id := contextID(t, e.Submit(context.Background(), a, agent.Input{Task: "x", TenantID: "t"}))
	sub, err := b.Subscribe(SubjectPrefix + id)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	close(release)

	select {
	case msg := <-sub.Messages():
		var c Completion
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if c.ContextID != id || c.Status != contextstore.StatusCompleted || c.Result.Message != "ok" {
			t.Errorf("completion = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event")
	}
}

func TestDrain(t *testing.T) {
	e, contexts := newTestExecutor(t)

	release := make(chan struct{})
	a := agent.Func(func(ctx context.Context, in agent.Input) (agent.Output, error) {
		<-release
		return agent.Success("", nil), nil
	})

	id := contextID(t, e.Submit(context.Background(), a, agent.Input{Task: "x", TenantID: "t"}))
	if n := e.InFlight(); n != 1 {
		t.Errorf("InFlight = %d, want 1", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain with blocked run: err = %v", err)
	}

	out := e.Submit(context.Background(), a, agent.Input{Task: "x", TenantID: "t"})
	if out.Data["code"] != string(kerrors.ErrCodeUnavailable) {
		t.Errorf("Submit while draining = %+v", out)
	}

	close(release)
	if err := e.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if n := e.InFlight(); n != 0 {
		t.Errorf("InFlight after drain = %d", n)
	}
	waitTerminal(t, contexts, id)
}
