package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/taskkernel/agent"
	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/state"
)

type fakeCounts struct {
	counts Counts
	err    error
}

func (f *fakeCounts) StageCounts(ctx context.Context, projectID, campaignID string) (Counts, error) {
	return f.counts, f.err
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []agent.Input
	out   agent.Output
	block chan struct{}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, in agent.Input) agent.Output {
	f.mu.Lock()
	f.calls = append(f.calls, in)
	f.mu.Unlock()
	if f.block != nil {
		<-f.block
	}
	return f.out
}

func (f *fakeDispatcher) Calls() []agent.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Input(nil), f.calls...)
}

func newTestManager(counts Counts, d *fakeDispatcher, locks state.StateStore) *Manager {
	return NewManager(ManagerConfig{
		Counts:          &fakeCounts{counts: counts},
		Dispatcher:      d,
		Locks:           locks,
		DispatchTimeout: time.Second,
	})
}

func TestManager_CyclePublish(t *testing.T) {
	d := &fakeDispatcher{out: agent.Success("published 2", nil)}
	m := newTestManager(Counts{Ready: 3}, d, state.NewMemoryStore())

	out := m.Cycle(context.Background(), "tenant-a", "proj-1", "", "req-1")

	if out.Status != agent.StatusSuccess {
		t.Fatalf("Status = %s, want success (%s)", out.Status, out.Message)
	}
	calls := d.Calls()
	if len(calls) != 1 {
		t.Fatalf("dispatched %d times, want 1", len(calls))
	}
	in := calls[0]
	if in.Task != "publish" || in.TenantID != "tenant-a" {
		t.Errorf("dispatched %q for %q", in.Task, in.TenantID)
	}
	if in.Params["limit"] != 2 {
		t.Errorf("limit = %v, want 2", in.Params["limit"])
	}
	if in.Param(agent.ParamCampaignID) != DefaultCampaign {
		t.Errorf("campaign = %q, want %q", in.Param(agent.ParamCampaignID), DefaultCampaign)
	}
	if in.RequestID != "req-1.publish" {
		t.Errorf("RequestID = %q", in.RequestID)
	}
	if out.Data["action"] != "publish" {
		t.Errorf("action = %v", out.Data["action"])
	}
}

func TestManager_CycleBalanced(t *testing.T) {
	d := &fakeDispatcher{}
	m := newTestManager(Counts{Anchors: 1, TotalKeywords: 5}, d, nil)

	out := m.Cycle(context.Background(), "t", "p", "c", "")
	if out.Status != agent.StatusComplete {
		t.Errorf("Status = %s, want complete", out.Status)
	}
	if len(d.Calls()) != 0 {
		t.Error("balanced pipeline dispatched work")
	}
}

func TestManager_CycleTimeout(t *testing.T) {
	d := &fakeDispatcher{block: make(chan struct{})}
	defer close(d.block)
	m := NewManager(ManagerConfig{
		Counts:          &fakeCounts{counts: Counts{Validated: 1}},
		Dispatcher:      d,
		DispatchTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	out := m.Cycle(context.Background(), "t", "p", "", "")
	if time.Since(start) > time.Second {
		t.Fatal("cycle waited past its timeout")
	}
	if out.Status != agent.StatusError {
		t.Fatalf("Status = %s, want error", out.Status)
	}
	result, ok := out.Data["result"].(agent.Output)
	if !ok {
		t.Fatalf("result missing: %v", out.Data)
	}
	if result.Data["code"] != string(kerrors.ErrCodeTimeout) {
		t.Errorf("code = %v, want TIMEOUT", result.Data["code"])
	}
}

func TestManager_CycleLockHeld(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	lock, err := store.Lock(context.Background(), lockKey("p", DefaultCampaign), time.Minute)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer lock.Unlock()

	d := &fakeDispatcher{out: agent.Success("", nil)}
	m := newTestManager(Counts{Ready: 1}, d, store)

	out := m.Cycle(context.Background(), "t", "p", "", "")
	if out.Status != agent.StatusSkipped {
		t.Errorf("Status = %s, want skipped", out.Status)
	}
	if len(d.Calls()) != 0 {
		t.Error("dispatched while lock held")
	}
}

func TestManager_CycleReleasesLock(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	d := &fakeDispatcher{out: agent.Success("", nil)}
	m := newTestManager(Counts{Ready: 1}, d, store)

	for i := 0; i < 3; i++ {
		if out := m.Cycle(context.Background(), "t", "p", "", ""); out.Status != agent.StatusSuccess {
			t.Fatalf("cycle %d: Status = %s", i, out.Status)
		}
	}
	if n := len(d.Calls()); n != 3 {
		t.Errorf("dispatched %d, want 3", n)
	}
}

func TestManager_CycleKeepsLockAlive(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	d := &fakeDispatcher{out: agent.Success("", nil), block: make(chan struct{})}
	m := newTestManager(Counts{Ready: 1}, d, store)
	m.lockTTL = 40 * time.Millisecond

	done := make(chan agent.Output, 1)
	go func() { done <- m.Cycle(context.Background(), "t", "p", "", "") }()

	deadline := time.Now().Add(2 * time.Second)
	for len(d.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cycle never dispatched")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Well past the original TTL the cycle must still hold the project.
	time.Sleep(150 * time.Millisecond)
	if _, err := store.Lock(context.Background(), lockKey("p", DefaultCampaign), time.Minute); !errors.Is(err, state.ErrLockHeld) {
		t.Errorf("Lock during cycle = %v, want ErrLockHeld", err)
	}

	close(d.block)
	if out := <-done; out.Status != agent.StatusSuccess {
		t.Fatalf("Status = %s", out.Status)
	}
	lock, err := store.Lock(context.Background(), lockKey("p", DefaultCampaign), time.Minute)
	if err != nil {
		t.Fatalf("Lock after cycle: %v", err)
	}
	lock.Unlock()
}

func TestManager_ConcurrentCyclesSerialize(t *testing.T) {
	store := state.NewMemoryStore()
	defer store.Close()

	d := &fakeDispatcher{out: agent.Success("", nil), block: make(chan struct{})}
	m := newTestManager(Counts{Ready: 2}, d, store)

	first := make(chan agent.Output, 1)
	go func() { first <- m.Cycle(context.Background(), "t", "p", "", "") }()

	deadline := time.Now().Add(time.Second)
	for len(d.Calls()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	second := m.Cycle(context.Background(), "t", "p", "", "")
	if second.Status != agent.StatusSkipped {
		t.Errorf("second Status = %s, want skipped", second.Status)
	}

	close(d.block)
	if out := <-first; out.Status != agent.StatusSuccess {
		t.Errorf("first Status = %s", out.Status)
	}
}

func TestManager_CountsError(t *testing.T) {
	m := NewManager(ManagerConfig{
		Counts:     &fakeCounts{err: errors.New("db down")},
		Dispatcher: &fakeDispatcher{},
	})
	out := m.Cycle(context.Background(), "t", "p", "", "")
	if !out.IsError() {
		t.Errorf("Status = %s, want error", out.Status)
	}
}

func TestManager_Status(t *testing.T) {
	d := &fakeDispatcher{}
	m := newTestManager(Counts{Linked: 1}, d, nil)

	st, err := m.Status(context.Background(), "p", "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Balanced || st.Next == nil || st.Next.Task != agent.TaskAddMedia {
		t.Errorf("Status = %+v", st)
	}
	if len(d.Calls()) != 0 {
		t.Error("Status dispatched work")
	}

	if _, err := m.Status(context.Background(), "", ""); !kerrors.Is(err, kerrors.ErrCodeInvalidInput) {
		t.Errorf("empty project: err = %v", err)
	}
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(ManagerConfig{DispatchTimeout: 10 * time.Minute, LockTTL: time.Minute})
	if m.Policy() != DefaultPolicy() {
		t.Errorf("Policy = %+v", m.Policy())
	}
	if m.lockTTL < m.timeout {
		t.Errorf("lockTTL %s < timeout %s", m.lockTTL, m.timeout)
	}
}

func TestManager_WithPolicy(t *testing.T) {
	d := &fakeDispatcher{out: agent.Success("", nil)}
	m := newTestManager(Counts{Ready: 9}, d, nil)

	wide := m.WithPolicy(Policy{DripLimit: 5, ReviewBuffer: 2, KeywordRatio: 5, AuditThreshold: 20})
	wide.Cycle(context.Background(), "t", "p", "", "")
	m.Cycle(context.Background(), "t", "p", "", "")

	calls := d.Calls()
	if calls[0].Params["limit"] != 5 || calls[1].Params["limit"] != 2 {
		t.Errorf("limits = %v, %v", calls[0].Params["limit"], calls[1].Params["limit"])
	}
}
