package state

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock shared by the expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ============================================================================
// LEVEL 1: Unit Tests: basic Get/Put/Create/Delete, lock acquire/release
// ============================================================================

func TestMemoryStore_Get_NotFound(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.Get(context.Background(), "nonexistent")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_PutGet(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "context.a", []byte("v1"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get(ctx, "context.a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("expected v1, got %s", got)
	}

	// Returned slice must be a copy.
	got[0] = 'X'
	again, _ := s.Get(ctx, "context.a")
	if string(again) != "v1" {
		t.Errorf("stored value was mutated: %s", again)
	}
}

func TestMemoryStore_Create(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Create(ctx, "idem.t.r", []byte("first"), 0); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := s.Create(ctx, "idem.t.r", []byte("second"), 0); err != ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, _ := s.Get(ctx, "idem.t.r")
	if string(got) != "first" {
		t.Errorf("Create must not overwrite, got %s", got)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	s.Put(ctx, "context.a", []byte("v"), 0)
	if err := s.Delete(ctx, "context.a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "context.a"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "context.a"); err != nil {
		t.Errorf("Delete of missing key should not error: %v", err)
	}
}

func TestMemoryStore_InvalidInput(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "bad key", nil, 0); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	if err := s.Put(ctx, "ok", nil, -time.Second); err != ErrInvalidTTL {
		t.Errorf("expected ErrInvalidTTL, got %v", err)
	}
	if _, err := s.Lock(ctx, "ok", 0); err != ErrInvalidTTL {
		t.Errorf("expected ErrInvalidTTL for lock, got %v", err)
	}
}

func TestMemoryStore_Lock(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	ctx := context.Background()

	lock, err := s.Lock(ctx, "pipeline.p1", time.Minute)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if lock.Key() != "_lock.pipeline.p1" {
		t.Errorf("unexpected lock key %s", lock.Key())
	}
	if _, err := s.Lock(ctx, "pipeline.p1", time.Minute); err != ErrLockHeld {
		t.Errorf("expected ErrLockHeld, got %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if err := lock.Unlock(); err != ErrLockNotHeld {
		t.Errorf("expected ErrLockNotHeld, got %v", err)
	}
	if _, err := s.Lock(ctx, "pipeline.p1", time.Minute); err != nil {
		t.Errorf("lock should be free after unlock: %v", err)
	}
}

// ============================================================================
// LEVEL 2: Expiry, TTL entries and locks lapse on the injected clock
// ============================================================================

func TestMemoryStore_TTLExpiry(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithMemoryClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	s.Put(ctx, "context.a", []byte("v"), time.Minute)

	clock.Advance(59 * time.Second)
	if _, err := s.Get(ctx, "context.a"); err != nil {
		t.Fatalf("entry should be live: %v", err)
	}

	clock.Advance(time.Second)
	if _, err := s.Get(ctx, "context.a"); err != ErrNotFound {
		t.Fatalf("entry should be expired, got %v", err)
	}

	// An expired entry no longer blocks Create.
	if err := s.Create(ctx, "context.a", []byte("v2"), 0); err != nil {
		t.Fatalf("Create over expired entry failed: %v", err)
	}
}

func TestMemoryStore_LockExpiry(t *testing.T) {
	clock := newFakeClock()
	s := NewMemoryStore(WithMemoryClock(clock.Now))
	defer s.Close()
	ctx := context.Background()

	first, err := s.Lock(ctx, "pipeline.p1", time.Minute)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}

	clock.Advance(30 * time.Second)
	if err := first.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	clock.Advance(61 * time.Second)
	second, err := s.Lock(ctx, "pipeline.p1", time.Minute)
	if err != nil {
		t.Fatalf("expired lock should be takeable: %v", err)
	}
	if err := first.Refresh(); err != ErrLockExpired {
		t.Errorf("expected ErrLockExpired for stale holder, got %v", err)
	}

	// The stale holder's Unlock must not release the new holder.
	first.Unlock()
	if _, err := s.Lock(ctx, "pipeline.p1", time.Minute); err != ErrLockHeld {
		t.Errorf("new holder lost its lock: %v", err)
	}
	second.Unlock()
}

// ============================================================================
// LEVEL 3: Watch and concurrency
// ============================================================================

func TestMemoryStore_Watch(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, "context.*")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	s.Put(context.Background(), "idem.x", []byte("ignored"), 0)
	s.Put(context.Background(), "context.a", []byte("v"), 0)
	s.Delete(context.Background(), "context.a")

	select {
	case kv := <-ch:
		if kv.Key != "context.a" || kv.Operation != OpPut || string(kv.Value) != "v" {
			t.Errorf("unexpected put event %+v", kv)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for put")
	}
	select {
	case kv := <-ch:
		if kv.Operation != OpDelete {
			t.Errorf("expected delete event, got %v", kv.Operation)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for delete")
	}
}

func TestMemoryStore_WatchCancel(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := s.Watch(ctx, "*")
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// drain any racing event, then expect close
			<-ch
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestMemoryStore_CloseEndsWatch(t *testing.T) {
	s := NewMemoryStore()
	ch, _ := s.Watch(context.Background(), "*")
	s.Close()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	if _, err := s.Get(context.Background(), "k"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if s.Close() != nil {
		t.Error("second Close should be a no-op")
	}
}

func TestMemoryStore_ConcurrentCreate(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Create(context.Background(), "idem.race", []byte("x"), 0) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("expected exactly one Create to win, got %d", wins.Load())
	}
}
