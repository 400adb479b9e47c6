//go:build integration

package state

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
)

// getNATSURL returns the NATS URL from environment or default.
func getNATSURL() string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	return nats.DefaultURL
}

// newTestNATSStore creates a NATSStore on a throwaway bucket.
func newTestNATSStore(t *testing.T, bucket string) *NATSStore {
	conn, err := nats.Connect(getNATSURL())
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}

	store, err := NewNATSStore(NATSStoreConfig{
		Conn:   conn,
		Bucket: bucket,
		TTL:    time.Minute,
	})
	if err != nil {
		conn.Close()
		t.Skipf("JetStream not available: %v", err)
	}

	t.Cleanup(func() {
		store.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		store.js.DeleteKeyValue(ctx, bucket)
		conn.Close()
	})
	return store
}

func TestNATSStore_PutGetDelete(t *testing.T) {
	s := newTestNATSStore(t, "test-put-get")
	ctx := context.Background()

	if err := s.Put(ctx, "context.a", []byte("v1"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := s.Get(ctx, "context.a")
	if err != nil || string(got) != "v1" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := s.Delete(ctx, "context.a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := s.Get(ctx, "context.a"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNATSStore_PerKeyTTL(t *testing.T) {
	s := newTestNATSStore(t, "test-ttl")
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	s.Put(ctx, "context.short", []byte("v"), time.Second)
	s.Put(ctx, "context.long", []byte("v"), time.Hour)

	now = now.Add(2 * time.Second)
	if _, err := s.Get(ctx, "context.short"); err != ErrNotFound {
		t.Errorf("short entry should be expired, got %v", err)
	}
	if _, err := s.Get(ctx, "context.long"); err != nil {
		t.Errorf("long entry should be live: %v", err)
	}
}

func TestNATSStore_Create(t *testing.T) {
	s := newTestNATSStore(t, "test-create")
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Create(ctx, "idem.t.r1", []byte("x"), 0) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("expected one winner, got %d", wins.Load())
	}
}

func TestNATSStore_Lock(t *testing.T) {
	s := newTestNATSStore(t, "test-lock")
	ctx := context.Background()

	lock, err := s.Lock(ctx, "pipeline.p1", 10*time.Second)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	if _, err := s.Lock(ctx, "pipeline.p1", 10*time.Second); err != ErrLockHeld {
		t.Errorf("expected ErrLockHeld, got %v", err)
	}
	if err := lock.Refresh(); err != nil {
		t.Errorf("Refresh failed: %v", err)
	}
	if err := lock.Unlock(); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	again, err := s.Lock(ctx, "pipeline.p1", 10*time.Second)
	if err != nil {
		t.Fatalf("re-Lock failed: %v", err)
	}
	again.Unlock()
}

func TestNATSStore_Watch(t *testing.T) {
	s := newTestNATSStore(t, "test-watch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx, "context.*")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	s.Put(context.Background(), "context.w", []byte("hello"), 0)

	select {
	case kv := <-ch:
		if kv.Key != "context.w" || string(kv.Value) != "hello" {
			t.Errorf("unexpected event %+v", kv)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for watch event")
	}
}
