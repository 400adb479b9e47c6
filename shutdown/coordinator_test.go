package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestBasicShutdownWithSingleHandler tests basic shutdown with a single handler.
func TestBasicShutdownWithSingleHandler(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	called := false
	coord.RegisterFunc("http", func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected handler to be called")
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}
	if coord.Err() != nil {
		t.Fatalf("expected Err() to be nil, got %v", coord.Err())
	}

	result := coord.Result()
	if result == nil || len(result.Results) != 1 || result.Results[0].Name != "http" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Failed() {
		t.Fatal("expected result.Failed() to be false")
	}
}

// TestKernelPhaseOrder tests that frontend stops before workers drain and
// stores close last.
func TestKernelPhaseOrder(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	coord.RegisterFuncWithPhase("stores", record("stores"), PhaseStores)
	coord.RegisterFuncWithPhase("http", record("http"), PhaseFrontend)
	coord.RegisterFuncWithPhase("background", record("background"), PhaseWorkers)

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{"http", "background", "stores"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

// TestSamePhaseRunsConcurrently tests that handlers in one phase overlap.
func TestSamePhaseRunsConcurrently(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var running, peak atomic.Int32
	handler := func(ctx context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	for _, name := range []string{"a", "b", "c"} {
		coord.RegisterFuncWithPhase(name, handler, PhaseStores)
	}

	coord.ShutdownWithTimeout(time.Second)
	if peak.Load() != 3 {
		t.Errorf("expected 3 concurrent handlers, peak was %d", peak.Load())
	}
}

// TestHandlerFailure tests that failures are reported and later phases still run.
func TestHandlerFailure(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	ranLater := false
	coord.RegisterFuncWithPhase("http", func(ctx context.Context) error {
		return errors.New("listener stuck")
	}, PhaseFrontend)
	coord.RegisterFuncWithPhase("stores", func(ctx context.Context) error {
		ranLater = true
		return nil
	}, PhaseStores)

	err := coord.ShutdownWithTimeout(time.Second)
	if err != ErrHandlerFailed {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if !ranLater {
		t.Error("ContinueOnError should run later phases")
	}
	failed := coord.Result().FailedHandlers()
	if len(failed) != 1 || failed[0] != "http" {
		t.Errorf("FailedHandlers = %v", failed)
	}
}

// TestStopOnError tests ContinueOnError=false.
func TestStopOnError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ContinueOnError = false
	coord := NewCoordinator(cfg)

	ranLater := false
	coord.RegisterFuncWithPhase("http", func(ctx context.Context) error {
		return errors.New("boom")
	}, PhaseFrontend)
	coord.RegisterFuncWithPhase("stores", func(ctx context.Context) error {
		ranLater = true
		return nil
	}, PhaseStores)

	if err := coord.ShutdownWithTimeout(time.Second); err != ErrHandlerFailed {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if ranLater {
		t.Error("later phase must not run when ContinueOnError is false")
	}
}

// TestTimeoutAbandonsPhase tests that a hung handler does not block forever.
func TestTimeoutAbandonsPhase(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	release := make(chan struct{})
	defer close(release)

	coord.RegisterFuncWithPhase("background", func(ctx context.Context) error {
		<-release
		return nil
	}, PhaseWorkers)

	ranStores := false
	coord.RegisterFuncWithPhase("stores", func(ctx context.Context) error {
		ranStores = true
		return nil
	}, PhaseStores)

	start := time.Now()
	err := coord.ShutdownWithTimeout(50 * time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("shutdown did not honor its timeout")
	}
	if ranStores {
		t.Error("phases after a timed-out phase must not run")
	}
}

// TestRepeatedShutdown tests that only the first call runs handlers.
func TestRepeatedShutdown(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	var calls atomic.Int32
	coord.RegisterFunc("once", func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := coord.ShutdownWithTimeout(time.Second); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("handler called %d times", calls.Load())
	}

	// Registration after shutdown is ignored.
	coord.RegisterFunc("late", func(ctx context.Context) error { return nil })
	if len(coord.Result().Results) != 1 {
		t.Error("late registration leaked into result")
	}
}

// TestOnProgress tests the progress callback.
func TestOnProgress(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	cfg := DefaultConfig()
	cfg.OnProgress = func(hr HandlerResult) {
		mu.Lock()
		seen = append(seen, hr.Name)
		mu.Unlock()
	}
	coord := NewCoordinator(cfg)
	coord.RegisterFuncWithPhase("http", func(ctx context.Context) error { return nil }, PhaseFrontend)
	coord.RegisterFuncWithPhase("stores", func(ctx context.Context) error { return nil }, PhaseStores)

	coord.ShutdownWithTimeout(time.Second)
	if len(seen) != 2 || seen[0] != "http" {
		t.Errorf("progress = %v", seen)
	}
}

// TestHandleSignalsContext tests that cancelling the parent context triggers shutdown.
func TestHandleSignalsContext(t *testing.T) {
	coord := NewCoordinator(DefaultConfig())

	called := make(chan struct{})
	coord.RegisterFunc("http", func(ctx context.Context) error {
		close(called)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	coord.HandleSignals(ctx)
	cancel()

	select {
	case <-coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not triggered by context cancel")
	}
	select {
	case <-called:
	default:
		t.Error("handler not called")
	}
}

func TestZeroConfigTakesDefaults(t *testing.T) {
	coord := NewCoordinator(Config{})
	def := DefaultConfig()
	if coord.config.DefaultTimeout != def.DefaultTimeout || coord.config.DefaultPhase != def.DefaultPhase {
		t.Errorf("config = %+v, want defaults %+v", coord.config, def)
	}
	if !(PhaseFrontend < PhaseWorkers && PhaseWorkers < PhaseStores && PhaseStores < PhaseBus && PhaseBus < PhaseTelemetry) {
		t.Error("daemon phases out of order")
	}
}

func TestEmptyCoordinator(t *testing.T) {
	coord := NewCoordinator(Config{})
	if err := coord.ShutdownWithTimeout(0); err != nil {
		t.Errorf("empty shutdown: %v", err)
	}
	if coord.Result().TotalDuration < 0 {
		t.Error("negative duration")
	}
}
