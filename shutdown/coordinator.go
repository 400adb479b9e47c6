package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Coordinator runs registered handlers phase by phase, lowest first.
// Handlers that share a phase run concurrently.
type Coordinator struct {
	config Config

	mu           sync.Mutex
	handlers     []registration
	started      bool
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
	result       *ShutdownResult
	signals      chan os.Signal
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = DefaultConfig().DefaultTimeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = DefaultConfig().DefaultPhase
	}

	return &Coordinator{
		config:  config,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Register adds a handler to be called during shutdown.
func (c *Coordinator) Register(name string, handler ShutdownHandler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler with a specific phase.
// Registrations after shutdown has started are ignored.
func (c *Coordinator) RegisterWithPhase(name string, handler ShutdownHandler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return
	}
	c.handlers = append(c.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers a function as a handler in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, ShutdownFunc(fn))
}

// RegisterFuncWithPhase registers a function as a handler in phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, ShutdownFunc(fn), phase)
}

// Shutdown runs every registered handler phase by phase. Only the first call
// does work; later callers wait for it and receive its result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.doShutdown(ctx)
		close(c.done)
	})
	return c.shutdownErr
}

// ShutdownWithTimeout initiates shutdown with a timeout.
// A zero timeout uses Config.DefaultTimeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on SIGTERM, SIGINT, or when ctx ends.
func (c *Coordinator) HandleSignals(ctx context.Context) {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(c.signals)
		select {
		case <-c.signals:
		case <-ctx.Done():
		case <-c.done:
			return
		}
		_ = c.ShutdownWithTimeout(c.config.DefaultTimeout)
	}()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns any error that occurred during shutdown.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return nil
	}
}

// Result returns the detailed shutdown result.
// Only valid after Done() is closed.
func (c *Coordinator) Result() *ShutdownResult {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) doShutdown(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	c.started = true
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &ShutdownResult{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(start)
		c.result = result
		return err
	}

	var overallErr error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}

		phaseResults, completed := c.executePhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)
		if !completed {
			return finish(ErrTimeout)
		}

		for _, hr := range phaseResults {
			if hr.Err == nil {
				continue
			}
			overallErr = ErrHandlerFailed
			if !c.config.ContinueOnError {
				return finish(overallErr)
			}
		}
	}

	return finish(overallErr)
}

// executePhase runs all handlers in a phase concurrently. completed is false
// when ctx expired before every handler returned; results then hold only the
// handlers that finished.
func (c *Coordinator) executePhase(ctx context.Context, handlers []registration) (results []HandlerResult, completed bool) {
	ch := make(chan HandlerResult, len(handlers))

	for _, reg := range handlers {
		go func(r registration) {
			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			ch <- HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
		}(reg)
	}

	for range handlers {
		select {
		case hr := <-ch:
			results = append(results, hr)
			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		case <-ctx.Done():
			return results, false
		}
	}
	return results, true
}

// groupByPhase splits handlers, already sorted by phase, into phase groups.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
