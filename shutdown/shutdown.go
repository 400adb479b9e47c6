package shutdown

import (
	"context"
	"errors"
	"time"
)

var (
	ErrTimeout       = errors.New("shutdown timeout exceeded")
	ErrHandlerFailed = errors.New("one or more handlers failed")
)

// Kernel daemon phases. The bus closes after the stores that ride on it,
// and telemetry goes last so shutdown itself is still traced.
const (
	PhaseFrontend  = 10
	PhaseWorkers   = 20
	PhaseStores    = 30
	PhaseBus       = 35
	PhaseTelemetry = 40
)

// ShutdownHandler is a component that must release resources on stop. ctx
// ends when the coordinator's deadline is reached.
type ShutdownHandler interface {
	OnShutdown(ctx context.Context) error
}

// ShutdownFunc adapts a plain function to ShutdownHandler.
type ShutdownFunc func(ctx context.Context) error

func (f ShutdownFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult reports how one handler finished.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// ShutdownResult collects every handler that returned before the deadline.
type ShutdownResult struct {
	TotalDuration time.Duration
	Results       []HandlerResult
	Err           error
}

func (r *ShutdownResult) Failed() bool {
	return r.Err != nil
}

// FailedHandlers names the handlers that returned an error.
func (r *ShutdownResult) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures a Coordinator. Zero values take the defaults.
type Config struct {
	// DefaultTimeout bounds a signal-triggered shutdown. Default 30s.
	DefaultTimeout time.Duration

	// DefaultPhase is used by Register. Default 100.
	DefaultPhase int

	// ContinueOnError keeps later phases running after a handler fails.
	ContinueOnError bool

	// OnProgress sees each handler result as it arrives.
	OnProgress func(result HandlerResult)
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    100,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler ShutdownHandler
	phase   int
}
