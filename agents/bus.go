package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vinayprograms/taskkernel/agent"
	"github.com/vinayprograms/taskkernel/bus"
	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/logging"
	"github.com/vinayprograms/taskkernel/telemetry"
)

// QueueGroup is the queue remote workers join so each request is handled
// once.
const QueueGroup = "kernel-agents"

// Subject returns the request subject for a task.
func Subject(task string) string {
	return "agents." + task
}

// Envelope is the request payload sent to remote workers.
type Envelope struct {
	Input  agent.Input       `json:"input"`
	Config map[string]any    `json:"config,omitempty"`
	Trace  map[string]string `json:"trace,omitempty"`
}

// BusAgent forwards a task to a remote worker over request/reply and
// returns the worker's Output. Tenant configuration given to Configure
// travels with the request.
type BusAgent struct {
	bus     bus.MessageBus
	timeout time.Duration
	config  map[string]any
}

// NewBusAgent creates a forwarding agent. A zero timeout leaves the bound
// to the caller's context.
func NewBusAgent(b bus.MessageBus, timeout time.Duration) *BusAgent {
	return &BusAgent{bus: b, timeout: timeout}
}

func (a *BusAgent) Configure(projectID string, cfg map[string]any) error {
	a.config = cfg
	return nil
}

func (a *BusAgent) Execute(ctx context.Context, in agent.Input) (agent.Output, error) {
	if a.bus == nil {
		return agent.Output{}, kerrors.Configuration("no bus configured for " + in.Task)
	}
	carrier := telemetry.MapCarrier{}
	telemetry.InjectContext(ctx, carrier)

	payload, err := json.Marshal(Envelope{Input: in, Config: a.config, Trace: carrier})
	if err != nil {
		return agent.Output{}, kerrors.InvalidInput("encode request: "+err.Error(), kerrors.WithTask(in.Task))
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	reply, err := a.bus.Request(ctx, Subject(in.Task), payload)
	switch {
	case errors.Is(err, bus.ErrNoResponders):
		return agent.Output{}, kerrors.New(kerrors.ErrCodeUnavailable, "no worker serving task "+in.Task, kerrors.WithTask(in.Task))
	case errors.Is(err, bus.ErrTimeout):
		return agent.Output{}, kerrors.Timeout("worker for task "+in.Task+" did not reply", kerrors.WithTask(in.Task))
	case err != nil:
		return agent.Output{}, kerrors.WrapWithCode(err, kerrors.ErrCodeUnavailable, "forward task "+in.Task)
	}

	var out agent.Output
	if err := json.Unmarshal(reply.Data, &out); err != nil {
		return agent.Output{}, kerrors.Internal("malformed reply from worker", kerrors.WithCause(err), kerrors.WithTask(in.Task))
	}
	return out, nil
}

// Serve answers requests for task with agents built by factory until ctx
// ends or the subscription closes. Each request runs in its own goroutine.
func Serve(ctx context.Context, b bus.MessageBus, task agent.TaskName, factory agent.Factory, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("worker")

	sub, err := b.QueueSubscribe(Subject(task.String()), QueueGroup)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", task, err)
	}
	defer sub.Unsubscribe()

	logger.Info("worker_started", map[string]interface{}{"task": task.String()})
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			go handle(ctx, b, msg, factory, logger)
		}
	}
}

func handle(ctx context.Context, b bus.MessageBus, msg *bus.Message, factory agent.Factory, logger *logging.Logger) {
	if msg.Reply == "" {
		return
	}
	out := serveOne(ctx, msg.Data, factory, logger)
	data, err := json.Marshal(out)
	if err != nil {
		data, _ = json.Marshal(agent.FromError(kerrors.Internal("encode reply: " + err.Error())))
	}
	if err := b.Publish(msg.Reply, data); err != nil {
		logger.Warn("reply_failed", map[string]interface{}{"error": err.Error()})
	}
}

func serveOne(ctx context.Context, payload []byte, factory agent.Factory, logger *logging.Logger) (out agent.Output) {
	defer func() {
		if r := recover(); r != nil {
			out = agent.FromError(kerrors.RecoverPanic(r))
		}
	}()

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return agent.FromError(kerrors.InvalidInput("malformed request: " + err.Error()))
	}
	if env.Trace != nil {
		ctx = telemetry.ExtractContext(ctx, telemetry.MapCarrier(env.Trace))
	}

	a := factory()
	if c, ok := a.(agent.Configurable); ok {
		cfg := env.Config
		if cfg == nil {
			cfg = map[string]any{}
		}
		if err := c.Configure(env.Input.Param(agent.ParamProjectID), cfg); err != nil {
			return agent.FromError(kerrors.Configuration("configure worker: "+err.Error(), kerrors.WithTask(env.Input.Task)))
		}
	}
	return agent.Run(ctx, a, env.Input, logger)
}
