// Package agents holds the kernel's built-in task handlers and the bus
// bridge to remote workers.
//
// System agents (health, onboard, pipeline_status) run without tenant
// configuration. The pipeline_cycle agent advances one project by one
// step. Pipeline action tasks run either in process, as stage agents over
// the entity store, or on remote workers reached through BusAgent.
package agents

import (
	"fmt"
	"time"

	"github.com/vinayprograms/taskkernel/agent"
	"github.com/vinayprograms/taskkernel/background"
	"github.com/vinayprograms/taskkernel/bus"
	"github.com/vinayprograms/taskkernel/contextstore"
	"github.com/vinayprograms/taskkernel/entitystore"
	"github.com/vinayprograms/taskkernel/pipeline"
)

// Execution modes for pipeline action tasks.
const (
	ModeLocal = "local"
	ModeBus   = "bus"
)

// WorkerCounter reports how many live workers serve each task.
// *heartbeat.Monitor satisfies it.
type WorkerCounter interface {
	TaskCounts() map[string]int
}

// Deps are the collaborators the built-in agents use.
type Deps struct {
	Registry *agent.Registry
	Entities *entitystore.Store
	Pipeline *pipeline.Manager
	Contexts *contextstore.Store
	Executor *background.Executor

	// Mode selects where pipeline action tasks run.
	Mode string
	// Bus carries forwarded tasks in bus mode.
	Bus bus.MessageBus
	// RequestTimeout bounds one forwarded task.
	RequestTimeout time.Duration
	// Workers reports live bus workers per task. Optional.
	Workers WorkerCounter
	// Aliases maps alternate task strings to registered task names.
	Aliases map[string]string

	Version string
}

// Register adds every built-in agent to d.Registry.
func Register(d Deps) error {
	if d.Registry == nil {
		return fmt.Errorf("agents: registry is required")
	}
	switch d.Mode {
	case ModeBus:
		if d.Bus == nil {
			return fmt.Errorf("agents: bus mode needs a bus")
		}
	default:
		if d.Entities == nil {
			return fmt.Errorf("agents: local mode needs an entity store")
		}
	}
	regs := []agent.Registration{
		{
			Key:         agent.TaskHealth,
			System:      true,
			New:         func() agent.Agent { return &Health{deps: d} },
			Description: "Report kernel and backend health",
		},
		{
			Key:         agent.TaskOnboard,
			System:      true,
			New:         func() agent.Agent { return &Onboard{entities: d.Entities} },
			Description: "Create a project for the calling tenant",
		},
		{
			Key:         agent.TaskPipelineStatus,
			System:      true,
			New:         func() agent.Agent { return &PipelineStatus{manager: d.Pipeline, entities: d.Entities} },
			Description: "Show stage counts and the next pipeline action",
		},
		{
			Key:         agent.TaskPipelineCycle,
			Heavy:       true,
			New:         func() agent.Agent { return &PipelineCycle{manager: d.Pipeline} },
			Description: "Run one pipeline decision and dispatch its action",
		},
	}
	for _, task := range agent.PipelineTasks {
		regs = append(regs, agent.Registration{
			Key:         task,
			New:         actionFactory(task, d),
			Description: "Pipeline action " + task.String(),
		})
	}

	for _, reg := range regs {
		if err := d.Registry.Register(reg); err != nil {
			return err
		}
	}
	for alias, key := range d.Aliases {
		if err := d.Registry.Alias(alias, agent.TaskName(key)); err != nil {
			return fmt.Errorf("agents: alias %q: %w", alias, err)
		}
	}
	return nil
}

func actionFactory(task agent.TaskName, d Deps) agent.Factory {
	if d.Mode == ModeBus {
		return func() agent.Agent { return NewBusAgent(d.Bus, d.RequestTimeout) }
	}
	return StageFactory(task, d.Entities)
}
