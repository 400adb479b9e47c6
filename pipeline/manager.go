package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vinayprograms/taskkernel/agent"
	kerrors "github.com/vinayprograms/taskkernel/errors"
	"github.com/vinayprograms/taskkernel/logging"
	"github.com/vinayprograms/taskkernel/state"
	"github.com/vinayprograms/taskkernel/telemetry"
)

// DefaultCampaign scopes counts and locks when no campaign is given.
const DefaultCampaign = "default"

// CountSource derives stage counts for a project.
type CountSource interface {
	StageCounts(ctx context.Context, projectID, campaignID string) (Counts, error)
}

// Dispatcher runs a task and always returns an output.
type Dispatcher interface {
	Dispatch(ctx context.Context, in agent.Input) agent.Output
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Counts     CountSource
	Dispatcher Dispatcher
	// Locks provides the per-project advisory lock. Nil disables locking.
	Locks  state.StateStore
	Policy Policy
	// DispatchTimeout bounds how long a cycle waits for its action.
	DispatchTimeout time.Duration
	// LockTTL must cover DispatchTimeout.
	LockTTL time.Duration
	Logger  *logging.Logger
	Tracer  *telemetry.Tracer
	Events  telemetry.Exporter
}

// Manager selects and dispatches pipeline actions.
type Manager struct {
	counts     CountSource
	dispatcher Dispatcher
	locks      state.StateStore
	policy     Policy
	timeout    time.Duration
	lockTTL    time.Duration
	logger     *logging.Logger
	tracer     *telemetry.Tracer
	events     telemetry.Exporter
}

// NewManager creates a manager. Zero values in cfg take defaults.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		counts:     cfg.Counts,
		dispatcher: cfg.Dispatcher,
		locks:      cfg.Locks,
		policy:     cfg.Policy,
		timeout:    cfg.DispatchTimeout,
		lockTTL:    cfg.LockTTL,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
		events:     cfg.Events,
	}
	if m.policy == (Policy{}) {
		m.policy = DefaultPolicy()
	}
	if m.timeout <= 0 {
		m.timeout = 5 * time.Minute
	}
	if m.lockTTL < m.timeout {
		m.lockTTL = m.timeout + time.Minute
	}
	if m.logger == nil {
		m.logger = logging.Discard()
	}
	m.logger = m.logger.WithComponent("pipeline")
	if m.tracer == nil {
		m.tracer = telemetry.GetTracer()
	}
	if m.events == nil {
		m.events = telemetry.NewNoopExporter()
	}
	return m
}

// Policy returns the active backpressure constants.
func (m *Manager) Policy() Policy {
	return m.policy
}

// WithPolicy returns a manager sharing m's collaborators with a different
// policy.
func (m *Manager) WithPolicy(p Policy) *Manager {
	c := *m
	c.policy = p
	return &c
}

// Status is a read-only view of a project's pipeline.
type Status struct {
	ProjectID  string  `json:"project_id"`
	CampaignID string  `json:"campaign_id"`
	Counts     Counts  `json:"counts"`
	Next       *Action `json:"next,omitempty"`
	Balanced   bool    `json:"balanced"`
}

// Status returns the current counts and the action a cycle would choose,
// without dispatching anything.
func (m *Manager) Status(ctx context.Context, projectID, campaignID string) (Status, error) {
	if projectID == "" {
		return Status{}, kerrors.InvalidInput("project_id is required")
	}
	if campaignID == "" {
		campaignID = DefaultCampaign
	}
	counts, err := m.counts.StageCounts(ctx, projectID, campaignID)
	if err != nil {
		return Status{}, kerrors.Wrapf(err, "count pipeline stages for %s/%s", projectID, campaignID)
	}
	st := Status{ProjectID: projectID, CampaignID: campaignID, Counts: counts}
	if action, ok := NextAction(counts, m.policy); ok {
		st.Next = &action
	} else {
		st.Balanced = true
	}
	return st, nil
}

// Cycle runs one decision for a project: it takes the project lock, reads
// counts, picks an action and dispatches it with a bounded wait. It never
// returns an error; failures are status=error outputs.
func (m *Manager) Cycle(ctx context.Context, tenantID, projectID, campaignID, requestID string) (out agent.Output) {
	if campaignID == "" {
		campaignID = DefaultCampaign
	}
	ctx, span := m.tracer.StartPipelineSpan(ctx, projectID)
	var decided Action
	defer func() {
		var err error
		if out.IsError() {
			err = errors.New(out.Message)
		}
		m.tracer.EndPipelineSpan(span, telemetry.PipelineSpanOptions{
			Action: decided.Task.String(),
			Reason: decided.Reason,
			Status: string(out.Status),
		}, err)
	}()

	if projectID == "" {
		return agent.FromError(kerrors.InvalidInput("project_id is required"))
	}

	if m.locks != nil {
		lock, err := m.locks.Lock(ctx, lockKey(projectID, campaignID), m.lockTTL)
		if errors.Is(err, state.ErrLockHeld) {
			m.logger.Info("pipeline_busy", map[string]interface{}{
				"project":  projectID,
				"campaign": campaignID,
			})
			return agent.Skipped("pipeline cycle already running", map[string]any{
				agent.ParamProjectID:  projectID,
				agent.ParamCampaignID: campaignID,
				"code":                string(kerrors.ErrCodeBusy),
			})
		}
		if err != nil {
			return agent.FromError(kerrors.WrapWithCode(err, kerrors.ErrCodeUnavailable, "acquire pipeline lock"))
		}
		defer func() {
			if err := lock.Unlock(); err != nil && !errors.Is(err, state.ErrLockNotHeld) {
				m.logger.Warn("pipeline_unlock_failed", map[string]interface{}{
					"project": projectID,
					"error":   err.Error(),
				})
			}
		}()
		defer m.keepLock(lock, projectID)()
	}

	st, err := m.Status(ctx, projectID, campaignID)
	if err != nil {
		return agent.FromError(err)
	}
	if st.Balanced {
		m.logger.PipelineDecision(projectID, "none", "pipeline balanced")
		m.emit(tenantID, st, "")
		return output(agent.StatusComplete, "pipeline balanced", st, nil)
	}

	decided = *st.Next
	m.logger.PipelineDecision(projectID, decided.Task.String(), decided.Reason)
	m.emit(tenantID, st, decided.Task.String())

	in := agent.Input{
		Task:     decided.Task.String(),
		TenantID: tenantID,
		Params: map[string]any{
			agent.ParamProjectID:  projectID,
			agent.ParamCampaignID: campaignID,
		},
	}
	if decided.Batch > 0 {
		in.Params["limit"] = decided.Batch
	}
	if requestID != "" {
		in.RequestID = requestID + "." + decided.Task.String()
	}

	result := m.dispatch(ctx, in)
	msg := fmt.Sprintf("%s: %s", decided.Task, result.Message)
	return output(result.Status, msg, st, &result)
}

// dispatch runs in with the cycle timeout. On timeout the caller stops
// waiting; the dispatched agent may still be running.
func (m *Manager) dispatch(ctx context.Context, in agent.Input) agent.Output {
	dctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	done := make(chan agent.Output, 1)
	go func() {
		done <- m.dispatcher.Dispatch(dctx, in)
	}()

	select {
	case out := <-done:
		return out
	case <-dctx.Done():
		if ctx.Err() != nil {
			return agent.FromError(kerrors.Wrap(ctx.Err(), "pipeline dispatch", kerrors.WithTask(in.Task)))
		}
		m.logger.Warn("pipeline_dispatch_timeout", map[string]interface{}{
			"task":    in.Task,
			"timeout": m.timeout.String(),
		})
		return agent.FromError(kerrors.Timeout(
			fmt.Sprintf("task %s did not finish within %s", in.Task, m.timeout),
			kerrors.WithTask(in.Task),
		))
	}
}

// keepLock refreshes lock every half TTL until the returned stop is called,
// so a slow cycle does not lose the project to a concurrent one.
func (m *Manager) keepLock(lock state.Lock, projectID string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.lockTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Refresh(); err != nil {
					m.logger.Warn("pipeline_lock_lost", map[string]interface{}{
						"project": projectID,
						"error":   err.Error(),
					})
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (m *Manager) emit(tenantID string, st Status, action string) {
	m.events.LogEvent(telemetry.EventPipeline, map[string]any{
		"tenant":   tenantID,
		"project":  st.ProjectID,
		"campaign": st.CampaignID,
		"action":   action,
		"counts":   st.Counts,
	})
}

func output(status agent.Status, msg string, st Status, result *agent.Output) agent.Output {
	data := map[string]any{
		agent.ParamProjectID:  st.ProjectID,
		agent.ParamCampaignID: st.CampaignID,
		"counts":              st.Counts,
	}
	if st.Next != nil {
		data["action"] = st.Next.Task.String()
		data["reason"] = st.Next.Reason
	}
	if result != nil {
		data["result"] = *result
	}
	return agent.Output{Status: status, Message: msg, Data: data, Timestamp: time.Now().UTC()}
}

func lockKey(projectID, campaignID string) string {
	return "pipeline." + projectID + "." + campaignID
}
