package heartbeat

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskkernel/bus"
)

// Sender publishes periodic heartbeats for one worker.
type Sender struct {
	bus      bus.MessageBus
	workerID string
	tasks    []string
	interval time.Duration

	mu       sync.RWMutex
	metadata map[string]string

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewSender creates a sender.
func NewSender(cfg SenderConfig) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}
	return &Sender{
		bus:      cfg.Bus,
		workerID: cfg.WorkerID,
		tasks:    slices.Clone(cfg.Tasks),
		interval: interval,
		metadata: make(map[string]string),
	}, nil
}

// WorkerID returns the id heartbeats are sent under.
func (s *Sender) WorkerID() string {
	return s.workerID
}

// Start sends one heartbeat immediately, then one per interval until ctx
// ends or Stop is called.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(ctx)
	return nil
}

func (s *Sender) run(ctx context.Context) {
	defer close(s.doneCh)

	_ = s.send(StatusServing)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.send(StatusServing)
		}
	}
}

func (s *Sender) send(status string) error {
	s.mu.RLock()
	hb := &Heartbeat{
		WorkerID:  s.workerID,
		Tasks:     s.tasks,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}
	if len(s.metadata) > 0 {
		hb.Metadata = maps.Clone(s.metadata)
	}
	s.mu.RUnlock()

	data, err := hb.Marshal()
	if err != nil {
		return err
	}
	return s.bus.Publish(Subject, data)
}

// SetMetadata updates a metadata field sent with later heartbeats.
func (s *Sender) SetMetadata(key, value string) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Stop ends the loop and announces the worker is leaving.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return s.send(StatusStopping)
}
