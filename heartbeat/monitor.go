package heartbeat

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskkernel/bus"
)

type seen struct {
	hb *Heartbeat
	at time.Time
}

// Monitor tracks worker heartbeats. Liveness is judged by local receive
// time, so worker clock skew does not matter.
type Monitor struct {
	bus           bus.MessageBus
	timeout       time.Duration
	checkInterval time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	workers  map[string]seen
	reported map[string]bool
	deadCBs  []func(string)

	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewMonitor creates a monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultMonitorConfig().Timeout
	}
	checkInterval := cfg.CheckInterval
	if checkInterval <= 0 {
		checkInterval = DefaultMonitorConfig().CheckInterval
	}
	return &Monitor{
		bus:           cfg.Bus,
		timeout:       timeout,
		checkInterval: checkInterval,
		now:           time.Now,
		workers:       make(map[string]seen),
		reported:      make(map[string]bool),
	}, nil
}

// Start subscribes to heartbeats.
func (m *Monitor) Start() error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}
	sub, err := m.bus.Subscribe(Subject)
	if err != nil {
		m.running.Store(false)
		return err
	}
	m.sub = sub
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.run()
	return nil
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.receive(msg)
		case <-ticker.C:
			m.checkDead()
		}
	}
}

func (m *Monitor) receive(msg *bus.Message) {
	hb, err := Unmarshal(msg.Data)
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if hb.Status == StatusStopping {
		delete(m.workers, hb.WorkerID)
		delete(m.reported, hb.WorkerID)
		return
	}
	m.workers[hb.WorkerID] = seen{hb: hb, at: m.now()}
	delete(m.reported, hb.WorkerID)
}

func (m *Monitor) checkDead() {
	now := m.now()
	var dead []string

	m.mu.Lock()
	for id, s := range m.workers {
		if now.Sub(s.at) > m.timeout && !m.reported[id] {
			m.reported[id] = true
			dead = append(dead, id)
		}
	}
	callbacks := append([]func(string){}, m.deadCBs...)
	m.mu.Unlock()

	for _, id := range dead {
		for _, cb := range callbacks {
			cb(id)
		}
	}
}

// OnDead registers a callback run once per worker that goes silent.
func (m *Monitor) OnDead(callback func(workerID string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// Alive reports whether workerID has been heard from within the timeout.
func (m *Monitor) Alive(workerID string) bool {
	m.mu.RLock()
	s, ok := m.workers[workerID]
	m.mu.RUnlock()
	return ok && m.now().Sub(s.at) <= m.timeout
}

// Workers returns the last heartbeat of every live worker, ordered by id.
func (m *Monitor) Workers() []Heartbeat {
	now := m.now()
	m.mu.RLock()
	out := make([]Heartbeat, 0, len(m.workers))
	for _, s := range m.workers {
		if now.Sub(s.at) <= m.timeout {
			out = append(out, *s.hb)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

// TaskCounts returns how many live workers serve each task.
func (m *Monitor) TaskCounts() map[string]int {
	counts := make(map[string]int)
	for _, hb := range m.Workers() {
		for _, task := range hb.Tasks {
			counts[task]++
		}
	}
	return counts
}

// Stop ends monitoring.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	_ = m.sub.Unsubscribe()
	close(m.stopCh)
	<-m.doneCh
	return nil
}
