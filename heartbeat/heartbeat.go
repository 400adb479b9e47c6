// Package heartbeat announces bus workers and tracks which of them are
// alive.
//
// A worker process runs a Sender that periodically publishes the tasks it
// serves on Subject. The kernel runs a Monitor that keeps the last
// heartbeat of every worker and reports, per task, how many live workers
// could answer a forwarded request:
//
//	sender, _ := heartbeat.NewSender(heartbeat.SenderConfig{
//	    Bus:      msgBus,
//	    WorkerID: "worker-1",
//	    Tasks:    []string{"publish", "review"},
//	})
//	sender.Start(ctx)
//	defer sender.Stop()
//
// A stopping worker sends a final heartbeat with StatusStopping so monitors
// drop it at once instead of waiting for the timeout.
package heartbeat

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/vinayprograms/taskkernel/bus"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Subject carries every worker heartbeat.
const Subject = "kernel.workers.heartbeat"

// Worker statuses.
const (
	StatusServing  = "serving"
	StatusStopping = "stopping"
)

// Heartbeat is one presence announcement from a worker.
type Heartbeat struct {
	WorkerID  string            `json:"worker_id"`
	Tasks     []string          `json:"tasks"`
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Marshal serializes a heartbeat to JSON.
func (h *Heartbeat) Marshal() ([]byte, error) {
	return json.Marshal(h)
}

// Unmarshal deserializes a heartbeat from JSON.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	if h.WorkerID == "" {
		return nil, errors.New("heartbeat without worker_id")
	}
	return &h, nil
}

// SenderConfig configures a heartbeat sender.
type SenderConfig struct {
	Bus      bus.MessageBus
	WorkerID string
	Tasks    []string

	// Interval between heartbeats.
	// Default: 5 seconds
	Interval time.Duration
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Bus == nil || c.WorkerID == "" {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{Interval: 5 * time.Second}
}

// MonitorConfig configures a heartbeat monitor.
type MonitorConfig struct {
	Bus bus.MessageBus

	// Timeout after which a silent worker is presumed dead.
	// Should be 2-3x the sender interval.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval for the dead worker sweep.
	// Default: 1 second
	CheckInterval time.Duration
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Timeout:       15 * time.Second,
		CheckInterval: time.Second,
	}
}
