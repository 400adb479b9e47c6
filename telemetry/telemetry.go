// Package telemetry provides tracing and the kernel event export stream.
//
// Spans cover kernel dispatch, agent execution and pipeline cycles. The
// event Exporter records one structured event per dispatch and per
// background completion so operators can audit tenant activity without a
// tracing backend.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Event names emitted by the kernel.
const (
	EventDispatch   = "kernel.dispatch"
	EventCompletion = "kernel.completion"
	EventPipeline   = "pipeline.decision"
)

// EventSubjectPrefix prefixes the bus subject of every published event.
const EventSubjectPrefix = "kernel.events."

// Exporter receives kernel audit events.
type Exporter interface {
	LogEvent(name string, data map[string]any)
	Flush() error
	Close() error
}

// Event is one audit record.
type Event struct {
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func newEvent(name string, data map[string]any) Event {
	return Event{Name: name, Timestamp: time.Now().UTC(), Data: data}
}

// Publisher is the slice of a message bus the bus exporter needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ExporterConfig selects and configures an event exporter.
type ExporterConfig struct {
	// Kind is noop, file, http or bus.
	Kind string

	// Endpoint is the file path (file) or URL (http).
	Endpoint string

	// Headers are added to every http batch.
	Headers map[string]string

	// Bus carries events for the bus kind.
	Bus Publisher
}

// NewExporter builds the exporter cfg.Kind names.
func NewExporter(cfg ExporterConfig) (Exporter, error) {
	switch cfg.Kind {
	case "http":
		exp := NewHTTPExporter(cfg.Endpoint)
		exp.headers = cfg.Headers
		return exp, nil
	case "file":
		return NewFileExporter(cfg.Endpoint)
	case "bus":
		if cfg.Bus == nil {
			return nil, fmt.Errorf("bus event exporter needs a connected bus")
		}
		return NewBusExporter(cfg.Bus), nil
	case "noop", "":
		return NewNoopExporter(), nil
	default:
		return nil, fmt.Errorf("unknown event exporter: %s", cfg.Kind)
	}
}

const (
	httpBatchSize = 100
	httpMaxBuffer = 10 * httpBatchSize
)

// HTTPExporter posts batches of events as a JSON array. A failed batch
// stays buffered for the next flush; past httpMaxBuffer the oldest events
// are dropped.
type HTTPExporter struct {
	endpoint string
	headers  map[string]string
	client   *http.Client

	mu      sync.Mutex
	buffer  []Event
	dropped int
}

func NewHTTPExporter(endpoint string) *HTTPExporter {
	return &HTTPExporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		buffer:   make([]Event, 0, httpBatchSize),
	}
}

func (e *HTTPExporter) LogEvent(name string, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buffer = append(e.buffer, newEvent(name, data))
	if over := len(e.buffer) - httpMaxBuffer; over > 0 {
		e.buffer = append(e.buffer[:0], e.buffer[over:]...)
		e.dropped += over
	}
	if len(e.buffer) >= httpBatchSize {
		_ = e.flush()
	}
}

// Dropped reports how many events were discarded because the endpoint
// could not keep up.
func (e *HTTPExporter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

func (e *HTTPExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flush()
}

func (e *HTTPExporter) flush() error {
	if len(e.buffer) == 0 {
		return nil
	}
	body, err := json.Marshal(e.buffer)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("event endpoint returned %d", resp.StatusCode)
	}
	e.buffer = e.buffer[:0]
	return nil
}

func (e *HTTPExporter) Close() error {
	return e.Flush()
}

// FileExporter appends events to a JSON-lines file.
type FileExporter struct {
	mu   sync.Mutex
	file *os.File
}

func NewFileExporter(path string) (*FileExporter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event file: %w", err)
	}
	return &FileExporter{file: file}, nil
}

func (e *FileExporter) LogEvent(name string, data map[string]any) {
	line, err := json.Marshal(newEvent(name, data))
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.file.Write(append(line, '\n'))
}

func (e *FileExporter) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.file.Sync()
}

func (e *FileExporter) Close() error {
	_ = e.Flush()
	return e.file.Close()
}

// BusExporter publishes each event on EventSubjectPrefix + name, so other
// kernel instances and operators can subscribe to the audit stream.
type BusExporter struct {
	bus Publisher
}

func NewBusExporter(p Publisher) *BusExporter {
	return &BusExporter{bus: p}
}

func (e *BusExporter) LogEvent(name string, data map[string]any) {
	payload, err := json.Marshal(newEvent(name, data))
	if err != nil {
		return
	}
	_ = e.bus.Publish(EventSubjectPrefix+name, payload)
}

func (e *BusExporter) Flush() error { return nil }

// Close leaves the bus open; its owner closes it.
func (e *BusExporter) Close() error { return nil }

// NoopExporter discards all events.
type NoopExporter struct{}

func NewNoopExporter() *NoopExporter {
	return &NoopExporter{}
}

func (e *NoopExporter) LogEvent(name string, data map[string]any) {}
func (e *NoopExporter) Flush() error                              { return nil }
func (e *NoopExporter) Close() error                              { return nil }
