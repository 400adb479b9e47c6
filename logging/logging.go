// Package logging provides leveled, line-oriented log output for the kernel.
// Every component receives a *Logger through its constructor and derives a
// component-tagged child with WithComponent; there is no package-level logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a case-insensitive level name. Unknown names yield INFO.
func ParseLevel(s string) Level {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := levelPriority[l]; ok {
		return l
	}
	return LevelInfo
}

// sink is shared by a logger and every logger derived from it, so SetOutput
// and SetLevel on the root affect all components.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes lines in the format: LEVEL TIMESTAMP [component] message key=value ...
type Logger struct {
	sink      *sink
	component string
	traceID   string
}

// New creates a new Logger writing INFO and above to stdout.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stdout, minLevel: LevelInfo}}
}

// Discard returns a logger that drops everything. Useful as a default in tests
// and for optional dependencies.
func Discard() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// WithComponent returns a child logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component, traceID: l.traceID}
}

// WithTraceID returns a child logger that stamps every line with trace=<id>.
func (l *Logger) WithTraceID(traceID string) *Logger {
	return &Logger{sink: l.sink, component: l.component, traceID: traceID}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders fields as key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}
	if l.traceID != "" {
		fieldStr += " trace=" + l.traceID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.sink.output.Write([]byte(line))
}

// --- Kernel event helpers ---

// DispatchStart logs a task entering the kernel.
func (l *Logger) DispatchStart(task, tenantID, requestID string) {
	l.Info("dispatch_start", map[string]interface{}{
		"task":       task,
		"tenant":     tenantID,
		"request_id": requestID,
	})
}

// DispatchComplete logs the terminal status of a dispatch.
func (l *Logger) DispatchComplete(task string, duration time.Duration, status string) {
	l.Info("dispatch_complete", map[string]interface{}{
		"task":     task,
		"duration": duration.String(),
		"status":   status,
	})
}

// AgentStart logs the start of an agent run.
func (l *Logger) AgentStart(task string) {
	l.Debug("agent_start", map[string]interface{}{
		"task": task,
	})
}

// AgentComplete logs the end of an agent run.
func (l *Logger) AgentComplete(task string, duration time.Duration, status string) {
	l.Debug("agent_complete", map[string]interface{}{
		"task":     task,
		"duration": duration.String(),
		"status":   status,
	})
}

// AgentFailure logs an error or panic contained at the agent boundary.
func (l *Logger) AgentFailure(task, tenantID string, params map[string]interface{}, err error) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	l.Error("agent_failure", map[string]interface{}{
		"task":   task,
		"tenant": tenantID,
		"params": strings.Join(keys, ","),
		"error":  err.Error(),
	})
}

// DegradedMode logs that a component is running on its fallback path.
func (l *Logger) DegradedMode(component, reason string) {
	l.Warn("degraded_mode", map[string]interface{}{
		"component": component,
		"reason":    reason,
	})
}

// PipelineDecision logs the action selected for a pipeline cycle.
func (l *Logger) PipelineDecision(projectID, action, reason string) {
	l.Info("pipeline_decision", map[string]interface{}{
		"project": projectID,
		"action":  action,
		"reason":  reason,
	})
}
