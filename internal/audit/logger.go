// Package audit records a structured trail of engine runs: who asked
// for what, which resume token it landed on, and whether it
// succeeded — independent of the per-line operational logging in
// internal/logger, so the two can be filtered and retained
// separately.
package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Operation represents the type of auditable operation.
type Operation string

const (
	OpRunStart  Operation = "run.start"
	OpRunFinish Operation = "run.finish"
	OpCancel    Operation = "run.cancel"
	OpResume    Operation = "run.resume"
)

// Event represents an audit log entry.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Operation Operation               `json:"operation"`
	RunID     string                  `json:"run_id,omitempty"`
	Engine    string                  `json:"engine,omitempty"`
	ResumeVal string                  `json:"resume_value,omitempty"`
	ChannelID string                  `json:"channel_id,omitempty"`
	ThreadID  string                  `json:"thread_id,omitempty"`
	Success   bool                    `json:"success"`
	Error     string                  `json:"error,omitempty"`
	Details   map[string]interface{}  `json:"details,omitempty"`
}

// NewRunID mints a correlation id a caller can thread through every
// audit event (and log line) for one Handle invocation, so a run's
// start/finish/cancel entries can be joined across both the audit
// trail and the operational log.
func NewRunID() string {
	return uuid.NewString()
}

// Logger handles audit logging.
type Logger struct {
	logger  *slog.Logger
	enabled bool
	mu      sync.RWMutex
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default audit logger.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(true)
	})
	return defaultLogger
}

// New creates a new audit logger.
func New(enabled bool) *Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{logger: slog.New(handler), enabled: enabled}
}

// SetEnabled enables or disables audit logging.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Log records an audit event.
func (l *Logger) Log(event *Event) {
	l.mu.RLock()
	enabled := l.enabled
	l.mu.RUnlock()

	if !enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("audit", "true"),
		slog.String("operation", string(event.Operation)),
		slog.Bool("success", event.Success),
	}

	if event.RunID != "" {
		attrs = append(attrs, slog.String("run_id", event.RunID))
	}
	if event.Engine != "" {
		attrs = append(attrs, slog.String("engine", event.Engine))
	}
	if event.ResumeVal != "" {
		attrs = append(attrs, slog.String("resume_value", maskResume(event.ResumeVal)))
	}
	if event.ChannelID != "" {
		attrs = append(attrs, slog.String("channel_id", event.ChannelID))
	}
	if event.ThreadID != "" {
		attrs = append(attrs, slog.String("thread_id", event.ThreadID))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// LogSuccess records a successful operation.
func (l *Logger) LogSuccess(op Operation, runID, engine, resumeVal, channelID string) {
	l.Log(&Event{Operation: op, RunID: runID, Engine: engine, ResumeVal: resumeVal, ChannelID: channelID, Success: true})
}

// LogFailure records a failed operation.
func (l *Logger) LogFailure(op Operation, runID, engine, resumeVal, channelID string, err error) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	l.Log(&Event{Operation: op, RunID: runID, Engine: engine, ResumeVal: resumeVal, ChannelID: channelID, Success: false, Error: errMsg})
}

func maskResume(value string) string {
	if len(value) <= 12 {
		return "***"
	}
	return value[:8] + "..."
}

// Convenience functions using the default logger.

func Log(event *Event) { Default().Log(event) }

func LogSuccess(op Operation, runID, engine, resumeVal, channelID string) {
	Default().LogSuccess(op, runID, engine, resumeVal, channelID)
}

func LogFailure(op Operation, runID, engine, resumeVal, channelID string, err error) {
	Default().LogFailure(op, runID, engine, resumeVal, channelID, err)
}
