// Package logger wires up process-wide structured logging: a
// dual-destination (stdout + a file named for the day Init ran, not
// rotated afterwards) slog.Handler, and
// context helpers that pull bridge identifiers (channel, thread,
// engine) out of a context.Context so call sites don't have to thread
// them through every argument list by hand.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

var (
	slogger *slog.Logger
	logFile *os.File
)

// Init initializes the process-wide slog logger. If jsonOutput is
// true, logs are JSON-formatted (production); otherwise they use
// slog's text handler (local development).
func Init(logDir string, jsonOutput bool) error {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}

	logFileName := "takopi-" + time.Now().Format("2006-01-02") + ".log"
	logFilePath := filepath.Join(logDir, logFileName)

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	writer := io.MultiWriter(os.Stdout, logFile)

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	}

	slogger = slog.New(handler)
	slog.SetDefault(slogger)

	return nil
}

// Close closes the log file opened by Init.
func Close() error {
	if logFile != nil {
		return logFile.Close()
	}
	return nil
}

// Slog returns the process-wide logger, falling back to slog.Default
// if Init was never called (tests, one-off tools).
func Slog() *slog.Logger {
	if slogger == nil {
		return slog.Default()
	}
	return slogger
}

type contextKey string

const (
	ContextKeyChannelID contextKey = "channel_id"
	ContextKeyThreadID  contextKey = "thread_id"
	ContextKeyEngine    contextKey = "engine"
)

// WithFields returns ctx carrying the given bridge identifiers, for
// callers that want WithContext to pick them up downstream without
// re-threading them through every log call.
func WithFields(ctx context.Context, channelID, threadID, engine string) context.Context {
	if channelID != "" {
		ctx = context.WithValue(ctx, ContextKeyChannelID, channelID)
	}
	if threadID != "" {
		ctx = context.WithValue(ctx, ContextKeyThreadID, threadID)
	}
	if engine != "" {
		ctx = context.WithValue(ctx, ContextKeyEngine, engine)
	}
	return ctx
}

// WithContext returns a logger enriched with whatever bridge fields
// WithFields stashed on ctx.
func WithContext(ctx context.Context) *slog.Logger {
	logger := Slog()
	if channelID := ctx.Value(ContextKeyChannelID); channelID != nil {
		logger = logger.With("channel_id", channelID)
	}
	if threadID := ctx.Value(ContextKeyThreadID); threadID != nil {
		logger = logger.With("thread_id", threadID)
	}
	if engine := ctx.Value(ContextKeyEngine); engine != nil {
		logger = logger.With("engine", engine)
	}
	return logger
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).InfoContext(ctx, msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).ErrorContext(ctx, msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).WarnContext(ctx, msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).DebugContext(ctx, msg, args...)
}
