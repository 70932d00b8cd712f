// Package observability provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the governance pipeline.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the structured logger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text". JSON is the
	// production default; text is easier to read during development.
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// ContextKey is the type for context keys carried into log records.
type ContextKey string

const (
	// CallIDKey is the context key for tool-call ids.
	CallIDKey ContextKey = "call_id"

	// AgentIDKey is the context key for agent ids.
	AgentIDKey ContextKey = "agent_id"
)

// NewLogger creates a structured slog logger.
//
// Example:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "debug",
//	    Format: "text",
//	})
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// LogLevelFromString converts a string to a slog.Level. Returns LevelInfo
// for unrecognized strings.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithCallID adds a tool-call id to the context.
func WithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, CallIDKey, callID)
}

// WithAgentID adds an agent id to the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// LoggerFromContext returns the logger with call_id and agent_id attributes
// attached when present on the context.
func LoggerFromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if callID, ok := ctx.Value(CallIDKey).(string); ok && callID != "" {
		logger = logger.With("call_id", callID)
	}
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok && agentID != "" {
		logger = logger.With("agent_id", agentID)
	}
	return logger
}
