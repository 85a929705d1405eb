package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogLevel is a thin enum for user friendly level configuration decoupled from slog.
type LogLevel int

const (
	// LogLevelDebug is the debug logging level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the informational logging level.
	LogLevelInfo
	// LogLevelWarn is the warning logging level.
	LogLevelWarn
	// LogLevelError is the error logging level.
	LogLevelError
)

// String returns the string representation of the log level.
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a case-insensitive level name into a LogLevel.
// Unknown names map to LogLevelInfo.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger defines the minimal logging interface used across contextree.
// Arguments after msg are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// ContextLogger wraps slog.Logger adding component/session scoping and
// domain convenience methods. With* methods return copies.
type ContextLogger struct {
	logger    *slog.Logger
	level     LogLevel
	component string
	sessionID string
	attrs     map[string]any
}

// LoggerConfig configures construction of a ContextLogger.
type LoggerConfig struct {
	Level     LogLevel
	Format    string // json or text
	Output    io.Writer
	AddSource bool
	Component string
	SessionID string
	Attrs     map[string]any
}

// DefaultLoggerConfig returns a baseline JSON info level configuration writing to stderr.
func DefaultLoggerConfig() *LoggerConfig {
	return &LoggerConfig{Level: LogLevelInfo, Format: "json", Output: os.Stderr, Attrs: map[string]any{}}
}

// NewLogger builds a ContextLogger from a config (or defaults if nil).
func NewLogger(cfg *LoggerConfig) *ContextLogger {
	if cfg == nil {
		cfg = DefaultLoggerConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: slogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	attrs := make(map[string]any, len(cfg.Attrs))
	for k, v := range cfg.Attrs {
		attrs[k] = v
	}
	return &ContextLogger{
		logger:    slog.New(handler),
		level:     cfg.Level,
		component: cfg.Component,
		sessionID: cfg.SessionID,
		attrs:     attrs,
	}
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *ContextLogger) clone() *ContextLogger {
	nl := *l
	nl.attrs = make(map[string]any, len(l.attrs))
	for k, v := range l.attrs {
		nl.attrs[k] = v
	}
	return &nl
}

// With adds a key/value attribute that will be attached to every log entry.
func (l *ContextLogger) With(key string, value any) *ContextLogger {
	nl := l.clone()
	nl.attrs[key] = value
	return nl
}

// WithComponent sets the logical component (registry, reconcile, flow, ...).
func (l *ContextLogger) WithComponent(c string) *ContextLogger {
	nl := l.clone()
	nl.component = c
	return nl
}

// WithSession attaches a session identifier.
func (l *ContextLogger) WithSession(sid string) *ContextLogger {
	nl := l.clone()
	nl.sessionID = sid
	return nl
}

func (l *ContextLogger) buildAttrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, len(l.attrs)+2)
	if l.component != "" {
		attrs = append(attrs, slog.String("component", l.component))
	}
	if l.sessionID != "" {
		attrs = append(attrs, slog.String("session_id", l.sessionID))
	}
	for k, v := range l.attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	return attrs
}

func (l *ContextLogger) log(level slog.Level, allowed bool, msg string, args ...any) {
	if !allowed {
		return
	}
	attrs := l.buildAttrs()
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "!BADKEY"
		}
		if i+1 < len(args) {
			attrs = append(attrs, slog.Any(key, args[i+1]))
		} else {
			attrs = append(attrs, slog.Any("!BADKEY", args[i]))
		}
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// Debug logs at debug level.
func (l *ContextLogger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, l.level <= LogLevelDebug, msg, args...)
}

// Info logs at info level.
func (l *ContextLogger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, l.level <= LogLevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *ContextLogger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, l.level <= LogLevelWarn, msg, args...)
}

// Error logs at error level.
func (l *ContextLogger) Error(msg string, args ...any) {
	l.log(slog.LevelError, l.level <= LogLevelError, msg, args...)
}

// LogToolCall records execution details for a tool invocation.
func (l *ContextLogger) LogToolCall(tool, callID string, dur time.Duration, err error) {
	attrs := l.buildAttrs()
	attrs = append(attrs, slog.String("tool_name", tool), slog.String("call_id", callID), slog.Duration("duration", dur), slog.Bool("success", err == nil))
	level := slog.LevelInfo
	msg := "tool.call.completed"
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		level = slog.LevelError
		msg = "tool.call.failed"
	}
	if level < slogLevel(l.level) {
		return
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LogModelCall records model call latency, tool call count and success.
func (l *ContextLogger) LogModelCall(model string, toolCalls int, dur time.Duration, err error) {
	attrs := l.buildAttrs()
	attrs = append(attrs, slog.String("model", model), slog.Int("tool_calls", toolCalls), slog.Duration("duration", dur), slog.Bool("success", err == nil))
	level := slog.LevelInfo
	msg := "model.call.completed"
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		level = slog.LevelError
		msg = "model.call.failed"
	}
	if level < slogLevel(l.level) {
		return
	}
	l.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

// LogReconcile records the outcome of one reconciliation pass.
func (l *ContextLogger) LogReconcile(mounted, updated, unmounted, failed int, dur time.Duration) {
	level := slog.LevelInfo
	if failed > 0 {
		level = slog.LevelWarn
	}
	if level < slogLevel(l.level) {
		return
	}
	attrs := l.buildAttrs()
	attrs = append(attrs,
		slog.Int("mounted", mounted),
		slog.Int("updated", updated),
		slog.Int("unmounted", unmounted),
		slog.Int("failed", failed),
		slog.Duration("duration", dur),
	)
	l.logger.LogAttrs(context.Background(), level, "reconcile.pass.completed", attrs...)
}

// NoOpLogger discards all log messages. Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}

// OrNoOp returns l, or a NoOpLogger when l is nil.
func OrNoOp(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}

// ToolCall records a tool invocation on l, using ContextLogger.LogToolCall when
// available and a plain key/value entry otherwise.
func ToolCall(l Logger, tool, callID string, dur time.Duration, err error) {
	if cl, ok := l.(*ContextLogger); ok {
		cl.LogToolCall(tool, callID, dur, err)
		return
	}
	if err != nil {
		OrNoOp(l).Error("tool.call.failed", "tool_name", tool, "call_id", callID, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return
	}
	OrNoOp(l).Info("tool.call.completed", "tool_name", tool, "call_id", callID, "duration_ms", dur.Milliseconds())
}

// ModelCall records a model invocation on l.
func ModelCall(l Logger, model string, toolCalls int, dur time.Duration, err error) {
	if cl, ok := l.(*ContextLogger); ok {
		cl.LogModelCall(model, toolCalls, dur, err)
		return
	}
	if err != nil {
		OrNoOp(l).Error("model.call.failed", "model", model, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return
	}
	OrNoOp(l).Info("model.call.completed", "model", model, "tool_calls", toolCalls, "duration_ms", dur.Milliseconds())
}

// Reconcile records the outcome of a reconciliation pass on l.
func Reconcile(l Logger, mounted, updated, unmounted, failed int, dur time.Duration) {
	if cl, ok := l.(*ContextLogger); ok {
		cl.LogReconcile(mounted, updated, unmounted, failed, dur)
		return
	}
	args := []any{"mounted", mounted, "updated", updated, "unmounted", unmounted, "failed", failed, "duration_ms", dur.Milliseconds()}
	if failed > 0 {
		OrNoOp(l).Warn("reconcile.pass.completed", args...)
		return
	}
	OrNoOp(l).Info("reconcile.pass.completed", args...)
}
