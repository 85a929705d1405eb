// Package logging provides a minimal logging interface and adapters for contextree.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the registry, reconciler and turn loop use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - ZapAdapter wrapping a zap SugaredLogger
//   - ContextLogger, a configurable slog logger with component/session scoping
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelDebug, Format: "text"})
//	sess := contextree.New(m, func(o *contextree.Options) { o.Logger = logger })
//
// Messages are dotted event keys ("reconcile.node.mount", "flow.tool.executed")
// followed by key/value pairs.
package logging
