package core

import "github.com/hupe1980/contextree/logging"

// callLogger appends the tool name and call id to every entry so tool
// implementations need not repeat them.
type callLogger struct {
	logger logging.Logger
	fields []any
}

func newCallLogger(l logging.Logger, toolName, callID string) *callLogger {
	return &callLogger{
		logger: logging.OrNoOp(l),
		fields: []any{"tool", toolName, "call_id", callID},
	}
}

func (l *callLogger) with(args []any) []any {
	out := make([]any, 0, len(args)+len(l.fields))
	out = append(out, args...)
	return append(out, l.fields...)
}

func (l *callLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, l.with(args)...) }
func (l *callLogger) Info(msg string, args ...any)  { l.logger.Info(msg, l.with(args)...) }
func (l *callLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, l.with(args)...) }
func (l *callLogger) Error(msg string, args ...any) { l.logger.Error(msg, l.with(args)...) }
