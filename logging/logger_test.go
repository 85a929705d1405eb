package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LogLevelDebug,
		"INFO":    LogLevelInfo,
		"warning": LogLevelWarn,
		"error":   LogLevelError,
		"bogus":   LogLevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
	assert.Equal(t, "WARN", LogLevelWarn.String())
}

func TestContextLogger_KeyValuesAndScope(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelDebug, Format: "json", Output: &buf}).
		WithComponent("registry").
		WithSession("s-1").
		With("env", "test")

	l.Info("registry.tool.register", "tool", "search", "owner", "node")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "registry.tool.register", lines[0]["msg"])
	assert.Equal(t, "registry", lines[0]["component"])
	assert.Equal(t, "s-1", lines[0]["session_id"])
	assert.Equal(t, "test", lines[0]["env"])
	assert.Equal(t, "search", lines[0]["tool"])
	assert.Equal(t, "node", lines[0]["owner"])
}

func TestContextLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelWarn, Output: &buf})

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.LogReconcile(1, 0, 0, 0, time.Millisecond) // info level, filtered
	l.LogReconcile(0, 0, 0, 2, time.Millisecond) // warn level

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "kept", lines[0]["msg"])
	assert.Equal(t, "reconcile.pass.completed", lines[1]["msg"])
	assert.EqualValues(t, 2, lines[1]["failed"])
}

func TestContextLogger_WithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger(&LoggerConfig{Level: LogLevelInfo, Output: &buf})
	_ = parent.With("child_only", true)

	parent.Info("parent")
	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	_, ok := lines[0]["child_only"]
	assert.False(t, ok)
}

func TestToolCallHelper(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: LogLevelInfo, Output: &buf})

	ToolCall(l, "search", "call-1", 5*time.Millisecond, nil)
	ToolCall(l, "search", "call-2", time.Millisecond, errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "tool.call.completed", lines[0]["msg"])
	assert.Equal(t, "tool.call.failed", lines[1]["msg"])
	assert.Equal(t, "boom", lines[1]["error"])
}

func TestHelpersFallBackToPlainLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogAdapter(slog.New(slog.NewJSONHandler(&buf, nil)))

	ModelCall(l, "gpt", 2, time.Millisecond, nil)
	Reconcile(l, 1, 1, 1, 0, time.Millisecond)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "model.call.completed", lines[0]["msg"])
	assert.EqualValues(t, 2, lines[0]["tool_calls"])
	assert.Equal(t, "reconcile.pass.completed", lines[1]["msg"])
}

func TestOrNoOp(t *testing.T) {
	assert.IsType(t, NoOpLogger{}, OrNoOp(nil))
	l := NewDefaultSlogLogger()
	assert.Same(t, l, OrNoOp(l))
}

func TestZapAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapAdapter(zap.New(core))

	l.Debug("flow.reason.start", "step", 1)
	l.Warn("reconcile.node.failed", "key", "server:files")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "flow.reason.start", entries[0].Message)
	assert.EqualValues(t, 1, entries[0].ContextMap()["step"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "server:files", entries[1].ContextMap()["key"])
}

func TestNewZapAdapterNil(t *testing.T) {
	l := NewZapAdapter(nil)
	assert.NotPanics(t, func() { l.Info("ignored") })
}
