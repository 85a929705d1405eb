package testutil

import (
	"sync"

	"github.com/hupe1980/contextree/core"
)

// RecordingTool is a tool.Tool that returns a fixed result and records the
// arguments of every call.
type RecordingTool struct {
	name   string
	desc   string
	result any
	err    error
	fn     func(tc *core.ToolContext, args map[string]any) (any, error)

	mu    sync.Mutex
	calls []map[string]any
}

// NewRecordingTool creates a tool named name that answers with result.
func NewRecordingTool(name string, result any) *RecordingTool {
	return &RecordingTool{name: name, desc: "test tool " + name, result: result}
}

// WithError makes every call fail with err.
func (t *RecordingTool) WithError(err error) *RecordingTool { t.err = err; return t }

// WithFunc replaces the fixed result with fn.
func (t *RecordingTool) WithFunc(fn func(tc *core.ToolContext, args map[string]any) (any, error)) *RecordingTool {
	t.fn = fn
	return t
}

// WithDescription overrides the description.
func (t *RecordingTool) WithDescription(d string) *RecordingTool { t.desc = d; return t }

// Name implements tool.Tool.
func (t *RecordingTool) Name() string { return t.name }

// Description implements tool.Tool.
func (t *RecordingTool) Description() string { return t.desc }

// Parameters implements tool.Tool.
func (t *RecordingTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// Call implements tool.Tool.
func (t *RecordingTool) Call(tc *core.ToolContext, args map[string]any) (any, error) {
	t.mu.Lock()
	t.calls = append(t.calls, args)
	t.mu.Unlock()

	if t.fn != nil {
		return t.fn(tc, args)
	}
	if t.err != nil {
		return nil, t.err
	}
	return t.result, nil
}

// Calls returns the recorded arguments.
func (t *RecordingTool) Calls() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]map[string]any(nil), t.calls...)
}

// CallCount returns the number of calls.
func (t *RecordingTool) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.calls)
}
