package core

import (
	"context"
	"sync/atomic"

	"github.com/hupe1980/contextree/logging"
)

// ToolContext is the surface a tool sees while it executes. State writes go
// straight to the session's StateStore and mark the call as requesting a
// refresh of the context tree.
type ToolContext struct {
	ctx      context.Context
	callID   string
	toolName string
	state    *StateStore
	refresh  atomic.Bool
	logger   *callLogger
}

// NewToolContext constructs a tool context for one call. state may be nil, in
// which case state reads report missing keys and writes are dropped.
func NewToolContext(ctx context.Context, callID, toolName string, state *StateStore, logger logging.Logger) *ToolContext {
	if ctx == nil {
		ctx = context.Background()
	}
	return &ToolContext{
		ctx:      ctx,
		callID:   callID,
		toolName: toolName,
		state:    state,
		logger:   newCallLogger(logger, toolName, callID),
	}
}

// Context returns the context of the turn.
func (tc *ToolContext) Context() context.Context { return tc.ctx }

// CallID returns the id of the tool-call request being answered.
func (tc *ToolContext) CallID() string { return tc.callID }

// ToolName returns the name the tool was invoked under.
func (tc *ToolContext) ToolName() string { return tc.toolName }

// Logger returns a logger that tags every entry with the tool name and call id.
func (tc *ToolContext) Logger() logging.Logger { return tc.logger }

// GetState retrieves the state associated with the given key.
func (tc *ToolContext) GetState(k string) (any, bool) {
	if tc.state == nil {
		return nil, false
	}
	return tc.state.Get(k)
}

// State returns a snapshot of the whole application state.
func (tc *ToolContext) State() State {
	if tc.state == nil {
		return State{}
	}
	return tc.state.Snapshot()
}

// SetState writes k and requests a refresh of the context tree.
func (tc *ToolContext) SetState(k string, v any) {
	if tc.state == nil {
		tc.logger.Warn("tool.state.unavailable", "key", k)
		return
	}
	tc.state.Set(k, v)
	tc.refresh.Store(true)
	tc.logger.Debug("tool.state.set", "key", k)
}

// RequestRefresh asks the turn loop to re-render the context tree after the
// current ACT step.
func (tc *ToolContext) RequestRefresh() {
	tc.refresh.Store(true)
}

// RefreshRequested reports whether SetState or RequestRefresh was called.
func (tc *ToolContext) RefreshRequested() bool { return tc.refresh.Load() }
