package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/internal/util"
	"github.com/hupe1980/contextree/logging"
	"github.com/hupe1980/contextree/registry"
	"github.com/hupe1980/contextree/telemetry"
	"github.com/hupe1980/contextree/tool"
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// MaxParallel bounds concurrent calls in one step. Zero or less runs all
	// calls of a step at once.
	MaxParallel int
	// State is exposed to tools through their ToolContext. Optional.
	State     *core.StateStore
	Logger    logging.Logger
	Telemetry *telemetry.Instruments
}

// Executor runs the tool calls of one ACT step concurrently and returns their
// results in request order. Failures never escape: unknown tools, bad
// arguments, errors and panics all become error tool-results.
type Executor struct {
	opts   ExecutorOptions
	logger logging.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Executor{opts: opts, logger: logging.OrNoOp(opts.Logger)}
}

// StepResult is the outcome of one ACT step.
type StepResult struct {
	// Messages holds one tool-result message per call, in request order.
	Messages []core.Message
	// RefreshRequested reports whether any tool asked for a refresh.
	RefreshRequested bool
}

// Execute resolves every call against tc and runs them.
func (e *Executor) Execute(ctx context.Context, tc *registry.TurnContext, calls []core.ToolCall) *StepResult {
	out := &StepResult{Messages: make([]core.Message, len(calls))}
	if len(calls) == 0 {
		return out
	}

	var (
		refresh atomic.Bool
		g       errgroup.Group
	)
	if e.opts.MaxParallel > 0 {
		g.SetLimit(e.opts.MaxParallel)
	}

	start := time.Now()
	for i, call := range calls {
		g.Go(func() error {
			msg, requested := e.executeOne(ctx, tc, call)
			out.Messages[i] = msg
			if requested {
				refresh.Store(true)
			}
			return nil
		})
	}
	_ = g.Wait()

	out.RefreshRequested = refresh.Load()
	e.logger.Debug("flow.tools.batch.complete",
		"count", len(calls),
		"parallelism", e.opts.MaxParallel,
		"refresh_requested", out.RefreshRequested,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out
}

func (e *Executor) executeOne(ctx context.Context, tc *registry.TurnContext, call core.ToolCall) (core.Message, bool) {
	impl, ok := tc.Tool(call.Name)
	if !ok {
		err := &core.ToolNotFoundError{Name: call.Name}
		e.logger.Warn("flow.tool.not_found", "tool", call.Name, "tool_call_id", call.ID)
		e.opts.Telemetry.ToolCall(ctx, call.Name, true)
		return core.NewToolResultMessage(call.ID, call.Name, "Error: "+err.Error(), true), false
	}

	toolCtx := core.NewToolContext(ctx, call.ID, call.Name, e.opts.State, e.logger)

	start := time.Now()
	result, err := invoke(impl, toolCtx, call)
	logging.ToolCall(e.logger, call.Name, call.ID, time.Since(start), err)
	e.opts.Telemetry.ToolCall(ctx, call.Name, err != nil)

	if err != nil {
		return core.NewToolResultMessage(call.ID, call.Name, "Error: "+failureText(err), true), toolCtx.RefreshRequested()
	}
	return core.NewToolResultMessage(call.ID, call.Name, util.StringifyResult(result), false), toolCtx.RefreshRequested()
}

// invoke parses the arguments and calls impl, converting a panic into a
// *core.ToolInvocationError.
func invoke(impl tool.Tool, toolCtx *core.ToolContext, call core.ToolCall) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			toolCtx.Logger().Error("flow.tool.panic", "tool", call.Name, "recover", fmt.Sprint(r), "stack", string(debug.Stack()))
			result, err = nil, &core.ToolInvocationError{Name: call.Name, CallID: call.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return nil, &core.ToolInvocationError{Name: call.Name, CallID: call.ID, Err: fmt.Errorf("invalid arguments: %w", err)}
		}
		if args == nil {
			args = map[string]any{}
		}
	}

	result, err = impl.Call(toolCtx, args)
	if err != nil {
		return nil, &core.ToolInvocationError{Name: call.Name, CallID: call.ID, Err: err}
	}
	return result, nil
}

// failureText is the message shown to the model for a failed call.
func failureText(err error) string {
	var te *tool.ToolError
	if errors.As(err, &te) {
		return te.Message
	}
	var ie *core.ToolInvocationError
	if errors.As(err, &ie) && ie.Err != nil {
		return ie.Err.Error()
	}
	return err.Error()
}
