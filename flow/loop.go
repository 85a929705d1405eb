package flow

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hupe1980/contextree/core"
	"github.com/hupe1980/contextree/logging"
	"github.com/hupe1980/contextree/model"
	"github.com/hupe1980/contextree/registry"
	"github.com/hupe1980/contextree/telemetry"
)

// DefaultMaxCycles bounds the REASON steps of one turn.
const DefaultMaxCycles = 10

// Options configures a Loop.
type Options struct {
	// MaxCycles bounds REASON steps, that is model calls, per turn. ACT steps
	// are not counted, so a turn with N tool rounds needs N+1. Defaults to
	// DefaultMaxCycles.
	MaxCycles int
	// MaxParallel bounds concurrent tool calls in one ACT step. Zero means
	// unbounded.
	MaxParallel int
	// Refresher runs after ACT steps according to RefreshPolicy. Optional.
	Refresher     Refresher
	RefreshPolicy RefreshPolicy
	// State is exposed to tools. Optional.
	State     *core.StateStore
	Logger    logging.Logger
	Telemetry *telemetry.Instruments
}

// Loop is the Reason/Act state machine. A Loop holds no per-turn state; each
// Run is independent.
type Loop struct {
	model    model.Model
	source   ContextSource
	executor *Executor
	opts     Options
	logger   logging.Logger
}

// NewLoop creates a Loop over m reading its context from source.
func NewLoop(m model.Model, source ContextSource, optFns ...func(o *Options)) *Loop {
	opts := Options{
		MaxCycles:     DefaultMaxCycles,
		RefreshPolicy: RefreshAlways,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = DefaultMaxCycles
	}

	logger := logging.OrNoOp(opts.Logger)
	return &Loop{
		model:  m,
		source: source,
		executor: NewExecutor(func(o *ExecutorOptions) {
			o.MaxParallel = opts.MaxParallel
			o.State = opts.State
			o.Logger = logger
			o.Telemetry = opts.Telemetry
		}),
		opts:   opts,
		logger: logger,
	}
}

// Run executes one turn over msgs. The input slice is not modified. When the
// cycle bound is exceeded Run returns the partial result together with a
// *core.LoopLimitError.
func (l *Loop) Run(ctx context.Context, msgs []core.Message) (res *Result, err error) {
	res = &Result{Messages: append([]core.Message(nil), msgs...)}

	start := time.Now()
	ctx, span := l.opts.Telemetry.Start(ctx, telemetry.SpanTurn,
		attribute.Int("messages.input", len(msgs)),
		attribute.Int("max_cycles", l.opts.MaxCycles),
	)
	defer func() {
		span.SetAttributes(
			attribute.Int("steps.reason", res.ReasonSteps),
			attribute.Int("steps.act", res.ActSteps),
		)
		l.opts.Telemetry.TurnDuration(ctx, time.Since(start), err)
		telemetry.End(span, err)
	}()

	limiter := core.NewCycleLimiter(l.opts.MaxCycles)

	for {
		if err := limiter.Increment(); err != nil {
			l.logger.Warn("flow.loop.limit_exceeded", "max_cycles", l.opts.MaxCycles, "reason_steps", res.ReasonSteps)
			return res, err
		}

		reply, err := l.reason(ctx, res)
		if err != nil {
			return res, err
		}
		if !reply.HasToolCalls() {
			res.Content = reply.Content
			l.logger.Info("flow.turn.completed",
				"reason_steps", res.ReasonSteps,
				"act_steps", res.ActSteps,
				"refreshes", res.Refreshes,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return res, nil
		}

		if err := l.act(ctx, res, reply.ToolCalls); err != nil {
			return res, err
		}
	}
}

func (l *Loop) reason(ctx context.Context, res *Result) (core.Message, error) {
	ctx, span := l.opts.Telemetry.Start(ctx, telemetry.SpanReason)

	snap := l.source.Snapshot()
	req := model.Request{Messages: make([]core.Message, 0, len(res.Messages)+1)}
	if snap.SystemPrompt != "" {
		req.Messages = append(req.Messages, core.NewSystemMessage(snap.SystemPrompt))
	}
	req.Messages = append(req.Messages, res.Messages...)
	for _, t := range snap.Tools {
		req.Tools = append(req.Tools, model.NewToolDefinition(t.Name(), t.Description(), t.Parameters()))
	}

	res.ReasonSteps++
	l.opts.Telemetry.ReasonStep(ctx)
	l.logger.Debug("flow.reason.start", "step", res.ReasonSteps, "revision", snap.Revision, "tools", len(req.Tools))

	start := time.Now()
	reply, _, err := model.Invoke(ctx, l.model, req)
	logging.ModelCall(l.logger, l.model.Info().Name, len(reply.ToolCalls), time.Since(start), err)
	if err != nil {
		telemetry.End(span, err)
		return core.Message{}, err
	}
	if reply.ID == "" {
		reply.ID = core.NewID()
	}
	reply.Role = core.RoleAssistant
	res.Messages = append(res.Messages, reply)

	span.SetAttributes(attribute.Int("tool_calls", len(reply.ToolCalls)))
	telemetry.End(span, nil)
	return reply, nil
}

func (l *Loop) act(ctx context.Context, res *Result, calls []core.ToolCall) error {
	ctx, span := l.opts.Telemetry.Start(ctx, telemetry.SpanAct, attribute.Int("tool_calls", len(calls)))
	defer span.End()

	// Tools resolve against a snapshot taken now, not the one the model saw.
	snap := l.source.Snapshot()

	res.ActSteps++
	l.opts.Telemetry.ActStep(ctx)
	l.logger.Debug("flow.act.start", "step", res.ActSteps, "revision", snap.Revision, "calls", len(calls))

	step := l.executor.Execute(ctx, snap, calls)
	res.Messages = append(res.Messages, step.Messages...)

	if err := ctx.Err(); err != nil {
		return err
	}

	if l.opts.Refresher == nil {
		return nil
	}
	if l.opts.RefreshPolicy == RefreshOnRequest && !step.RefreshRequested {
		return nil
	}

	ev := RefreshEvent{
		Step:      res.ActSteps,
		Requested: step.RefreshRequested,
		CallIDs:   make([]string, len(calls)),
	}
	for i, c := range calls {
		ev.CallIDs[i] = c.ID
	}
	if l.opts.State != nil {
		ev.StateVersion = l.opts.State.Version()
	}

	res.Refreshes++
	if err := l.opts.Refresher.Refresh(ctx, ev); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		l.logger.Warn("flow.refresh.failed", "step", ev.Step, "error", err.Error())
	}
	return nil
}

var _ ContextSource = (*registry.Registry)(nil)
