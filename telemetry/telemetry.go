// Package telemetry records contextree activity as OpenTelemetry spans and
// metrics. A nil *Instruments is valid and records nothing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ScopeName is the instrumentation scope of tracers and meters.
const ScopeName = "github.com/hupe1980/contextree"

// Span names.
const (
	SpanTurn      = "contextree.turn"
	SpanReason    = "contextree.reason"
	SpanAct       = "contextree.act"
	SpanReconcile = "contextree.reconcile"
)

// Metric names.
const (
	MetricReasonSteps  = "contextree.reason.steps"
	MetricActSteps     = "contextree.act.steps"
	MetricToolCalls    = "contextree.tool.calls"
	MetricToolFailures = "contextree.tool.failures"
	MetricReconcileOps = "contextree.reconcile.operations"
	MetricTurnDuration = "contextree.turn.duration"
)

// Instruments bundles the tracer and metric instruments.
type Instruments struct {
	tracer trace.Tracer

	reasonSteps  metric.Int64Counter
	actSteps     metric.Int64Counter
	toolCalls    metric.Int64Counter
	toolFailures metric.Int64Counter
	reconcileOps metric.Int64Counter
	turnDuration metric.Float64Histogram
}

// New creates instruments from the given providers. Nil providers fall back to
// the global ones.
func New(tp trace.TracerProvider, mp metric.MeterProvider) (*Instruments, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(ScopeName)

	reasonSteps, err := meter.Int64Counter(MetricReasonSteps,
		metric.WithDescription("Number of REASON steps"),
	)
	if err != nil {
		return nil, err
	}
	actSteps, err := meter.Int64Counter(MetricActSteps,
		metric.WithDescription("Number of ACT steps"),
	)
	if err != nil {
		return nil, err
	}
	toolCalls, err := meter.Int64Counter(MetricToolCalls,
		metric.WithDescription("Number of tool invocations"),
	)
	if err != nil {
		return nil, err
	}
	toolFailures, err := meter.Int64Counter(MetricToolFailures,
		metric.WithDescription("Number of tool invocations that produced an error result"),
	)
	if err != nil {
		return nil, err
	}
	reconcileOps, err := meter.Int64Counter(MetricReconcileOps,
		metric.WithDescription("Number of reconcile operations by kind"),
	)
	if err != nil {
		return nil, err
	}
	turnDuration, err := meter.Float64Histogram(MetricTurnDuration,
		metric.WithDescription("Duration of a chat turn in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Instruments{
		tracer:       tp.Tracer(ScopeName),
		reasonSteps:  reasonSteps,
		actSteps:     actSteps,
		toolCalls:    toolCalls,
		toolFailures: toolFailures,
		reconcileOps: reconcileOps,
		turnDuration: turnDuration,
	}, nil
}

// Default returns instruments on the global providers, or nil when they
// cannot be created.
func Default() *Instruments {
	i, err := New(nil, nil)
	if err != nil {
		return nil
	}
	return i
}

// Start opens a span. On a nil receiver it returns a non-recording span.
func (i *Instruments) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if i == nil {
		return noop.NewTracerProvider().Tracer(ScopeName).Start(ctx, name)
	}
	return i.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// End finishes span, recording err when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ReasonStep counts one REASON step.
func (i *Instruments) ReasonStep(ctx context.Context) {
	if i == nil {
		return
	}
	i.reasonSteps.Add(ctx, 1)
}

// ActStep counts one ACT step.
func (i *Instruments) ActStep(ctx context.Context) {
	if i == nil {
		return
	}
	i.actSteps.Add(ctx, 1)
}

// ToolCall counts one tool invocation.
func (i *Instruments) ToolCall(ctx context.Context, name string, failed bool) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("tool_name", name))
	i.toolCalls.Add(ctx, 1, attrs)
	if failed {
		i.toolFailures.Add(ctx, 1, attrs)
	}
}

// ReconcileOps counts n reconcile operations of kind op (mount, update,
// unmount, fail).
func (i *Instruments) ReconcileOps(ctx context.Context, op string, n int) {
	if i == nil || n == 0 {
		return
	}
	i.reconcileOps.Add(ctx, int64(n), metric.WithAttributes(attribute.String("op", op)))
}

// TurnDuration records the duration of a turn.
func (i *Instruments) TurnDuration(ctx context.Context, d time.Duration, err error) {
	if i == nil {
		return
	}
	i.turnDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("success", err == nil)))
}
