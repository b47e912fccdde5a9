package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// noop implements Logger, Metrics, Tracer and Span by discarding everything.
type noop struct{}

// NewNoopLogger returns a Logger that discards all entries.
func NewNoopLogger() Logger { return noop{} }

// NewNoopMetrics returns a Metrics recorder that discards all samples.
func NewNoopMetrics() Metrics { return noop{} }

// NewNoopTracer returns a Tracer that creates no-op spans.
func NewNoopTracer() Tracer { return noop{} }

func (noop) Debug(context.Context, string, ...any) {}
func (noop) Info(context.Context, string, ...any) {}
func (noop) Warn(context.Context, string, ...any) {}
func (noop) Error(context.Context, string, ...any) {}

func (noop) IncCounter(string, float64, ...string) {}
func (noop) RecordTimer(string, time.Duration, ...string) {}
func (noop) RecordGauge(string, float64, ...string) {}

func (n noop) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, n
}
func (n noop) Span(context.Context) Span { return n }

func (noop) End(...trace.SpanEndOption) {}
func (noop) AddEvent(string, ...any) {}
func (noop) SetStatus(codes.Code, string) {}
func (noop) RecordError(error, ...trace.EventOption) {}
