package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/telemetry"
)

type (
	// Flusher hands a closed batch to the downstream processing step. It is
	// called once per generation, possibly with an empty batch when the idle
	// timer closed it. Implementations should be idempotent per (session,
	// epoch, generation) since the engine retries the call on failure.
	Flusher interface {
		Flush(ctx context.Context, batch Batch) (json.RawMessage, error)
	}

	// FlusherFunc adapts a function to the Flusher interface.
	FlusherFunc func(ctx context.Context, batch Batch) (json.RawMessage, error)

	// Batch is the accepted content of one generation.
	Batch struct {
		SessionID string
		Partition string
		// Epoch tells apart sessions that reuse the same session ID after
		// an earlier one terminated.
		Epoch      string
		Generation int
		Items      []api.Item
	}

	// ActivityOptions configures NewFlushActivity.
	ActivityOptions struct {
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
	}
)

// Flush calls f(ctx, batch).
func (f FlusherFunc) Flush(ctx context.Context, batch Batch) (json.RawMessage, error) {
	return f(ctx, batch)
}

// NewFlushActivity returns the flush activity handler that invokes f and
// records flush telemetry.
func NewFlushActivity(f Flusher, opts ActivityOptions) func(context.Context, *api.FlushInput) (*api.FlushOutput, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return func(ctx context.Context, in *api.FlushInput) (*api.FlushOutput, error) {
		if in == nil {
			return nil, errors.New("flush input is required")
		}
		ctx, span := tracer.Start(ctx, "accumulator.flush", trace.WithAttributes(
			attribute.String("accumulator.session_id", in.SessionID),
			attribute.String("accumulator.epoch", in.Epoch),
			attribute.Int("accumulator.generation", in.Generation),
			attribute.Int("accumulator.items", len(in.Items)),
		))
		defer span.End()

		tags := []string{"partition", in.Partition}
		metrics.RecordGauge(telemetry.MetricBatchSize, float64(len(in.Items)), tags...)
		start := time.Now()
		res, err := f.Flush(ctx, Batch{
			SessionID:  in.SessionID,
			Partition:  in.Partition,
			Epoch:      in.Epoch,
			Generation: in.Generation,
			Items:      in.Items,
		})
		metrics.RecordTimer(telemetry.MetricFlushDuration, time.Since(start), tags...)
		if err != nil {
			metrics.IncCounter(telemetry.MetricFlushFailures, 1, tags...)
			span.RecordError(err)
			logger.Warn(ctx, "flush failed", "session_id", in.SessionID, "generation", in.Generation, "err", err)
			return nil, fmt.Errorf("flush generation %d: %w", in.Generation, err)
		}
		logger.Debug(ctx, "flushed batch", "session_id", in.SessionID, "generation", in.Generation, "items", len(in.Items))
		return &api.FlushOutput{Result: res}, nil
	}
}

// failureText returns the innermost error message so callers see the
// downstream failure rather than engine wrapping.
func failureText(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
