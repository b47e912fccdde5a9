package runtime

import (
	"context"

	"goa.design/accumulator/runtime/accumulator/completion"
	"goa.design/accumulator/runtime/accumulator/hooks"
	"goa.design/accumulator/runtime/accumulator/telemetry"
)

// registrySubscriber resolves completion handles from loop events and records
// the item counters. Events may be redelivered; the registry ignores repeated
// outcomes.
type registrySubscriber struct {
	registry *completion.Registry
	logger   telemetry.Logger
	metrics  telemetry.Metrics
}

func (s *registrySubscriber) HandleEvent(ctx context.Context, evt hooks.Event) error {
	switch e := evt.(type) {
	case *hooks.GenerationFlushedEvent:
		o := completion.Outcome{Status: completion.StatusFlushed, Generation: e.Generation, Result: e.Result}
		if e.Error != "" {
			o = completion.Outcome{Status: completion.StatusFailed, Generation: e.Generation, Error: e.Error}
		}
		n := s.registry.ResolveAll(e.Session, e.Keys, o)
		tags := []string{"partition", e.Partition}
		s.metrics.IncCounter(telemetry.MetricItemsAccepted, float64(len(e.Keys)), tags...)
		if e.Dropped > 0 {
			s.metrics.IncCounter(telemetry.MetricItemsDropped, float64(e.Dropped), tags...)
		}
		s.logger.Debug(ctx, "generation resolved",
			"session_id", e.Session, "generation", e.Generation, "items", len(e.Keys), "resolved", n, "failed", e.Error != "")
	case *hooks.ItemsRejectedEvent:
		status := completion.StatusRejected
		switch e.Reason {
		case hooks.ReasonTerminated:
			status = completion.StatusTerminated
		case hooks.ReasonDuplicate:
			status = completion.StatusDuplicate
		}
		s.registry.ResolveAll(e.Session, e.Keys, completion.Outcome{Status: status, Generation: e.Generation})
		s.metrics.IncCounter(telemetry.MetricItemsRejected, float64(len(e.Keys)), "reason", e.Reason)
	case *hooks.SessionTerminatedEvent:
		canceled := 0
		if e.Canceled {
			canceled = s.registry.ResolveAll(e.Session, e.CanceledKeys, completion.Outcome{
				Status:     completion.StatusCanceled,
				Generation: e.Generations - 1,
			})
		}
		released := s.registry.Release(e.Session)
		s.logger.Info(ctx, "session terminated",
			"session_id", e.Session, "generations", e.Generations, "accepted", e.Accepted,
			"canceled", canceled, "released", released)
	}
	return nil
}
