// Package api defines shared types that cross workflow/activity boundaries in
// the accumulator runtime.
package api

import (
	"encoding/json"
	"time"
)

const (
	// WorkflowName is the logical name of the accumulator session workflow.
	WorkflowName = "accumulator.session"

	// FlushActivityName is the registered name of the batch flush activity.
	FlushActivityName = "accumulator.flush"

	// HookActivityName is the registered name of the activity that publishes
	// loop events (flush outcomes, rejections, termination) to subscribers.
	HookActivityName = "accumulator.hook"

	// SignalItem delivers an Item to a running session.
	SignalItem = "accumulator.item"

	// SignalClose requests that the session flush and terminate.
	SignalClose = "accumulator.close"

	// QueryStatus returns the current SessionStatus of a session.
	QueryStatus = "accumulator.status"
)

type (
	// Item is one unit of inbound work. Items are never mutated after creation.
	Item struct {
		// Key is the idempotency key, unique within a session across all
		// generations.
		Key string
		// Partition must match the session partition for the item to be
		// accepted.
		Partition string
		// Payload is opaque to the accumulator.
		Payload json.RawMessage
	}

	// CloseRequest asks a session to flush what it has and terminate.
	CloseRequest struct {
		// Reason is a free-form diagnostic recorded in logs.
		Reason string
	}

	// SessionInput seeds one generation of a session. The first generation is
	// started with only Partition set; later generations carry the state
	// planned at the previous boundary.
	SessionInput struct {
		// Partition is immutable for the life of the session.
		Partition string
		// Epoch identifies the session instance across continue-as-new. It
		// is the run ID of the first run and distinguishes a session from a
		// later session of the same partition that reuses its workflow ID.
		Epoch string
		// Generation is the zero-based index of the generation being started.
		Generation int
		// SeenKeys lists every accepted key of the session in acceptance order.
		SeenKeys []string
		// Pending holds items that arrived while the previous generation was
		// flushing, in arrival order.
		Pending []Item
		// CloseRequested is sticky once set.
		CloseRequested bool
		// StartedAt records when the session (not the generation) started.
		StartedAt time.Time
		// Flushes counts the flush calls made so far in the session.
		Flushes int
	}

	// SessionOutput is returned when a session terminates.
	SessionOutput struct {
		// Partition is the session partition.
		Partition string
		// Generations is the number of generations the session went through.
		Generations int
		// Accepted is the number of items accepted over the session lifetime.
		Accepted int
		// LastError carries the failure text of the final flush, if any.
		LastError string
	}

	// FlushInput is the payload of the flush activity.
	FlushInput struct {
		// SessionID identifies the session (workflow ID).
		SessionID string
		// Partition is the session partition.
		Partition string
		// Epoch identifies the session instance.
		Epoch string
		// Generation is the generation being flushed.
		Generation int
		// Items are the accepted items of the generation in arrival order. May
		// be empty when the flush was triggered by the idle timer.
		Items []Item
	}

	// FlushOutput is the result of the flush activity. It is recorded once per
	// generation and treated as an immutable fact on replay.
	FlushOutput struct {
		// Result is handed verbatim to every submitter of the batch.
		Result json.RawMessage
	}

	// HookActivityInput carries an encoded hook event from the loop to the
	// hook activity.
	HookActivityInput struct {
		// Type identifies the event kind.
		Type string
		// SessionID identifies the session that emitted the event.
		SessionID string
		// Payload is the JSON encoding of the event.
		Payload json.RawMessage
	}

	// SessionStatus is returned by the QueryStatus query.
	SessionStatus struct {
		// Partition is the session partition.
		Partition string
		// Epoch identifies the session instance.
		Epoch string
		// State is the current loop state (accumulating, draining, ...).
		State string
		// Generation is the current generation index.
		Generation int
		// Pending counts items delivered but not yet validated.
		Pending int
		// Accepted counts items accepted in the current generation.
		Accepted int
		// SeenKeys counts items accepted over the session lifetime.
		SeenKeys int
		// CloseRequested reports whether a close was requested.
		CloseRequested bool
	}
)

// Keys returns the keys of items in order.
func Keys(items []Item) []string {
	if len(items) == 0 {
		return nil
	}
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys
}
