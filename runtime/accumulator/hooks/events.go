// Package hooks carries events from the deterministic aggregator loop to the
// processes that hold completion handles. The loop encodes events into the
// hook activity input; the hook activity decodes them and publishes them on a
// Bus.
package hooks

import "encoding/json"

// EventType identifies an event variant.
type EventType string

const (
	// GenerationFlushed is emitted once per generation after the flush call.
	GenerationFlushed EventType = "generation_flushed"
	// ItemsRejected is emitted when items are refused at a generation
	// boundary or after the session decided to terminate.
	ItemsRejected EventType = "items_rejected"
	// SessionTerminated is emitted when the session ends.
	SessionTerminated EventType = "session_terminated"
)

// Rejection reasons carried by ItemsRejectedEvent.
const (
	// ReasonBoundary marks items that arrived while a generation was flushing.
	ReasonBoundary = "boundary"
	// ReasonTerminated marks items that arrived after the session decided to
	// terminate.
	ReasonTerminated = "terminated"
	// ReasonDuplicate marks keys already accepted by an earlier generation.
	ReasonDuplicate = "duplicate"
)

type (
	// Event is implemented by every event published on the Bus.
	Event interface {
		// Type returns the event variant.
		Type() EventType
		// SessionID returns the workflow ID of the emitting session.
		SessionID() string
	}

	// GenerationFlushedEvent reports the outcome of a generation's flush.
	GenerationFlushedEvent struct {
		Session    string          `json:"session_id"`
		Partition  string          `json:"partition"`
		Generation int             `json:"generation"`
		Keys       []string        `json:"keys"`
		Result     json.RawMessage `json:"result,omitempty"`
		// Error is the flush failure text. Empty on success.
		Error string `json:"error,omitempty"`
		// Dropped counts the items of the generation dropped by validation.
		Dropped int `json:"dropped,omitempty"`
	}

	// ItemsRejectedEvent lists items whose handles resolve as rejected,
	// terminated or duplicate without being flushed by the current generation.
	ItemsRejectedEvent struct {
		Session    string   `json:"session_id"`
		Generation int      `json:"generation"`
		Keys       []string `json:"keys"`
		Reason     string   `json:"reason"`
	}

	// SessionTerminatedEvent reports the end of a session. When Canceled is
	// set, CanceledKeys lists the items that were accepted or pending but not
	// flushed.
	SessionTerminatedEvent struct {
		Session      string   `json:"session_id"`
		Partition    string   `json:"partition"`
		Generations  int      `json:"generations"`
		Accepted     int      `json:"accepted"`
		Canceled     bool     `json:"canceled,omitempty"`
		CanceledKeys []string `json:"canceled_keys,omitempty"`
	}
)

func (e *GenerationFlushedEvent) Type() EventType   { return GenerationFlushed }
func (e *GenerationFlushedEvent) SessionID() string { return e.Session }

func (e *ItemsRejectedEvent) Type() EventType   { return ItemsRejected }
func (e *ItemsRejectedEvent) SessionID() string { return e.Session }

func (e *SessionTerminatedEvent) Type() EventType   { return SessionTerminated }
func (e *SessionTerminatedEvent) SessionID() string { return e.Session }
