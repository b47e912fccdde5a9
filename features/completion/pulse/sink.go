// Package pulse delivers completion events across processes. Workers register
// a Sink on their hooks bus so every loop event is appended to a per-session
// Pulse stream; processes that submitted items run a Listener that reads the
// stream and republishes the events on their own bus, where the completion
// registry resolves the waiting handles.
//
// A Sink and a Listener must not share a bus: the Listener would read back
// what the Sink wrote.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/accumulator/features/completion/pulse/clients/pulse"
	"goa.design/accumulator/runtime/accumulator/hooks"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// StreamID derives the stream of a session. Defaults to StreamID.
		StreamID func(sessionID string) string
		// Now overrides the envelope timestamp clock.
		Now func() time.Time
	}

	// Sink is a hooks.Subscriber that appends every event to the session
	// stream. Safe for concurrent use.
	Sink struct {
		client   pulse.Client
		streamID func(string) string
		now      func() time.Time
	}

	// envelope is the stream entry payload.
	envelope struct {
		Type      string          `json:"type"`
		SessionID string          `json:"session_id"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}
)

var _ hooks.Subscriber = (*Sink)(nil)

// StreamID returns the default stream name of a session.
func StreamID(sessionID string) string {
	return "accumulator/" + sessionID
}

// NewSink returns a Pulse-backed hooks subscriber.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Sink{client: opts.Client, streamID: StreamID, now: time.Now}
	if opts.StreamID != nil {
		s.streamID = opts.StreamID
	}
	if opts.Now != nil {
		s.now = opts.Now
	}
	return s, nil
}

// HandleEvent encodes the event and appends it to the session stream. A
// retried hook activity appends the event again; listeners resolve handles
// idempotently.
func (s *Sink) HandleEvent(ctx context.Context, event hooks.Event) error {
	if event.SessionID() == "" {
		return errors.New("hook event missing session id")
	}
	in, err := hooks.Encode(event)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(envelope{
		Type:      in.Type,
		SessionID: in.SessionID,
		Timestamp: s.now().UTC(),
		Payload:   in.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	str, err := s.client.Stream(s.streamID(in.SessionID))
	if err != nil {
		return err
	}
	if _, err := str.Add(ctx, in.Type, payload); err != nil {
		return err
	}
	return nil
}

// Name implements health.Pinger.
func (s *Sink) Name() string {
	return "completion-pulse"
}

// Ping implements health.Pinger.
func (s *Sink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
