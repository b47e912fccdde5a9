package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/accumulator/runtime/accumulator/api"
)

// Encode wraps evt into the hook activity input envelope.
func Encode(evt Event) (*api.HookActivityInput, error) {
	if evt == nil {
		return nil, errors.New("event is required")
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("marshal hook event %q: %w", evt.Type(), err)
	}
	return &api.HookActivityInput{
		Type:      string(evt.Type()),
		SessionID: evt.SessionID(),
		Payload:   b,
	}, nil
}

// Decode reconstructs the event carried by input.
func Decode(input *api.HookActivityInput) (Event, error) {
	if input == nil {
		return nil, errors.New("hook input is required")
	}
	var evt Event
	switch EventType(input.Type) {
	case GenerationFlushed:
		evt = &GenerationFlushedEvent{}
	case ItemsRejected:
		evt = &ItemsRejectedEvent{}
	case SessionTerminated:
		evt = &SessionTerminatedEvent{}
	default:
		return nil, fmt.Errorf("unknown hook event type %q", input.Type)
	}
	if err := json.Unmarshal(input.Payload, evt); err != nil {
		return nil, fmt.Errorf("unmarshal hook event %q: %w", input.Type, err)
	}
	if evt.SessionID() != input.SessionID {
		return nil, fmt.Errorf("hook event %q: session %q does not match envelope %q", input.Type, evt.SessionID(), input.SessionID)
	}
	return evt, nil
}

// NewActivity returns the hook activity handler: it decodes the input and
// publishes the event on bus.
func NewActivity(bus Bus) func(context.Context, *api.HookActivityInput) error {
	return func(ctx context.Context, input *api.HookActivityInput) error {
		evt, err := Decode(input)
		if err != nil {
			return err
		}
		return bus.Publish(ctx, evt)
	}
}
