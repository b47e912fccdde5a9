package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/accumulator/features/completion/pulse/clients/pulse"
	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/hooks"
	"goa.design/accumulator/runtime/accumulator/telemetry"
)

// DefaultSinkName is the consumer group used when ListenerOptions.SinkName is
// empty. Processes that must each see every event need distinct names.
const DefaultSinkName = "accumulator_completion"

type (
	// ListenerOptions configures a Listener.
	ListenerOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client pulse.Client
		// Bus receives the decoded events. Required.
		Bus hooks.Bus
		// SinkName is the consumer group name. Defaults to DefaultSinkName.
		SinkName string
		// StreamID derives the stream of a session. Defaults to StreamID.
		StreamID func(sessionID string) string
		// Logger reports decode and publish failures.
		Logger telemetry.Logger
		// Pending returns the number of unresolved handles of a session,
		// typically completion.Registry.Pending. When it reports handles
		// after a session terminated event, they belong to the next session
		// reusing the ID and the consumer keeps reading. Nil stops at the
		// first terminated event.
		Pending func(sessionID string) int
	}

	// Listener reads session streams and republishes their events on a local
	// bus. It implements the runtime session watcher: Watch starts listening
	// to a session once and the listener stops by itself after the session
	// terminated event once no handle of the session is pending.
	Listener struct {
		client   pulse.Client
		bus      hooks.Bus
		name     string
		streamID func(string) string
		logger   telemetry.Logger
		pending  func(string) int

		mu     sync.Mutex
		active map[string]*consumer
		closed bool
		wg     sync.WaitGroup
	}

	// consumer is the state of one stream consumer goroutine.
	consumer struct {
		cancel context.CancelFunc
		// done is closed once the sink is closed and the consumer forgotten.
		done chan struct{}
		// stopping is set under the listener lock when the consumer decided
		// to exit; Watch then waits for done and starts a new consumer.
		stopping bool
	}
)

// NewListener returns a Listener.
func NewListener(opts ListenerOptions) (*Listener, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("hooks bus is required")
	}
	l := &Listener{
		client:   opts.Client,
		bus:      opts.Bus,
		name:     opts.SinkName,
		streamID: opts.StreamID,
		logger:   opts.Logger,
		pending:  opts.Pending,
		active:   make(map[string]*consumer),
	}
	if l.name == "" {
		l.name = DefaultSinkName
	}
	if l.streamID == nil {
		l.streamID = StreamID
	}
	if l.logger == nil {
		l.logger = telemetry.NewNoopLogger()
	}
	return l, nil
}

// Watch starts consuming the stream of sessionID unless it is already being
// consumed. The consumer reads from the oldest entry not yet acked by the
// consumer group so events appended before Watch returns are not missed. A
// consumer that is exiting is waited for and replaced.
func (l *Listener) Watch(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return errors.New("listener is closed")
		}
		c, ok := l.active[sessionID]
		if !ok {
			break
		}
		if !c.stopping {
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer l.mu.Unlock()
	str, err := l.client.Stream(l.streamID(sessionID))
	if err != nil {
		return err
	}
	sink, err := str.NewSink(ctx, l.name, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return fmt.Errorf("open pulse sink for %q: %w", sessionID, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c := &consumer{cancel: cancel, done: make(chan struct{})}
	l.active[sessionID] = c
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer close(c.done)
		defer l.forget(sessionID, c)
		defer sink.Close(context.Background())
		l.consume(runCtx, sessionID, c, sink)
		l.markStopping(c)
	}()
	return nil
}

// Stop stops consuming the stream of sessionID.
func (l *Listener) Stop(sessionID string) {
	l.mu.Lock()
	c, ok := l.active[sessionID]
	l.mu.Unlock()
	if ok {
		c.cancel()
	}
}

// Close stops every consumer and waits for them to exit.
func (l *Listener) Close() {
	l.mu.Lock()
	l.closed = true
	for _, c := range l.active {
		c.cancel()
	}
	l.mu.Unlock()
	l.wg.Wait()
}

// Watching reports whether the stream of sessionID is being consumed.
func (l *Listener) Watching(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[sessionID]
	return ok
}

func (l *Listener) forget(sessionID string, c *consumer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c.cancel()
	if l.active[sessionID] == c {
		delete(l.active, sessionID)
	}
}

func (l *Listener) markStopping(c *consumer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c.stopping = true
}

// terminated reports whether the consumer of sessionID should exit after the
// session terminated event. It keeps going while handles are pending: they
// were registered for the next session under the same ID.
func (l *Listener) terminated(sessionID string, c *consumer) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending != nil && l.pending(sessionID) > 0 {
		return false
	}
	c.stopping = true
	return true
}

// consume publishes events until the session terminates, the sink closes or
// ctx is canceled. Malformed entries are acked and skipped; entries the bus
// failed to handle stay pending for redelivery.
func (l *Listener) consume(ctx context.Context, sessionID string, c *consumer, sink pulse.Sink) {
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			evt, err := decodeEnvelope(entry.Payload)
			if err != nil {
				l.logger.Warn(ctx, "skipping malformed completion event", "session_id", sessionID, "entry_id", entry.ID, "err", err)
				l.ack(ctx, sink, entry)
				continue
			}
			if err := l.bus.Publish(ctx, evt); err != nil {
				l.logger.Error(ctx, "completion event not handled", "session_id", sessionID, "event", string(evt.Type()), "err", err)
				continue
			}
			l.ack(ctx, sink, entry)
			if evt.Type() != hooks.SessionTerminated {
				continue
			}
			if l.terminated(sessionID, c) {
				return
			}
			l.logger.Debug(ctx, "session stream reused", "session_id", sessionID)
		}
	}
}

func (l *Listener) ack(ctx context.Context, sink pulse.Sink, entry *streaming.Event) {
	if err := sink.Ack(ctx, entry); err != nil {
		l.logger.Warn(ctx, "pulse ack failed", "entry_id", entry.ID, "err", err)
	}
}

func decodeEnvelope(payload []byte) (hooks.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return hooks.Decode(&api.HookActivityInput{
		Type:      env.Type,
		SessionID: env.SessionID,
		Payload:   env.Payload,
	})
}
