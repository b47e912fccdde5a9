package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/completion"
	"goa.design/accumulator/runtime/accumulator/engine"
)

// Session returns the handle of the session that owns partition.
func (r *Runtime) Session(partition string) SessionHandle {
	return SessionHandle{ID: r.prefix + partition, Partition: partition}
}

// Start starts the session of partition. Starting a running session is not
// an error: the existing session is returned.
func (r *Runtime) Start(ctx context.Context, partition string) (SessionHandle, error) {
	if partition == "" {
		return SessionHandle{}, fmt.Errorf("%w: missing partition", ErrInvalidItem)
	}
	s := r.Session(partition)
	wh, err := r.engine.StartWorkflow(ctx, r.startRequest(s))
	if errors.Is(err, engine.ErrWorkflowAlreadyStarted) {
		return s, nil
	}
	if err != nil {
		return SessionHandle{}, fmt.Errorf("start session %q: %w", s.ID, err)
	}
	r.track(wh)
	r.logger.Debug(ctx, "session started", "session_id", s.ID, "partition", partition)
	return s, nil
}

// Submit delivers the item to the session of partition, starting it if
// needed, and blocks until the item's batch is flushed. It returns the flush
// result shared by every item of the batch, or the handle error: a
// *completion.FlushError, completion.ErrCanceled, completion.ErrRejected,
// completion.ErrTerminated or completion.ErrDuplicate.
func (r *Runtime) Submit(ctx context.Context, partition, key string, payload json.RawMessage) (json.RawMessage, error) {
	if partition == "" {
		return nil, fmt.Errorf("%w: missing partition", ErrInvalidItem)
	}
	h, err := r.Deliver(ctx, r.Session(partition), api.Item{Key: key, Partition: partition, Payload: payload})
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// Deliver sends item to session s, starting the session if needed, and
// returns the item's completion handle without waiting. Redelivering a key
// returns the handle of the first delivery. Items whose partition differs
// from the session partition are delivered and dropped by the session; no
// handle is created for them and Deliver returns a nil handle.
func (r *Runtime) Deliver(ctx context.Context, s SessionHandle, item api.Item) (*completion.Handle, error) {
	if item.Key == "" {
		return nil, fmt.Errorf("%w: missing key", ErrInvalidItem)
	}
	if s.ID == "" || s.Partition == "" {
		return nil, fmt.Errorf("%w: missing session", ErrInvalidItem)
	}
	if err := r.validatePayload(item.Payload); err != nil {
		return nil, fmt.Errorf("%w: key %q: %w", ErrInvalidPayload, item.Key, err)
	}
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("deliver item %q: %w", item.Key, err)
		}
	}
	var h *completion.Handle
	if item.Partition == s.Partition {
		var created bool
		h, created = r.registry.Register(s.ID, item.Key)
		if !created {
			return h, nil
		}
	}
	// The handle is registered before the watcher is told so a watcher
	// winding down the previous session of this ID sees it pending.
	if r.watcher != nil {
		if err := r.watcher.Watch(ctx, s.ID); err != nil {
			r.abandon(s, h)
			return nil, fmt.Errorf("watch session %q: %w", s.ID, err)
		}
	}
	wh, err := r.engine.SignalWithStart(ctx, r.startRequest(s), api.SignalItem, item)
	if err != nil {
		r.abandon(s, h)
		return nil, fmt.Errorf("deliver item %q to %q: %w", item.Key, s.ID, err)
	}
	r.track(wh)
	return h, nil
}

// Close requests that session s flush what it holds and terminate. Closing a
// session that already ended is a no-op.
func (r *Runtime) Close(ctx context.Context, s SessionHandle) error {
	err := r.signal(ctx, s, api.SignalClose, api.CloseRequest{Reason: "requested"})
	if errors.Is(err, engine.ErrWorkflowCompleted) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("close session %q: %w", s.ID, err)
	}
	return nil
}

// QueryAcceptedCount returns the number of items accepted over the lifetime
// of session s.
func (r *Runtime) QueryAcceptedCount(ctx context.Context, s SessionHandle) (int, error) {
	st, err := r.Status(ctx, s)
	if err != nil {
		return 0, err
	}
	return st.SeenKeys, nil
}

// Status returns the loop status of session s.
func (r *Runtime) Status(ctx context.Context, s SessionHandle) (*api.SessionStatus, error) {
	st, err := r.engine.QuerySession(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("query session %q: %w", s.ID, err)
	}
	return st, nil
}

// RunStatus returns the engine lifecycle status of session s.
func (r *Runtime) RunStatus(ctx context.Context, s SessionHandle) (engine.RunStatus, error) {
	return r.engine.QueryRunStatus(ctx, s.ID)
}

// Wait blocks until session s terminates and returns its output.
func (r *Runtime) Wait(ctx context.Context, s SessionHandle) (*api.SessionOutput, error) {
	wh, err := r.handle(s)
	if err != nil {
		return nil, err
	}
	return wh.Wait(ctx)
}

// Cancel cancels session s. Outstanding handles resolve with
// completion.ErrCanceled.
func (r *Runtime) Cancel(ctx context.Context, s SessionHandle) error {
	wh, err := r.handle(s)
	if err != nil {
		return err
	}
	return wh.Cancel(ctx)
}

// abandon resolves the handle of an item that was never signaled so a retry
// registers a fresh one.
func (r *Runtime) abandon(s SessionHandle, h *completion.Handle) {
	if h != nil {
		r.registry.Resolve(s.ID, h.Key(), completion.Outcome{Status: completion.StatusRejected})
	}
}

func (r *Runtime) startRequest(s SessionHandle) engine.WorkflowStartRequest {
	return engine.WorkflowStartRequest{
		ID:         s.ID,
		Workflow:   api.WorkflowName,
		TaskQueue:  r.queue,
		Input:      &api.SessionInput{Partition: s.Partition},
		RunTimeout: r.runTimeout,
	}
}

func (r *Runtime) signal(ctx context.Context, s SessionHandle, name string, payload any) error {
	if sig, ok := r.engine.(engine.Signaler); ok {
		return sig.SignalByID(ctx, s.ID, "", name, payload)
	}
	wh, err := r.handle(s)
	if err != nil {
		return err
	}
	return wh.Signal(ctx, name, payload)
}

func (r *Runtime) track(wh engine.WorkflowHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[wh.ID()] = wh
}

func (r *Runtime) handle(s SessionHandle) (engine.WorkflowHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wh, ok := r.handles[s.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, s.ID)
	}
	return wh, nil
}

func (r *Runtime) validatePayload(payload json.RawMessage) error {
	if r.schema == nil {
		return nil
	}
	if len(payload) == 0 {
		return errors.New("payload is empty")
	}
	doc, err := unmarshalJSON(payload)
	if err != nil {
		return err
	}
	return r.schema.Validate(doc)
}

// unmarshalJSON decodes raw with the number handling the schema validator
// expects.
func unmarshalJSON(raw []byte) (any, error) {
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
