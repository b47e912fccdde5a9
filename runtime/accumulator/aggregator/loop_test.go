package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/engine"
	"goa.design/accumulator/runtime/accumulator/engine/inmem"
	"goa.design/accumulator/runtime/accumulator/hooks"
	"goa.design/accumulator/runtime/accumulator/telemetry"
)

type harness struct {
	t   *testing.T
	eng engine.Engine
	bus hooks.Bus

	mu      sync.Mutex
	events  []hooks.Event
	batches []Batch
}

func newHarness(t *testing.T, opts Options, flush FlusherFunc) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{t: t, eng: inmem.New(inmem.Options{}), bus: hooks.NewBus()}
	_, err := h.bus.Register(hooks.SubscriberFunc(func(_ context.Context, evt hooks.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, evt)
		return nil
	}))
	require.NoError(t, err)
	if flush == nil {
		flush = func(_ context.Context, b Batch) (json.RawMessage, error) {
			return json.Marshal(map[string]int{"count": len(b.Items)})
		}
	}
	record := FlusherFunc(func(ctx context.Context, b Batch) (json.RawMessage, error) {
		h.mu.Lock()
		h.batches = append(h.batches, b)
		h.mu.Unlock()
		return flush(ctx, b)
	})
	require.NoError(t, h.eng.RegisterWorkflow(ctx, New(opts).Definition("accumulator")))
	require.NoError(t, h.eng.RegisterFlushActivity(ctx, api.FlushActivityName, engine.ActivityOptions{},
		NewFlushActivity(record, ActivityOptions{})))
	require.NoError(t, h.eng.RegisterHookActivity(ctx, api.HookActivityName, engine.ActivityOptions{},
		hooks.NewActivity(h.bus)))
	return h
}

func (h *harness) start(partition string, item api.Item) engine.WorkflowHandle {
	h.t.Helper()
	wh, err := h.eng.SignalWithStart(context.Background(), engine.WorkflowStartRequest{
		ID:       "acc-" + partition,
		Workflow: api.WorkflowName,
		Input:    &api.SessionInput{Partition: partition},
	}, api.SignalItem, item)
	require.NoError(h.t, err)
	return wh
}

func (h *harness) signal(wh engine.WorkflowHandle, name string, payload any) {
	h.t.Helper()
	require.NoError(h.t, wh.Signal(context.Background(), name, payload))
}

func (h *harness) wait(wh engine.WorkflowHandle) (*api.SessionOutput, error) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return wh.Wait(ctx)
}

func (h *harness) snapshot() ([]hooks.Event, []Batch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]hooks.Event(nil), h.events...), append([]Batch(nil), h.batches...)
}

func (h *harness) flushedEvents() []*hooks.GenerationFlushedEvent {
	events, _ := h.snapshot()
	var out []*hooks.GenerationFlushedEvent
	for _, evt := range events {
		if f, ok := evt.(*hooks.GenerationFlushedEvent); ok {
			out = append(out, f)
		}
	}
	return out
}

func item(key, partition string) api.Item {
	return api.Item{Key: key, Partition: partition, Payload: json.RawMessage(`{"k":"` + key + `"}`)}
}

// blockingFlush blocks the first flush call until release is closed.
func blockingFlush(entered chan<- struct{}, release <-chan struct{}) FlusherFunc {
	var once sync.Once
	return func(ctx context.Context, b Batch) (json.RawMessage, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(entered)
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return json.Marshal(api.Keys(b.Items))
	}
}

func TestLoopFlushesOnCloseAndTerminates(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: time.Hour, Planner: Planner{MaxGenerationsPerRun: 10}}, nil)
	wh := h.start("p1", item("a", "p1"))
	h.signal(wh, api.SignalItem, item("b", "p1"))
	h.signal(wh, api.SignalItem, item("c", "p1"))
	h.signal(wh, api.SignalClose, api.CloseRequest{Reason: "done"})

	out, err := h.wait(wh)
	require.NoError(t, err)
	require.Equal(t, &api.SessionOutput{Partition: "p1", Generations: 1, Accepted: 3}, out)

	events, batches := h.snapshot()
	require.Len(t, batches, 1)
	require.Equal(t, []string{"a", "b", "c"}, api.Keys(batches[0].Items))
	require.Len(t, events, 2)
	flushed, ok := events[0].(*hooks.GenerationFlushedEvent)
	require.True(t, ok)
	require.Equal(t, []string{"a", "b", "c"}, flushed.Keys)
	require.JSONEq(t, `{"count":3}`, string(flushed.Result))
	term, ok := events[1].(*hooks.SessionTerminatedEvent)
	require.True(t, ok)
	require.False(t, term.Canceled)
	require.Equal(t, 3, term.Accepted)
}

func TestLoopDropsDuplicatesAndForeignPartitions(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: time.Hour, Planner: Planner{MaxGenerationsPerRun: 10}}, nil)
	wh := h.start("p1", item("a", "p1"))
	h.signal(wh, api.SignalItem, item("a", "p1"))
	h.signal(wh, api.SignalItem, item("x", "p2"))
	h.signal(wh, api.SignalItem, item("b", "p1"))
	h.signal(wh, api.SignalClose, api.CloseRequest{})

	out, err := h.wait(wh)
	require.NoError(t, err)
	require.Equal(t, 2, out.Accepted)

	flushed := h.flushedEvents()
	require.Len(t, flushed, 1)
	require.Equal(t, []string{"a", "b"}, flushed[0].Keys)
	require.Equal(t, 2, flushed[0].Dropped)
}

func TestLoopIdleTimeoutClosesBatch(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: 20 * time.Millisecond, IdleClose: true}, nil)
	wh := h.start("p1", item("a", "p1"))

	out, err := h.wait(wh)
	require.NoError(t, err)
	require.Equal(t, 1, out.Generations)
	require.Equal(t, 1, out.Accepted)

	_, batches := h.snapshot()
	require.Len(t, batches, 1)
	require.Equal(t, []string{"a"}, api.Keys(batches[0].Items))
}

func TestLoopMaxBatchSizeClosesBatch(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: time.Hour, MaxBatchSize: 2, Planner: Planner{MaxGenerationsPerRun: 10}}, nil)
	ctx := context.Background()
	wh, err := h.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       "acc-p1",
		Workflow: api.WorkflowName,
		Input: &api.SessionInput{
			Partition: "p1",
			Pending:   []api.Item{item("a", "p1"), item("b", "p1"), item("c", "p1")},
		},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.flushedEvents()) == 1 }, 5*time.Second, 5*time.Millisecond)

	h.signal(wh, api.SignalClose, api.CloseRequest{})
	out, err := h.wait(wh)
	require.NoError(t, err)
	require.Equal(t, 2, out.Generations)

	_, batches := h.snapshot()
	require.Len(t, batches, 2)
	require.Equal(t, []string{"a", "b", "c"}, api.Keys(batches[0].Items))
	require.Empty(t, batches[1].Items)
}

func TestLoopReplaysLateArrivals(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	h := newHarness(t, Options{IdleTimeout: time.Hour, Planner: Planner{MaxGenerationsPerRun: 10}}, blockingFlush(entered, release))
	wh := h.start("p1", item("a", "p1"))
	h.signal(wh, api.SignalClose, api.CloseRequest{})
	<-entered
	h.signal(wh, api.SignalItem, item("d", "p1"))
	h.signal(wh, api.SignalItem, item("a", "p1"))
	close(release)

	out, err := h.wait(wh)
	require.NoError(t, err)
	require.Equal(t, &api.SessionOutput{Partition: "p1", Generations: 2, Accepted: 2}, out)

	flushed := h.flushedEvents()
	require.Len(t, flushed, 2)
	require.Equal(t, []string{"a"}, flushed[0].Keys)
	require.Equal(t, 0, flushed[0].Generation)
	require.Equal(t, []string{"d"}, flushed[1].Keys)
	require.Equal(t, 1, flushed[1].Generation)
	require.Equal(t, 1, flushed[1].Dropped)
}

func TestLoopRejectsLateArrivals(t *testing.T) {
	entered, release := make(chan struct{}), make(chan struct{})
	h := newHarness(t, Options{IdleTimeout: time.Hour, Boundary: BoundaryReject}, blockingFlush(entered, release))
	wh := h.start("p1", item("a", "p1"))
	h.signal(wh, api.SignalClose, api.CloseRequest{})
	<-entered
	h.signal(wh, api.SignalItem, item("d", "p1"))
	h.signal(wh, api.SignalItem, item("d", "p1"))
	h.signal(wh, api.SignalItem, item("a", "p1"))
	close(release)

	out, err := h.wait(wh)
	require.NoError(t, err)
	require.Equal(t, 1, out.Generations)
	require.Equal(t, 1, out.Accepted)

	events, _ := h.snapshot()
	require.Len(t, events, 3)
	require.IsType(t, &hooks.GenerationFlushedEvent{}, events[0])
	rejected, ok := events[1].(*hooks.ItemsRejectedEvent)
	require.True(t, ok)
	require.Equal(t, []string{"d"}, rejected.Keys)
	require.Equal(t, hooks.ReasonBoundary, rejected.Reason)
	require.IsType(t, &hooks.SessionTerminatedEvent{}, events[2])
}

func TestLoopContinuesAsNewWithSeenKeys(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: 20 * time.Millisecond, Planner: Planner{MaxGenerationsPerRun: 1}}, nil)
	wh := h.start("p1", item("a", "p1"))
	require.Eventually(t, func() bool { return len(h.flushedEvents()) >= 1 }, 5*time.Second, 5*time.Millisecond)

	h.signal(wh, api.SignalItem, item("a", "p1"))
	h.signal(wh, api.SignalItem, item("b", "p1"))
	h.signal(wh, api.SignalClose, api.CloseRequest{})

	out, err := h.wait(wh)
	require.NoError(t, err)
	require.Equal(t, 2, out.Accepted)
	require.GreaterOrEqual(t, out.Generations, 2)

	counts := map[string]int{}
	dropped := 0
	for i, evt := range h.flushedEvents() {
		require.Equal(t, i, evt.Generation)
		for _, k := range evt.Keys {
			counts[k]++
		}
		dropped += evt.Dropped
	}
	require.Equal(t, map[string]int{"a": 1, "b": 1}, counts)
	require.Equal(t, 1, dropped)

	_, batches := h.snapshot()
	require.NotEmpty(t, batches[0].Epoch)
	for _, b := range batches {
		require.Equal(t, batches[0].Epoch, b.Epoch)
	}
}

func TestLoopEpochDiffersAcrossSessionsOfPartition(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: time.Hour}, nil)
	wh := h.start("p1", item("a", "p1"))
	h.signal(wh, api.SignalClose, api.CloseRequest{})
	_, err := h.wait(wh)
	require.NoError(t, err)

	wh = h.start("p1", item("b", "p1"))
	h.signal(wh, api.SignalClose, api.CloseRequest{})
	_, err = h.wait(wh)
	require.NoError(t, err)

	_, batches := h.snapshot()
	require.Len(t, batches, 2)
	require.Equal(t, 0, batches[0].Generation)
	require.Equal(t, 0, batches[1].Generation)
	require.NotEqual(t, batches[0].Epoch, batches[1].Epoch)
}

func TestLoopAnswersDuplicatesOfEarlierGenerations(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: time.Hour, MaxBatchSize: 1, Planner: Planner{MaxGenerationsPerRun: 10}}, nil)
	wh := h.start("p1", item("a", "p1"))
	require.Eventually(t, func() bool { return len(h.flushedEvents()) == 1 }, 5*time.Second, 5*time.Millisecond)

	h.signal(wh, api.SignalItem, item("a", "p1"))
	require.Eventually(t, func() bool {
		events, _ := h.snapshot()
		for _, evt := range events {
			if r, ok := evt.(*hooks.ItemsRejectedEvent); ok && r.Reason == hooks.ReasonDuplicate {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	h.signal(wh, api.SignalClose, api.CloseRequest{})
	out, err := h.wait(wh)
	require.NoError(t, err)
	require.Equal(t, 1, out.Accepted)

	events, _ := h.snapshot()
	var dup *hooks.ItemsRejectedEvent
	for _, evt := range events {
		if r, ok := evt.(*hooks.ItemsRejectedEvent); ok {
			dup = r
		}
	}
	require.NotNil(t, dup)
	require.Equal(t, []string{"a"}, dup.Keys)
	require.Equal(t, 1, dup.Generation)
}

func TestLoopFlushFailureDoesNotEndSession(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: time.Hour, Planner: Planner{MaxGenerationsPerRun: 10}},
		func(context.Context, Batch) (json.RawMessage, error) {
			return nil, errors.New("downstream unavailable")
		})
	wh := h.start("p1", item("a", "p1"))
	h.signal(wh, api.SignalClose, api.CloseRequest{})

	out, err := h.wait(wh)
	require.NoError(t, err)
	require.Equal(t, "downstream unavailable", out.LastError)

	flushed := h.flushedEvents()
	require.Len(t, flushed, 1)
	require.Equal(t, "downstream unavailable", flushed[0].Error)
	require.Empty(t, flushed[0].Result)
}

func TestLoopCancellationReportsUnflushedKeys(t *testing.T) {
	entered := make(chan struct{})
	h := newHarness(t, Options{IdleTimeout: time.Hour}, blockingFlush(entered, make(chan struct{})))
	wh := h.start("p1", item("a", "p1"))
	h.signal(wh, api.SignalClose, api.CloseRequest{})
	<-entered
	h.signal(wh, api.SignalItem, item("b", "p1"))
	require.NoError(t, wh.Cancel(context.Background()))

	_, err := h.wait(wh)
	require.ErrorIs(t, err, engine.ErrCanceled)

	events, _ := h.snapshot()
	require.Len(t, events, 1)
	term, ok := events[0].(*hooks.SessionTerminatedEvent)
	require.True(t, ok)
	require.True(t, term.Canceled)
	require.ElementsMatch(t, []string{"a", "b"}, term.CanceledKeys)

	status, err := h.eng.QueryRunStatus(context.Background(), "acc-p1")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCanceled, status)
}

func TestLoopStatusQuery(t *testing.T) {
	h := newHarness(t, Options{IdleTimeout: time.Hour, Planner: Planner{MaxGenerationsPerRun: 10}}, nil)
	wh := h.start("p1", item("a", "p1"))
	h.signal(wh, api.SignalItem, item("b", "p1"))

	require.Eventually(t, func() bool {
		st, err := h.eng.QuerySession(context.Background(), "acc-p1")
		return err == nil && st.SeenKeys == 2 && st.State == string(PhaseAccumulating)
	}, 5*time.Second, 5*time.Millisecond)

	h.signal(wh, api.SignalClose, api.CloseRequest{})
	_, err := h.wait(wh)
	require.NoError(t, err)
}

func TestLoopRejectsMissingPartition(t *testing.T) {
	_, err := New(Options{}).Run(nil, &api.SessionInput{})
	require.Error(t, err)
	_, err = New(Options{}).Run(nil, nil)
	require.Error(t, err)
}

type sliceReceiver[T any] struct {
	buf []T
}

func (r *sliceReceiver[T]) Receive(context.Context) (T, error) {
	v, ok := r.ReceiveAsync()
	if !ok {
		var zero T
		return zero, errors.New("no buffered message")
	}
	return v, nil
}

func (r *sliceReceiver[T]) ReceiveAsync() (T, bool) {
	var zero T
	if len(r.buf) == 0 {
		return zero, false
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v, true
}

func (r *sliceReceiver[T]) Len() int { return len(r.buf) }

// scriptedWorkflow is a single-threaded WorkflowContext whose timer outcomes
// are chosen by the test.
type scriptedWorkflow struct {
	items   *sliceReceiver[api.Item]
	closes  *sliceReceiver[api.CloseRequest]
	awaits  int
	onAwait func(n int) bool
	flushes []*api.FlushInput
	hooks   []api.HookActivityInput
}

func (w *scriptedWorkflow) Context() context.Context          { return context.Background() }
func (w *scriptedWorkflow) WorkflowID() string                { return "acc-p1" }
func (w *scriptedWorkflow) RunID() string                     { return "run-1" }
func (w *scriptedWorkflow) Now() time.Time                    { return time.Unix(0, 0) }
func (w *scriptedWorkflow) Logger() telemetry.Logger          { return telemetry.NewNoopLogger() }
func (w *scriptedWorkflow) SetQueryHandler(string, any) error { return nil }
func (w *scriptedWorkflow) Items() engine.Receiver[api.Item]  { return w.items }
func (w *scriptedWorkflow) CloseRequests() engine.Receiver[api.CloseRequest] {
	return w.closes
}
func (w *scriptedWorkflow) Await(context.Context, func() bool) error { return nil }
func (w *scriptedWorkflow) HistoryLength() int                       { return 0 }
func (w *scriptedWorkflow) Detached() (engine.WorkflowContext, func()) {
	return w, func() {}
}

func (w *scriptedWorkflow) AwaitWithTimeout(_ context.Context, _ time.Duration, _ func() bool) (bool, error) {
	w.awaits++
	return w.onAwait(w.awaits), nil
}

func (w *scriptedWorkflow) ExecuteFlushActivity(_ context.Context, call engine.FlushActivityCall) (*api.FlushOutput, error) {
	w.flushes = append(w.flushes, call.Input)
	return &api.FlushOutput{Result: json.RawMessage(`{}`)}, nil
}

func (w *scriptedWorkflow) PublishHook(_ context.Context, call engine.HookActivityCall) error {
	w.hooks = append(w.hooks, *call.Input)
	return nil
}

func (w *scriptedWorkflow) ContinueAsNew(*api.SessionInput) error {
	return errors.New("unexpected continue-as-new")
}

func TestLoopItemPresentAtTimeoutJoinsBatch(t *testing.T) {
	wf := &scriptedWorkflow{
		items:  &sliceReceiver[api.Item]{buf: []api.Item{item("a", "p1")}},
		closes: &sliceReceiver[api.CloseRequest]{},
		// Every wait reports the idle timer fired.
		onAwait: func(int) bool { return false },
	}
	out, err := New(Options{IdleTimeout: time.Second, IdleClose: true}).Run(wf, &api.SessionInput{Partition: "p1"})
	require.NoError(t, err)
	require.Equal(t, 1, out.Accepted)

	// The first timeout found "a" buffered: it joined the batch instead of
	// closing an empty one. The second timeout closed the batch.
	require.Equal(t, 2, wf.awaits)
	require.Len(t, wf.flushes, 1)
	require.Equal(t, []string{"a"}, api.Keys(wf.flushes[0].Items))
	require.Equal(t, "run-1", wf.flushes[0].Epoch)
}
