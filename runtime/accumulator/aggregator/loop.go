// Package aggregator implements the session workflow: a single-threaded loop
// that accumulates items for a partition, closes the batch on a close request
// or after an idle period, flushes it through an activity and then either
// terminates or starts the next generation.
//
// The loop runs as workflow code. It must only use the WorkflowContext for
// time, waiting and I/O so that it replays deterministically.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/batch"
	"goa.design/accumulator/runtime/accumulator/engine"
	"goa.design/accumulator/runtime/accumulator/hooks"
)

// DefaultIdleTimeout is the idle period after which an open batch is closed.
const DefaultIdleTimeout = 30 * time.Second

// BoundaryPolicy selects what happens to items that arrive while a
// generation is flushing.
type BoundaryPolicy string

const (
	// BoundaryReplay re-queues late items at the head of the next
	// generation.
	BoundaryReplay BoundaryPolicy = "replay"
	// BoundaryReject resolves the handles of late items as rejected; the
	// submitters resubmit them.
	BoundaryReject BoundaryPolicy = "reject"
)

// Phase is a state of the loop state machine.
type Phase string

const (
	PhaseAccumulating Phase = "accumulating"
	PhaseDraining     Phase = "draining"
	PhaseFlushing     Phase = "flushing"
	PhaseDeciding     Phase = "deciding"
	PhaseTerminated   Phase = "terminated"
)

type (
	// Options configures the loop.
	Options struct {
		// IdleTimeout closes the batch when no item or close request arrives
		// for this long. Defaults to DefaultIdleTimeout.
		IdleTimeout time.Duration
		// Boundary selects the late-arrival policy. Defaults to
		// BoundaryReplay.
		Boundary BoundaryPolicy
		// IdleClose treats an idle-timeout flush as a close request so idle
		// sessions end instead of flushing empty batches indefinitely.
		IdleClose bool
		// MaxBatchSize closes the batch once this many items were accepted in
		// the generation. Zero disables the size trigger.
		MaxBatchSize int
		// Planner decides between termination and continuation.
		Planner Planner
		// FlushActivity is the registered flush activity name. Defaults to
		// api.FlushActivityName.
		FlushActivity string
		// HookActivity is the registered hook activity name. Defaults to
		// api.HookActivityName.
		HookActivity string
		// FlushOptions override the registered flush activity options.
		FlushOptions engine.ActivityOptions
		// HookOptions override the registered hook activity options.
		HookOptions engine.ActivityOptions
	}

	// Loop is the session workflow handler.
	Loop struct {
		opts Options
	}

	// session is the state of one run of the loop.
	session struct {
		opts Options
		wf   engine.WorkflowContext
		ctx  context.Context

		id        string
		partition string
		epoch     string
		startedAt time.Time

		generation int
		genInRun   int
		flushes    int
		phase      Phase

		state          *batch.State
		queue          *batch.Queue
		items          engine.Receiver[api.Item]
		closes         engine.Receiver[api.CloseRequest]
		closeRequested bool

		// dropped counts items dropped by validation in this generation.
		dropped int
		// duplicates lists keys redelivered after an earlier generation
		// accepted them. Nothing else resolves their handles.
		duplicates []string
		// idleFlush is set when the current batch was closed by the idle
		// timer.
		idleFlush bool
		// flushed is set once the GenerationFlushed event of the current
		// generation was published.
		flushed bool
		// unpublished holds a flush outcome whose event was not delivered
		// because the session was canceled during publication.
		unpublished *hooks.GenerationFlushedEvent
		lastErr     string
	}
)

// New returns a loop configured with opts.
func New(opts Options) *Loop {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Boundary == "" {
		opts.Boundary = BoundaryReplay
	}
	if opts.FlushActivity == "" {
		opts.FlushActivity = api.FlushActivityName
	}
	if opts.HookActivity == "" {
		opts.HookActivity = api.HookActivityName
	}
	return &Loop{opts: opts}
}

// Definition returns the workflow definition that runs the loop on queue.
func (l *Loop) Definition(queue string) engine.WorkflowDefinition {
	return engine.WorkflowDefinition{
		Name:      api.WorkflowName,
		TaskQueue: queue,
		Handler:   l.Run,
	}
}

// Run executes one engine run of the session, made of one or more
// generations.
func (l *Loop) Run(wf engine.WorkflowContext, in *api.SessionInput) (*api.SessionOutput, error) {
	if in == nil {
		return nil, errors.New("session input is required")
	}
	if in.Partition == "" {
		return nil, errors.New("session partition is required")
	}
	s := &session{
		opts:           l.opts,
		wf:             wf,
		ctx:            wf.Context(),
		id:             wf.WorkflowID(),
		partition:      in.Partition,
		epoch:          in.Epoch,
		startedAt:      in.StartedAt,
		generation:     in.Generation,
		genInRun:       1,
		flushes:        in.Flushes,
		phase:          PhaseAccumulating,
		state:          batch.NewState(in.Partition, in.SeenKeys),
		queue:          batch.NewQueue(in.Pending...),
		items:          wf.Items(),
		closes:         wf.CloseRequests(),
		closeRequested: in.CloseRequested,
	}
	if s.epoch == "" {
		s.epoch = wf.RunID()
	}
	if s.startedAt.IsZero() {
		s.startedAt = wf.Now()
	}
	if err := wf.SetQueryHandler(api.QueryStatus, s.status); err != nil {
		return nil, fmt.Errorf("register status query: %w", err)
	}
	return s.run()
}

func (s *session) run() (*api.SessionOutput, error) {
	for {
		if err := s.accumulate(); err != nil {
			return s.abort(err)
		}
		if err := s.flush(); err != nil {
			return s.abort(err)
		}
		late, err := s.boundary()
		if err != nil {
			return s.abort(err)
		}
		decision := s.opts.Planner.Decide(Boundary{
			CloseRequested:   s.closeRequested,
			Pending:          s.queue.Len(),
			LateArrivals:     len(late),
			GenerationsInRun: s.genInRun,
			HistoryLength:    s.wf.HistoryLength(),
		})
		s.wf.Logger().Debug(s.ctx, "generation decided",
			"session_id", s.id, "generation", s.generation, "decision", decision.String(), "late", len(late))
		switch decision {
		case Terminate:
			return s.terminate()
		case ContinueAsNew:
			seed := s.opts.Planner.Plan(s.state.SeenKeys(), late, s.closeRequested)
			seed.Partition = s.partition
			seed.Epoch = s.epoch
			seed.Generation = s.generation + 1
			seed.StartedAt = s.startedAt
			seed.Flushes = s.flushes
			return nil, s.wf.ContinueAsNew(seed)
		default:
			s.generation++
			s.genInRun++
			s.state.NewGeneration()
			s.queue.PushFront(late...)
			s.flushed = false
		}
	}
}

// accumulate runs ACCUMULATING and DRAINING until the batch closes.
func (s *session) accumulate() error {
	s.idleFlush = false
	for {
		s.phase = PhaseAccumulating
		ok, err := s.wf.AwaitWithTimeout(s.ctx, s.opts.IdleTimeout, s.ready)
		if err != nil {
			return err
		}
		// An item present when the timer fires wins over the timeout.
		timedOut := !ok && !s.ready()

		s.phase = PhaseDraining
		drained := s.drain()
		if err := s.answerDuplicates(); err != nil {
			return err
		}
		switch {
		case s.closeRequested:
			return nil
		case s.opts.MaxBatchSize > 0 && len(s.state.Accepted()) >= s.opts.MaxBatchSize:
			return nil
		case timedOut && drained == 0:
			s.idleFlush = true
			return nil
		}
	}
}

func (s *session) ready() bool {
	return s.closeRequested || s.queue.Len() > 0 || s.items.Len() > 0 || s.closes.Len() > 0
}

// drain validates every delivered item until nothing is left to drain.
func (s *session) drain() int {
	n := 0
	for {
		s.receive()
		items := s.queue.DrainAll()
		if len(items) == 0 {
			return n
		}
		n += len(items)
		for _, it := range items {
			if v := s.state.Admit(it); v != batch.Accepted {
				if v == batch.DroppedDuplicate && !s.inGeneration(it.Key) {
					s.duplicates = append(s.duplicates, it.Key)
				}
				s.dropped++
				s.wf.Logger().Debug(s.ctx, "item dropped",
					"session_id", s.id, "key", it.Key, "partition", it.Partition, "verdict", v.String())
			}
		}
	}
}

// inGeneration reports whether key was accepted by the current generation,
// whose flush event resolves it.
func (s *session) inGeneration(key string) bool {
	for _, it := range s.state.Accepted() {
		if it.Key == key {
			return true
		}
	}
	return false
}

// answerDuplicates resolves the handles of keys accepted by an earlier
// generation so their submitters do not wait for a flush that never comes.
func (s *session) answerDuplicates() error {
	if len(s.duplicates) == 0 {
		return nil
	}
	keys := s.duplicates
	s.duplicates = nil
	return s.publish(s.wf, &hooks.ItemsRejectedEvent{
		Session:    s.id,
		Generation: s.generation,
		Keys:       keys,
		Reason:     hooks.ReasonDuplicate,
	})
}

// receive moves buffered signals into the queue and records close requests.
func (s *session) receive() {
	for {
		it, ok := s.items.ReceiveAsync()
		if !ok {
			break
		}
		s.queue.Enqueue(it)
	}
	for {
		req, ok := s.closes.ReceiveAsync()
		if !ok {
			break
		}
		if !s.closeRequested {
			s.wf.Logger().Debug(s.ctx, "close requested", "session_id", s.id, "reason", req.Reason)
		}
		s.closeRequested = true
	}
}

// flush runs FLUSHING: one flush call for the generation, then publication
// of its outcome to the handles of the accepted items.
func (s *session) flush() error {
	s.phase = PhaseFlushing
	accepted := s.state.Accepted()
	s.flushes++
	out, err := s.wf.ExecuteFlushActivity(s.ctx, engine.FlushActivityCall{
		Name: s.opts.FlushActivity,
		Input: &api.FlushInput{
			SessionID:  s.id,
			Partition:  s.partition,
			Epoch:      s.epoch,
			Generation: s.generation,
			Items:      accepted,
		},
		Options: s.opts.FlushOptions,
	})
	if errors.Is(err, engine.ErrCanceled) {
		return err
	}
	evt := &hooks.GenerationFlushedEvent{
		Session:    s.id,
		Partition:  s.partition,
		Generation: s.generation,
		Keys:       api.Keys(accepted),
		Dropped:    s.dropped,
	}
	if err != nil {
		evt.Error = failureText(err)
		s.lastErr = evt.Error
		s.wf.Logger().Warn(s.ctx, "generation flush failed", "session_id", s.id, "generation", s.generation, "err", err)
	} else {
		s.lastErr = ""
		if out != nil {
			evt.Result = out.Result
		}
	}
	s.unpublished = evt
	if err := s.publish(s.wf, evt); err != nil {
		return err
	}
	s.unpublished = nil
	s.flushed = true
	s.dropped = 0
	if s.idleFlush && s.opts.IdleClose {
		s.closeRequested = true
	}
	return nil
}

// boundary runs the first half of DECIDING: it collects the items that
// arrived while flushing and applies the boundary policy. It returns the
// items to carry into the next generation.
func (s *session) boundary() ([]api.Item, error) {
	s.phase = PhaseDeciding
	late := s.collect()
	if s.opts.Boundary != BoundaryReject {
		return late, nil
	}
	for len(late) > 0 {
		if err := s.reject(late, hooks.ReasonBoundary); err != nil {
			return nil, err
		}
		late = s.collect()
	}
	return nil, nil
}

func (s *session) collect() []api.Item {
	s.receive()
	return s.queue.DrainAll()
}

// reject resolves the handles of the items that would have been accepted.
// Duplicates and foreign partitions stay silent.
func (s *session) reject(items []api.Item, reason string) error {
	seen := make(map[string]struct{}, len(items))
	keys := make([]string, 0, len(items))
	for _, it := range items {
		if s.state.Check(it) != batch.Accepted {
			continue
		}
		if _, dup := seen[it.Key]; dup {
			continue
		}
		seen[it.Key] = struct{}{}
		keys = append(keys, it.Key)
	}
	if len(keys) == 0 {
		return nil
	}
	s.wf.Logger().Debug(s.ctx, "items rejected", "session_id", s.id, "count", len(keys), "reason", reason)
	return s.publish(s.wf, &hooks.ItemsRejectedEvent{
		Session:    s.id,
		Generation: s.generation,
		Keys:       keys,
		Reason:     reason,
	})
}

// terminate ends the session. Items delivered while the termination event
// is published resolve as terminated.
func (s *session) terminate() (*api.SessionOutput, error) {
	s.phase = PhaseTerminated
	if err := s.publish(s.wf, &hooks.SessionTerminatedEvent{
		Session:     s.id,
		Partition:   s.partition,
		Generations: s.generation + 1,
		Accepted:    s.state.SeenCount(),
	}); err != nil {
		return s.abort(err)
	}
	for {
		late := s.collect()
		if len(late) == 0 {
			break
		}
		if err := s.reject(late, hooks.ReasonTerminated); err != nil {
			return s.abort(err)
		}
	}
	return &api.SessionOutput{
		Partition:   s.partition,
		Generations: s.generation + 1,
		Accepted:    s.state.SeenCount(),
		LastError:   s.lastErr,
	}, nil
}

// abort handles an error returned by a suspension point. On cancellation it
// resolves every outstanding handle as canceled from a detached context, then
// returns the cancellation error.
func (s *session) abort(err error) (*api.SessionOutput, error) {
	if !errors.Is(err, engine.ErrCanceled) {
		return nil, err
	}
	s.phase = PhaseTerminated
	dwf, cancel := s.wf.Detached()
	defer cancel()

	if s.unpublished != nil {
		if perr := s.publish(dwf, s.unpublished); perr == nil {
			s.flushed = true
		}
		s.unpublished = nil
	}
	var keys []string
	if !s.flushed {
		keys = append(keys, api.Keys(s.state.Accepted())...)
	}
	s.receive()
	for _, it := range s.queue.DrainAll() {
		if s.state.Admit(it) == batch.Accepted {
			keys = append(keys, it.Key)
		}
	}
	dwf.Logger().Info(dwf.Context(), "session canceled", "session_id", s.id, "generation", s.generation, "canceled", len(keys))
	if perr := s.publish(dwf, &hooks.SessionTerminatedEvent{
		Session:      s.id,
		Partition:    s.partition,
		Generations:  s.generation + 1,
		Accepted:     s.state.SeenCount(),
		Canceled:     true,
		CanceledKeys: keys,
	}); perr != nil {
		dwf.Logger().Error(dwf.Context(), "publish cancellation failed", "session_id", s.id, "err", perr)
	}
	return nil, err
}

// publish runs the hook activity. Delivery failures other than cancellation
// are logged: the engine retry policy of the hook activity owns delivery.
func (s *session) publish(wf engine.WorkflowContext, evt hooks.Event) error {
	in, err := hooks.Encode(evt)
	if err != nil {
		return err
	}
	err = wf.PublishHook(wf.Context(), engine.HookActivityCall{
		Name:    s.opts.HookActivity,
		Input:   in,
		Options: s.opts.HookOptions,
	})
	if err == nil || errors.Is(err, engine.ErrCanceled) {
		return err
	}
	wf.Logger().Error(wf.Context(), "publish hook failed", "session_id", s.id, "event", string(evt.Type()), "err", err)
	return nil
}

func (s *session) status() (*api.SessionStatus, error) {
	return &api.SessionStatus{
		Partition:      s.partition,
		Epoch:          s.epoch,
		State:          string(s.phase),
		Generation:     s.generation,
		Pending:        s.queue.Len() + s.items.Len(),
		Accepted:       len(s.state.Accepted()),
		SeenKeys:       s.state.SeenCount(),
		CloseRequested: s.closeRequested,
	}, nil
}
