// Package inmem provides an in-memory implementation of the workflow engine
// for testing and development.
//
// Each execution runs its handler on one goroutine that holds the execution
// lock while workflow code runs. Blocking primitives (Await, Receive, activity
// calls) release the lock while they wait, so signal delivery, queries and
// workflow code never interleave. Continue-as-new restarts the handler while
// still holding the lock; signals delivered during the switch land in the next
// run.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/engine"
	"goa.design/accumulator/runtime/accumulator/telemetry"
)

// baseHistoryEvents approximates the events a run records before its handler
// executes (started, task scheduled, task started).
const baseHistoryEvents = 3

type (
	// Options configures the in-memory engine.
	Options struct {
		// Logger receives engine diagnostics. Defaults to a noop logger.
		Logger telemetry.Logger
	}

	eng struct {
		mu     sync.RWMutex
		logger telemetry.Logger

		workflows       map[string]engine.WorkflowDefinition
		flushActivities map[string]flushActivityDef
		hookActivities  map[string]hookActivityDef

		// execMu guards executions. Workflow goroutines never take it, so it
		// may be held while waiting for a workflow lock.
		execMu     sync.Mutex
		executions map[string]*execution
	}

	flushActivityDef struct {
		handler func(context.Context, *api.FlushInput) (*api.FlushOutput, error)
		opts    engine.ActivityOptions
	}

	hookActivityDef struct {
		handler func(context.Context, *api.HookActivityInput) error
		opts    engine.ActivityOptions
	}

	// execution is one workflow ID across all of its continued runs.
	execution struct {
		id  string
		def engine.WorkflowDefinition

		ctx    context.Context
		cancel context.CancelFunc

		// mu is the workflow lock. It is held by the handler goroutine except
		// while the handler is blocked in an engine primitive.
		mu      sync.Mutex
		changed chan struct{}
		runID   string
		history int
		queries map[string]any
		items   []api.Item
		closes  []api.CloseRequest
		status  engine.RunStatus

		done   chan struct{}
		result *api.SessionOutput
		err    error
	}

	handle struct {
		x *execution
	}

	wfCtx struct {
		ctx   context.Context
		x     *execution
		eng   *eng
		runID string
	}

	receiver[T any] struct {
		w   *wfCtx
		buf *[]T
	}
)

// New returns a new in-memory Engine implementation suitable for local
// development, tests, and simple single-process runs. It is not replay-safe
// and should not be used for production workloads.
func New(opts Options) engine.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &eng{
		logger:     logger,
		executions: make(map[string]*execution),
	}
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Handler == nil || def.Name == "" {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workflows == nil {
		e.workflows = make(map[string]engine.WorkflowDefinition)
	}
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterFlushActivity registers the batch flush activity.
func (e *eng) RegisterFlushActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.FlushInput) (*api.FlushOutput, error)) error {
	if name == "" {
		return errors.New("flush activity name is required")
	}
	if fn == nil {
		return errors.New("flush activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flushActivities == nil {
		e.flushActivities = make(map[string]flushActivityDef)
	}
	if _, dup := e.flushActivities[name]; dup {
		return fmt.Errorf("flush activity %q already registered", name)
	}
	e.flushActivities[name] = flushActivityDef{handler: fn, opts: opts}
	return nil
}

// RegisterHookActivity registers a typed hook activity that publishes
// workflow-emitted events outside of workflow code.
func (e *eng) RegisterHookActivity(_ context.Context, name string, opts engine.ActivityOptions, fn func(context.Context, *api.HookActivityInput) error) error {
	if name == "" {
		return errors.New("hook activity name is required")
	}
	if fn == nil {
		return errors.New("hook activity handler is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hookActivities == nil {
		e.hookActivities = make(map[string]hookActivityDef)
	}
	if _, dup := e.hookActivities[name]; dup {
		return fmt.Errorf("hook activity %q already registered", name)
	}
	e.hookActivities[name] = hookActivityDef{handler: fn, opts: opts}
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	if x, ok := e.executions[req.ID]; ok && !x.closed() {
		return nil, fmt.Errorf("%w: %s", engine.ErrWorkflowAlreadyStarted, req.ID)
	}
	x, err := e.newExecutionLocked(ctx, req)
	if err != nil {
		return nil, err
	}
	e.run(x, req.Input)
	return &handle{x: x}, nil
}

// SignalWithStart buffers the signal on the running execution for req.ID or
// starts a new execution with the signal already buffered.
func (e *eng) SignalWithStart(ctx context.Context, req engine.WorkflowStartRequest, name string, payload any) (engine.WorkflowHandle, error) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	if x, ok := e.executions[req.ID]; ok && !x.closed() {
		err := x.signal(ctx, name, payload)
		if !errors.Is(err, engine.ErrWorkflowCompleted) {
			if err != nil {
				return nil, err
			}
			return &handle{x: x}, nil
		}
	}
	x, err := e.newExecutionLocked(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := x.buffer(name, payload); err != nil {
		delete(e.executions, req.ID)
		return nil, err
	}
	e.run(x, req.Input)
	return &handle{x: x}, nil
}

// SignalByID delivers a signal to the latest execution of workflowID. The
// runID is ignored: signals always target the current run.
func (e *eng) SignalByID(ctx context.Context, workflowID, _ string, name string, payload any) error {
	x, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	return x.signal(ctx, name, payload)
}

// QueryRunStatus returns the current lifecycle status for a workflow
// execution.
func (e *eng) QueryRunStatus(_ context.Context, workflowID string) (engine.RunStatus, error) {
	x, err := e.lookup(workflowID)
	if err != nil {
		return "", err
	}
	select {
	case <-x.done:
	default:
		return engine.RunStatusRunning, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status, nil
}

// QuerySession invokes the status query handler. The call waits for the
// workflow to reach a suspension point, like a Temporal query waits for the
// current workflow task.
func (e *eng) QuerySession(ctx context.Context, workflowID string) (*api.SessionStatus, error) {
	x, err := e.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	if err := x.lock(ctx); err != nil {
		return nil, err
	}
	defer x.mu.Unlock()
	h, ok := x.queries[api.QueryStatus]
	if !ok {
		return nil, fmt.Errorf("query %q not registered", api.QueryStatus)
	}
	fn, ok := h.(func() (*api.SessionStatus, error))
	if !ok {
		return nil, fmt.Errorf("query %q has unsupported handler type %T", api.QueryStatus, h)
	}
	return fn()
}

func (e *eng) lookup(workflowID string) (*execution, error) {
	if workflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.execMu.Lock()
	defer e.execMu.Unlock()
	x, ok := e.executions[workflowID]
	if !ok {
		return nil, engine.ErrWorkflowNotFound
	}
	return x, nil
}

func (e *eng) newExecutionLocked(ctx context.Context, req engine.WorkflowStartRequest) (*execution, error) {
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.RLock()
	def, ok := e.workflows[req.Workflow]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}
	// Executions outlive the request that started them.
	xctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	x := &execution{
		id:      req.ID,
		def:     def,
		ctx:     xctx,
		cancel:  cancel,
		changed: make(chan struct{}),
		status:  engine.RunStatusRunning,
		done:    make(chan struct{}),
	}
	e.executions[req.ID] = x
	return x, nil
}

// run drives x through its runs on a dedicated goroutine.
func (e *eng) run(x *execution, input *api.SessionInput) {
	go func() {
		x.mu.Lock()
		defer x.mu.Unlock()
		defer close(x.done)
		defer x.cancel()
		for {
			x.runID = uuid.NewString()
			x.history = baseHistoryEvents
			x.queries = make(map[string]any)
			w := &wfCtx{ctx: x.ctx, x: x, eng: e, runID: x.runID}
			res, err := x.def.Handler(w, input)
			var can *engine.ContinueAsNewError
			if errors.As(err, &can) {
				e.logger.Debug(x.ctx, "inmem continue as new", "workflow_id", x.id, "run_id", x.runID)
				input = can.Input
				continue
			}
			x.result, x.err = res, err
			switch {
			case err == nil:
				x.status = engine.RunStatusCompleted
			case errors.Is(err, engine.ErrCanceled), errors.Is(err, context.Canceled):
				x.status = engine.RunStatusCanceled
			default:
				x.status = engine.RunStatusFailed
			}
			if n := len(x.items) + len(x.closes); n > 0 {
				e.logger.Warn(x.ctx, "inmem workflow completed with unhandled signals", "workflow_id", x.id, "count", n)
			}
			x.notify()
			return
		}
	}()
}

func (x *execution) closed() bool {
	select {
	case <-x.done:
		return true
	default:
		return false
	}
}

// lock acquires the workflow lock or gives up when ctx is done.
func (x *execution) lock(ctx context.Context) error {
	for !x.mu.TryLock() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}

// signal takes the workflow lock and buffers the payload.
func (x *execution) signal(ctx context.Context, name string, payload any) error {
	if err := x.lock(ctx); err != nil {
		return err
	}
	defer x.mu.Unlock()
	if x.closed() {
		return engine.ErrWorkflowCompleted
	}
	return x.buffer(name, payload)
}

// buffer appends a signal payload. Callers hold the workflow lock or own the
// execution before it starts.
func (x *execution) buffer(name string, payload any) error {
	switch name {
	case api.SignalItem:
		item, ok := payload.(api.Item)
		if !ok {
			return fmt.Errorf("signal %q expects api.Item, got %T", name, payload)
		}
		x.items = append(x.items, item)
	case api.SignalClose:
		req, ok := payload.(api.CloseRequest)
		if !ok {
			return fmt.Errorf("signal %q expects api.CloseRequest, got %T", name, payload)
		}
		x.closes = append(x.closes, req)
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
	x.history++
	x.notify()
	return nil
}

// notify wakes the handler if it is blocked in Await. Callers hold the lock.
func (x *execution) notify() {
	close(x.changed)
	x.changed = make(chan struct{})
}

func (h *handle) ID() string {
	return h.x.id
}

func (h *handle) Wait(ctx context.Context) (*api.SessionOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.x.done:
		return h.x.result, h.x.err
	}
}

func (h *handle) Signal(ctx context.Context, name string, payload any) error {
	return h.x.signal(ctx, name, payload)
}

// Cancel cancels the execution context. Blocked primitives return
// engine.ErrCanceled.
func (h *handle) Cancel(context.Context) error {
	h.x.cancel()
	return nil
}

func (w *wfCtx) Context() context.Context {
	return engine.WithWorkflowContext(w.ctx, w)
}

func (w *wfCtx) WorkflowID() string {
	return w.x.id
}

func (w *wfCtx) RunID() string {
	return w.runID
}

func (w *wfCtx) Now() time.Time {
	return time.Now()
}

func (w *wfCtx) Logger() telemetry.Logger {
	return w.eng.logger
}

func (w *wfCtx) SetQueryHandler(name string, handler any) error {
	if name == "" {
		return errors.New("query name is required")
	}
	if handler == nil {
		return errors.New("query handler is required")
	}
	w.x.queries[name] = handler
	return nil
}

func (w *wfCtx) Items() engine.Receiver[api.Item] {
	return receiver[api.Item]{w: w, buf: &w.x.items}
}

func (w *wfCtx) CloseRequests() engine.Receiver[api.CloseRequest] {
	return receiver[api.CloseRequest]{w: w, buf: &w.x.closes}
}

func (w *wfCtx) Await(ctx context.Context, condition func() bool) error {
	_, err := w.AwaitWithTimeout(ctx, 0, condition)
	return err
}

func (w *wfCtx) AwaitWithTimeout(ctx context.Context, timeout time.Duration, condition func() bool) (bool, error) {
	if condition == nil {
		return false, errors.New("await condition is required")
	}
	var timer <-chan time.Time
	if timeout > 0 {
		w.x.history++
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		if condition() {
			return true, nil
		}
		changed := w.x.changed
		w.x.mu.Unlock()
		var err error
		fired := false
		select {
		case <-ctx.Done():
			err = canceled(ctx)
		case <-timer:
			fired = true
		case <-changed:
		}
		w.x.mu.Lock()
		if err != nil {
			return false, err
		}
		if fired {
			w.x.history++
			return condition(), nil
		}
	}
}

func (w *wfCtx) ExecuteFlushActivity(ctx context.Context, call engine.FlushActivityCall) (*api.FlushOutput, error) {
	if call.Name == "" {
		return nil, errors.New("flush activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("flush activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.flushActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("flush activity %q not registered", call.Name)
	}
	var out *api.FlushOutput
	err := w.activity(ctx, mergeOptions(call.Options, def.opts), func(actCtx context.Context) error {
		var err error
		out, err = def.handler(actCtx, call.Input)
		return err
	})
	return out, err
}

func (w *wfCtx) PublishHook(ctx context.Context, call engine.HookActivityCall) error {
	if call.Name == "" {
		return errors.New("hook activity name is required")
	}
	if call.Input == nil {
		return errors.New("hook activity input is required")
	}
	w.eng.mu.RLock()
	def, ok := w.eng.hookActivities[call.Name]
	w.eng.mu.RUnlock()
	if !ok {
		return fmt.Errorf("hook activity %q not registered", call.Name)
	}
	return w.activity(ctx, mergeOptions(call.Options, def.opts), func(actCtx context.Context) error {
		return def.handler(actCtx, call.Input)
	})
}

// activity runs fn with the workflow lock released, retrying per opts.
// MaxAttempts of zero means a single attempt.
func (w *wfCtx) activity(ctx context.Context, opts engine.ActivityOptions, fn func(context.Context) error) error {
	w.x.history += 3
	w.x.mu.Unlock()
	defer w.x.mu.Lock()

	attempts := max(opts.RetryPolicy.MaxAttempts, 1)
	delay := opts.RetryPolicy.InitialInterval
	var err error
	for attempt := 1; ; attempt++ {
		actCtx, cancel := withOptionalTimeout(ctx, opts.Timeout)
		err = fn(actCtx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return canceled(ctx)
		}
		if attempt >= attempts {
			return err
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return canceled(ctx)
			case <-time.After(delay):
			}
			if c := opts.RetryPolicy.BackoffCoefficient; c > 1 {
				delay = time.Duration(float64(delay) * c)
			}
		}
	}
}

func (w *wfCtx) HistoryLength() int {
	return w.x.history
}

func (w *wfCtx) ContinueAsNew(input *api.SessionInput) error {
	return &engine.ContinueAsNewError{Input: input}
}

func (w *wfCtx) Detached() (engine.WorkflowContext, func()) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(w.ctx))
	return &wfCtx{ctx: ctx, x: w.x, eng: w.eng, runID: w.runID}, cancel
}

func (r receiver[T]) Receive(ctx context.Context) (T, error) {
	if err := r.w.Await(ctx, func() bool { return len(*r.buf) > 0 }); err != nil {
		var zero T
		return zero, err
	}
	v, _ := r.ReceiveAsync()
	return v, nil
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	if len(*r.buf) == 0 {
		var zero T
		return zero, false
	}
	v := (*r.buf)[0]
	var zero T
	(*r.buf)[0] = zero
	*r.buf = (*r.buf)[1:]
	return v, true
}

func (r receiver[T]) Len() int {
	return len(*r.buf)
}

// canceled maps a done context to engine.ErrCanceled while keeping the
// context cause in the chain.
func canceled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", engine.ErrCanceled, ctx.Err())
}

func mergeOptions(call, def engine.ActivityOptions) engine.ActivityOptions {
	if call.Timeout == 0 {
		call.Timeout = def.Timeout
	}
	if call.RetryPolicy == (engine.RetryPolicy{}) {
		call.RetryPolicy = def.RetryPolicy
	}
	if call.Queue == "" {
		call.Queue = def.Queue
	}
	return call
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
