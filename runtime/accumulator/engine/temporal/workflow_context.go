package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/engine"
	"goa.design/accumulator/runtime/accumulator/telemetry"
)

// defaultActivityTimeout bounds an activity attempt when neither the call nor
// the registration sets a timeout.
const defaultActivityTimeout = time.Minute

type (
	temporalWorkflowContext struct {
		engine     *Engine
		ctx        workflow.Context
		workflowID string
		runID      string
		workflow   string
	}

	temporalReceiver[T any] struct {
		wf *temporalWorkflowContext
		ch workflow.ReceiveChannel
	}

	contextKey string
)

const (
	workflowIDKey contextKey = "temporal.workflow_id"
	runIDKey      contextKey = "temporal.run_id"
)

func newWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	return &temporalWorkflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		workflow:   info.WorkflowType.Name,
	}
}

// Context returns a Go context carrying the workflow identifiers. It is never
// canceled: cancellation is observed through the Temporal context by the
// blocking primitives.
func (w *temporalWorkflowContext) Context() context.Context {
	ctx := context.WithValue(context.Background(), workflowIDKey, w.workflowID)
	ctx = context.WithValue(ctx, runIDKey, w.runID)
	return engine.WithWorkflowContext(ctx, w)
}

func (w *temporalWorkflowContext) WorkflowID() string {
	return w.workflowID
}

func (w *temporalWorkflowContext) RunID() string {
	return w.runID
}

func (w *temporalWorkflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *temporalWorkflowContext) Logger() telemetry.Logger {
	return w.engine.logger
}

func (w *temporalWorkflowContext) SetQueryHandler(name string, handler any) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

func (w *temporalWorkflowContext) Items() engine.Receiver[api.Item] {
	return &temporalReceiver[api.Item]{wf: w, ch: workflow.GetSignalChannel(w.ctx, api.SignalItem)}
}

func (w *temporalWorkflowContext) CloseRequests() engine.Receiver[api.CloseRequest] {
	return &temporalReceiver[api.CloseRequest]{wf: w, ch: workflow.GetSignalChannel(w.ctx, api.SignalClose)}
}

func (w *temporalWorkflowContext) Await(ctx context.Context, condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapWorkflowError(workflow.Await(w.ctx, condition))
}

func (w *temporalWorkflowContext) AwaitWithTimeout(ctx context.Context, timeout time.Duration, condition func() bool) (bool, error) {
	if timeout <= 0 {
		if err := w.Await(ctx, condition); err != nil {
			return false, err
		}
		return true, nil
	}
	if condition == nil {
		return false, errors.New("await condition is required")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := workflow.AwaitWithTimeout(w.ctx, timeout, condition)
	return ok, mapWorkflowError(err)
}

func (w *temporalWorkflowContext) ExecuteFlushActivity(_ context.Context, call engine.FlushActivityCall) (*api.FlushOutput, error) {
	if call.Name == "" {
		return nil, errors.New("flush activity name is required")
	}
	if call.Input == nil {
		return nil, errors.New("flush activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	var out *api.FlushOutput
	if err := workflow.ExecuteActivity(actx, call.Name, call.Input).Get(actx, &out); err != nil {
		return nil, mapWorkflowError(err)
	}
	return out, nil
}

func (w *temporalWorkflowContext) PublishHook(_ context.Context, call engine.HookActivityCall) error {
	if call.Name == "" {
		return errors.New("hook activity name is required")
	}
	if call.Input == nil {
		return errors.New("hook activity input is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(call.Name, call.Options))
	return mapWorkflowError(workflow.ExecuteActivity(actx, call.Name, call.Input).Get(actx, nil))
}

func (w *temporalWorkflowContext) HistoryLength() int {
	return workflow.GetInfo(w.ctx).GetCurrentHistoryLength()
}

func (w *temporalWorkflowContext) ContinueAsNew(input *api.SessionInput) error {
	return workflow.NewContinueAsNewError(w.ctx, w.workflow, input)
}

// Detached returns a context that survives workflow cancellation, backed by
// workflow.NewDisconnectedContext.
func (w *temporalWorkflowContext) Detached() (engine.WorkflowContext, func()) {
	dctx, cancel := workflow.NewDisconnectedContext(w.ctx)
	cp := *w
	cp.ctx = dctx
	return &cp, func() { cancel() }
}

func (w *temporalWorkflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.engine.activityDefaultsFor(name)

	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.engine.defaultQueue
	}
	timeout := override.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = defaultActivityTimeout
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(mergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy)),
	}
}

// Receive blocks until a signal is buffered. Cancellation of the workflow
// surfaces as engine.ErrCanceled.
func (r *temporalReceiver[T]) Receive(ctx context.Context) (T, error) {
	var out T
	if err := r.wf.Await(ctx, func() bool { return r.ch.Len() > 0 }); err != nil {
		return out, err
	}
	r.ch.ReceiveAsync(&out)
	return out, nil
}

func (r *temporalReceiver[T]) ReceiveAsync() (T, bool) {
	var out T
	ok := r.ch.ReceiveAsync(&out)
	return out, ok
}

func (r *temporalReceiver[T]) Len() int {
	return r.ch.Len()
}

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	result := base
	if override.MaxAttempts != 0 {
		result.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		result.InitialInterval = override.InitialInterval
	}
	if override.BackoffCoefficient != 0 {
		result.BackoffCoefficient = override.BackoffCoefficient
	}
	return result
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r == (engine.RetryPolicy{}) {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		//nolint:gosec // attempts come from operator configuration
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}
