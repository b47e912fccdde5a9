// Package engine defines the durable-execution substrate the accumulator runs
// on. The aggregator loop only talks to these interfaces so the same code runs
// on Temporal in production and on the in-memory engine in tests.
//
// # Core Abstractions
//
//   - Engine: registers the session workflow and its activities, starts
//     sessions, delivers signals and answers queries.
//
//   - WorkflowContext: deterministic operations available to the loop. Items
//     and close requests arrive as asynchronous messages through Receivers and
//     are only consumed at the loop's own evaluation points.
//
//   - Receiver[T]: typed message delivery with blocking, non-blocking and
//     length operations.
//
// # Determinism Requirements
//
// Workflow handlers must be replay-safe: use Now() instead of time.Now(),
// route every I/O through an activity (flush, hook publishing) and never
// spawn goroutines. Activities may perform arbitrary I/O; their results are
// recorded and replayed.
//
// # Continuation
//
// A handler re-founds its session by returning the error produced by
// ContinueAsNew. Engines guarantee that messages delivered after the
// handler's last drain are visible to the next generation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/telemetry"
)

// RunStatus represents the lifecycle state of a workflow execution.
type RunStatus string

const (
	// RunStatusRunning indicates the workflow is actively executing.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted indicates the workflow finished successfully.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the workflow failed permanently.
	RunStatusFailed RunStatus = "failed"
	// RunStatusCanceled indicates the workflow was canceled externally.
	RunStatusCanceled RunStatus = "canceled"
)

var (
	// ErrWorkflowNotFound indicates that no workflow execution exists for the given identifier.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrWorkflowCompleted indicates the workflow execution is already closed.
	ErrWorkflowCompleted = errors.New("workflow completed")
	// ErrWorkflowAlreadyStarted indicates a running execution already uses the
	// requested workflow ID.
	ErrWorkflowAlreadyStarted = errors.New("workflow already started")
	// ErrCanceled is returned by blocking operations when the workflow is canceled.
	ErrCanceled = errors.New("workflow canceled")
)

type (
	// Engine abstracts workflow registration and execution so adapters can be
	// swapped without touching the aggregator.
	Engine interface {
		// RegisterWorkflow registers a workflow definition with the engine.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterFlushActivity registers the activity that hands a closed batch
		// to the downstream processing step.
		RegisterFlushActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.FlushInput) (*api.FlushOutput, error)) error

		// RegisterHookActivity registers the activity that publishes loop events
		// outside of the deterministic workflow thread.
		RegisterHookActivity(ctx context.Context, name string, opts ActivityOptions, fn func(context.Context, *api.HookActivityInput) error) error

		// StartWorkflow starts a new workflow execution. It fails if a workflow
		// with the same ID is already running.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// SignalWithStart delivers a signal to the running workflow identified
		// by req.ID, starting it first when no execution is running.
		SignalWithStart(ctx context.Context, req WorkflowStartRequest, name string, payload any) (WorkflowHandle, error)

		// QueryRunStatus returns the lifecycle status of the latest execution
		// of workflowID.
		QueryRunStatus(ctx context.Context, workflowID string) (RunStatus, error)

		// QuerySession invokes the QueryStatus handler of the latest execution
		// of workflowID.
		QuerySession(ctx context.Context, workflowID string) (*api.SessionStatus, error)
	}

	// Signaler delivers signals by workflow ID without an in-process handle.
	Signaler interface {
		// SignalByID sends a signal to the given workflow. An empty runID
		// targets the latest execution.
		SignalByID(ctx context.Context, workflowID, runID, name string, payload any) error
	}

	// WorkflowDefinition binds a workflow handler to a logical name and default queue.
	WorkflowDefinition struct {
		// Name is the logical identifier registered with the engine.
		Name string
		// TaskQueue is the default queue used when starting new workflows.
		TaskQueue string
		// Handler is invoked once per run (generation chain segment).
		Handler WorkflowFunc
	}

	// WorkflowFunc is the workflow entry point.
	WorkflowFunc func(ctx WorkflowContext, input *api.SessionInput) (*api.SessionOutput, error)

	// WorkflowContext exposes engine operations to workflow handlers. It is
	// bound to a single run and must not be shared across goroutines.
	WorkflowContext interface {
		// Context returns the Go context for the run. It is canceled when the
		// workflow is canceled.
		Context() context.Context
		// WorkflowID returns the workflow identifier (stable across
		// continuations).
		WorkflowID() string
		// RunID returns the identifier of the current run.
		RunID() string
		// Now returns the deterministic workflow time.
		Now() time.Time
		// Logger returns the engine logger.
		Logger() telemetry.Logger

		// SetQueryHandler registers a read-only query handler. Handlers must be
		// side-effect free. The accumulator registers a
		// func() (*api.SessionStatus, error) under api.QueryStatus.
		SetQueryHandler(name string, handler any) error

		// Items returns the receiver for api.SignalItem messages.
		Items() Receiver[api.Item]
		// CloseRequests returns the receiver for api.SignalClose messages.
		CloseRequests() Receiver[api.CloseRequest]

		// Await blocks until condition returns true or ctx is done. Condition
		// must be deterministic and side-effect free.
		Await(ctx context.Context, condition func() bool) error
		// AwaitWithTimeout blocks until condition returns true or timeout
		// elapses in workflow time. It reports whether condition was satisfied.
		// A non-positive timeout waits without a deadline.
		AwaitWithTimeout(ctx context.Context, timeout time.Duration, condition func() bool) (bool, error)

		// ExecuteFlushActivity schedules the flush activity and blocks until it
		// completes.
		ExecuteFlushActivity(ctx context.Context, call FlushActivityCall) (*api.FlushOutput, error)
		// PublishHook schedules the hook activity and blocks until it completes.
		PublishHook(ctx context.Context, call HookActivityCall) error

		// HistoryLength returns the number of events recorded for the current run.
		HistoryLength() int
		// ContinueAsNew returns the error a handler must return to end the
		// current run and start a new one with input.
		ContinueAsNew(input *api.SessionInput) error
		// Detached returns a context that is not canceled with the workflow so
		// cleanup (resolving handles) can run after cancellation.
		Detached() (WorkflowContext, func())
	}

	// Receiver delivers typed workflow messages deterministically.
	Receiver[T any] interface {
		// Receive blocks until a message is delivered and returns it.
		Receive(ctx context.Context) (T, error)
		// ReceiveAsync returns the next buffered message without blocking.
		ReceiveAsync() (T, bool)
		// Len returns the number of buffered messages.
		Len() int
	}

	// ActivityOptions configures retry and timeouts for an activity.
	ActivityOptions struct {
		// Queue overrides the default activity queue.
		Queue string
		// RetryPolicy controls retry behavior. Zero means engine defaults.
		RetryPolicy RetryPolicy
		// Timeout bounds a single attempt. Zero means engine default.
		Timeout time.Duration
	}

	// FlushActivityCall describes one invocation of the flush activity.
	FlushActivityCall struct {
		// Name identifies the registered flush activity.
		Name string
		// Input is the batch to flush.
		Input *api.FlushInput
		// Options overrides the registered defaults.
		Options ActivityOptions
	}

	// HookActivityCall describes one invocation of the hook activity.
	HookActivityCall struct {
		// Name identifies the registered hook activity.
		Name string
		// Input is the encoded event.
		Input *api.HookActivityInput
		// Options overrides the registered defaults.
		Options ActivityOptions
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier. The accumulator derives it from the
		// session partition.
		ID string
		// Workflow names the registered workflow definition.
		Workflow string
		// TaskQueue selects the queue; empty uses the definition default.
		TaskQueue string
		// Input seeds the first generation.
		Input *api.SessionInput
		// RunTimeout bounds a single run. Zero means no timeout.
		RunTimeout time.Duration
		// RetryPolicy controls start retries.
		RetryPolicy RetryPolicy
	}

	// WorkflowHandle allows callers to interact with a workflow.
	WorkflowHandle interface {
		// ID returns the workflow identifier.
		ID() string
		// Wait blocks until the workflow terminates, following continuations.
		Wait(ctx context.Context) (*api.SessionOutput, error)
		// Signal sends an asynchronous message to the workflow.
		Signal(ctx context.Context, name string, payload any) error
		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows and activities.
	// Zero-valued fields mean the engine uses its defaults.
	RetryPolicy struct {
		// MaxAttempts caps the total number of attempts. Zero means unlimited.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
	}

	// ContinueAsNewError is returned by handlers (through
	// WorkflowContext.ContinueAsNew) on engines that implement continuation
	// natively in Go.
	ContinueAsNewError struct {
		// Input seeds the next run.
		Input *api.SessionInput
	}
)

// Error implements error.
func (e *ContinueAsNewError) Error() string {
	if e.Input == nil {
		return "continue as new"
	}
	return fmt.Sprintf("continue as new (generation %d)", e.Input.Generation)
}

// IsContinueAsNew reports whether err requests a continuation.
func IsContinueAsNew(err error) bool {
	var can *ContinueAsNewError
	return errors.As(err, &can)
}
