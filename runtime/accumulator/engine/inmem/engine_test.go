package inmem

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/accumulator/runtime/accumulator/api"
	"goa.design/accumulator/runtime/accumulator/engine"
)

func TestSignalWithStartBuffersBeforeFirstRun(t *testing.T) {
	eng := New(Options{})
	ctx := context.Background()
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wf engine.WorkflowContext, in *api.SessionInput) (*api.SessionOutput, error) {
			item, ok := wf.Items().ReceiveAsync()
			if !ok {
				return nil, errors.New("expected buffered item")
			}
			return &api.SessionOutput{Partition: item.Partition, Accepted: 1}, nil
		},
	}))

	h, err := eng.SignalWithStart(ctx, engine.WorkflowStartRequest{ID: "s1", Workflow: "wf", Input: &api.SessionInput{}},
		api.SignalItem, api.Item{Key: "a", Partition: "p"})
	require.NoError(t, err)
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, "p", out.Partition)

	status, err := eng.QueryRunStatus(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCompleted, status)
}

func TestStartWorkflowRejectsRunningID(t *testing.T) {
	eng := New(Options{})
	ctx := context.Background()
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wf engine.WorkflowContext, in *api.SessionInput) (*api.SessionOutput, error) {
			return nil, wf.Await(wf.Context(), func() bool { return wf.CloseRequests().Len() > 0 })
		},
	}))
	h, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "s1", Workflow: "wf"})
	require.NoError(t, err)

	_, err = eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "s1", Workflow: "wf"})
	require.ErrorIs(t, err, engine.ErrWorkflowAlreadyStarted)

	require.NoError(t, h.Signal(ctx, api.SignalClose, api.CloseRequest{}))
	_, err = h.Wait(ctx)
	require.NoError(t, err)

	err = eng.(engine.Signaler).SignalByID(ctx, "s1", "", api.SignalClose, api.CloseRequest{})
	require.ErrorIs(t, err, engine.ErrWorkflowCompleted)
	err = eng.(engine.Signaler).SignalByID(ctx, "missing", "", api.SignalClose, api.CloseRequest{})
	require.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestContinueAsNewKeepsSignalsAndChangesRun(t *testing.T) {
	eng := New(Options{})
	ctx := context.Background()
	var runs []string
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wf engine.WorkflowContext, in *api.SessionInput) (*api.SessionOutput, error) {
			runs = append(runs, wf.RunID())
			if in.Generation == 0 {
				return nil, wf.ContinueAsNew(&api.SessionInput{Generation: 1})
			}
			if err := wf.Await(wf.Context(), func() bool { return wf.Items().Len() > 0 }); err != nil {
				return nil, err
			}
			item, _ := wf.Items().ReceiveAsync()
			return &api.SessionOutput{Generations: in.Generation + 1, Partition: item.Partition}, nil
		},
	}))
	h, err := eng.SignalWithStart(ctx, engine.WorkflowStartRequest{ID: "s1", Workflow: "wf", Input: &api.SessionInput{}},
		api.SignalItem, api.Item{Key: "a", Partition: "p"})
	require.NoError(t, err)
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, out.Generations)
	require.Equal(t, "p", out.Partition)
	require.Len(t, runs, 2)
	require.NotEqual(t, runs[0], runs[1])
}

func TestAwaitWithTimeoutFires(t *testing.T) {
	eng := New(Options{})
	ctx := context.Background()
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wf engine.WorkflowContext, in *api.SessionInput) (*api.SessionOutput, error) {
			ok, err := wf.AwaitWithTimeout(wf.Context(), 10*time.Millisecond, func() bool { return false })
			if err != nil {
				return nil, err
			}
			if ok {
				return nil, errors.New("condition cannot be satisfied")
			}
			return &api.SessionOutput{}, nil
		},
	}))
	h, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "s1", Workflow: "wf"})
	require.NoError(t, err)
	_, err = h.Wait(ctx)
	require.NoError(t, err)
}

func TestCancelMapsToErrCanceled(t *testing.T) {
	eng := New(Options{})
	ctx := context.Background()
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wf engine.WorkflowContext, in *api.SessionInput) (*api.SessionOutput, error) {
			return nil, wf.Await(wf.Context(), func() bool { return false })
		},
	}))
	h, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "s1", Workflow: "wf"})
	require.NoError(t, err)
	require.NoError(t, h.Cancel(ctx))
	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, engine.ErrCanceled)

	status, err := eng.QueryRunStatus(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, engine.RunStatusCanceled, status)
}

func TestFlushActivityRetries(t *testing.T) {
	eng := New(Options{})
	ctx := context.Background()
	var calls atomic.Int32
	require.NoError(t, eng.RegisterFlushActivity(ctx, "flush", engine.ActivityOptions{
		RetryPolicy: engine.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, BackoffCoefficient: 2},
	}, func(context.Context, *api.FlushInput) (*api.FlushOutput, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("transient")
		}
		return &api.FlushOutput{Result: []byte(`"ok"`)}, nil
	}))
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wf engine.WorkflowContext, in *api.SessionInput) (*api.SessionOutput, error) {
			out, err := wf.ExecuteFlushActivity(wf.Context(), engine.FlushActivityCall{Name: "flush", Input: &api.FlushInput{}})
			if err != nil {
				return nil, err
			}
			return &api.SessionOutput{LastError: string(out.Result)}, nil
		},
	}))
	h, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "s1", Workflow: "wf"})
	require.NoError(t, err)
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, `"ok"`, out.LastError)
	require.EqualValues(t, 3, calls.Load())
}

func TestQuerySessionWaitsForSuspension(t *testing.T) {
	eng := New(Options{})
	ctx := context.Background()
	require.NoError(t, eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "wf",
		Handler: func(wf engine.WorkflowContext, in *api.SessionInput) (*api.SessionOutput, error) {
			seen := 0
			if err := wf.SetQueryHandler(api.QueryStatus, func() (*api.SessionStatus, error) {
				return &api.SessionStatus{SeenKeys: seen, Pending: wf.Items().Len()}, nil
			}); err != nil {
				return nil, err
			}
			for {
				if err := wf.Await(wf.Context(), func() bool {
					return wf.Items().Len() > 0 || wf.CloseRequests().Len() > 0
				}); err != nil {
					return nil, err
				}
				if _, ok := wf.CloseRequests().ReceiveAsync(); ok {
					return &api.SessionOutput{Accepted: seen}, nil
				}
				for {
					if _, ok := wf.Items().ReceiveAsync(); !ok {
						break
					}
					seen++
				}
			}
		},
	}))
	h, err := eng.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "s1", Workflow: "wf"})
	require.NoError(t, err)
	require.NoError(t, h.Signal(ctx, api.SignalItem, api.Item{Key: "a"}))
	require.NoError(t, h.Signal(ctx, api.SignalItem, api.Item{Key: "b"}))

	require.Eventually(t, func() bool {
		st, err := eng.QuerySession(ctx, "s1")
		return err == nil && st.SeenKeys == 2 && st.Pending == 0
	}, time.Second, time.Millisecond)

	require.NoError(t, h.Signal(ctx, api.SignalClose, api.CloseRequest{}))
	out, err := h.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, out.Accepted)
}
