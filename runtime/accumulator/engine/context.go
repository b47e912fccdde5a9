package engine

import "context"

type wfCtxKey struct{}

// WithWorkflowContext returns a child context that carries wf. Engine
// adapters attach it to the context returned by WorkflowContext.Context.
func WithWorkflowContext(ctx context.Context, wf WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wf)
}

// WorkflowContextFromContext extracts the WorkflowContext carried by ctx, or
// nil.
func WorkflowContextFromContext(ctx context.Context) WorkflowContext {
	wf, _ := ctx.Value(wfCtxKey{}).(WorkflowContext)
	return wf
}
