package engine

import "context"

type wfCtxKey struct{}

type activityCtxKey struct{}

// WithWorkflowContext returns a child context carrying wf, for engines to
// attach when invoking an activity handler so it can retrieve the
// originating WorkflowContext if needed.
func WithWorkflowContext(ctx context.Context, wf WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wf)
}

// WithActivityContext marks ctx as originating from an activity invocation.
func WithActivityContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, activityCtxKey{}, true)
}

// IsActivityContext reports whether ctx was marked by WithActivityContext.
func IsActivityContext(ctx context.Context) bool {
	b, ok := ctx.Value(activityCtxKey{}).(bool)
	return ok && b
}

// WorkflowContextFromContext extracts a WorkflowContext attached by
// WithWorkflowContext, or nil if ctx does not carry one.
func WorkflowContextFromContext(ctx context.Context) WorkflowContext {
	if wf, ok := ctx.Value(wfCtxKey{}).(WorkflowContext); ok {
		return wf
	}
	return nil
}
