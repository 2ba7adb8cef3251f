package temporal

import (
	"context"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/fieldlab/missionctl/internal/engine"
	"github.com/fieldlab/missionctl/internal/telemetry"
)

// workflowContexts tracks the live engine.WorkflowContext for each run, so an
// activity invoked from that workflow can retrieve it via
// engine.WorkflowContextFromContext (attached in RegisterActivity's
// wrapper). Temporal replays workflow code but runs activities in separate,
// possibly different, worker processes — this registry only serves
// activities that happen to run in the same process as the workflow, which
// local/dev workers satisfy; a remote worker looks up nothing and simply
// runs without it.
var workflowContexts sync.Map // runID -> *workflowContext

type workflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
}

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	wc := &workflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
	workflowContexts.Store(wc.runID, wc)
	workflow.Go(ctx, func(workflow.Context) {
		ctx.Done().Receive(ctx, nil)
		workflowContexts.Delete(wc.runID)
	})
	return wc
}

func workflowContextFromActivity(ctx context.Context) engine.WorkflowContext {
	info := activity.GetInfo(ctx)
	v, ok := workflowContexts.Load(info.WorkflowExecution.RunID)
	if !ok {
		return nil
	}
	return v.(*workflowContext)
}

// normalizeTemporalError maps Temporal's cancellation error to the stdlib
// context.Canceled so callers can classify cancellation without importing
// Temporal-specific error types.
func normalizeTemporalError(err error) error {
	if err == nil {
		return nil
	}
	if temporal.IsCanceledError(err) {
		return context.Canceled
	}
	return err
}

func (w *workflowContext) Context() context.Context {
	return engine.WithWorkflowContext(context.Background(), w)
}

func (w *workflowContext) WorkflowID() string         { return w.workflowID }
func (w *workflowContext) RunID() string              { return w.runID }
func (w *workflowContext) Logger() telemetry.Logger   { return w.engine.logger }
func (w *workflowContext) Metrics() telemetry.Metrics { return w.engine.metrics }
func (w *workflowContext) Now() time.Time             { return workflow.Now(w.ctx) }

func (w *workflowContext) activityOptionsFor(req engine.ActivityRequest) workflow.ActivityOptions {
	opts := workflow.ActivityOptions{
		TaskQueue:           req.Queue,
		StartToCloseTimeout: req.Timeout,
	}
	if opts.StartToCloseTimeout == 0 {
		opts.StartToCloseTimeout = 24 * time.Hour
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}
	return opts
}

// ExecuteActivity ignores its ctx parameter in favor of the workflow.Context
// captured at construction: Temporal activity calls must run on that
// deterministic context, not whatever stdlib context the caller happens to
// be holding.
func (w *workflowContext) ExecuteActivity(_ context.Context, req engine.ActivityRequest, result any) error {
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req))
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return normalizeTemporalError(fut.Get(actx, result))
}

func (w *workflowContext) ExecuteActivityAsync(_ context.Context, req engine.ActivityRequest) (engine.Future, error) {
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(req))
	fut := workflow.ExecuteActivity(actx, req.Name, req.Input)
	return &temporalFuture{future: fut, ctx: actx}, nil
}

func (w *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return &signalReceiver{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

type temporalFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *temporalFuture) Get(_ context.Context, result any) error {
	return normalizeTemporalError(f.future.Get(f.ctx, result))
}

func (f *temporalFuture) IsReady() bool { return f.future.IsReady() }

type signalReceiver struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (s *signalReceiver) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.ctx, dest)
	return nil
}

func (s *signalReceiver) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}
