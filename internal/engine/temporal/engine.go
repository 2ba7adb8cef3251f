// Package temporal adapts engine.Engine onto Temporal, so a mission's
// TaskGraph workflow survives a scheduler process restart mid-run. It is the
// engine C5 selects for deployments that need durable execution; engine/inmem
// covers tests and single-process use.
package temporal

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/fieldlab/missionctl/internal/engine"
	"github.com/fieldlab/missionctl/internal/telemetry"
)

// Options configures the Temporal engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, ClientOptions is
	// used to lazily construct one.
	Client client.Client
	// ClientOptions builds a client when Client is nil. Required in that
	// case.
	ClientOptions *client.Options

	// TaskQueue is the default queue used when a workflow/activity
	// definition omits one. Required.
	TaskQueue string
	// WorkerOptions is forwarded to worker.New for every queue this engine
	// creates a worker for.
	WorkerOptions worker.Options

	// DisableWorkerAutoStart disables starting workers on first
	// StartWorkflow call; callers must use Worker().Start() themselves.
	DisableWorkerAutoStart bool

	Logger  telemetry.Logger
	Metrics telemetry.Metrics
}

type workerBundle struct {
	queue   string
	worker  worker.Worker
	started bool
}

// Engine implements engine.Engine on top of a Temporal client, creating one
// worker per distinct task queue referenced by a registered workflow or
// activity.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue      string
	workerOpts        worker.Options
	autoStartDisabled bool

	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu             sync.Mutex
	workers        map[string]*workerBundle
	workersStarted bool
	workflows      map[string]engine.WorkflowDefinition
}

// New constructs a Temporal-backed Engine. Either Options.Client or
// Options.ClientOptions must be provided, and Options.TaskQueue is required.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: a default task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		var err error
		cli, err = client.NewLazyClient(*opts.ClientOptions)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	return &Engine{
		client:            cli,
		closeClient:       closeClient,
		defaultQueue:      opts.TaskQueue,
		workerOpts:        opts.WorkerOptions,
		autoStartDisabled: opts.DisableWorkerAutoStart,
		logger:            logger,
		metrics:           metrics,
		workers:           make(map[string]*workerBundle),
		workflows:         make(map[string]engine.WorkflowDefinition),
	}, nil
}

// RegisterWorkflow registers def with the worker for its task queue
// (defaulting to the engine's default queue), wrapping the handler to adapt
// a Temporal workflow.Context into engine.WorkflowContext.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal engine: invalid workflow definition")
	}
	bundle, err := e.workerForQueue(def.TaskQueue)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if _, exists := e.workflows[def.Name]; exists {
		e.mu.Unlock()
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	e.mu.Unlock()

	bundle.worker.RegisterWorkflowWithOptions(
		func(tctx workflow.Context, input any) (any, error) {
			return def.Handler(newWorkflowContext(e, tctx), input)
		},
		workflow.RegisterOptions{Name: def.Name},
	)
	return nil
}

// RegisterActivity registers def with the worker for its task queue.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal engine: invalid activity definition")
	}
	bundle, err := e.workerForQueue(def.Options.Queue)
	if err != nil {
		return err
	}
	bundle.worker.RegisterActivityWithOptions(
		func(ctx context.Context, input any) (any, error) {
			runCtx := engine.WithActivityContext(ctx)
			if wf := workflowContextFromActivity(ctx); wf != nil {
				runCtx = engine.WithWorkflowContext(runCtx, wf)
			}
			return def.Handler(runCtx, input)
		},
		activity.RegisterOptions{Name: def.Name},
	)
	return nil
}

// StartWorkflow starts a Temporal workflow execution for the registered
// definition named req.Workflow.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("temporal engine: workflow %q not registered", req.Workflow)
	}

	if !e.autoStartDisabled {
		e.ensureWorkersStarted()
	}

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	startOpts := client.StartWorkflowOptions{ID: req.ID, TaskQueue: queue, Memo: req.Memo, SearchAttributes: req.SearchAttributes}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		startOpts.RetryPolicy = rp
	}

	run, err := e.client.ExecuteWorkflow(ctx, startOpts, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow %q: %w", req.Workflow, err)
	}
	return &workflowHandle{run: run, client: e.client}, nil
}

// Worker returns a controller for manually starting/stopping every worker
// this engine owns. Only needed when Options.DisableWorkerAutoStart is set.
func (e *Engine) Worker() *WorkerController { return &WorkerController{engine: e} }

// Close shuts down the client if this engine created it.
func (e *Engine) Close() error {
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	if queue == "" {
		queue = e.defaultQueue
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	bundle := &workerBundle{queue: queue, worker: worker.New(e.client, queue, e.workerOpts)}
	e.workers[queue] = bundle
	if e.workersStarted {
		e.startBundle(bundle)
	}
	return bundle, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workersStarted {
		return
	}
	e.workersStarted = true
	for _, bundle := range e.workers {
		e.startBundle(bundle)
	}
}

func (e *Engine) startBundle(bundle *workerBundle) {
	if bundle.started {
		return
	}
	bundle.started = true
	go func(b *workerBundle) {
		if err := b.worker.Run(worker.InterruptCh()); err != nil {
			e.logger.Error(context.Background(), "temporal worker stopped", "queue", b.queue, "error", err)
		}
	}(bundle)
}

// WorkerController manually starts or stops every worker owned by an Engine.
type WorkerController struct{ engine *Engine }

// Start starts all workers registered so far. Further RegisterWorkflow/
// RegisterActivity calls start their worker immediately.
func (c *WorkerController) Start() { c.engine.ensureWorkersStarted() }

// Stop stops every worker this engine owns.
func (c *WorkerController) Stop() {
	c.engine.mu.Lock()
	defer c.engine.mu.Unlock()
	for _, bundle := range c.engine.workers {
		bundle.worker.Stop()
	}
}

func convertRetryPolicy(rp engine.RetryPolicy) *sdktemporal.RetryPolicy {
	if rp.MaxAttempts == 0 && rp.InitialInterval == 0 && rp.BackoffCoefficient == 0 {
		return nil
	}
	policy := &sdktemporal.RetryPolicy{}
	if rp.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(rp.MaxAttempts)
	}
	if rp.InitialInterval > 0 {
		policy.InitialInterval = rp.InitialInterval
	}
	if rp.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = rp.BackoffCoefficient
	}
	return policy
}

type workflowHandle struct {
	run    client.WorkflowRun
	client client.Client
}

func (h *workflowHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *workflowHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *workflowHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}
