// Package engine defines the durable execution abstraction cmd/missiond
// runs missions on. Each mission run is one workflow execution whose single
// activity calls the DAG scheduler's (C5) RunMission for the whole
// TaskGraph; graph nodes are not individual activities, and the scheduler
// itself does not call this interface. Swapping engine.inmem for
// engine.temporal changes only how durably that workflow survives a process
// restart.
package engine

import (
	"context"
	"time"

	"github.com/fieldlab/missionctl/internal/telemetry"
)

type (
	// Engine registers workflow and activity handlers and starts workflow
	// executions. Implementations translate these generic types into
	// backend-specific primitives (Temporal, or a goroutine-based
	// in-process scheduler).
	Engine interface {
		// RegisterWorkflow registers a workflow definition. Must be called
		// during service initialization before StartWorkflow. Returns an
		// error if the name is already registered.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity registers an activity definition. Must be called
		// during initialization before any workflow that calls it starts.
		// Returns an error if the name is already registered.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow starts a new workflow execution and returns a handle
		// for interacting with it. req.ID must be unique for the engine
		// instance. Returns an error if the workflow name is not registered
		// or the ID conflicts with a running execution.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name and
	// default task queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is a workflow entry point. It must be deterministic: given
	// the same input and the same sequence of activity results, it must
	// produce the same sequence of engine calls. Direct I/O, randomness, or
	// wall-clock reads inside a WorkflowFunc violate this and break replay on
	// backends that replay workflow history (Temporal).
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to a running workflow.
	//
	// Thread-safety: bound to a single execution, not shared across
	// goroutines; activity and signal calls are serialized by the engine.
	WorkflowContext interface {
		// Context returns the Go context for the workflow. On a replaying
		// backend this is a special replay-aware context; use it for
		// activity calls and cancellation propagation, never for direct I/O.
		Context() context.Context

		// WorkflowID returns this execution's workflow ID (the ID given in
		// its WorkflowStartRequest).
		WorkflowID() string

		// RunID returns the engine-assigned run identifier.
		RunID() string

		// ExecuteActivity schedules an activity and blocks for its result,
		// decoding it into result.
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error

		// ExecuteActivityAsync schedules an activity without blocking,
		// returning a Future resolved later via Future.Get.
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)

		// SignalChannel returns the channel for the named signal (for
		// example, a human decision delivered mid-workflow).
		SignalChannel(name string) SignalChannel

		Logger() telemetry.Logger
		Metrics() telemetry.Metrics

		// Now returns the current time from a replay-safe source.
		Now() time.Time
	}

	// Future is a pending activity result.
	//
	// Thread-safety: bound to one execution; Get is idempotent and may be
	// called more than once, returning the same result/error each time.
	Future interface {
		// Get blocks until the activity completes, decoding its result into
		// result.
		Get(ctx context.Context, result any) error

		// IsReady reports whether Get will not block.
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc performs one activity invocation. Unlike a WorkflowFunc it
	// may perform side effects (tool dispatch, model calls, storage writes).
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout/queue behavior for an
	// activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest describes a workflow execution to launch.
	WorkflowStartRequest struct {
		ID               string
		Workflow         string
		TaskQueue        string
		Input            any
		Memo             map[string]any
		SearchAttributes map[string]any
		RetryPolicy      RetryPolicy
	}

	// ActivityRequest describes one activity invocation from a workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets a caller wait on, signal, or cancel a running
	// workflow execution.
	WorkflowHandle interface {
		// Wait blocks until the workflow completes, decoding its return
		// value into result.
		Wait(ctx context.Context, result any) error

		// Signal sends an asynchronous message the workflow can receive via
		// SignalChannel.
		Signal(ctx context.Context, name string, payload any) error

		// Cancel requests cancellation of the workflow.
		Cancel(ctx context.Context) error
	}

	// RetryPolicy is the retry behavior shared by workflows and activities.
	// Zero fields mean the engine's defaults apply.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes signal delivery in an engine-agnostic way.
	SignalChannel interface {
		// Receive blocks until a signal value is delivered and decodes it
		// into dest.
		Receive(ctx context.Context, dest any) error

		// ReceiveAsync attempts a non-blocking receive, returning true and
		// populating dest if a value was available.
		ReceiveAsync(dest any) bool
	}
)
