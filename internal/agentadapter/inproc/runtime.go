// Package inproc provides a single-process agentadapter.Runtime: each turn
// is one model call followed by local tool-gating policy, with thread state
// persisted through a session.Store. It is the default collaborator for
// deployments that do not need a durable workflow engine behind C3.
//
// Tool execution itself is out of scope here: a call that does not require
// approval is recorded as satisfied without being dispatched anywhere. A
// deployment that needs real side effects wires a Runtime backed by the
// actual agent framework driving those tools instead of this one.
package inproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fieldlab/missionctl/internal/agentadapter"
	"github.com/fieldlab/missionctl/internal/interrupt"
	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/modelprovider"
	"github.com/fieldlab/missionctl/internal/session"
	"github.com/fieldlab/missionctl/internal/stream"
	"github.com/fieldlab/missionctl/internal/telemetry"
	"github.com/fieldlab/missionctl/internal/tools"
)

// checkpointState is the JSON shape persisted in session.Checkpoint.Blob.
// PendingInterrupt is always stored in the bare-payload shape; the wrapped
// shapes agentadapter.normalizeInterrupt tolerates exist for collaborators
// that do not control their own checkpoint encoding the way this one does.
type checkpointState struct {
	PendingInterrupt any `json:"pending_interrupt,omitempty"`
}

type actionRequestPayload struct {
	Name        string         `json:"name"`
	Arguments   map[string]any `json:"arguments,omitempty"`
	Description string         `json:"description,omitempty"`
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithModel pins the model identifier/class sent on every request.
func WithModel(class modelprovider.ModelClass, model string) Option {
	return func(r *Runtime) {
		r.modelClass = class
		r.model = model
	}
}

// WithMaxTokens sets the max_tokens passed to the provider on each step.
func WithMaxTokens(n int) Option {
	return func(r *Runtime) { r.maxTokens = n }
}

// WithLogger overrides the runtime's logger. Defaults to a no-op.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Runtime is an agentadapter.Runtime backed directly by a model provider
// client, a session store, and a tool gating registry.
type Runtime struct {
	store      session.Store
	provider   modelprovider.Client
	toolSpecs  *tools.Registry
	logger     telemetry.Logger
	modelClass modelprovider.ModelClass
	model      string
	maxTokens  int
}

// New constructs a Runtime. store persists messages and checkpoints,
// provider drives model calls, toolSpecs supplies the gating policy queried
// for each proposed tool call.
func New(store session.Store, provider modelprovider.Client, toolSpecs *tools.Registry, opts ...Option) *Runtime {
	r := &Runtime{
		store:      store,
		provider:   provider,
		toolSpecs:  toolSpecs,
		logger:     telemetry.NoopLogger{},
		modelClass: modelprovider.ModelClassDefault,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ agentadapter.Runtime = (*Runtime)(nil)

// StreamTurn appends messages to the thread and runs one model step.
func (r *Runtime) StreamTurn(ctx context.Context, threadID string, messages []model.Message) (<-chan stream.Event, error) {
	for _, m := range messages {
		if err := r.store.AppendMessage(ctx, threadID, m); err != nil {
			return nil, fmt.Errorf("inproc: append message: %w", err)
		}
	}
	out := make(chan stream.Event, 4)
	go r.step(ctx, threadID, out)
	return out, nil
}

// ResumeTurn applies decision to the thread's pending interrupt, appends the
// resulting tool/rejection message, clears the checkpoint, and runs the next
// model step.
func (r *Runtime) ResumeTurn(ctx context.Context, threadID string, decision interrupt.Decision) (<-chan stream.Event, error) {
	if err := r.applyDecision(ctx, threadID, decision); err != nil {
		return nil, err
	}
	out := make(chan stream.Event, 4)
	go r.step(ctx, threadID, out)
	return out, nil
}

// GetState loads the thread's persisted messages and checkpoint.
func (r *Runtime) GetState(ctx context.Context, threadID string) (agentadapter.Checkpoint, error) {
	msgs, err := r.store.LoadMessages(ctx, threadID)
	if err != nil {
		return agentadapter.Checkpoint{}, fmt.Errorf("inproc: load messages: %w", err)
	}

	cp, err := r.store.LoadCheckpoint(ctx, threadID)
	if errors.Is(err, session.ErrThreadNotFound) {
		return agentadapter.Checkpoint{Messages: msgs}, nil
	}
	if err != nil {
		return agentadapter.Checkpoint{}, fmt.Errorf("inproc: load checkpoint: %w", err)
	}

	var state checkpointState
	if len(cp.Blob) > 0 {
		if err := json.Unmarshal(cp.Blob, &state); err != nil {
			return agentadapter.Checkpoint{}, fmt.Errorf("inproc: decode checkpoint: %w", err)
		}
	}
	return agentadapter.Checkpoint{Messages: msgs, PendingInterrupt: state.PendingInterrupt}, nil
}

// step runs a single model call against the thread's current history,
// appends the assistant reply, and either pauses on a gated tool call or
// auto-satisfies ungated ones before signalling Done.
func (r *Runtime) step(ctx context.Context, threadID string, out chan<- stream.Event) {
	defer close(out)

	if !r.emit(ctx, out, stream.NewThinking(threadID)) {
		return
	}

	history, err := r.store.LoadMessages(ctx, threadID)
	if err != nil {
		r.emit(ctx, out, stream.NewError(threadID, err.Error()))
		return
	}

	resp, err := r.provider.Complete(ctx, &modelprovider.Request{
		ModelClass: r.modelClass,
		Model:      r.model,
		Messages:   history,
		Tools:      r.toolDefinitions(),
		MaxTokens:  r.maxTokens,
	})
	if err != nil {
		r.emit(ctx, out, stream.NewError(threadID, err.Error()))
		return
	}

	if resp.Message.Content != "" {
		if !r.emit(ctx, out, stream.NewContentDelta(threadID, resp.Message.Content)) {
			return
		}
	}
	if err := r.store.AppendMessage(ctx, threadID, resp.Message); err != nil {
		r.emit(ctx, out, stream.NewError(threadID, err.Error()))
		return
	}

	// Arguments are schema-validated before a call is accepted, whether or
	// not it requires approval: an invalid call should surface as an error
	// immediately rather than reach a human reviewer or run ungated.
	for _, tc := range resp.Message.ToolCalls {
		if err := r.toolSpecs.Validate(tc.Name, tc.Arguments); err != nil {
			r.emit(ctx, out, stream.NewError(threadID, err.Error()))
			return
		}
	}

	gated, auto := r.partitionToolCalls(resp.Message.ToolCalls)
	if len(gated) > 0 {
		if err := r.pauseOnGatedCalls(ctx, threadID, gated); err != nil {
			r.emit(ctx, out, stream.NewError(threadID, err.Error()))
			return
		}
		r.emit(ctx, out, stream.NewDone(threadID))
		return
	}

	for _, tc := range auto {
		if err := r.store.AppendMessage(ctx, threadID, r.autoSatisfy(tc)); err != nil {
			r.emit(ctx, out, stream.NewError(threadID, err.Error()))
			return
		}
	}
	if err := r.clearCheckpoint(ctx, threadID); err != nil {
		r.emit(ctx, out, stream.NewError(threadID, err.Error()))
		return
	}
	r.emit(ctx, out, stream.NewDone(threadID))
}

func (r *Runtime) emit(ctx context.Context, out chan<- stream.Event, ev stream.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *Runtime) partitionToolCalls(calls []model.ToolCall) (gated, auto []model.ToolCall) {
	for _, c := range calls {
		if r.toolSpecs.RequiresApproval(c.Name) {
			gated = append(gated, c)
		} else {
			auto = append(auto, c)
		}
	}
	return gated, auto
}

// autoSatisfy stands in for dispatching an ungated tool call to its real
// implementation; this runtime has none, so it records a synthetic success
// result and lets the next model step proceed.
func (r *Runtime) autoSatisfy(tc model.ToolCall) model.Message {
	return model.Message{Role: model.RoleTool, ToolCallID: tc.ID, Content: "ok"}
}

func (r *Runtime) pauseOnGatedCalls(ctx context.Context, threadID string, calls []model.ToolCall) error {
	reqs := make([]actionRequestPayload, 0, len(calls))
	for _, c := range calls {
		reqs = append(reqs, actionRequestPayload{
			Name:        c.Name,
			Arguments:   c.Arguments,
			Description: r.toolSpecs.Describe(c.Name, c.Arguments),
		})
	}
	return r.saveCheckpoint(ctx, threadID, map[string]any{"action_requests": reqs})
}

func (r *Runtime) saveCheckpoint(ctx context.Context, threadID string, pending any) error {
	blob, err := json.Marshal(checkpointState{PendingInterrupt: pending})
	if err != nil {
		return fmt.Errorf("inproc: encode checkpoint: %w", err)
	}
	return r.store.SaveCheckpoint(ctx, threadID, blob)
}

func (r *Runtime) clearCheckpoint(ctx context.Context, threadID string) error {
	return r.saveCheckpoint(ctx, threadID, nil)
}

func (r *Runtime) toolDefinitions() []modelprovider.ToolDefinition {
	names := r.toolSpecs.Names()
	defs := make([]modelprovider.ToolDefinition, 0, len(names))
	for _, name := range names {
		spec, ok := r.toolSpecs.Lookup(name)
		if !ok {
			continue
		}
		defs = append(defs, modelprovider.ToolDefinition{Name: spec.Name})
	}
	return defs
}

// applyDecision turns a human decision on the thread's pending interrupt
// into the message(s) that continue the conversation, then clears the
// checkpoint: approve/edit run the gated call(s) (with replacement
// arguments, for edit) and record a synthetic result; reject records the
// rejection reason as a user-visible message instead of running anything.
func (r *Runtime) applyDecision(ctx context.Context, threadID string, decision interrupt.Decision) error {
	cp, err := r.store.LoadCheckpoint(ctx, threadID)
	if err != nil {
		return fmt.Errorf("inproc: load checkpoint: %w", err)
	}
	var state checkpointState
	if len(cp.Blob) > 0 {
		if err := json.Unmarshal(cp.Blob, &state); err != nil {
			return fmt.Errorf("inproc: decode checkpoint: %w", err)
		}
	}
	if state.PendingInterrupt == nil {
		return errors.New("inproc: no pending interrupt for thread")
	}
	reqs, err := decodeActionRequests(state.PendingInterrupt)
	if err != nil {
		return err
	}

	if err := r.clearCheckpoint(ctx, threadID); err != nil {
		return err
	}

	switch decision.Type {
	case interrupt.DecisionReject:
		reason := decision.Message
		if reason == "" {
			reason = "the reviewer rejected this tool call"
		}
		return r.store.AppendMessage(ctx, threadID, model.Message{
			Role:    model.RoleUser,
			Content: fmt.Sprintf("Tool call rejected: %s", reason),
		})

	case interrupt.DecisionApprove, interrupt.DecisionEdit:
		for _, req := range reqs {
			args := req.Arguments
			if decision.Type == interrupt.DecisionEdit && decision.ReplacementArguments != nil {
				args = decision.ReplacementArguments
			}
			// Edited arguments are re-validated against the tool's schema
			// the same as a model-proposed call: approval gates whether a
			// call runs, not whether it is well-formed.
			if err := r.toolSpecs.Validate(req.Name, args); err != nil {
				return fmt.Errorf("inproc: %w", err)
			}
			result := r.autoSatisfy(model.ToolCall{Name: req.Name, Arguments: args})
			if err := r.store.AppendMessage(ctx, threadID, result); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("inproc: unsupported decision type %q", decision.Type)
	}
}

func decodeActionRequests(pending any) ([]actionRequestPayload, error) {
	b, err := json.Marshal(pending)
	if err != nil {
		return nil, fmt.Errorf("inproc: encode pending interrupt: %w", err)
	}
	var wrapper struct {
		ActionRequests []actionRequestPayload `json:"action_requests"`
	}
	if err := json.Unmarshal(b, &wrapper); err != nil {
		return nil, fmt.Errorf("inproc: decode pending interrupt: %w", err)
	}
	return wrapper.ActionRequests, nil
}
