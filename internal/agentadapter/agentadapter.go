// Package agentadapter implements the Agent Runtime Adapter (C3): it drives a
// turn through an underlying agent runtime collaborator, forwards its token
// and tool events, and — after each step completes — inspects the runtime's
// checkpoint for a pending interrupt. When one is present it is normalized
// into the flat interrupt.Interrupt record (whatever nested shape the
// collaborator's checkpoint happens to expose it in), raised on the
// Interrupt Registry, and surfaced to the caller as a single stream.Interrupt
// event in place of stream.Done.
package agentadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fieldlab/missionctl/internal/interrupt"
	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/stream"
	"github.com/fieldlab/missionctl/internal/telemetry"
	"github.com/fieldlab/missionctl/internal/tools"
)

// Checkpoint is the runtime collaborator's resumable state, as C3 sees it.
// PendingInterrupt carries whatever raw value the collaborator's checkpoint
// exposes for a paused turn — nil when no interrupt is pending, otherwise one
// of the three tolerated shapes normalizeInterrupt understands.
type Checkpoint struct {
	Messages         []model.Message
	PendingInterrupt any
}

// Runtime is the agent runtime interface consumed by C3 and implemented by a
// collaborator (an in-process step loop, a durable workflow engine, a remote
// agent framework — the adapter does not care which).
type Runtime interface {
	// StreamTurn starts or continues a turn with newly arrived messages and
	// returns a channel of events for that turn. The channel is closed once
	// the turn produces its terminal event.
	StreamTurn(ctx context.Context, threadID string, messages []model.Message) (<-chan stream.Event, error)

	// ResumeTurn continues a turn paused on a pending interrupt with the
	// human's decision and returns a channel of events for the resumed turn.
	ResumeTurn(ctx context.Context, threadID string, decision interrupt.Decision) (<-chan stream.Event, error)

	// GetState returns the collaborator's current checkpoint for threadID.
	GetState(ctx context.Context, threadID string) (Checkpoint, error)
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithInterruptTTL sets the deadline duration applied to interrupts raised by
// this adapter: Raise(time.Now().Add(ttl)). Zero (the default) raises
// interrupts with no deadline.
func WithInterruptTTL(ttl time.Duration) Option {
	return func(a *Adapter) { a.ttl = ttl }
}

// WithLogger overrides the adapter's logger. Defaults to a no-op.
func WithLogger(logger telemetry.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Adapter is the Agent Runtime Adapter (C3).
type Adapter struct {
	runtime    Runtime
	interrupts *interrupt.Registry
	toolSpecs  *tools.Registry
	logger     telemetry.Logger
	ttl        time.Duration
}

// New constructs an Adapter driving runtime, raising interrupts on
// interrupts, and consulting toolSpecs for each action request's
// allowed_decisions.
func New(runtime Runtime, interrupts *interrupt.Registry, toolSpecs *tools.Registry, opts ...Option) *Adapter {
	a := &Adapter{
		runtime:    runtime,
		interrupts: interrupts,
		toolSpecs:  toolSpecs,
		logger:     telemetry.NoopLogger{},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StreamTurn starts a turn for threadID with userMessage and returns the
// supervised event stream: every event the runtime yields, except that a
// terminal Done is replaced with Interrupt when the runtime's post-step
// checkpoint exposes a pending interrupt.
func (a *Adapter) StreamTurn(ctx context.Context, threadID, userMessage string) (<-chan stream.Event, error) {
	raw, err := a.runtime.StreamTurn(ctx, threadID, []model.Message{{Role: model.RoleUser, Content: userMessage}})
	if err != nil {
		return nil, fmt.Errorf("agentadapter: stream_turn: %w", err)
	}
	return a.supervise(ctx, threadID, raw), nil
}

// ResumeTurn delivers decision to a turn paused on a pending interrupt and
// returns the supervised continuation's event stream.
func (a *Adapter) ResumeTurn(ctx context.Context, threadID string, decision interrupt.Decision) (<-chan stream.Event, error) {
	raw, err := a.runtime.ResumeTurn(ctx, threadID, decision)
	if err != nil {
		return nil, fmt.Errorf("agentadapter: resume_turn: %w", err)
	}
	return a.supervise(ctx, threadID, raw), nil
}

// ReplayPendingInterrupt checks the runtime's persisted checkpoint for an
// interrupt left over from an earlier session (the socket dropped while a
// decision was pending) and, if one is present, re-raises it on the registry
// and returns the normalized record so the session can replay the
// interrupt/waiting_for_decision exchange instead of starting a fresh turn
// on top of the paused one. It returns (nil, nil) when the thread has no
// pending interrupt.
func (a *Adapter) ReplayPendingInterrupt(ctx context.Context, threadID string) (*interrupt.Interrupt, error) {
	return a.checkInterrupt(ctx, threadID)
}

// supervise forwards every event from in to the returned channel, except that
// it intercepts a terminal Done to check for a freshly raised interrupt
// first. The returned channel is always closed when in is closed or ctx is
// done.
func (a *Adapter) supervise(ctx context.Context, threadID string, in <-chan stream.Event) <-chan stream.Event {
	out := make(chan stream.Event)
	go func() {
		defer close(out)
		for ev := range in {
			if ev.Type() != stream.EventDone {
				if !a.send(ctx, out, ev) {
					return
				}
				continue
			}

			final, err := a.checkInterrupt(ctx, threadID)
			switch {
			case err != nil:
				a.send(ctx, out, stream.NewError(threadID, err.Error()))
			case final != nil:
				a.send(ctx, out, stream.NewInterrupt(threadID, *final))
			default:
				a.send(ctx, out, ev)
			}
			return
		}
	}()
	return out
}

func (a *Adapter) send(ctx context.Context, out chan<- stream.Event, ev stream.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// checkInterrupt loads the runtime's current checkpoint for threadID,
// normalizes any pending interrupt payload, and raises it on the registry.
// It returns (nil, nil) when no interrupt is pending.
func (a *Adapter) checkInterrupt(ctx context.Context, threadID string) (*interrupt.Interrupt, error) {
	cp, err := a.runtime.GetState(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("get_state: %w", err)
	}
	if cp.PendingInterrupt == nil {
		return nil, nil
	}

	raw, err := normalizeInterrupt(cp.PendingInterrupt)
	if err != nil {
		return nil, fmt.Errorf("normalize interrupt: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	in := a.buildInterrupt(threadID, raw)
	if err := a.interrupts.Raise(in); err != nil && !errors.Is(err, interrupt.ErrBusy) {
		return nil, err
	}
	return &in, nil
}

func (a *Adapter) buildInterrupt(threadID string, raw *rawInterrupt) interrupt.Interrupt {
	actionRequests := make([]interrupt.ActionRequest, 0, len(raw.ActionRequests))
	for _, ar := range raw.ActionRequests {
		desc := ar.Description
		if desc == "" {
			desc = a.toolSpecs.Describe(ar.Name, ar.Arguments)
		}
		actionRequests = append(actionRequests, interrupt.ActionRequest{
			Name:        ar.Name,
			Arguments:   ar.Arguments,
			Description: desc,
		})
	}

	var deadline time.Time
	if a.ttl > 0 {
		deadline = time.Now().Add(a.ttl)
	}

	return interrupt.Interrupt{
		ThreadID:         threadID,
		ActionRequests:   actionRequests,
		AllowedDecisions: a.allowedDecisions(actionRequests, raw.AllowedDecisions),
		Deadline:         deadline,
	}
}

// allowedDecisions resolves the set of decisions an interrupt accepts. An
// explicit list on the raw payload wins; otherwise it is the intersection of
// each action request's registered tool spec (most restrictive tool governs
// a multi-call interrupt), falling back to approve/reject when a tool is
// unregistered or declares no allowed_decisions.
func (a *Adapter) allowedDecisions(reqs []interrupt.ActionRequest, explicit []interrupt.DecisionType) []interrupt.DecisionType {
	if len(explicit) > 0 {
		return explicit
	}
	fallback := []interrupt.DecisionType{interrupt.DecisionApprove, interrupt.DecisionReject}
	if len(reqs) == 0 {
		return fallback
	}

	var result []interrupt.DecisionType
	for i, ar := range reqs {
		allowed := fallback
		if spec, ok := a.toolSpecs.Lookup(ar.Name); ok && len(spec.AllowedDecisions) > 0 {
			allowed = spec.AllowedDecisions
		}
		if i == 0 {
			result = allowed
			continue
		}
		result = intersectDecisions(result, allowed)
	}
	if len(result) == 0 {
		return fallback
	}
	return result
}

func intersectDecisions(a, b []interrupt.DecisionType) []interrupt.DecisionType {
	set := make(map[interrupt.DecisionType]bool, len(b))
	for _, d := range b {
		set[d] = true
	}
	var out []interrupt.DecisionType
	for _, d := range a {
		if set[d] {
			out = append(out, d)
		}
	}
	return out
}

// rawActionRequest is the wire shape of one action_requests entry inside a
// checkpoint's pending interrupt payload.
type rawActionRequest struct {
	Name        string         `json:"name"`
	Arguments   map[string]any `json:"arguments"`
	Description string         `json:"description"`
}

// rawInterrupt is the decoded bare-payload shape: the innermost of the three
// tolerated nestings a checkpoint's pending interrupt value may appear in.
type rawInterrupt struct {
	ActionRequests   []rawActionRequest       `json:"action_requests"`
	AllowedDecisions []interrupt.DecisionType `json:"allowed_decisions,omitempty"`
}

// normalizeInterrupt unwraps a checkpoint's PendingInterrupt value through
// the three tolerated shapes described for the agent runtime interface:
//
//  1. a bare payload — a map already holding action_requests directly;
//  2. a single-element list wrapping a bare payload — []any{payload};
//  3. an object wrapping a bare payload under a "value" key — {"value": payload}.
//
// It returns (nil, nil) for a nil or empty-list value (no interrupt
// actually pending), and an error if the value is some other shape entirely.
func normalizeInterrupt(raw any) (*rawInterrupt, error) {
	for depth := 0; depth < 8; depth++ {
		switch v := raw.(type) {
		case nil:
			return nil, nil
		case []any:
			if len(v) == 0 {
				return nil, nil
			}
			raw = v[0]
		case map[string]any:
			if val, ok := v["value"]; ok && len(v) == 1 {
				raw = val
				continue
			}
			return decodeRawInterrupt(v)
		default:
			return nil, fmt.Errorf("agentadapter: unrecognized pending interrupt shape %T", raw)
		}
	}
	return nil, errors.New("agentadapter: pending interrupt nesting exceeded expected depth")
}

func decodeRawInterrupt(v map[string]any) (*rawInterrupt, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out rawInterrupt
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if len(out.ActionRequests) == 0 {
		return nil, nil
	}
	return &out, nil
}
