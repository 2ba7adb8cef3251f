package agentadapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldlab/missionctl/internal/interrupt"
	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/stream"
	"github.com/fieldlab/missionctl/internal/tools"
)

type stubRuntime struct {
	streamEvents []stream.Event
	resumeEvents []stream.Event
	state        Checkpoint
	stateErr     error
	resumeCalls  []interrupt.Decision
}

func (s *stubRuntime) StreamTurn(context.Context, string, []model.Message) (<-chan stream.Event, error) {
	ch := make(chan stream.Event, len(s.streamEvents))
	for _, ev := range s.streamEvents {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (s *stubRuntime) ResumeTurn(_ context.Context, _ string, decision interrupt.Decision) (<-chan stream.Event, error) {
	s.resumeCalls = append(s.resumeCalls, decision)
	ch := make(chan stream.Event, len(s.resumeEvents))
	for _, ev := range s.resumeEvents {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (s *stubRuntime) GetState(context.Context, string) (Checkpoint, error) {
	return s.state, s.stateErr
}

func drain(t *testing.T, ch <-chan stream.Event) []stream.Event {
	t.Helper()
	var out []stream.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStreamTurnForwardsDoneWhenNoInterruptPending(t *testing.T) {
	rt := &stubRuntime{
		streamEvents: []stream.Event{stream.NewContentDelta("t1", "hello"), stream.NewDone("t1")},
	}
	reg := interrupt.New(nil, nil)
	adapter := New(rt, reg, tools.NewRegistry())

	ch, err := adapter.StreamTurn(context.Background(), "t1", "hi")
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 2)
	require.Equal(t, stream.EventContentDelta, events[0].Type())
	require.Equal(t, stream.EventDone, events[1].Type())
}

func TestStreamTurnRaisesInterruptInPlaceOfDone(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Spec{
		Name:             "delete_file",
		RequiresApproval: true,
		AllowedDecisions: []interrupt.DecisionType{interrupt.DecisionApprove, interrupt.DecisionReject},
	})

	rt := &stubRuntime{
		streamEvents: []stream.Event{stream.NewDone("t1")},
		state: Checkpoint{
			PendingInterrupt: map[string]any{
				"action_requests": []any{
					map[string]any{"name": "delete_file", "arguments": map[string]any{"path": "/tmp/x"}},
				},
			},
		},
	}
	registry := interrupt.New(nil, nil)
	adapter := New(rt, registry, reg)

	ch, err := adapter.StreamTurn(context.Background(), "t1", "delete it")
	require.NoError(t, err)

	events := drain(t, ch)
	require.Len(t, events, 1)
	require.Equal(t, stream.EventInterrupt, events[0].Type())

	ev := events[0].(stream.Interrupt)
	require.Equal(t, "t1", ev.ThreadID())
	require.Len(t, ev.Payload.ActionRequests, 1)
	require.Equal(t, "delete_file", ev.Payload.ActionRequests[0].Name)
	require.ElementsMatch(t, []interrupt.DecisionType{interrupt.DecisionApprove, interrupt.DecisionReject}, ev.Payload.AllowedDecisions)

	pending, ok := registry.Pending("t1")
	require.True(t, ok)
	require.Equal(t, "delete_file", pending.ActionRequests[0].Name)
}

func TestStreamTurnToleratesListOfOneShape(t *testing.T) {
	rt := &stubRuntime{
		streamEvents: []stream.Event{stream.NewDone("t1")},
		state: Checkpoint{
			PendingInterrupt: []any{
				map[string]any{"action_requests": []any{
					map[string]any{"name": "send_email"},
				}},
			},
		},
	}
	adapter := New(rt, interrupt.New(nil, nil), tools.NewRegistry())

	ch, err := adapter.StreamTurn(context.Background(), "t1", "go")
	require.NoError(t, err)
	events := drain(t, ch)
	require.Len(t, events, 1)
	require.Equal(t, stream.EventInterrupt, events[0].Type())
}

func TestStreamTurnToleratesValueWrapperShape(t *testing.T) {
	rt := &stubRuntime{
		streamEvents: []stream.Event{stream.NewDone("t1")},
		state: Checkpoint{
			PendingInterrupt: map[string]any{
				"value": map[string]any{"action_requests": []any{
					map[string]any{"name": "send_email"},
				}},
			},
		},
	}
	adapter := New(rt, interrupt.New(nil, nil), tools.NewRegistry())

	ch, err := adapter.StreamTurn(context.Background(), "t1", "go")
	require.NoError(t, err)
	events := drain(t, ch)
	require.Len(t, events, 1)
	require.Equal(t, stream.EventInterrupt, events[0].Type())
}

func TestStreamTurnEmptyListIsNotAnInterrupt(t *testing.T) {
	rt := &stubRuntime{
		streamEvents: []stream.Event{stream.NewDone("t1")},
		state:        Checkpoint{PendingInterrupt: []any{}},
	}
	adapter := New(rt, interrupt.New(nil, nil), tools.NewRegistry())

	ch, err := adapter.StreamTurn(context.Background(), "t1", "go")
	require.NoError(t, err)
	events := drain(t, ch)
	require.Len(t, events, 1)
	require.Equal(t, stream.EventDone, events[0].Type())
}

func TestStreamTurnGetStateErrorYieldsErrorEvent(t *testing.T) {
	rt := &stubRuntime{
		streamEvents: []stream.Event{stream.NewDone("t1")},
		stateErr:     errors.New("boom"),
	}
	adapter := New(rt, interrupt.New(nil, nil), tools.NewRegistry())

	ch, err := adapter.StreamTurn(context.Background(), "t1", "go")
	require.NoError(t, err)
	events := drain(t, ch)
	require.Len(t, events, 1)
	require.Equal(t, stream.EventError, events[0].Type())
}

func TestResumeTurnForwardsDecisionToRuntime(t *testing.T) {
	rt := &stubRuntime{resumeEvents: []stream.Event{stream.NewDone("t1")}}
	adapter := New(rt, interrupt.New(nil, nil), tools.NewRegistry())

	ch, err := adapter.ResumeTurn(context.Background(), "t1", interrupt.Decision{Type: interrupt.DecisionApprove})
	require.NoError(t, err)
	drain(t, ch)
	require.Len(t, rt.resumeCalls, 1)
	require.Equal(t, interrupt.DecisionApprove, rt.resumeCalls[0].Type)
}

func TestAllowedDecisionsIntersectsAcrossMultipleActionRequests(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(tools.Spec{
		Name:             "tool_a",
		RequiresApproval: true,
		AllowedDecisions: []interrupt.DecisionType{interrupt.DecisionApprove, interrupt.DecisionEdit, interrupt.DecisionReject},
	})
	registry.Register(tools.Spec{
		Name:             "tool_b",
		RequiresApproval: true,
		AllowedDecisions: []interrupt.DecisionType{interrupt.DecisionApprove, interrupt.DecisionReject},
	})

	rt := &stubRuntime{
		streamEvents: []stream.Event{stream.NewDone("t1")},
		state: Checkpoint{
			PendingInterrupt: map[string]any{
				"action_requests": []any{
					map[string]any{"name": "tool_a"},
					map[string]any{"name": "tool_b"},
				},
			},
		},
	}
	adapter := New(rt, interrupt.New(nil, nil), registry)

	ch, err := adapter.StreamTurn(context.Background(), "t1", "go")
	require.NoError(t, err)
	events := drain(t, ch)
	ev := events[0].(stream.Interrupt)
	require.ElementsMatch(t, []interrupt.DecisionType{interrupt.DecisionApprove, interrupt.DecisionReject}, ev.Payload.AllowedDecisions)
}
