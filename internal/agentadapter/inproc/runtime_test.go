package inproc_test

import (
	"context"
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/require"

	"github.com/fieldlab/missionctl/internal/agentadapter"
	"github.com/fieldlab/missionctl/internal/agentadapter/inproc"
	"github.com/fieldlab/missionctl/internal/interrupt"
	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/modelprovider"
	"github.com/fieldlab/missionctl/internal/session/inmem"
	"github.com/fieldlab/missionctl/internal/stream"
	"github.com/fieldlab/missionctl/internal/tools"
)

func compileSchema(t *testing.T, uri, schemaJSON string) *jsonschema.Schema {
	t.Helper()
	c := jsonschema.NewCompiler()
	require.NoError(t, c.AddResource(uri, strings.NewReader(schemaJSON)))
	sch, err := c.Compile(uri)
	require.NoError(t, err)
	return sch
}

type scriptedProvider struct {
	responses []*modelprovider.Response
	calls     int
	captured  []*modelprovider.Request
}

func (p *scriptedProvider) Complete(_ context.Context, req *modelprovider.Request) (*modelprovider.Response, error) {
	p.captured = append(p.captured, req)
	if p.calls >= len(p.responses) {
		return &modelprovider.Response{Message: model.Message{Role: model.RoleAssistant, Content: "done"}}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) Stream(context.Context, *modelprovider.Request) (modelprovider.Streamer, error) {
	return nil, modelprovider.ErrStreamingUnsupported
}

func drain(t *testing.T, ch <-chan stream.Event) []stream.Event {
	t.Helper()
	var out []stream.Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestStreamTurnAutoSatisfiesUngatedToolCalls(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(tools.Spec{Name: "lookup_weather", RequiresApproval: false})

	provider := &scriptedProvider{responses: []*modelprovider.Response{
		{Message: model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "lookup_weather"}}}},
	}}
	store := inmem.New()
	rt := inproc.New(store, provider, registry)

	events, err := rt.StreamTurn(context.Background(), "t1", []model.Message{{Role: model.RoleUser, Content: "weather?"}})
	require.NoError(t, err)
	seen := drain(t, events)
	require.NotEmpty(t, seen)
	require.Equal(t, stream.EventDone, seen[len(seen)-1].Type())

	state, err := rt.GetState(context.Background(), "t1")
	require.NoError(t, err)
	require.Nil(t, state.PendingInterrupt)

	msgs, err := store.LoadMessages(context.Background(), "t1")
	require.NoError(t, err)
	var sawToolResult bool
	for _, m := range msgs {
		if m.Role == model.RoleTool && m.ToolCallID == "c1" {
			sawToolResult = true
		}
	}
	require.True(t, sawToolResult)
}

func TestStreamTurnPausesOnGatedToolCall(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(tools.Spec{Name: "delete_file", RequiresApproval: true})

	provider := &scriptedProvider{responses: []*modelprovider.Response{
		{Message: model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "delete_file", Arguments: map[string]any{"path": "/tmp/x"}}}}},
	}}
	store := inmem.New()
	rt := inproc.New(store, provider, registry)

	events, err := rt.StreamTurn(context.Background(), "t1", []model.Message{{Role: model.RoleUser, Content: "delete it"}})
	require.NoError(t, err)
	drain(t, events)

	state, err := rt.GetState(context.Background(), "t1")
	require.NoError(t, err)
	require.NotNil(t, state.PendingInterrupt)
}

func TestResumeTurnApproveRunsToolAndContinues(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(tools.Spec{Name: "delete_file", RequiresApproval: true})

	provider := &scriptedProvider{responses: []*modelprovider.Response{
		{Message: model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "delete_file", Arguments: map[string]any{"path": "/tmp/x"}}}}},
		{Message: model.Message{Role: model.RoleAssistant, Content: "deleted."}},
	}}
	store := inmem.New()
	rt := inproc.New(store, provider, registry)

	events, err := rt.StreamTurn(context.Background(), "t1", []model.Message{{Role: model.RoleUser, Content: "delete it"}})
	require.NoError(t, err)
	drain(t, events)

	resumed, err := rt.ResumeTurn(context.Background(), "t1", interrupt.Decision{Type: interrupt.DecisionApprove})
	require.NoError(t, err)
	seen := drain(t, resumed)
	require.Equal(t, stream.EventDone, seen[len(seen)-1].Type())

	state, err := rt.GetState(context.Background(), "t1")
	require.NoError(t, err)
	require.Nil(t, state.PendingInterrupt)
}

func TestResumeTurnRejectRecordsReasonWithoutRunningTool(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(tools.Spec{Name: "delete_file", RequiresApproval: true})

	provider := &scriptedProvider{responses: []*modelprovider.Response{
		{Message: model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "delete_file"}}}},
		{Message: model.Message{Role: model.RoleAssistant, Content: "ok, skipping."}},
	}}
	store := inmem.New()
	rt := inproc.New(store, provider, registry)

	events, err := rt.StreamTurn(context.Background(), "t1", []model.Message{{Role: model.RoleUser, Content: "delete it"}})
	require.NoError(t, err)
	drain(t, events)

	resumed, err := rt.ResumeTurn(context.Background(), "t1", interrupt.Decision{Type: interrupt.DecisionReject, Message: "too risky"})
	require.NoError(t, err)
	drain(t, resumed)

	msgs, err := store.LoadMessages(context.Background(), "t1")
	require.NoError(t, err)
	var sawRejection bool
	for _, m := range msgs {
		if m.Role == model.RoleUser && m.Content == "Tool call rejected: too risky" {
			sawRejection = true
		}
		require.NotEqual(t, model.RoleTool, m.Role, "reject must not produce a tool result message")
	}
	require.True(t, sawRejection)
}

func TestResumeTurnEditUsesReplacementArguments(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(tools.Spec{Name: "send_email", RequiresApproval: true})

	provider := &scriptedProvider{responses: []*modelprovider.Response{
		{Message: model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "send_email", Arguments: map[string]any{"to": "old@example.com"}}}}},
		{Message: model.Message{Role: model.RoleAssistant, Content: "sent."}},
	}}
	store := inmem.New()
	rt := inproc.New(store, provider, registry)

	events, err := rt.StreamTurn(context.Background(), "t1", []model.Message{{Role: model.RoleUser, Content: "email them"}})
	require.NoError(t, err)
	drain(t, events)

	resumed, err := rt.ResumeTurn(context.Background(), "t1", interrupt.Decision{
		Type:                 interrupt.DecisionEdit,
		ReplacementArguments: map[string]any{"to": "new@example.com"},
	})
	require.NoError(t, err)
	drain(t, resumed)

	require.Len(t, provider.captured, 2)
}

func TestGetStateOnUnknownThreadHasNoPendingInterrupt(t *testing.T) {
	store := inmem.New()
	rt := inproc.New(store, &scriptedProvider{}, tools.NewRegistry())
	state, err := rt.GetState(context.Background(), "ghost")
	require.NoError(t, err)
	require.Nil(t, state.PendingInterrupt)
}

func TestStreamTurnRejectsUngatedCallWithInvalidArguments(t *testing.T) {
	sch := compileSchema(t, "mem://lookup_weather.json", `{
		"type": "object",
		"required": ["city"],
		"properties": {"city": {"type": "string"}}
	}`)
	registry := tools.NewRegistry()
	registry.Register(tools.Spec{Name: "lookup_weather", RequiresApproval: false, Schema: sch})

	provider := &scriptedProvider{responses: []*modelprovider.Response{
		{Message: model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "lookup_weather", Arguments: map[string]any{}}}}},
	}}
	store := inmem.New()
	rt := inproc.New(store, provider, registry)

	events, err := rt.StreamTurn(context.Background(), "t1", []model.Message{{Role: model.RoleUser, Content: "weather?"}})
	require.NoError(t, err)
	seen := drain(t, events)
	require.NotEmpty(t, seen)
	require.Equal(t, stream.EventError, seen[len(seen)-1].Type())

	state, err := rt.GetState(context.Background(), "t1")
	require.NoError(t, err)
	require.Nil(t, state.PendingInterrupt, "an invalid call must fail outright rather than pause for approval")
}

func TestResumeTurnEditRejectsInvalidReplacementArguments(t *testing.T) {
	sch := compileSchema(t, "mem://send_email.json", `{
		"type": "object",
		"required": ["to"],
		"properties": {"to": {"type": "string"}}
	}`)
	registry := tools.NewRegistry()
	registry.Register(tools.Spec{Name: "send_email", RequiresApproval: true, Schema: sch})

	provider := &scriptedProvider{responses: []*modelprovider.Response{
		{Message: model.Message{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "send_email", Arguments: map[string]any{"to": "old@example.com"}}}}},
		{Message: model.Message{Role: model.RoleAssistant, Content: "sent."}},
	}}
	store := inmem.New()
	rt := inproc.New(store, provider, registry)

	events, err := rt.StreamTurn(context.Background(), "t1", []model.Message{{Role: model.RoleUser, Content: "email them"}})
	require.NoError(t, err)
	drain(t, events)

	_, err = rt.ResumeTurn(context.Background(), "t1", interrupt.Decision{
		Type:                 interrupt.DecisionEdit,
		ReplacementArguments: map[string]any{"subject": "no recipient"},
	})
	require.Error(t, err, "edited arguments that violate the tool's schema must be rejected before dispatch")
	require.Len(t, provider.captured, 1, "the second model call must never happen when the edited arguments are invalid")
}

var _ agentadapter.Runtime = (*inproc.Runtime)(nil)
