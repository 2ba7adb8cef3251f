package tools

import (
	"strings"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/stretchr/testify/require"

	"github.com/fieldlab/missionctl/internal/interrupt"
)

func compileSchema(t *testing.T, uri, schemaJSON string) *jsonschema.Schema {
	t.Helper()
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	require.NoError(t, err)
	require.NoError(t, c.AddResource(uri, doc))
	sch, err := c.Compile(uri)
	require.NoError(t, err)
	return sch
}

func TestRequiresApprovalDefaultsClosedForUnknownTool(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.RequiresApproval("delete_file"))
}

func TestRequiresApprovalReflectsSpec(t *testing.T) {
	r := NewRegistry()
	r.Register(Spec{Name: "search_web", RequiresApproval: false})
	r.Register(Spec{Name: "delete_file", RequiresApproval: true, AllowedDecisions: []interrupt.DecisionType{
		interrupt.DecisionApprove, interrupt.DecisionEdit, interrupt.DecisionReject,
	}})

	require.False(t, r.RequiresApproval("search_web"))
	require.True(t, r.RequiresApproval("delete_file"))
}

func TestValidateUnknownToolReturnsErrUnknownTool(t *testing.T) {
	r := NewRegistry()
	err := r.Validate("ghost_tool", nil)
	require.ErrorAs(t, err, &ErrUnknownTool{})
}

func TestValidateAcceptsSchemaCompliantArguments(t *testing.T) {
	sch := compileSchema(t, "mem://create_research_plan.json", `{
		"type": "object",
		"required": ["topic", "budget"],
		"properties": {
			"topic": {"type": "string"},
			"budget": {"type": "number"}
		}
	}`)
	r := NewRegistry()
	r.Register(Spec{Name: "create_research_plan", RequiresApproval: true, Schema: sch})

	err := r.Validate("create_research_plan", map[string]any{"topic": "X", "budget": 30.0})
	require.NoError(t, err)
}

func TestValidateRejectsSchemaViolatingArguments(t *testing.T) {
	sch := compileSchema(t, "mem://create_research_plan2.json", `{
		"type": "object",
		"required": ["topic", "budget"],
		"properties": {
			"topic": {"type": "string"},
			"budget": {"type": "number"}
		}
	}`)
	r := NewRegistry()
	r.Register(Spec{Name: "create_research_plan", RequiresApproval: true, Schema: sch})

	err := r.Validate("create_research_plan", map[string]any{"topic": "X"})
	require.Error(t, err)
}

func TestDescribeFallsBackWhenNoDescriber(t *testing.T) {
	r := NewRegistry()
	r.Register(Spec{Name: "noop_tool"})
	require.Equal(t, "call noop_tool", r.Describe("noop_tool", nil))
}

func TestDescribeUsesRegisteredDescriber(t *testing.T) {
	r := NewRegistry()
	r.Register(Spec{
		Name: "create_research_plan",
		Describe: func(args map[string]any) string {
			return "create a research plan for " + args["topic"].(string)
		},
	})
	got := r.Describe("create_research_plan", map[string]any{"topic": "pumps"})
	require.Equal(t, "create a research plan for pumps", got)
}
