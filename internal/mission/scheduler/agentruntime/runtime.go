// Package agentruntime implements scheduler.InstanceRuntime directly
// against a model provider client: the non-interactive agent runtime spec
// §4.5 calls for when executing an instance task. It is adapted from
// agentadapter/inproc's step loop, with the two differences that make it
// non-interactive rather than checkpointable: there is no session.Store
// thread to persist between turns (an instance task is one bounded run, not
// a resumable conversation), and a gated tool call outside allowed_tools
// fails the task immediately instead of raising an interrupt for a human to
// resolve.
package agentruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fieldlab/missionctl/internal/mission"
	"github.com/fieldlab/missionctl/internal/mission/scheduler"
	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/modelprovider"
	"github.com/fieldlab/missionctl/internal/telemetry"
	"github.com/fieldlab/missionctl/internal/tools"
)

// Option configures a Runtime.
type Option func(*Runtime)

// WithModel pins the model identifier/class sent on every step.
func WithModel(class modelprovider.ModelClass, modelName string) Option {
	return func(r *Runtime) {
		r.modelClass = class
		r.model = modelName
	}
}

// WithMaxTokens sets the max_tokens passed to the provider on each step.
func WithMaxTokens(n int) Option {
	return func(r *Runtime) { r.maxTokens = n }
}

// WithTokenPricing sets the USD-per-token rates used to roll up
// OutputRecord.CostUSD from each step's TokenUsage. The zero value (the
// default) leaves cost accounting at $0.
func WithTokenPricing(inputUSDPerToken, outputUSDPerToken float64) Option {
	return func(r *Runtime) {
		r.inputCostPerToken = inputUSDPerToken
		r.outputCostPerToken = outputUSDPerToken
	}
}

// WithLogger overrides the runtime's logger. Defaults to a no-op.
func WithLogger(logger telemetry.Logger) Option {
	return func(r *Runtime) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Runtime is a scheduler.InstanceRuntime backed by a model provider client
// and a tool gating registry.
type Runtime struct {
	provider   modelprovider.Client
	toolSpecs  *tools.Registry
	logger     telemetry.Logger
	modelClass modelprovider.ModelClass
	model      string
	maxTokens  int

	inputCostPerToken  float64
	outputCostPerToken float64
}

// New constructs a Runtime. provider drives model calls; toolSpecs supplies
// the gating policy consulted for each proposed tool call.
func New(provider modelprovider.Client, toolSpecs *tools.Registry, opts ...Option) *Runtime {
	r := &Runtime{
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

var _ scheduler.InstanceRuntime = (*Runtime)(nil)

// RunInstance implements scheduler.InstanceRuntime: it drives up to
// req.MaxSteps model calls, auto-satisfying each schema-valid tool call that
// either needs no approval or is named in req.AllowedTools, and failing with
// scheduler.ErrRequiresApproval the moment a gated call is not, then decodes
// the final step's content into an OutputRecord.
func (r *Runtime) RunInstance(ctx context.Context, req scheduler.InstanceRequest) (mission.OutputRecord, error) {
	allowed := make(map[string]bool, len(req.AllowedTools))
	for _, name := range req.AllowedTools {
		allowed[name] = true
	}

	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}

	history := []model.Message{{Role: model.RoleUser, Content: r.seedMessage(req)}}

	start := time.Now()
	var costUSD float64

	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return mission.OutputRecord{}, err
		}

		resp, err := r.provider.Complete(ctx, &modelprovider.Request{
			ModelClass: r.modelClass,
			Model:      r.model,
			Messages:   history,
			Tools:      r.toolDefinitions(req.AllowedTools),
			MaxTokens:  r.maxTokens,
		})
		if err != nil {
			return mission.OutputRecord{}, fmt.Errorf("agentruntime: step %d: %w", step, err)
		}
		costUSD += float64(resp.Usage.InputTokens)*r.inputCostPerToken + float64(resp.Usage.OutputTokens)*r.outputCostPerToken
		history = append(history, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			rec := decodeOutputRecord(resp.Message.Content)
			rec.CostUSD = costUSD
			rec.DurationMS = time.Since(start).Milliseconds()
			return rec, nil
		}

		for _, tc := range resp.Message.ToolCalls {
			// Arguments are schema-validated before a call is accepted,
			// whether or not it requires approval: a gated call that is
			// malformed should fail here rather than reach a human reviewer.
			if err := r.toolSpecs.Validate(tc.Name, tc.Arguments); err != nil {
				return mission.OutputRecord{}, fmt.Errorf("agentruntime: %w", err)
			}
			if r.toolSpecs.RequiresApproval(tc.Name) && !allowed[tc.Name] {
				return mission.OutputRecord{}, scheduler.ErrRequiresApproval{Tool: tc.Name}
			}
			history = append(history, model.Message{
				Role:       model.RoleTool,
				ToolCallID: tc.ID,
				Content:    "ok",
			})
		}
	}

	return mission.OutputRecord{}, fmt.Errorf("agentruntime: exceeded max_steps (%d) without a final answer", maxSteps)
}

func (r *Runtime) seedMessage(req scheduler.InstanceRequest) string {
	msg := fmt.Sprintf("objectives: %s\nseed_context: %s", req.Objectives, req.SeedContext)
	for _, src := range req.StarterSources {
		msg += "\nstarter_source: " + src
	}
	for id, rec := range req.PreviousOutputs {
		b, _ := json.Marshal(rec)
		msg += fmt.Sprintf("\nprevious_output[%s]: %s", id, string(b))
	}
	return msg
}

func (r *Runtime) toolDefinitions(allowed []string) []modelprovider.ToolDefinition {
	defs := make([]modelprovider.ToolDefinition, 0, len(allowed))
	for _, name := range allowed {
		spec, ok := r.toolSpecs.Lookup(name)
		if !ok {
			continue
		}
		defs = append(defs, modelprovider.ToolDefinition{Name: spec.Name})
	}
	return defs
}

// decodeOutputRecord accepts a final step's content as a JSON-encoded
// mission.OutputRecord when the model produced one, and otherwise falls back
// to treating the whole content as a single finding so a plain-text answer
// still produces a usable record.
func decodeOutputRecord(content string) mission.OutputRecord {
	var rec mission.OutputRecord
	if err := json.Unmarshal([]byte(content), &rec); err == nil {
		return rec
	}
	if content == "" {
		return mission.OutputRecord{}
	}
	return mission.OutputRecord{Findings: []string{content}}
}
