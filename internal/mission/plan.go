// Package mission implements the plan compiler (C4): it turns an approved
// mission plan literal into an immutable TaskGraph the scheduler (C5, see
// internal/mission/scheduler) drives to completion. Compilation is pure and
// deterministic — the same plan always compiles to the same graph, which is
// what lets the scheduler resume a mission idempotently after a restart.
package mission

import "time"

// ExecutionMode is a sub-stage's or stage's declared mode. The compiler uses
// a sub-stage's mode only to decide whether an instance may take output from
// an earlier sibling (sequential); it adds no ordering between members on its
// own, so members without requires_outputs_from are admitted together in
// either mode.
type ExecutionMode string

const (
	ExecutionParallel   ExecutionMode = "parallel"
	ExecutionSequential ExecutionMode = "sequential"
)

// OutputAggregation selects how a sub-stage reduce task combines its
// members' output records.
type OutputAggregation string

const (
	AggregationMergeAll  OutputAggregation = "merge_all"
	AggregationBestOf    OutputAggregation = "best_of"
	AggregationConsensus OutputAggregation = "consensus"
)

// AgentInstance is one worker agent invocation: a single instance task once
// compiled.
type AgentInstance struct {
	InstanceID          string
	AgentType           string
	Objectives          string
	SeedContext         string
	StarterSources      []string
	AllowedTools        []string
	RequiresOutputsFrom []string
	MaxSteps            int
	Timeout             time.Duration

	// MaxAttempts bounds retries of this instance task (§4.5 Retry). Zero
	// defers to the compiler's default of 1 (no retry).
	MaxAttempts int
}

// SubStage groups a set of agent instances that reduce to a single output
// record once all members have succeeded.
type SubStage struct {
	SubStageID         string
	AgentInstances     []string
	ExecutionMode      ExecutionMode
	DependsOnSubStages []string
	OutputAggregation  OutputAggregation
}

// Stage groups a set of sub-stages. Stages exist only to express
// dependencies between whole groups of sub-stages; a stage itself compiles
// to no task of its own.
type Stage struct {
	StageID         string
	SubStages       []string
	ExecutionMode   ExecutionMode
	DependsOnStages []string
}

// Plan is the approved mission plan literal, the Compile function's input.
type Plan struct {
	MissionID      string
	AgentInstances []AgentInstance
	SubStages      []SubStage
	Stages         []Stage

	// FailFast selects the failure policy (§4.5): nil defers to the
	// scheduler's configured default (config.Config.FailFastDefault).
	FailFast *bool
}
