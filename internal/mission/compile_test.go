package mission_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldlab/missionctl/internal/mission"
	"github.com/fieldlab/missionctl/internal/tools"
)

func simplePlan() mission.Plan {
	return mission.Plan{
		MissionID: "m1",
		AgentInstances: []mission.AgentInstance{
			{InstanceID: "a1", AgentType: "researcher"},
			{InstanceID: "a2", AgentType: "researcher"},
			{InstanceID: "b1", AgentType: "writer"},
		},
		SubStages: []mission.SubStage{
			{SubStageID: "research", AgentInstances: []string{"a1", "a2"}, ExecutionMode: mission.ExecutionParallel, OutputAggregation: mission.AggregationMergeAll},
			{SubStageID: "write", AgentInstances: []string{"b1"}, ExecutionMode: mission.ExecutionParallel, DependsOnSubStages: []string{"research"}, OutputAggregation: mission.AggregationMergeAll},
		},
		Stages: []mission.Stage{
			{StageID: "stage1", SubStages: []string{"research", "write"}, ExecutionMode: mission.ExecutionSequential},
		},
	}
}

func TestCompileProducesDeterministicTaskIDs(t *testing.T) {
	graph, err := mission.Compile(simplePlan(), nil)
	require.NoError(t, err)

	require.Contains(t, graph.Tasks, "instance::m1::a1")
	require.Contains(t, graph.Tasks, "instance::m1::a2")
	require.Contains(t, graph.Tasks, "instance::m1::b1")
	require.Contains(t, graph.Tasks, "substage_reduce::m1::research")
	require.Contains(t, graph.Tasks, "substage_reduce::m1::write")
}

func TestCompileIsIdempotentAcrossRecompiles(t *testing.T) {
	g1, err := mission.Compile(simplePlan(), nil)
	require.NoError(t, err)
	g2, err := mission.Compile(simplePlan(), nil)
	require.NoError(t, err)
	require.Equal(t, g1, g2)
}

func TestCompileRootsAreZeroDependencyInstanceTasks(t *testing.T) {
	graph, err := mission.Compile(simplePlan(), nil)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"instance::m1::a1", "instance::m1::a2"}, graph.Roots)
}

func TestCompileReduceTaskDependsOnAllMembers(t *testing.T) {
	graph, err := mission.Compile(simplePlan(), nil)
	require.NoError(t, err)
	reduce := graph.Tasks["substage_reduce::m1::research"]
	require.ElementsMatch(t, []string{"instance::m1::a1", "instance::m1::a2"}, reduce.DependsOn)
}

func TestCompileInstanceTaskDependsOnUpstreamReduce(t *testing.T) {
	graph, err := mission.Compile(simplePlan(), nil)
	require.NoError(t, err)
	writeTask := graph.Tasks["instance::m1::b1"]
	require.Contains(t, writeTask.DependsOn, "substage_reduce::m1::research")
}

func TestCompileRejectsUnknownInstanceReference(t *testing.T) {
	plan := simplePlan()
	plan.SubStages[0].AgentInstances = append(plan.SubStages[0].AgentInstances, "ghost")
	_, err := mission.Compile(plan, nil)
	require.Error(t, err)
	var ce *mission.CompileError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "dag_membership", ce.Errors[0].Invariant)
}

func TestCompileRejectsInstanceNotOwnedByAnySubStage(t *testing.T) {
	plan := simplePlan()
	plan.AgentInstances = append(plan.AgentInstances, mission.AgentInstance{InstanceID: "orphan"})
	_, err := mission.Compile(plan, nil)
	require.Error(t, err)
	var ce *mission.CompileError
	require.True(t, errors.As(err, &ce))
	found := false
	for _, ve := range ce.Errors {
		if ve.Invariant == "dag_membership" {
			found = true
		}
	}
	require.True(t, found)
}

func TestCompileRejectsSubStageWithZeroAgentInstances(t *testing.T) {
	plan := simplePlan()
	plan.SubStages = append(plan.SubStages, mission.SubStage{
		SubStageID:         "empty",
		ExecutionMode:      mission.ExecutionParallel,
		OutputAggregation:  mission.AggregationMergeAll,
		DependsOnSubStages: []string{"write"},
	})
	plan.Stages[0].SubStages = append(plan.Stages[0].SubStages, "empty")

	_, err := mission.Compile(plan, nil)
	require.Error(t, err)
	var ce *mission.CompileError
	require.True(t, errors.As(err, &ce))
	found := false
	for _, ve := range ce.Errors {
		if ve.Invariant == "dag_membership" {
			found = true
		}
	}
	require.True(t, found)
}

func TestCompileRejectsCycle(t *testing.T) {
	plan := mission.Plan{
		MissionID: "m1",
		AgentInstances: []mission.AgentInstance{
			{InstanceID: "a1"},
			{InstanceID: "b1"},
		},
		SubStages: []mission.SubStage{
			{SubStageID: "s1", AgentInstances: []string{"a1"}, DependsOnSubStages: []string{"s2"}},
			{SubStageID: "s2", AgentInstances: []string{"b1"}, DependsOnSubStages: []string{"s1"}},
		},
		Stages: []mission.Stage{
			{StageID: "g1", SubStages: []string{"s1", "s2"}},
		},
	}
	_, err := mission.Compile(plan, nil)
	require.Error(t, err)
	var ce *mission.CompileError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "acyclic", ce.Errors[0].Invariant)
}

func TestCompileRejectsForwardReferenceWithinParallelSubStage(t *testing.T) {
	plan := simplePlan()
	plan.AgentInstances[0].RequiresOutputsFrom = []string{"a2"} // a1 -> a2, same parallel sub_stage
	_, err := mission.Compile(plan, nil)
	require.Error(t, err)
	var ce *mission.CompileError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "output_dependency", ce.Errors[0].Invariant)
}

func TestCompileAllowsPriorSiblingReferenceInSequentialSubStage(t *testing.T) {
	plan := simplePlan()
	plan.SubStages[0].ExecutionMode = mission.ExecutionSequential
	plan.AgentInstances[1].RequiresOutputsFrom = []string{"a1"} // a2 -> a1, a1 precedes a2 in the list
	graph, err := mission.Compile(plan, nil)
	require.NoError(t, err)
	a2 := graph.Tasks["instance::m1::a2"]
	require.Contains(t, a2.DependsOn, "instance::m1::a1")
}

func TestCompileRejectsLaterSiblingReferenceEvenInSequentialSubStage(t *testing.T) {
	plan := simplePlan()
	plan.SubStages[0].ExecutionMode = mission.ExecutionSequential
	plan.AgentInstances[0].RequiresOutputsFrom = []string{"a2"} // a1 -> a2, a2 comes after a1
	_, err := mission.Compile(plan, nil)
	require.Error(t, err)
	var ce *mission.CompileError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "output_dependency", ce.Errors[0].Invariant)
}

func TestCompileAllowsCrossSubStageReferenceWhenDependencyDeclared(t *testing.T) {
	plan := simplePlan()
	plan.AgentInstances[2].RequiresOutputsFrom = []string{"a1"} // b1 depends on a1, write depends on research
	graph, err := mission.Compile(plan, nil)
	require.NoError(t, err)
	b1 := graph.Tasks["instance::m1::b1"]
	require.Contains(t, b1.DependsOn, "instance::m1::a1")
}

func TestCompileRejectsCrossSubStageReferenceWithoutDependency(t *testing.T) {
	plan := simplePlan()
	plan.AgentInstances[0].RequiresOutputsFrom = []string{"b1"} // a1 depends on b1, but write depends on research, not vice versa
	_, err := mission.Compile(plan, nil)
	require.Error(t, err)
	var ce *mission.CompileError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "output_dependency", ce.Errors[0].Invariant)
}

func TestCompileRejectsUnknownTool(t *testing.T) {
	plan := simplePlan()
	plan.AgentInstances[0].AllowedTools = []string{"web_search"}
	registry := tools.NewRegistry()

	_, err := mission.Compile(plan, registry)
	require.Error(t, err)
	var ce *mission.CompileError
	require.True(t, errors.As(err, &ce))
	require.Equal(t, "allowed_tools", ce.Errors[0].Invariant)
}

func TestCompileAllowsRegisteredTool(t *testing.T) {
	plan := simplePlan()
	plan.AgentInstances[0].AllowedTools = []string{"web_search"}
	registry := tools.NewRegistry()
	registry.Register(tools.Spec{Name: "web_search"})

	_, err := mission.Compile(plan, registry)
	require.NoError(t, err)
}
