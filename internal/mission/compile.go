package mission

import (
	"fmt"

	"github.com/fieldlab/missionctl/internal/tools"
)

// ToolChecker is the tool registry collaborator the allowed-tools check
// validates allowed_tools against. *tools.Registry satisfies this directly.
type ToolChecker interface {
	Lookup(name string) (tools.Spec, bool)
}

// Compile translates an approved Plan into an immutable TaskGraph, or
// reports every validation violation found. No partial graph is ever
// returned alongside an error.
func Compile(plan Plan, toolRegistry ToolChecker) (*TaskGraph, error) {
	c := &compiler{plan: plan, toolRegistry: toolRegistry}
	return c.run()
}

type compiler struct {
	plan         Plan
	toolRegistry ToolChecker

	instances map[string]AgentInstance
	subStages map[string]SubStage
	stages    map[string]Stage

	// owningSubStage maps an instance_id to the sub_stage_id whose
	// AgentInstances list names it.
	owningSubStage map[string]string
	// owningStage maps a sub_stage_id to the stage_id whose SubStages list
	// names it.
	owningStage map[string]string
}

func (c *compiler) run() (*TaskGraph, error) {
	c.index()

	var errs []ValidationError
	errs = append(errs, c.checkReferences()...) // dag_membership
	errs = append(errs, c.checkRequiresOutputsFrom()...) // output_dependency
	errs = append(errs, c.checkAllowedTools()...)        // allowed_tools
	if len(errs) > 0 {
		return nil, &CompileError{Errors: errs}
	}

	graph := c.buildGraph()

	if cycleErrs := c.checkAcyclic(graph); len(cycleErrs) > 0 { // acyclic
		return nil, &CompileError{Errors: cycleErrs}
	}

	c.computeRoots(graph)
	return graph, nil
}

func (c *compiler) index() {
	c.instances = make(map[string]AgentInstance, len(c.plan.AgentInstances))
	for _, inst := range c.plan.AgentInstances {
		c.instances[inst.InstanceID] = inst
	}
	c.subStages = make(map[string]SubStage, len(c.plan.SubStages))
	for _, ss := range c.plan.SubStages {
		c.subStages[ss.SubStageID] = ss
	}
	c.stages = make(map[string]Stage, len(c.plan.Stages))
	for _, st := range c.plan.Stages {
		c.stages[st.StageID] = st
	}

	c.owningSubStage = make(map[string]string)
	for _, ss := range c.plan.SubStages {
		for _, instID := range ss.AgentInstances {
			c.owningSubStage[instID] = ss.SubStageID
		}
	}
	c.owningStage = make(map[string]string)
	for _, st := range c.plan.Stages {
		for _, ssID := range st.SubStages {
			c.owningStage[ssID] = st.StageID
		}
	}
}

// checkReferences validates dag_membership: every instance_id referenced in a sub-stage
// exists in agent_instances; every sub_stage_id in a stage exists in
// sub_stages. It also rejects an instance or sub-stage that belongs to more
// than one owner (membership must be exactly one-to-one for dependency
// derivation to be well-defined) and one that belongs to none.
func (c *compiler) checkReferences() []ValidationError {
	var errs []ValidationError

	membership := make(map[string]int)
	for _, ss := range c.plan.SubStages {
		if len(ss.AgentInstances) == 0 {
			errs = append(errs, ValidationError{"dag_membership", fmt.Sprintf("sub_stage %q has zero agent instances", ss.SubStageID)})
		}
		for _, instID := range ss.AgentInstances {
			if _, ok := c.instances[instID]; !ok {
				errs = append(errs, ValidationError{"dag_membership", fmt.Sprintf("sub_stage %q references unknown agent instance %q", ss.SubStageID, instID)})
				continue
			}
			membership[instID]++
		}
	}
	for id := range c.instances {
		switch membership[id] {
		case 0:
			errs = append(errs, ValidationError{"dag_membership", fmt.Sprintf("agent instance %q does not belong to any sub_stage", id)})
		case 1:
		default:
			errs = append(errs, ValidationError{"dag_membership", fmt.Sprintf("agent instance %q belongs to more than one sub_stage", id)})
		}
	}

	stageMembership := make(map[string]int)
	for _, st := range c.plan.Stages {
		for _, ssID := range st.SubStages {
			if _, ok := c.subStages[ssID]; !ok {
				errs = append(errs, ValidationError{"dag_membership", fmt.Sprintf("stage %q references unknown sub_stage %q", st.StageID, ssID)})
				continue
			}
			stageMembership[ssID]++
		}
	}
	for id := range c.subStages {
		switch stageMembership[id] {
		case 0:
			errs = append(errs, ValidationError{"dag_membership", fmt.Sprintf("sub_stage %q does not belong to any stage", id)})
		case 1:
		default:
			errs = append(errs, ValidationError{"dag_membership", fmt.Sprintf("sub_stage %q belongs to more than one stage", id)})
		}
	}

	for _, ss := range c.plan.SubStages {
		for _, dep := range ss.DependsOnSubStages {
			if _, ok := c.subStages[dep]; !ok {
				errs = append(errs, ValidationError{"dag_membership", fmt.Sprintf("sub_stage %q depends on unknown sub_stage %q", ss.SubStageID, dep)})
			}
		}
	}
	for _, st := range c.plan.Stages {
		for _, dep := range st.DependsOnStages {
			if _, ok := c.stages[dep]; !ok {
				errs = append(errs, ValidationError{"dag_membership", fmt.Sprintf("stage %q depends on unknown stage %q", st.StageID, dep)})
			}
		}
	}
	for _, inst := range c.plan.AgentInstances {
		for _, dep := range inst.RequiresOutputsFrom {
			if _, ok := c.instances[dep]; !ok {
				errs = append(errs, ValidationError{"dag_membership", fmt.Sprintf("agent instance %q requires output from unknown instance %q", inst.InstanceID, dep)})
			}
		}
	}
	return errs
}

// checkRequiresOutputsFrom validates output_dependency: a requires_outputs_from reference
// must either name a prior sibling in the same sequential sub-stage, or an
// instance whose owning sub-stage is reachable via sub-stage/stage
// dependency edges.
func (c *compiler) checkRequiresOutputsFrom() []ValidationError {
	var errs []ValidationError
	for _, inst := range c.plan.AgentInstances {
		citerSubStageID, ok := c.owningSubStage[inst.InstanceID]
		if !ok {
			continue // already reported by dag_membership
		}
		citerSubStage := c.subStages[citerSubStageID]

		for _, dep := range inst.RequiresOutputsFrom {
			depSubStageID, ok := c.owningSubStage[dep]
			if !ok {
				continue // already reported by dag_membership
			}

			if depSubStageID == citerSubStageID {
				if citerSubStage.ExecutionMode != ExecutionSequential {
					errs = append(errs, ValidationError{"output_dependency", fmt.Sprintf(
						"agent instance %q requires output from %q in the same parallel sub_stage %q",
						inst.InstanceID, dep, citerSubStageID)})
					continue
				}
				if !isPriorSibling(citerSubStage.AgentInstances, dep, inst.InstanceID) {
					errs = append(errs, ValidationError{"output_dependency", fmt.Sprintf(
						"agent instance %q requires output from %q, which is not an earlier sibling in sequential sub_stage %q",
						inst.InstanceID, dep, citerSubStageID)})
				}
				continue
			}

			if !c.subStageReachable(citerSubStageID, depSubStageID) {
				errs = append(errs, ValidationError{"output_dependency", fmt.Sprintf(
					"agent instance %q requires output from %q, whose sub_stage %q is not a dependency of %q",
					inst.InstanceID, dep, depSubStageID, citerSubStageID)})
			}
		}
	}
	return errs
}

// isPriorSibling reports whether dep appears before self in order.
func isPriorSibling(order []string, dep, self string) bool {
	depIdx, selfIdx := -1, -1
	for i, id := range order {
		if id == dep {
			depIdx = i
		}
		if id == self {
			selfIdx = i
		}
	}
	return depIdx >= 0 && selfIdx >= 0 && depIdx < selfIdx
}

// subStageReachable reports whether target is reachable from source via
// direct sub-stage dependencies or via the stage-level dependency each
// sub-stage's owning stage declares, transitively.
func (c *compiler) subStageReachable(source, target string) bool {
	visited := map[string]bool{source: true}
	queue := []string{source}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		curSubStage, ok := c.subStages[cur]
		if !ok {
			continue
		}
		neighbors := append([]string{}, curSubStage.DependsOnSubStages...)

		if stageID, ok := c.owningStage[cur]; ok {
			if stage, ok := c.stages[stageID]; ok {
				for _, depStageID := range stage.DependsOnStages {
					if depStage, ok := c.stages[depStageID]; ok {
						neighbors = append(neighbors, depStage.SubStages...)
					}
				}
			}
		}

		for _, n := range neighbors {
			if n == target {
				return true
			}
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}

// checkAllowedTools validates allowed_tools: every tool name in allowed_tools is
// registered.
func (c *compiler) checkAllowedTools() []ValidationError {
	var errs []ValidationError
	if c.toolRegistry == nil {
		return errs
	}
	for _, inst := range c.plan.AgentInstances {
		for _, toolName := range inst.AllowedTools {
			if _, ok := c.toolRegistry.Lookup(toolName); !ok {
				errs = append(errs, ValidationError{"allowed_tools", fmt.Sprintf(
					"agent instance %q allows unknown tool %q", inst.InstanceID, toolName)})
			}
		}
	}
	return errs
}

func (c *compiler) buildGraph() *TaskGraph {
	tasks := make(map[string]Task, len(c.instances)+len(c.subStages))

	for _, inst := range c.plan.AgentInstances {
		id := InstanceTaskID(c.plan.MissionID, inst.InstanceID)
		subStageID := c.owningSubStage[inst.InstanceID]
		subStage := c.subStages[subStageID]

		dependsOn := make(map[string]struct{})
		for _, dep := range subStage.DependsOnSubStages {
			dependsOn[ReduceTaskID(c.plan.MissionID, dep)] = struct{}{}
		}
		if stageID, ok := c.owningStage[subStageID]; ok {
			if stage, ok := c.stages[stageID]; ok {
				for _, depStageID := range stage.DependsOnStages {
					if depStage, ok := c.stages[depStageID]; ok {
						for _, depSubStageID := range depStage.SubStages {
							dependsOn[ReduceTaskID(c.plan.MissionID, depSubStageID)] = struct{}{}
						}
					}
				}
			}
		}
		for _, dep := range inst.RequiresOutputsFrom {
			dependsOn[InstanceTaskID(c.plan.MissionID, dep)] = struct{}{}
		}

		maxAttempts := inst.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		tasks[id] = Task{
			ID:          id,
			Kind:        TaskKindInstance,
			DependsOn:   setToSortedSlice(dependsOn),
			State:       TaskPending,
			MaxAttempts: maxAttempts,
			Payload:     InstancePayload{Instance: inst, SubStageID: subStageID},
		}
	}

	for _, ss := range c.plan.SubStages {
		id := ReduceTaskID(c.plan.MissionID, ss.SubStageID)
		dependsOn := make([]string, 0, len(ss.AgentInstances))
		for _, instID := range ss.AgentInstances {
			dependsOn = append(dependsOn, InstanceTaskID(c.plan.MissionID, instID))
		}
		tasks[id] = Task{
			ID:          id,
			Kind:        TaskKindReduce,
			DependsOn:   dependsOn,
			State:       TaskPending,
			MaxAttempts: 1, // reduce tasks are never retried
			Payload:     ReducePayload{SubStage: ss, MemberInstances: ss.AgentInstances},
		}
	}

	return &TaskGraph{MissionID: c.plan.MissionID, Tasks: tasks, FailFast: c.plan.FailFast}
}

func setToSortedSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	// Deterministic output so recompiling the same plan produces byte-equal
	// DependsOn ordering.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// checkAcyclic validates acyclic via Kahn's algorithm over the compiled task
// graph: a non-empty remainder after exhausting all zero-in-degree nodes
// means a cycle exists among those remaining tasks.
func (c *compiler) checkAcyclic(graph *TaskGraph) []ValidationError {
	inDegree := make(map[string]int, len(graph.Tasks))
	dependents := make(map[string][]string)
	for id, t := range graph.Tasks {
		inDegree[id] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if processed == len(graph.Tasks) {
		return nil
	}

	var cyclic []string
	for id, deg := range inDegree {
		if deg > 0 {
			cyclic = append(cyclic, id)
		}
	}
	return []ValidationError{{"acyclic", fmt.Sprintf("dependency cycle detected among tasks: %v", cyclic)}}
}

func (c *compiler) computeRoots(graph *TaskGraph) {
	var roots []string
	for id, t := range graph.Tasks {
		if len(t.DependsOn) == 0 {
			roots = append(roots, id)
		}
	}
	for i := 1; i < len(roots); i++ {
		for j := i; j > 0 && roots[j-1] > roots[j]; j-- {
			roots[j-1], roots[j] = roots[j], roots[j-1]
		}
	}
	graph.Roots = roots
}
