package mission

// TaskKind distinguishes an agent-instance task from a sub-stage reduce
// task; Task.Payload is typed accordingly.
type TaskKind string

const (
	TaskKindInstance TaskKind = "instance"
	TaskKindReduce   TaskKind = "reduce"
)

// TaskState is a task's position in its lifecycle. Only the scheduler (C5)
// mutates this field; the compiler only ever produces Pending tasks.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// InstancePayload is the Payload of an instance task: the agent invocation
// to run, plus the sub-stage it belongs to (carried for the reduce task that
// later collects its output).
type InstancePayload struct {
	Instance   AgentInstance
	SubStageID string
}

// ReducePayload is the Payload of a reduce task: the sub-stage being reduced
// and the instance-task ids whose outputs it combines, in source-list order
// (the order merge_all preserves and consensus/best_of tie-break against).
type ReducePayload struct {
	SubStage        SubStage
	MemberInstances []string
}

// OutputRecord is the structured result of one task, keyed by instance_id
// (instance tasks) or sub_stage_id (reduce tasks). Written exactly once per
// task on success.
type OutputRecord struct {
	ObjectivesCompleted []string
	Findings            []string
	EntitiesDiscovered  []string
	FileRefs            []string

	// CostUSD and DurationMS are rolled up from the model calls an instance
	// task made (or, for a reduce task, summed across its members by
	// aggregate.mergeAll) so a mission's total cost and wall time can be
	// reported without re-deriving them from raw token usage after the fact.
	CostUSD    float64
	DurationMS int64
}

// Task is one node of a compiled TaskGraph.
type Task struct {
	ID   string
	Kind TaskKind

	// DependsOn lists task ids that must reach TaskSucceeded before this
	// task may become TaskReady.
	DependsOn []string

	State       TaskState
	Attempts    int
	MaxAttempts int // instance tasks only; reduce tasks are never retried

	// Payload is an InstancePayload or ReducePayload depending on Kind.
	Payload any

	Result *OutputRecord
	Error  string
}

// TaskGraph is the immutable output of a successful Compile call.
type TaskGraph struct {
	MissionID string
	Tasks     map[string]Task
	Roots     []string

	// FailFast mirrors Plan.FailFast: nil means the plan omitted the field
	// and the scheduler's configured fail_fast_default applies.
	FailFast *bool
}

// InstanceTaskID returns the deterministic task id for an agent instance
// within a mission, so re-compiling the same plan produces the same graph.
func InstanceTaskID(missionID, instanceID string) string {
	return "instance::" + missionID + "::" + instanceID
}

// ReduceTaskID returns the deterministic task id for a sub-stage reduce
// within a mission.
func ReduceTaskID(missionID, subStageID string) string {
	return "substage_reduce::" + missionID + "::" + subStageID
}

// ExecutionResult is the mission-wide summary the scheduler hands back
// alongside a RunMission error: every task's final state plus the
// aggregate cost and duration rolled up from their OutputRecords.
type ExecutionResult struct {
	MissionID string
	Tasks     map[string]Task
}

// TotalCostUSD sums CostUSD across every task that produced a result.
func (r *ExecutionResult) TotalCostUSD() float64 {
	var total float64
	for _, t := range r.Tasks {
		if t.Result != nil {
			total += t.Result.CostUSD
		}
	}
	return total
}

// TotalDurationMS sums DurationMS across every task that produced a result.
func (r *ExecutionResult) TotalDurationMS() int64 {
	var total int64
	for _, t := range r.Tasks {
		if t.Result != nil {
			total += t.Result.DurationMS
		}
	}
	return total
}
