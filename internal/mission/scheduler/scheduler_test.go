package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldlab/missionctl/internal/eventbus"
	busmem "github.com/fieldlab/missionctl/internal/eventbus/inmem"
	"github.com/fieldlab/missionctl/internal/mission"
	"github.com/fieldlab/missionctl/internal/mission/scheduler"
	storemem "github.com/fieldlab/missionctl/internal/outputstore/inmem"
)

// fakeRuntime lets each test script an InstanceRuntime's behavior per
// instance id, and records every call it saw for assertions.
type fakeRuntime struct {
	mu    sync.Mutex
	calls []string

	result func(instanceID string, req scheduler.InstanceRequest) (mission.OutputRecord, error)
}

func (f *fakeRuntime) RunInstance(_ context.Context, req scheduler.InstanceRequest) (mission.OutputRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.InstanceID)
	f.mu.Unlock()
	if f.result != nil {
		return f.result(req.InstanceID, req)
	}
	return mission.OutputRecord{Findings: []string{req.InstanceID + " finding"}}, nil
}

func (f *fakeRuntime) callCount(instanceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, id := range f.calls {
		if id == instanceID {
			n++
		}
	}
	return n
}

func subscribeAll(t *testing.T, bus eventbus.Bus, missionID string) (<-chan eventbus.Event, func()) {
	t.Helper()
	sub, err := bus.Subscribe(context.Background(), missionID)
	require.NoError(t, err)
	return sub.Events(), sub.Close
}

func drain(t *testing.T, events <-chan eventbus.Event, timeout time.Duration) []eventbus.Event {
	t.Helper()
	var out []eventbus.Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			out = append(out, ev)
		case <-deadline:
			return out
		case <-time.After(20 * time.Millisecond):
			return out
		}
	}
}

func fanOutFanInPlan(missionID string) mission.Plan {
	return mission.Plan{
		MissionID: missionID,
		AgentInstances: []mission.AgentInstance{
			{InstanceID: "a1", AgentType: "researcher", Objectives: "find x", MaxSteps: 1},
			{InstanceID: "a2", AgentType: "researcher", Objectives: "find y", MaxSteps: 1},
		},
		SubStages: []mission.SubStage{
			{SubStageID: "ss1", AgentInstances: []string{"a1", "a2"}, ExecutionMode: mission.ExecutionParallel, OutputAggregation: mission.AggregationMergeAll},
		},
		Stages: []mission.Stage{
			{StageID: "st1", SubStages: []string{"ss1"}, ExecutionMode: mission.ExecutionParallel},
		},
	}
}

func compilePlan(t *testing.T, plan mission.Plan) *mission.TaskGraph {
	t.Helper()
	graph, err := mission.Compile(plan, nil)
	require.NoError(t, err)
	return graph
}

func TestRunMissionFanOutFanInSucceedsWithTwoWorkers(t *testing.T) {
	graph := compilePlan(t, fanOutFanInPlan("m1"))

	bus := busmem.New(64, nil)
	store := storemem.New()
	rt := &fakeRuntime{}
	sched := scheduler.New(scheduler.Config{WorkerPoolSize: 2}, bus, store, rt)

	events, closeSub := subscribeAll(t, bus, "m1")
	defer closeSub()

	result, err := sched.RunMission(context.Background(), graph)
	require.NoError(t, err)
	require.Equal(t, "m1", result.MissionID)
	require.Len(t, result.Tasks, 3) // a1, a2, and the ss1 reduce task
	require.Equal(t, 1, rt.callCount("a1"))
	require.Equal(t, 1, rt.callCount("a2"))

	reduceKey := mission.ReduceTaskID("m1", "ss1")
	rec, err := store.Get(context.Background(), reduceKey)
	require.NoError(t, err)
	require.Len(t, rec.Findings, 2)

	seen := drain(t, events, 200*time.Millisecond)
	require.NotEmpty(t, seen)
	require.Equal(t, eventbus.EventMissionStarted, seen[0].Type)
	require.Equal(t, eventbus.EventMissionSucceeded, seen[len(seen)-1].Type)

	var startedIDs, succeededIDs []string
	for _, ev := range seen {
		switch ev.Type {
		case eventbus.EventTaskStarted:
			startedIDs = append(startedIDs, ev.TaskID)
		case eventbus.EventTaskSucceeded:
			succeededIDs = append(succeededIDs, ev.TaskID)
		}
	}
	require.ElementsMatch(t, startedIDs, succeededIDs) // task_started ids must equal tasks that ran
}

func TestRunMissionFailFastCancelsDescendants(t *testing.T) {
	failFast := true
	plan := fanOutFanInPlan("m2")
	plan.FailFast = &failFast

	graph := compilePlan(t, plan)

	bus := busmem.New(64, nil)
	store := storemem.New()
	rt := &fakeRuntime{result: func(instanceID string, _ scheduler.InstanceRequest) (mission.OutputRecord, error) {
		if instanceID == "a1" {
			return mission.OutputRecord{}, errors.New("boom")
		}
		return mission.OutputRecord{Findings: []string{"ok"}}, nil
	}}
	sched := scheduler.New(scheduler.Config{WorkerPoolSize: 2}, bus, store, rt)

	_, err := sched.RunMission(context.Background(), graph)
	require.Error(t, err)

	reduceKey := mission.ReduceTaskID("m2", "ss1")
	_, getErr := store.Get(context.Background(), reduceKey)
	require.Error(t, getErr) // reduce task must have been cancelled, never run
}

func TestRunMissionNonFailFastContinuesSiblings(t *testing.T) {
	noFailFast := false
	plan := mission.Plan{
		MissionID: "m3",
		AgentInstances: []mission.AgentInstance{
			{InstanceID: "a1", AgentType: "researcher", Objectives: "x", MaxSteps: 1},
			{InstanceID: "a2", AgentType: "researcher", Objectives: "y", MaxSteps: 1},
		},
		SubStages: []mission.SubStage{
			{SubStageID: "ss1", AgentInstances: []string{"a1"}, ExecutionMode: mission.ExecutionParallel, OutputAggregation: mission.AggregationMergeAll},
			{SubStageID: "ss2", AgentInstances: []string{"a2"}, ExecutionMode: mission.ExecutionParallel, OutputAggregation: mission.AggregationMergeAll},
		},
		Stages: []mission.Stage{
			{StageID: "st1", SubStages: []string{"ss1", "ss2"}, ExecutionMode: mission.ExecutionParallel},
		},
		FailFast: &noFailFast,
	}
	graph := compilePlan(t, plan)

	bus := busmem.New(64, nil)
	store := storemem.New()
	rt := &fakeRuntime{result: func(instanceID string, _ scheduler.InstanceRequest) (mission.OutputRecord, error) {
		if instanceID == "a1" {
			return mission.OutputRecord{}, errors.New("boom")
		}
		return mission.OutputRecord{Findings: []string{"ok"}}, nil
	}}
	sched := scheduler.New(scheduler.Config{WorkerPoolSize: 2}, bus, store, rt)

	_, err := sched.RunMission(context.Background(), graph)
	require.Error(t, err) // mission still fails overall (one task failed)

	ok, getErr := store.Get(context.Background(), mission.ReduceTaskID("m3", "ss2"))
	require.NoError(t, getErr) // independent sibling sub-stage still completed
	require.Equal(t, []string{"ok"}, ok.Findings)
}

func TestRunMissionRetriesUpToMaxAttempts(t *testing.T) {
	plan := mission.Plan{
		MissionID: "m4",
		AgentInstances: []mission.AgentInstance{
			{InstanceID: "a1", AgentType: "researcher", Objectives: "x", MaxSteps: 1, MaxAttempts: 3},
		},
		SubStages: []mission.SubStage{
			{SubStageID: "ss1", AgentInstances: []string{"a1"}, ExecutionMode: mission.ExecutionParallel, OutputAggregation: mission.AggregationMergeAll},
		},
		Stages: []mission.Stage{
			{StageID: "st1", SubStages: []string{"ss1"}, ExecutionMode: mission.ExecutionParallel},
		},
	}
	graph := compilePlan(t, plan)

	attempts := 0
	var mu sync.Mutex
	bus := busmem.New(64, nil)
	store := storemem.New()
	rt := &fakeRuntime{result: func(_ string, _ scheduler.InstanceRequest) (mission.OutputRecord, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return mission.OutputRecord{}, errors.New("transient")
		}
		return mission.OutputRecord{Findings: []string{"finally"}}, nil
	}}
	sched := scheduler.New(scheduler.Config{WorkerPoolSize: 1}, bus, store, rt)

	_, err := sched.RunMission(context.Background(), graph)
	require.NoError(t, err)
	require.Equal(t, 3, rt.callCount("a1")) // never exceeds max_attempts
}

func TestRunMissionExhaustsRetriesAndFails(t *testing.T) {
	plan := mission.Plan{
		MissionID: "m5",
		AgentInstances: []mission.AgentInstance{
			{InstanceID: "a1", AgentType: "researcher", Objectives: "x", MaxSteps: 1, MaxAttempts: 2},
		},
		SubStages: []mission.SubStage{
			{SubStageID: "ss1", AgentInstances: []string{"a1"}, ExecutionMode: mission.ExecutionParallel, OutputAggregation: mission.AggregationMergeAll},
		},
		Stages: []mission.Stage{
			{StageID: "st1", SubStages: []string{"ss1"}, ExecutionMode: mission.ExecutionParallel},
		},
	}
	graph := compilePlan(t, plan)

	bus := busmem.New(64, nil)
	store := storemem.New()
	rt := &fakeRuntime{result: func(_ string, _ scheduler.InstanceRequest) (mission.OutputRecord, error) {
		return mission.OutputRecord{}, errors.New("always fails")
	}}
	sched := scheduler.New(scheduler.Config{WorkerPoolSize: 1}, bus, store, rt)

	_, err := sched.RunMission(context.Background(), graph)
	require.Error(t, err)
	require.Equal(t, 2, rt.callCount("a1"))
}

func TestSecondDashboardSubscriberReceivesSameEvents(t *testing.T) {
	graph := compilePlan(t, fanOutFanInPlan("m6"))

	bus := busmem.New(64, nil)
	store := storemem.New()
	sched := scheduler.New(scheduler.Config{WorkerPoolSize: 2}, bus, store, &fakeRuntime{})

	// The originating conversation session is one subscriber; a read-only
	// dashboard is a second, independent subscriber on the same mission
	// stream. Neither steals events from the other.
	sessionEvents, closeSession := subscribeAll(t, bus, "m6")
	defer closeSession()
	dashboardEvents, closeDashboard := subscribeAll(t, bus, "m6")
	defer closeDashboard()

	_, err := sched.RunMission(context.Background(), graph)
	require.NoError(t, err)

	seenBySession := drain(t, sessionEvents, 200*time.Millisecond)
	seenByDashboard := drain(t, dashboardEvents, 200*time.Millisecond)
	require.NotEmpty(t, seenBySession)
	require.Len(t, seenByDashboard, len(seenBySession))
	for i := range seenBySession {
		require.Equal(t, seenBySession[i].Type, seenByDashboard[i].Type)
		require.Equal(t, seenBySession[i].TaskID, seenByDashboard[i].TaskID)
	}
}

func TestRunMissionEmptyGraphSucceedsImmediately(t *testing.T) {
	graph := &mission.TaskGraph{MissionID: "empty", Tasks: map[string]mission.Task{}}
	bus := busmem.New(64, nil)
	store := storemem.New()
	sched := scheduler.New(scheduler.Config{WorkerPoolSize: 2}, bus, store, &fakeRuntime{})

	_, err := sched.RunMission(context.Background(), graph)
	require.NoError(t, err)
}
