// Package scheduler implements the DAG Scheduler & Worker Pool (C5): a
// single scheduler goroutine owns the task table and the ready queue, and
// dispatches admitted tasks to a bounded pool of worker goroutines. Workers
// never mutate task state directly — they dequeue from the ready channel,
// execute, and report results over a completion channel, which only the
// scheduler goroutine reads: workers communicate with it only via the ready
// queue (dequeue) and the completion channel (enqueue).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldlab/missionctl/internal/aggregate"
	"github.com/fieldlab/missionctl/internal/eventbus"
	"github.com/fieldlab/missionctl/internal/mission"
	"github.com/fieldlab/missionctl/internal/outputstore"
	"github.com/fieldlab/missionctl/internal/telemetry"
)

// Config carries the scheduler's tunables, sourced from config.Config.
type Config struct {
	WorkerPoolSize     int
	FailFastDefault    bool
	DefaultTaskTimeout time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithScorer overrides the best_of scoring collaborator. Defaults to
// aggregate.DefaultScorer.
func WithScorer(s aggregate.Scorer) Option {
	return func(sch *Scheduler) { sch.scorer = s }
}

// WithClusterer overrides the consensus clustering collaborator. Defaults to
// aggregate.DefaultClusterer.
func WithClusterer(c aggregate.Clusterer) Option {
	return func(sch *Scheduler) { sch.clusterer = c }
}

// WithLogger overrides the scheduler's logger. Defaults to a no-op.
func WithLogger(logger telemetry.Logger) Option {
	return func(sch *Scheduler) {
		if logger != nil {
			sch.logger = logger
		}
	}
}

// WithMetrics overrides the scheduler's metrics sink. Defaults to a no-op.
func WithMetrics(metrics telemetry.Metrics) Option {
	return func(sch *Scheduler) {
		if metrics != nil {
			sch.metrics = metrics
		}
	}
}

// Scheduler runs a mission's TaskGraph to completion (or failure). It keeps
// no per-mission state between RunMission calls, so one Scheduler can be
// held and used for many missions.
type Scheduler struct {
	cfg       Config
	bus       eventbus.Bus
	store     outputstore.Store
	runtime   InstanceRuntime
	scorer    aggregate.Scorer
	clusterer aggregate.Clusterer
	logger    telemetry.Logger
	metrics   telemetry.Metrics
}

// New constructs a Scheduler. bus receives every state-transition event;
// store holds and serves instance/reduce output records; runtime executes
// instance tasks.
func New(cfg Config, bus eventbus.Bus, store outputstore.Store, runtime InstanceRuntime, opts ...Option) *Scheduler {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.DefaultTaskTimeout <= 0 {
		cfg.DefaultTaskTimeout = 600 * time.Second
	}
	s := &Scheduler{
		cfg:       cfg,
		bus:       bus,
		store:     store,
		runtime:   runtime,
		scorer:    aggregate.DefaultScorer{},
		clusterer: aggregate.DefaultClusterer{},
		logger:    telemetry.NoopLogger{},
		metrics:   telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// completionMsg is what a worker reports back after executing one task. It
// never carries a mutated Task — only the scheduler ever holds task state.
type completionMsg struct {
	taskID  string
	record  mission.OutputRecord
	err     error
	skipped bool // true for a task whose cancellation signal fired before the worker started real work
}

// run is the scheduler's mutable, single-goroutine-owned view of one
// mission's graph. Every field here is touched only from the scheduler
// goroutine inside RunMission.
type run struct {
	sched *Scheduler

	missionID string
	failFast  bool

	tasks       map[string]*mission.Task
	dependents  map[string][]string
	outstanding map[string]int

	// cancelled signals a task the scheduler cancelled before a worker
	// started it: closing the channel lets execute notice without reading
	// mission.Task.State from a worker goroutine (state stays scheduler-only).
	cancelled map[string]chan struct{}

	ready      chan string
	completion chan completionMsg

	admitted int // tasks ever enqueued, including those later cancelled
	settled  int // tasks that reached a terminal state (succeeded/failed/cancelled)
	failed   bool
}

// RunMission drives graph to completion: it admits roots, dispatches ready
// tasks to a bounded worker pool, applies the admission algorithm on each
// completion, aggregates reduce tasks, and emits an event for every state
// transition. It always returns an ExecutionResult reporting every task's
// final state and the mission's total cost/duration, alongside a nil error
// if the mission succeeded or an error if any task failed (fail-fast or
// not) after running everything that could still run.
func (s *Scheduler) RunMission(ctx context.Context, graph *mission.TaskGraph) (*mission.ExecutionResult, error) {
	r := &run{
		sched:       s,
		missionID:   graph.MissionID,
		failFast:    resolveFailFast(graph.FailFast, s.cfg.FailFastDefault),
		tasks:       make(map[string]*mission.Task, len(graph.Tasks)),
		dependents:  make(map[string][]string, len(graph.Tasks)),
		outstanding: make(map[string]int, len(graph.Tasks)),
		cancelled:   make(map[string]chan struct{}, len(graph.Tasks)),
		ready:       make(chan string, len(graph.Tasks)),
		completion:  make(chan completionMsg, len(graph.Tasks)),
	}
	for id, t := range graph.Tasks {
		cp := t
		r.tasks[id] = &cp
		r.cancelled[id] = make(chan struct{})
		r.outstanding[id] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			r.dependents[dep] = append(r.dependents[dep], id)
		}
	}

	s.publish(ctx, eventbus.Event{Type: eventbus.EventMissionStarted, MissionID: r.missionID, Timestamp: time.Now()})

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	for i := 0; i < s.cfg.WorkerPoolSize; i++ {
		go s.worker(workerCtx, r)
	}

	for _, id := range graph.Roots {
		r.admit(ctx, id)
	}
	if len(graph.Tasks) == 0 {
		s.publish(ctx, eventbus.Event{Type: eventbus.EventMissionSucceeded, MissionID: r.missionID, Timestamp: time.Now()})
		return r.result(), nil
	}

	for r.settled < len(r.tasks) {
		select {
		case <-ctx.Done():
			r.cancelRemaining(ctx)
			s.publish(ctx, eventbus.Event{Type: eventbus.EventMissionFailed, MissionID: r.missionID, Reason: "cancelled", Timestamp: time.Now()})
			return r.result(), ctx.Err()
		case msg := <-r.completion:
			r.handleCompletion(ctx, msg)
		}
	}

	if r.failed {
		s.publish(ctx, eventbus.Event{Type: eventbus.EventMissionFailed, MissionID: r.missionID, Timestamp: time.Now()})
		return r.result(), fmt.Errorf("scheduler: mission %q failed", r.missionID)
	}
	s.publish(ctx, eventbus.Event{Type: eventbus.EventMissionSucceeded, MissionID: r.missionID, Timestamp: time.Now()})
	return r.result(), nil
}

// result snapshots every task's current state into an ExecutionResult. Safe
// to call once RunMission's scheduler loop has stopped reading r.completion
// (the scheduler goroutine is the only writer of r.tasks).
func (r *run) result() *mission.ExecutionResult {
	tasks := make(map[string]mission.Task, len(r.tasks))
	for id, t := range r.tasks {
		tasks[id] = *t
	}
	return &mission.ExecutionResult{MissionID: r.missionID, Tasks: tasks}
}

func resolveFailFast(planValue *bool, configDefault bool) bool {
	if planValue != nil {
		return *planValue
	}
	return configDefault
}

// admit transitions id from Pending straight to Running and writes it to the
// ready channel. There is no observable window where an admitted task is
// merely "ready but not running": the ready channel is sized to the total
// task count, so a write never blocks, and the task is treated as running
// from the moment it is admitted — which is also why cascadeCancel only ever
// considers Pending tasks cancellable as not-yet-running descendants.
func (r *run) admit(ctx context.Context, id string) {
	t := r.tasks[id]
	if t.State != mission.TaskPending {
		return
	}
	t.State = mission.TaskRunning
	r.admitted++
	r.ready <- id
}

// handleCompletion applies the admission algorithm for one worker result:
// success decrements dependents' outstanding-deps counters and admits any
// that reach zero; failure cascades cancellation per the mission's
// fail-fast policy. Only this method — called exclusively from the
// scheduler goroutine in RunMission — ever transitions a task's State.
func (r *run) handleCompletion(ctx context.Context, msg completionMsg) {
	t := r.tasks[msg.taskID]

	// A completion for a task already in a terminal state is a stray; its
	// outcome no longer matters.
	if isTerminal(t.State) {
		return
	}

	if msg.skipped {
		t.State = mission.TaskCancelled
		r.settled++
		r.sched.publish(ctx, eventbus.Event{Type: eventbus.EventTaskCancelled, MissionID: r.missionID, TaskID: msg.taskID, Timestamp: time.Now()})
		return
	}

	if msg.err != nil {
		t.Attempts++
		t.Error = msg.err.Error()
		if t.Attempts < t.MaxAttempts {
			t.State = mission.TaskPending
			r.admit(ctx, msg.taskID)
			return
		}
		t.State = mission.TaskFailed
		r.settled++
		r.failed = true
		r.sched.publish(ctx, eventbus.Event{Type: eventbus.EventTaskFailed, MissionID: r.missionID, TaskID: msg.taskID, Reason: msg.err.Error(), Timestamp: time.Now()})
		r.cascadeCancel(ctx, msg.taskID)
		return
	}

	t.State = mission.TaskSucceeded
	rec := msg.record
	t.Result = &rec
	r.settled++
	r.sched.publish(ctx, eventbus.Event{Type: eventbus.EventTaskSucceeded, MissionID: r.missionID, TaskID: msg.taskID, Timestamp: time.Now()})

	for _, dep := range r.dependents[msg.taskID] {
		r.outstanding[dep]--
		if r.outstanding[dep] == 0 {
			r.admit(ctx, dep)
		}
	}
}

// cascadeCancel applies the fail-fast policy after task failedID fails:
// fail-fast per-mission cancels every not-yet-running descendant of every
// task (the whole remaining frontier); otherwise only failedID's own
// descendants are cancelled and independent siblings continue.
func (r *run) cascadeCancel(ctx context.Context, failedID string) {
	var roots []string
	if r.failFast {
		for id, t := range r.tasks {
			if t.State == mission.TaskPending {
				roots = append(roots, id)
			}
		}
	} else {
		roots = append(roots, failedID)
	}

	visited := make(map[string]bool)
	queue := append([]string{}, roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		for _, dep := range r.dependents[id] {
			queue = append(queue, dep)
		}
	}

	for id := range visited {
		t := r.tasks[id]
		if t.State != mission.TaskPending {
			continue
		}
		t.State = mission.TaskCancelled
		r.settled++
		close(r.cancelled[id])
		r.sched.publish(ctx, eventbus.Event{Type: eventbus.EventTaskCancelled, MissionID: r.missionID, TaskID: id, Timestamp: time.Now()})
	}
}

func isTerminal(state mission.TaskState) bool {
	switch state {
	case mission.TaskSucceeded, mission.TaskFailed, mission.TaskCancelled:
		return true
	default:
		return false
	}
}

// cancelRemaining is invoked when the mission's own context is cancelled: it
// marks every task still short of a terminal state as cancelled. Tasks
// already dispatched to a worker finish or observe ctx.Done() on their own;
// their completion (or lack of one) no longer affects r.settled once
// RunMission has returned.
func (r *run) cancelRemaining(ctx context.Context) {
	for id, t := range r.tasks {
		if !isTerminal(t.State) {
			t.State = mission.TaskCancelled
			r.settled++
			close(r.cancelled[id])
			r.sched.publish(ctx, eventbus.Event{Type: eventbus.EventTaskCancelled, MissionID: r.missionID, TaskID: id, Timestamp: time.Now()})
		}
	}
}

func (s *Scheduler) publish(ctx context.Context, ev eventbus.Event) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn(ctx, "scheduler: publish event failed", "mission_id", ev.MissionID, "event_type", string(ev.Type), "error", err.Error())
	}
}
