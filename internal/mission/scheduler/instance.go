package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldlab/missionctl/internal/eventbus"
	"github.com/fieldlab/missionctl/internal/mission"
)

// InstanceRuntime executes one agent-instance task to completion (spec
// §4.5, "Instance task"). Implementations are non-interactive: any gated
// tool call must be auto-approved because it is in AllowedTools, or the call
// fails with ErrRequiresApproval.
type InstanceRuntime interface {
	RunInstance(ctx context.Context, req InstanceRequest) (mission.OutputRecord, error)
}

// InstanceRequest is everything an agent-instance task needs to run,
// assembled by the worker from the compiled plan and the output store.
type InstanceRequest struct {
	InstanceID      string
	AgentType       string
	Objectives      string
	SeedContext     string
	StarterSources  []string
	PreviousOutputs map[string]mission.OutputRecord
	AllowedTools    []string
	MaxSteps        int
	Timeout         time.Duration
}

// ErrRequiresApproval is returned by an InstanceRuntime when the agent
// proposed a tool call that requires approval and is not in AllowedTools. It
// fails the task outright rather than suspending — the non-interactive
// runtime has nobody to ask.
type ErrRequiresApproval struct {
	Tool string
}

func (e ErrRequiresApproval) Error() string {
	return fmt.Sprintf("requires_approval: tool %q is outside allowed_tools", e.Tool)
}

// ErrTimeout is the error an instance task fails with when its Timeout
// elapses before the InstanceRuntime returns (executeInstance maps
// context.DeadlineExceeded to it).
var ErrTimeout = errors.New("scheduler: task exceeded its timeout")

// worker runs until ctx is cancelled, pulling task ids from r.ready,
// executing them, and reporting exactly one completionMsg per id. It never
// writes to r.tasks: the scheduler goroutine alone owns task state.
func (s *Scheduler) worker(ctx context.Context, r *run) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-r.ready:
			if !ok {
				return
			}
			s.execute(ctx, r, id)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, r *run, id string) {
	select {
	case <-r.cancelled[id]:
		// Cancelled by cancelRemaining while it was still sitting in the
		// ready queue: report the skip instead of doing any real work.
		select {
		case r.completion <- completionMsg{taskID: id, skipped: true}:
		case <-ctx.Done():
		}
		return
	default:
	}

	t := r.tasks[id] // read-only: Kind/Payload/DependsOn/MaxAttempts never change after compile.

	s.publish(ctx, eventbus.Event{Type: eventbus.EventTaskStarted, MissionID: r.missionID, TaskID: id, Timestamp: time.Now()})

	var (
		record mission.OutputRecord
		err    error
	)
	switch t.Kind {
	case mission.TaskKindInstance:
		record, err = s.executeInstance(ctx, t)
	case mission.TaskKindReduce:
		record, err = s.executeReduce(ctx, t)
	default:
		err = fmt.Errorf("scheduler: task %q has unknown kind %q", id, t.Kind)
	}

	if err == nil {
		if putErr := s.store.Put(ctx, id, record); putErr != nil {
			err = fmt.Errorf("scheduler: store output for %q: %w", id, putErr)
		}
	}

	select {
	case r.completion <- completionMsg{taskID: id, record: record, err: err}:
	case <-ctx.Done():
	}
}

func (s *Scheduler) executeInstance(ctx context.Context, t *mission.Task) (mission.OutputRecord, error) {
	payload, ok := t.Payload.(mission.InstancePayload)
	if !ok {
		return mission.OutputRecord{}, fmt.Errorf("scheduler: task %q payload is not an InstancePayload", t.ID)
	}
	inst := payload.Instance

	prev, err := s.loadPreviousOutputs(ctx, t.ID, inst.RequiresOutputsFrom, payload.SubStageID)
	if err != nil {
		return mission.OutputRecord{}, err
	}

	timeout := inst.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTaskTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	record, err := s.runtime.RunInstance(runCtx, InstanceRequest{
		InstanceID:      inst.InstanceID,
		AgentType:       inst.AgentType,
		Objectives:      resolvePrompt(inst.Objectives, prev),
		SeedContext:     inst.SeedContext,
		StarterSources:  inst.StarterSources,
		PreviousOutputs: prev,
		AllowedTools:    inst.AllowedTools,
		MaxSteps:        inst.MaxSteps,
		Timeout:         timeout,
	})
	if errors.Is(err, context.DeadlineExceeded) {
		return mission.OutputRecord{}, ErrTimeout
	}
	return record, err
}

// loadPreviousOutputs resolves requires_outputs_from ids to their output
// records, using the instance-task id derived from the same mission the
// requesting task belongs to (mirrored from t.ID's own "instance::<mission>"
// prefix so this works without threading the bare mission id through).
func (s *Scheduler) loadPreviousOutputs(ctx context.Context, selfTaskID string, requiresOutputsFrom []string, _ string) (map[string]mission.OutputRecord, error) {
	if len(requiresOutputsFrom) == 0 {
		return nil, nil
	}
	missionID := missionIDFromTaskID(selfTaskID)
	keys := make([]string, len(requiresOutputsFrom))
	for i, instID := range requiresOutputsFrom {
		keys[i] = mission.InstanceTaskID(missionID, instID)
	}
	byTaskID, err := s.store.GetMany(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load previous outputs: %w", err)
	}
	out := make(map[string]mission.OutputRecord, len(requiresOutputsFrom))
	for i, instID := range requiresOutputsFrom {
		out[instID] = byTaskID[keys[i]]
	}
	return out, nil
}

// resolvePrompt replaces "{instance_id.field}" references in template with
// values drawn from prev, the output records of the instances named in
// requires_outputs_from. field selects one of OutputRecord's list fields
// (finding/findings, objective_completed/objectives_completed,
// entity/entities_discovered, file_ref/file_refs); a matching list is joined
// with ", ". This is a convenience layered on top of the explicit
// PreviousOutputs map already passed to the runtime, not a replacement for
// it — a template with no placeholders round-trips unchanged.
func resolvePrompt(template string, prev map[string]mission.OutputRecord) string {
	resolved := template
	for instID, rec := range prev {
		for _, field := range []struct {
			name   string
			values []string
		}{
			{"finding", rec.Findings},
			{"findings", rec.Findings},
			{"objective_completed", rec.ObjectivesCompleted},
			{"objectives_completed", rec.ObjectivesCompleted},
			{"entity", rec.EntitiesDiscovered},
			{"entities_discovered", rec.EntitiesDiscovered},
			{"file_ref", rec.FileRefs},
			{"file_refs", rec.FileRefs},
		} {
			placeholder := "{" + instID + "." + field.name + "}"
			if strings.Contains(resolved, placeholder) {
				resolved = strings.ReplaceAll(resolved, placeholder, strings.Join(field.values, ", "))
			}
		}
	}
	return resolved
}

func missionIDFromTaskID(taskID string) string {
	// Task ids are "<kind>::<mission_id>::<local_id>" (mission.InstanceTaskID /
	// mission.ReduceTaskID); the mission id is always the middle segment.
	const sep = "::"
	first := indexOf(taskID, sep)
	if first < 0 {
		return taskID
	}
	rest := taskID[first+len(sep):]
	second := indexOf(rest, sep)
	if second < 0 {
		return rest
	}
	return rest[:second]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
