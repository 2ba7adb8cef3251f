package scheduler

import (
	"context"
	"fmt"

	"github.com/fieldlab/missionctl/internal/aggregate"
	"github.com/fieldlab/missionctl/internal/mission"
)

// executeReduce loads every member instance's output record and combines
// them per the sub-stage's output_aggregation strategy. Reduce tasks are
// never retried (mission.Task.MaxAttempts is always
// 1 for TaskKindReduce — set at compile time), so a failure here always
// settles the task as failed on the first attempt.
func (s *Scheduler) executeReduce(ctx context.Context, t *mission.Task) (mission.OutputRecord, error) {
	payload, ok := t.Payload.(mission.ReducePayload)
	if !ok {
		return mission.OutputRecord{}, fmt.Errorf("scheduler: task %q payload is not a ReducePayload", t.ID)
	}

	missionID := missionIDFromTaskID(t.ID)
	keys := make([]string, len(payload.MemberInstances))
	for i, instID := range payload.MemberInstances {
		keys[i] = mission.InstanceTaskID(missionID, instID)
	}
	byTaskID, err := s.store.GetMany(ctx, keys)
	if err != nil {
		return mission.OutputRecord{}, fmt.Errorf("scheduler: load reduce members for %q: %w", t.ID, err)
	}

	members := make([]aggregate.Member, len(payload.MemberInstances))
	for i, instID := range payload.MemberInstances {
		rec, ok := byTaskID[keys[i]]
		if !ok {
			return mission.OutputRecord{}, fmt.Errorf("scheduler: reduce %q: missing output for member %q", t.ID, instID)
		}
		members[i] = aggregate.Member{InstanceID: instID, Record: rec}
	}

	return aggregate.Reduce(ctx, payload.SubStage.OutputAggregation, members, s.scorer, s.clusterer)
}
