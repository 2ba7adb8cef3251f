// Package eventbus implements the mission scheduler's subscriber list: a
// multi-subscriber, best-effort fan-out of structured mission events. It is
// adapted from features/stream/pulse, which plays the same role for runtime
// hook events — a goa.design/pulse stream backed by Redis, so subscribers
// (the originating conversation session, a dashboard, persistence drains)
// can each consume at their own pace without blocking the scheduler or each
// other.
package eventbus

import "time"

// EventType enumerates the mission-level event kinds a scheduler run emits.
type EventType string

const (
	EventMissionStarted   EventType = "mission_started"
	EventTaskStarted      EventType = "task_started"
	EventTaskSucceeded    EventType = "task_succeeded"
	EventTaskFailed       EventType = "task_failed"
	EventTaskCancelled    EventType = "task_cancelled"
	EventMissionSucceeded EventType = "mission_succeeded"
	EventMissionFailed    EventType = "mission_failed"
)

// Event is one structured mission event. TaskID and Reason are populated
// only for the event types that carry them (task_* events carry TaskID;
// task_failed and mission_failed carry Reason).
type Event struct {
	Type      EventType `json:"type"`
	MissionID string    `json:"mission_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
