// Package outputstore defines the persistence layer C5 writes a task's
// result to and descendants read it back from. Writes are
// single-writer-per-key: only the task that produced a record ever writes
// it, and it is written exactly once on success.
package outputstore

import (
	"context"
	"errors"

	"github.com/fieldlab/missionctl/internal/mission"
)

// ErrNotFound is returned by Get when key has no stored record.
var ErrNotFound = errors.New("outputstore: not found")

// Store persists OutputRecords keyed by instance_id or sub_stage_id.
// Implementations must be safe for concurrent use across distinct keys; the
// scheduler never serializes access to different keys, only guarantees a
// single writer per key.
type Store interface {
	// Put stores record under key, replacing any prior record. Called
	// exactly once per key by the task that produced it.
	Put(ctx context.Context, key string, record mission.OutputRecord) error

	// Get retrieves the record stored under key. Returns ErrNotFound if
	// none has been written — a reader is only ever scheduled after the
	// writer reports success, so this is a consistency error for the
	// caller, not an expected branch.
	Get(ctx context.Context, key string) (mission.OutputRecord, error)

	// GetMany retrieves every key present in keys, skipping any that are
	// missing rather than erroring, so a reduce task can report which
	// members' outputs were actually available. Used by the scheduler's
	// reduce worker to gather member outputs in one call.
	GetMany(ctx context.Context, keys []string) (map[string]mission.OutputRecord, error)
}
