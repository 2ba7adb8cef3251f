// Package session defines the persistence collaborator the conversation
// session (C2) depends on: an append-only message log and an opaque
// checkpoint blob per thread_id. The core HITL engine never touches a
// database directly — it only calls through this interface, so storage can
// be swapped (in-memory for tests, MongoDB in production) without touching
// C1/C2/C3.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/fieldlab/missionctl/internal/model"
)

// ErrThreadNotFound is returned by LoadCheckpoint when no checkpoint has ever
// been saved for the thread. LoadMessages never returns this error: a thread
// with no messages yet simply yields an empty slice (threads are created
// implicitly when first addressed).
var ErrThreadNotFound = errors.New("session: thread not found")

// Checkpoint is the runtime's resumable state, opaque to this package. C3 is
// the only component that interprets its contents.
type Checkpoint struct {
	ThreadID  string
	Blob      []byte
	UpdatedAt time.Time
}

// Store persists a thread's message history and checkpoint state.
//
// Implementations must be safe for concurrent use across distinct thread_ids;
// the conversation session never serializes access across threads.
type Store interface {
	// AppendMessage appends msg to the thread's message sequence. Messages are
	// immutable once appended.
	AppendMessage(ctx context.Context, threadID string, msg model.Message) error

	// LoadMessages returns the thread's messages in insertion order. Returns an
	// empty slice, not an error, for a thread that has never been addressed.
	LoadMessages(ctx context.Context, threadID string) ([]model.Message, error)

	// SaveCheckpoint persists the runtime's resumable state for the thread,
	// replacing any prior checkpoint.
	SaveCheckpoint(ctx context.Context, threadID string, blob []byte) error

	// LoadCheckpoint returns the thread's most recently saved checkpoint.
	// Returns ErrThreadNotFound if none has ever been saved.
	LoadCheckpoint(ctx context.Context, threadID string) (Checkpoint, error)
}
