// Package stream defines the event vocabulary streamed out of a turn
// (internal/agentadapter) to its consumer (internal/hitl): Thinking,
// ContentDelta, Interrupt, Done, and Error. Sinks deliver them to a
// transport; this package is transport-agnostic so the same turn code
// drives a WebSocket, an SSE stream, or a test harness.
package stream

import (
	"context"

	"github.com/fieldlab/missionctl/internal/interrupt"
)

// EventType discriminates the concrete Event implementations.
type EventType string

const (
	EventThinking     EventType = "thinking"
	EventContentDelta EventType = "content_delta"
	EventInterrupt    EventType = "interrupt"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

// Event is a single unit of turn output. Concrete types embed Base.
type Event interface {
	Type() EventType
	ThreadID() string
}

// Base carries the fields common to every event.
type Base struct {
	threadID string
}

// ThreadID implements Event.
func (b Base) ThreadID() string { return b.threadID }

type (
	// Thinking signals that the agent is reasoning before producing visible
	// content. It carries no payload beyond thread identity; clients typically
	// render it as a transient "thinking" indicator.
	Thinking struct {
		Base
	}

	// ContentDelta streams one fragment of assistant-visible text. Consumers
	// concatenate Text across sequential ContentDelta events to reconstruct the
	// full assistant message for a turn.
	ContentDelta struct {
		Base
		Text string
	}

	// Interrupt signals that the turn has paused on a gated tool call awaiting
	// a human Decision. Payload is the normalized interrupt record.
	Interrupt struct {
		Base
		Payload interrupt.Interrupt
	}

	// Done signals that the turn completed normally: no further events will be
	// sent for this send_message/decision.
	Done struct {
		Base
	}

	// Error signals that the turn failed. The socket/session remains open;
	// Error does not imply the thread itself is corrupted.
	Error struct {
		Base
		Reason string
	}
)

func (Thinking) Type() EventType     { return EventThinking }
func (ContentDelta) Type() EventType { return EventContentDelta }
func (Interrupt) Type() EventType    { return EventInterrupt }
func (Done) Type() EventType         { return EventDone }
func (Error) Type() EventType        { return EventError }

// NewThinking constructs a Thinking event for threadID.
func NewThinking(threadID string) Thinking { return Thinking{Base{threadID}} }

// NewContentDelta constructs a ContentDelta event for threadID.
func NewContentDelta(threadID, text string) ContentDelta {
	return ContentDelta{Base{threadID}, text}
}

// NewInterrupt constructs an Interrupt event for threadID.
func NewInterrupt(threadID string, in interrupt.Interrupt) Interrupt {
	return Interrupt{Base{threadID}, in}
}

// NewDone constructs a Done event for threadID.
func NewDone(threadID string) Done { return Done{Base{threadID}} }

// NewError constructs an Error event for threadID.
func NewError(threadID, reason string) Error { return Error{Base{threadID}, reason} }

// Sink delivers events to a transport. Implementations must be safe for
// concurrent Send calls and Close must be idempotent.
type Sink interface {
	Send(ctx context.Context, event Event) error
	Close(ctx context.Context) error
}
