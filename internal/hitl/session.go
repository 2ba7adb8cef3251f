// Package hitl implements the Conversation Session (C2): the duplex
// WebSocket handler for a single thread. A Session runs two logical
// activities that must make progress independently — a reader that never
// blocks on the runner, and at most one runner at a time driving a turn
// through the Agent Runtime Adapter (C3).
package hitl

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/fieldlab/missionctl/internal/agentadapter"
	"github.com/fieldlab/missionctl/internal/eventbus"
	"github.com/fieldlab/missionctl/internal/interrupt"
	"github.com/fieldlab/missionctl/internal/model"
	"github.com/fieldlab/missionctl/internal/session"
	"github.com/fieldlab/missionctl/internal/stream"
	"github.com/fieldlab/missionctl/internal/telemetry"
)

// Session owns one client socket for the lifetime of its connection to a
// specific thread_id. Everything it writes to the socket goes through
// write, the single point of synchronization between the reader goroutine
// and a runner goroutine.
type Session struct {
	threadID string
	conn     *websocket.Conn

	store      session.Store
	adapter    *agentadapter.Adapter
	interrupts *interrupt.Registry
	logger     telemetry.Logger

	writeMu sync.Mutex

	runnerMu     sync.Mutex
	runnerActive bool
	cancelRunner context.CancelFunc
}

func newSession(conn *websocket.Conn, threadID string, store session.Store, adapter *agentadapter.Adapter, interrupts *interrupt.Registry, logger telemetry.Logger) *Session {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Session{
		threadID:   threadID,
		conn:       conn,
		store:      store,
		adapter:    adapter,
		interrupts: interrupts,
		logger:     logger,
	}
}

// serve runs the reader loop until the socket closes or ctx is cancelled. It
// does not wait for an active runner: the runner is its own goroutine with
// its own context, derived from ctx and cancelled by onDisconnect when serve
// returns.
func (s *Session) serve(ctx context.Context) {
	defer s.onDisconnect()

	for {
		var frame ClientFrame
		if err := wsjson.Read(ctx, s.conn, &frame); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn(ctx, "hitl: read error, closing session", "thread_id", s.threadID, "error", err.Error())
			}
			return
		}

		switch frame.Type {
		case "send_message":
			s.handleSendMessage(ctx, frame)
		case "decision":
			s.handleDecision(ctx, frame)
		default:
			s.write(ctx, ServerFrame{Type: "error", Error: "unknown frame type: " + frame.Type})
		}
	}
}

// handleSendMessage spawns the runner as a concurrent goroutine so the
// reader above keeps servicing decision frames while it runs. A send_message
// that arrives while a runner is already active is rejected outright.
func (s *Session) handleSendMessage(ctx context.Context, frame ClientFrame) {
	s.runnerMu.Lock()
	if s.runnerActive {
		s.runnerMu.Unlock()
		s.write(ctx, ServerFrame{Type: "error", Error: "already streaming"})
		return
	}
	runnerCtx, cancel := context.WithCancel(ctx)
	s.runnerActive = true
	s.cancelRunner = cancel
	s.runnerMu.Unlock()

	go func() {
		defer func() {
			s.runnerMu.Lock()
			s.runnerActive = false
			s.cancelRunner = nil
			s.runnerMu.Unlock()
			cancel()
		}()
		s.runTurn(runnerCtx, frame.Content)
	}()
}

// handleDecision forwards a decision frame straight to the Interrupt
// Registry (C1), independent of whatever the runner is doing, so the reader
// never blocks on it. A malformed or out-of-sync decision surfaces as an
// error frame without disturbing session state.
func (s *Session) handleDecision(ctx context.Context, frame ClientFrame) {
	decision, ok := toDecision(frame)
	if !ok {
		s.write(ctx, ServerFrame{Type: "error", Error: "decision frame carries no decisions"})
		return
	}
	if err := s.interrupts.Deliver(s.threadID, decision); err != nil {
		s.write(ctx, ServerFrame{Type: "error", Error: err.Error()})
	}
}

// runTurn persists the user's message, starts a turn, and drives its event
// stream to completion, including any interrupt/resume round-trips.
//
// If the thread's checkpoint still holds an interrupt from a previous
// session (the socket dropped while a decision was pending), the first
// send_message after reconnecting replays that interrupt instead of starting
// a fresh turn: the paused turn must be resolved before any new one begins.
// The message content itself is not appended in that case — the turn it
// would belong to hasn't started yet.
func (s *Session) runTurn(ctx context.Context, userMessage string) {
	if replay, err := s.adapter.ReplayPendingInterrupt(ctx, s.threadID); err != nil {
		s.write(ctx, ServerFrame{Type: "error", Error: err.Error()})
		return
	} else if replay != nil {
		events := make(chan stream.Event, 1)
		events <- stream.NewInterrupt(s.threadID, *replay)
		close(events)
		s.drive(ctx, events)
		return
	}

	if s.store != nil {
		if err := s.store.AppendMessage(ctx, s.threadID, model.Message{Role: model.RoleUser, Content: userMessage}); err != nil {
			s.logger.Warn(ctx, "hitl: append user message failed", "thread_id", s.threadID, "error", err.Error())
		}
	}

	events, err := s.adapter.StreamTurn(ctx, s.threadID, userMessage)
	if err != nil {
		s.write(ctx, ServerFrame{Type: "error", Error: err.Error()})
		return
	}
	s.drive(ctx, events)
}

// drive forwards cur's events to the socket, translating an Interrupt event
// into the interrupt/waiting_for_decision pair, parking on C1.Wait for the
// decision, then continuing with the resumed turn's own event stream — all
// without the reader above ever being blocked, since Wait only blocks this
// goroutine.
func (s *Session) drive(ctx context.Context, cur <-chan stream.Event) {
	var assistantText strings.Builder

	for {
		ev, ok := <-cur
		if !ok {
			return
		}

		switch e := ev.(type) {
		case stream.Thinking:
			s.write(ctx, ServerFrame{Type: "thinking"})

		case stream.ContentDelta:
			assistantText.WriteString(e.Text)
			s.write(ctx, ServerFrame{Type: "content", Content: e.Text})

		case stream.Interrupt:
			s.write(ctx, ServerFrame{Type: "interrupt", InterruptData: toInterruptData(e.Payload)})
			s.write(ctx, ServerFrame{Type: "waiting_for_decision", Message: "awaiting your decision"})

			decision, err := s.interrupts.Wait(ctx, s.threadID, e.Payload.Deadline)
			switch {
			case err == nil, errors.Is(err, interrupt.ErrTimeout):
				// Timeout yields a synthetic reject alongside the error; the
				// runner treats it identically to a user-delivered reject
				// and continues resuming.
			case errors.Is(err, interrupt.ErrCancelled):
				// Socket disconnected mid-wait: exit without a partial
				// assistant message or a done/error frame on a dead socket.
				return
			default:
				s.write(ctx, ServerFrame{Type: "error", Error: err.Error()})
				return
			}

			s.write(ctx, ServerFrame{Type: "resuming", Message: "resuming with your decision"})
			next, err := s.adapter.ResumeTurn(ctx, s.threadID, decision)
			if err != nil {
				s.write(ctx, ServerFrame{Type: "error", Error: err.Error()})
				return
			}
			cur = next

		case stream.Done:
			if assistantText.Len() > 0 && s.store != nil {
				msg := model.Message{Role: model.RoleAssistant, Content: assistantText.String()}
				if err := s.store.AppendMessage(ctx, s.threadID, msg); err != nil {
					s.logger.Warn(ctx, "hitl: append assistant message failed", "thread_id", s.threadID, "error", err.Error())
				}
			}
			s.write(ctx, ServerFrame{Type: "done"})
			return

		case stream.Error:
			s.write(ctx, ServerFrame{Type: "error", Error: e.Reason})
			return
		}
	}
}

// onDisconnect cancels any active runner and releases the thread's pending
// interrupt, if any: the runner observes the cancellation and exits without
// writing a partial assistant message.
func (s *Session) onDisconnect() {
	s.runnerMu.Lock()
	cancel := s.cancelRunner
	s.runnerMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.interrupts.Cancel(s.threadID)
}

// write serializes frame to the socket. It is the only method that touches
// s.conn for writing, so the reader goroutine and a runner goroutine never
// race on the underlying connection.
func (s *Session) write(ctx context.Context, frame ServerFrame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := wsjson.Write(ctx, s.conn, frame); err != nil {
		s.logger.Warn(ctx, "hitl: write frame failed", "thread_id", s.threadID, "type", frame.Type, "error", err.Error())
	}
}

// ForwardMissionEvents subscribes to bus for missionID and relays every
// event onto this session's socket as a mission_event frame, until ctx is
// done or the subscription's source closes. It is the mechanism behind the
// mission orchestrator's data-flow note that C5 "re-uses C2 to emit
// progress onto the same thread's socket": whichever collaborator starts a
// mission after plan approval calls this on the approving thread's Session.
func (s *Session) ForwardMissionEvents(ctx context.Context, bus eventbus.Bus, missionID string) error {
	sub, err := bus.Subscribe(ctx, missionID)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			s.write(ctx, ServerFrame{
				Type:         "mission_event",
				MissionEvent: string(ev.Type),
				MissionID:    missionID,
				TaskID:       ev.TaskID,
			})
		}
	}
}
