// Package interrupt implements the per-thread rendezvous used to pause an
// agent turn on a gated tool call and resume it with a human decision.
//
// Contract:
//   - Raise registers the pending interrupt for a thread (at most one live
//     interrupt per thread).
//   - Wait parks the caller until Deliver or Cancel resolves the rendezvous,
//     or the deadline elapses.
//   - Deliver is the only way to hand a Decision to a Wait. Once Raise has
//     registered the interrupt, a decision delivered before Wait is held for
//     it; decisions are never buffered ahead of Raise.
package interrupt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fieldlab/missionctl/internal/telemetry"
)

// DecisionType enumerates the kinds of human decisions a raised interrupt can
// be resolved with.
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionEdit    DecisionType = "edit"
	DecisionReject  DecisionType = "reject"
)

type (
	// ActionRequest describes one tool call awaiting human approval.
	ActionRequest struct {
		Name        string
		Arguments   map[string]any
		Description string
	}

	// Interrupt is the flat, normalized record raised when a tool call
	// requires human approval. C3 is responsible for normalizing whatever
	// shape the underlying agent checkpoint exposes into this struct before
	// raising it here.
	Interrupt struct {
		ThreadID         string
		ActionRequests   []ActionRequest
		AllowedDecisions []DecisionType
		Deadline         time.Time
	}

	// Decision is the human (or synthetic-timeout) resolution of a raised
	// interrupt.
	Decision struct {
		Type                 DecisionType
		ReplacementArguments map[string]any
		Message              string
	}
)

// Allows reports whether t is one of the interrupt's allowed_decisions.
func (in Interrupt) Allows(t DecisionType) bool {
	for _, d := range in.AllowedDecisions {
		if d == t {
			return true
		}
	}
	return false
}

// Sentinel errors returned by Registry methods. Callers should use
// errors.Is against these rather than comparing strings.
var (
	// ErrBusy is returned by Raise when a thread already has a live interrupt.
	// The caller must Cancel the existing one first.
	ErrBusy = errors.New("interrupt: thread already has a pending interrupt")
	// ErrNoWaiter is returned by Deliver when no interrupt is pending for the
	// thread (decisions are never buffered ahead of Raise/Wait).
	ErrNoWaiter = errors.New("interrupt: no pending interrupt for thread")
	// ErrMalformed is returned by Deliver when the decision's type is not a
	// member of the interrupt's allowed_decisions. The pending interrupt is
	// left untouched: no state change.
	ErrMalformed = errors.New("interrupt: decision type not in allowed_decisions")
	// ErrTimeout is returned by Wait when the deadline elapses before a
	// decision arrives. The returned Decision is a synthetic reject that the
	// caller should treat identically to a user-delivered reject.
	ErrTimeout = errors.New("interrupt: deadline elapsed with no decision")
	// ErrCancelled is returned by Wait when Cancel resolves the rendezvous
	// (for example, on client socket disconnect).
	ErrCancelled = errors.New("interrupt: wait cancelled")
)

type entry struct {
	interrupt Interrupt
	resultCh  chan Decision
	cancelCh  chan struct{}
}

// Registry is the per-process Interrupt Registry (C1). It is safe for
// concurrent use across many threads; operations on distinct thread_ids never
// block one another.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// New constructs an empty Registry. A nil logger/metrics defaults to no-ops.
func New(logger telemetry.Logger, metrics telemetry.Metrics) *Registry {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Registry{
		entries: make(map[string]*entry),
		logger:  logger,
		metrics: metrics,
	}
}

// Raise registers a pending interrupt for in.ThreadID. It returns ErrBusy if
// the thread already has a live interrupt; the caller must Cancel first.
func (r *Registry) Raise(in Interrupt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[in.ThreadID]; exists {
		return ErrBusy
	}
	r.entries[in.ThreadID] = &entry{
		interrupt: in,
		resultCh:  make(chan Decision, 1),
		cancelCh:  make(chan struct{}),
	}
	r.metrics.IncCounter("interrupt.raised", 1, "thread_id", in.ThreadID)
	return nil
}

// Wait parks until a decision is delivered, the thread's registration is
// cancelled, ctx is done, or in.Deadline elapses. On timeout it returns a
// synthetic reject Decision alongside ErrTimeout so the caller can fold the
// timeout path into the same handling as a user-delivered reject (§4.1
// Failure modes).
func (r *Registry) Wait(ctx context.Context, threadID string, deadline time.Time) (Decision, error) {
	r.mu.Lock()
	e, ok := r.entries[threadID]
	r.mu.Unlock()
	if !ok {
		return Decision{}, ErrNoWaiter
	}

	var timerCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case d := <-e.resultCh:
		return d, nil
	case <-timerCh:
		r.removeIfSame(threadID, e)
		r.metrics.IncCounter("interrupt.timeout", 1, "thread_id", threadID)
		r.logger.Warn(ctx, "interrupt deadline elapsed", "thread_id", threadID)
		return Decision{Type: DecisionReject, Message: "timeout - no decision received"}, ErrTimeout
	case <-e.cancelCh:
		return Decision{}, ErrCancelled
	case <-ctx.Done():
		r.removeIfSame(threadID, e)
		return Decision{}, ctx.Err()
	}
}

// Deliver hands a decision to the thread's parked Wait call, if any. It
// validates the decision's type against the raised interrupt's
// allowed_decisions before removing the pending interrupt, so a malformed
// decision leaves the registry state untouched.
func (r *Registry) Deliver(threadID string, d Decision) error {
	r.mu.Lock()
	e, ok := r.entries[threadID]
	if !ok {
		r.mu.Unlock()
		return ErrNoWaiter
	}
	if !e.interrupt.Allows(d.Type) {
		r.mu.Unlock()
		return ErrMalformed
	}
	delete(r.entries, threadID)
	r.mu.Unlock()

	// Buffered with capacity 1 and exactly one sender per entry: never blocks.
	e.resultCh <- d
	r.metrics.IncCounter("interrupt.delivered", 1, "thread_id", threadID, "decision", string(d.Type))
	return nil
}

// Cancel wakes any parked Wait for threadID with ErrCancelled. It is
// idempotent: calling it when no interrupt is pending is a no-op.
func (r *Registry) Cancel(threadID string) {
	r.mu.Lock()
	e, ok := r.entries[threadID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, threadID)
	r.mu.Unlock()
	close(e.cancelCh)
}

// Pending returns the interrupt currently raised for threadID, if any. It is
// used by the conversation session to replay an interrupt payload to a
// reconnecting client without disturbing the rendezvous.
func (r *Registry) Pending(threadID string) (Interrupt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[threadID]
	if !ok {
		return Interrupt{}, false
	}
	return e.interrupt, true
}

// removeIfSame deletes the thread's entry only if it is still e, avoiding a
// race where a new interrupt was raised for the same thread between the
// caller observing e and acquiring the lock.
func (r *Registry) removeIfSame(threadID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.entries[threadID]; ok && cur == e {
		delete(r.entries, threadID)
	}
}
