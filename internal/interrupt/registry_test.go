package interrupt

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func testInterrupt(threadID string, allowed ...DecisionType) Interrupt {
	return Interrupt{
		ThreadID:         threadID,
		ActionRequests:   []ActionRequest{{Name: "delete_file", Arguments: map[string]any{"path": "/tmp/x"}}},
		AllowedDecisions: allowed,
		Deadline:         time.Now().Add(time.Hour),
	}
}

func TestRaiseRejectsSecondWaiter(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Raise(testInterrupt("t1", DecisionApprove, DecisionReject)))
	err := r.Raise(testInterrupt("t1", DecisionApprove))
	require.ErrorIs(t, err, ErrBusy)
}

func TestWaitReceivesDeliveredDecision(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Raise(testInterrupt("t1", DecisionApprove, DecisionReject)))

	done := make(chan struct{})
	var got Decision
	var gotErr error
	go func() {
		got, gotErr = r.Wait(context.Background(), "t1", time.Now().Add(time.Second))
		close(done)
	}()

	require.NoError(t, r.Deliver("t1", Decision{Type: DecisionApprove}))
	<-done
	require.NoError(t, gotErr)
	require.Equal(t, DecisionApprove, got.Type)
}

func TestDeliverWithoutWaiterReturnsNoWaiter(t *testing.T) {
	r := New(nil, nil)
	err := r.Deliver("ghost-thread", Decision{Type: DecisionApprove})
	require.ErrorIs(t, err, ErrNoWaiter)
}

func TestDeliverMalformedLeavesInterruptPending(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Raise(testInterrupt("t1", DecisionApprove)))

	err := r.Deliver("t1", Decision{Type: DecisionReject})
	require.ErrorIs(t, err, ErrMalformed)

	// State is untouched: the interrupt is still pending and a valid
	// decision still resolves it.
	pending, ok := r.Pending("t1")
	require.True(t, ok)
	require.Equal(t, "t1", pending.ThreadID)

	require.NoError(t, r.Deliver("t1", Decision{Type: DecisionApprove}))
}

func TestRedeliveryAfterSuccessReturnsNoWaiter(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Raise(testInterrupt("t1", DecisionApprove)))

	done := make(chan struct{})
	go func() {
		_, _ = r.Wait(context.Background(), "t1", time.Now().Add(time.Second))
		close(done)
	}()

	require.NoError(t, r.Deliver("t1", Decision{Type: DecisionApprove}))
	<-done

	err := r.Deliver("t1", Decision{Type: DecisionApprove})
	require.ErrorIs(t, err, ErrNoWaiter)
}

func TestWaitTimesOutWithSyntheticReject(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Raise(testInterrupt("t1", DecisionApprove, DecisionReject)))

	d, err := r.Wait(context.Background(), "t1", time.Now().Add(10*time.Millisecond))
	require.ErrorIs(t, err, ErrTimeout)
	require.Equal(t, DecisionReject, d.Type)

	// Registration is cleared: a fresh interrupt can be raised for the
	// same thread.
	require.NoError(t, r.Raise(testInterrupt("t1", DecisionApprove)))
}

func TestCancelWakesWaiter(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Raise(testInterrupt("t1", DecisionApprove)))

	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = r.Wait(context.Background(), "t1", time.Now().Add(time.Hour))
		close(done)
	}()

	r.Cancel("t1")
	<-done
	require.ErrorIs(t, gotErr, ErrCancelled)

	// Cancel is idempotent.
	r.Cancel("t1")
}

func TestDistinctThreadsDoNotBlockEachOther(t *testing.T) {
	r := New(nil, nil)
	require.NoError(t, r.Raise(testInterrupt("t1", DecisionApprove)))
	require.NoError(t, r.Raise(testInterrupt("t2", DecisionApprove)))

	require.NoError(t, r.Deliver("t2", Decision{Type: DecisionApprove}))
	d, err := r.Wait(context.Background(), "t2", time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, DecisionApprove, d.Type)

	_, stillPending := r.Pending("t1")
	require.True(t, stillPending)
}

// TestPropertyAtMostOneLiveWaiterPerThread races a random number of
// concurrent Raise calls for one thread and checks that exactly one wins,
// however the goroutines interleave — the registration count for a thread
// never exceeds one.
func TestPropertyAtMostOneLiveWaiterPerThread(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent raises admit exactly one registration", prop.ForAll(
		func(racers int) bool {
			r := New(nil, nil)
			var admitted int32
			var wg sync.WaitGroup
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if r.Raise(testInterrupt("t1", DecisionApprove, DecisionReject)) == nil {
						atomic.AddInt32(&admitted, 1)
					}
				}()
			}
			wg.Wait()
			return atomic.LoadInt32(&admitted) == 1
		},
		gen.IntRange(1, 16),
	))

	properties.TestingRun(t)
}
