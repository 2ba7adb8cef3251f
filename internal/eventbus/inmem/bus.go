// Package inmem implements eventbus.Bus in-process, with a bounded
// per-subscriber buffer that drops the oldest event on overflow rather than
// block the publisher.
package inmem

import (
	"context"
	"sync"

	"github.com/fieldlab/missionctl/internal/eventbus"
	"github.com/fieldlab/missionctl/internal/telemetry"
)

const defaultBuffer = 64

type subscriber struct {
	ch       chan eventbus.Event
	unregFn  func()
	unregOne sync.Once
}

func (s *subscriber) Events() <-chan eventbus.Event { return s.ch }

// Close unregisters the subscriber from the bus. The channel itself is left
// open but unread; the publisher never sends to it again, so it is safe to
// let it be garbage collected. Closing is idempotent.
func (s *subscriber) Close() {
	s.unregOne.Do(s.unregFn)
}

// Bus is an in-memory eventbus.Bus. The zero value is not usable; use New.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]*subscriber
	bufferSize  int
	metrics     telemetry.Metrics
}

// New constructs a Bus. bufferSize bounds each subscriber's channel
// (event_subscriber_buffer in configuration); zero uses a sensible default.
func New(bufferSize int, metrics telemetry.Metrics) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Bus{
		subscribers: make(map[string][]*subscriber),
		bufferSize:  bufferSize,
		metrics:     metrics,
	}
}

// Publish implements eventbus.Bus.
func (b *Bus) Publish(_ context.Context, ev eventbus.Event) error {
	b.mu.Lock()
	subs := append([]*subscriber(nil), b.subscribers[ev.MissionID]...)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			// Buffer full: drop the oldest buffered event to make room, per
			// "late/absent subscribers do not block the scheduler".
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
			b.metrics.IncCounter("eventbus.dropped", 1, "mission_id", ev.MissionID)
		}
	}
	return nil
}

// Subscribe implements eventbus.Bus.
func (b *Bus) Subscribe(_ context.Context, missionID string) (eventbus.Subscription, error) {
	s := &subscriber{ch: make(chan eventbus.Event, b.bufferSize)}
	s.unregFn = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[missionID]
		for i, cur := range subs {
			if cur == s {
				b.subscribers[missionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	b.mu.Lock()
	b.subscribers[missionID] = append(b.subscribers[missionID], s)
	b.mu.Unlock()

	return s, nil
}
