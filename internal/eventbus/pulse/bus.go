// Package pulse implements eventbus.Bus over goa.design/pulse streams backed
// by Redis, for multi-process deployments where the scheduler and its
// subscribers (conversation session, dashboards) run in separate processes.
// Each mission gets its own Pulse stream, named "mission/<mission_id>"; each
// Subscribe call opens a fresh consumer group on that stream so independent
// subscribers never steal each other's events.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/fieldlab/missionctl/internal/eventbus"
	"github.com/fieldlab/missionctl/internal/telemetry"
)

const defaultBuffer = 64

// Options configures the Pulse-backed Bus.
type Options struct {
	// Redis is the connection backing every Pulse stream. Required.
	Redis *redis.Client
	// StreamMaxLen bounds the number of entries kept per mission stream. Zero
	// uses Pulse's default.
	StreamMaxLen int
	// SubscriberBuffer bounds each Subscription's decode channel
	// (event_subscriber_buffer in configuration). Zero uses a default of 64.
	SubscriberBuffer int
	Metrics          telemetry.Metrics
}

// Bus implements eventbus.Bus over Pulse/Redis.
type Bus struct {
	redis   *redis.Client
	maxLen  int
	buffer  int
	metrics telemetry.Metrics
}

// New constructs a Pulse-backed Bus.
func New(opts Options) (*Bus, error) {
	if opts.Redis == nil {
		return nil, fmt.Errorf("eventbus/pulse: redis client is required")
	}
	buf := opts.SubscriberBuffer
	if buf <= 0 {
		buf = defaultBuffer
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &Bus{redis: opts.Redis, maxLen: opts.StreamMaxLen, buffer: buf, metrics: metrics}, nil
}

func streamName(missionID string) string { return "mission/" + missionID }

func (b *Bus) openStream(missionID string) (*streaming.Stream, error) {
	var opts []streamopts.Stream
	if b.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(b.maxLen))
	}
	return streaming.NewStream(streamName(missionID), b.redis, opts...)
}

// Publish implements eventbus.Bus.
func (b *Bus) Publish(ctx context.Context, ev eventbus.Event) error {
	str, err := b.openStream(ev.MissionID)
	if err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = str.Add(ctx, string(ev.Type), payload)
	return err
}

// subscription wraps a Pulse consumer-group sink, decoding payloads into
// eventbus.Event as they arrive.
type subscription struct {
	events chan eventbus.Event
	cancel context.CancelFunc
}

func (s *subscription) Events() <-chan eventbus.Event { return s.events }
func (s *subscription) Close()                        { s.cancel() }

// Subscribe implements eventbus.Bus.
func (b *Bus) Subscribe(ctx context.Context, missionID string) (eventbus.Subscription, error) {
	str, err := b.openStream(missionID)
	if err != nil {
		return nil, err
	}
	// A fresh consumer-group name per Subscribe call: independent subscribers
	// to the same mission each see every event, matching the in-memory bus's
	// fan-out semantics.
	sinkName := fmt.Sprintf("missionctl-%d", time.Now().UnixNano())
	sink, err := str.NewSink(ctx, sinkName)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	events := make(chan eventbus.Event, b.buffer)
	go func() {
		defer close(events)
		ch := sink.Subscribe()
		for {
			select {
			case <-runCtx.Done():
				sink.Close(context.Background())
				return
			case entry, ok := <-ch:
				if !ok {
					return
				}
				var ev eventbus.Event
				if err := json.Unmarshal(entry.Payload, &ev); err != nil {
					b.metrics.IncCounter("eventbus.decode_error", 1, "mission_id", missionID)
					continue
				}
				select {
				case events <- ev:
				default:
					// Buffer full: drop the oldest buffered event to make room,
					// as the in-memory bus does.
					select {
					case <-events:
					default:
					}
					select {
					case events <- ev:
					default:
					}
					b.metrics.IncCounter("eventbus.dropped", 1, "mission_id", missionID)
				}
				if ackErr := sink.Ack(runCtx, entry); ackErr != nil {
					b.metrics.IncCounter("eventbus.ack_error", 1, "mission_id", missionID)
				}
			}
		}
	}()

	return &subscription{events: events, cancel: cancel}, nil
}
