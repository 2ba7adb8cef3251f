package eventbus

import "context"

// Bus fans mission events out to subscribers. Publish must never block on a
// slow or absent subscriber: late/absent subscribers do not block the
// scheduler.
type Bus interface {
	// Publish delivers ev to every current subscriber of ev.MissionID,
	// best-effort.
	Publish(ctx context.Context, ev Event) error

	// Subscribe registers a new subscriber for missionID. The caller must
	// Close the returned Subscription when done to release its buffer.
	Subscribe(ctx context.Context, missionID string) (Subscription, error)
}

// Subscription is a single subscriber's view of a mission's event stream.
type Subscription interface {
	// Events yields events as they are published. The channel is closed when
	// the Subscription is closed.
	Events() <-chan Event
	Close()
}
