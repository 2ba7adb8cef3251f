package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldlab/missionctl/internal/eventbus"
)

func TestSubscriberReceivesPublishedEvents(t *testing.T) {
	b := New(4, nil)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "m1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, eventbus.Event{Type: eventbus.EventMissionStarted, MissionID: "m1"}))
	require.NoError(t, b.Publish(ctx, eventbus.Event{Type: eventbus.EventTaskStarted, MissionID: "m1", TaskID: "a1"}))

	ev1 := <-sub.Events()
	ev2 := <-sub.Events()
	require.Equal(t, eventbus.EventMissionStarted, ev1.Type)
	require.Equal(t, eventbus.EventTaskStarted, ev2.Type)
	require.Equal(t, "a1", ev2.TaskID)
}

func TestPublishToDifferentMissionDoesNotCrossDeliver(t *testing.T) {
	b := New(4, nil)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "m1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, b.Publish(ctx, eventbus.Event{Type: eventbus.EventMissionStarted, MissionID: "m2"}))

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected cross-mission delivery: %+v", ev)
	default:
	}
}

func TestPublishWithNoSubscribersDoesNotBlockOrError(t *testing.T) {
	b := New(4, nil)
	err := b.Publish(context.Background(), eventbus.Event{Type: eventbus.EventMissionStarted, MissionID: "ghost"})
	require.NoError(t, err)
}

func TestFullBufferDropsOldestRatherThanBlocking(t *testing.T) {
	b := New(2, nil)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "m1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, eventbus.Event{Type: eventbus.EventTaskStarted, MissionID: "m1", TaskID: string(rune('a' + i))}))
	}

	// The buffer holds 2; the most recent publishes must have survived.
	var got []string
	for i := 0; i < 2; i++ {
		got = append(got, (<-sub.Events()).TaskID)
	}
	require.Equal(t, "e", got[len(got)-1])
}

func TestCloseUnregistersSubscriber(t *testing.T) {
	b := New(4, nil)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "m1")
	require.NoError(t, err)
	sub.Close()

	require.NoError(t, b.Publish(ctx, eventbus.Event{Type: eventbus.EventMissionStarted, MissionID: "m1"}))
	require.Empty(t, b.subscribers["m1"])
}
