package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nextWithin(t *testing.T, sub *Subscription) Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := sub.Next(ctx)
	require.NoError(t, err)
	return e
}

func TestReplayThenLive(t *testing.T) {
	hub := NewHub(0, 0)

	for _, msg := range []string{"one", "two", "three"} {
		_, err := hub.Append("s1", Entry{Level: LevelStep, Message: msg})
		require.NoError(t, err)
	}

	sub, err := hub.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()
	assert.Equal(t, 3, sub.Replay())
	assert.Equal(t, StateStreaming, hub.State("s1"))

	for i, msg := range []string{"one", "two", "three"} {
		e := nextWithin(t, sub)
		assert.Equal(t, msg, e.Message)
		assert.Equal(t, uint64(i+1), e.Sequence)
		assert.Equal(t, "s1", e.SessionID)
	}

	stored, err := hub.Append("s1", Entry{Level: LevelResult, Message: "four"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), stored.Sequence)

	e := nextWithin(t, sub)
	assert.Equal(t, "four", e.Message)
	assert.Equal(t, LevelResult, e.Level)
	assert.Equal(t, uint64(4), e.Sequence)
}

func TestSubscribeSince(t *testing.T) {
	hub := NewHub(0, 0)
	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), "s1", Entry{Message: "m"})
	}

	sub, err := hub.SubscribeSince("s1", 3)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, uint64(4), nextWithin(t, sub).Sequence)
	assert.Equal(t, uint64(5), nextWithin(t, sub).Sequence)
	assert.Equal(t, uint64(5), sub.LastDelivered())
}

func TestOrderedDeliveryUnderConcurrentPublish(t *testing.T) {
	const publishers, perPublisher = 4, 100
	hub := NewHub(publishers*perPublisher, publishers*perPublisher)

	// Some entries land before the subscription, some after.
	for i := 0; i < 10; i++ {
		hub.Publish(context.Background(), "s1", Entry{Message: "early"})
	}
	sub, err := hub.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				hub.Publish(context.Background(), "s1", Entry{Message: "live"})
			}
		}()
	}
	wg.Wait()

	total := 10 + publishers*perPublisher
	var last uint64
	for i := 0; i < total; i++ {
		e := nextWithin(t, sub)
		require.Equal(t, last+1, e.Sequence)
		last = e.Sequence
	}
	assert.Equal(t, uint64(0), sub.Dropped())
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	hub := NewHub(100, 2)

	sub, err := hub.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), "s1", Entry{Message: "m"})
	}

	assert.Equal(t, uint64(3), sub.Dropped())
	assert.Equal(t, uint64(3), hub.Stats().Dropped)
	assert.Equal(t, uint64(4), nextWithin(t, sub).Sequence)
	assert.Equal(t, uint64(5), nextWithin(t, sub).Sequence)
	assert.Len(t, hub.History("s1", 0, 0), 5)
}

func TestSessionsAreIndependent(t *testing.T) {
	hub := NewHub(0, 0)
	a, err := hub.Append("a", Entry{Message: "x"})
	require.NoError(t, err)
	b, err := hub.Append("b", Entry{Message: "y"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), a.Sequence)
	assert.Equal(t, uint64(1), b.Sequence)
	assert.ElementsMatch(t, []string{"a", "b"}, hub.Sessions())
}

func TestHistory(t *testing.T) {
	hub := NewHub(3, 0)
	for i := 0; i < 5; i++ {
		hub.Publish(context.Background(), "s1", Entry{Message: "m"})
	}

	assert.Equal(t, []uint64{3, 4, 5}, seqs(hub.History("s1", 0, 0)))
	assert.Equal(t, []uint64{4, 5}, seqs(hub.History("s1", 2, 0)))
	assert.Equal(t, []uint64{5}, seqs(hub.History("s1", 0, 4)))
	assert.Empty(t, hub.History("unknown", 10, 0))
	assert.Equal(t, 3, hub.Len("s1"))
	assert.Equal(t, 0, hub.Len("unknown"))
}

func TestAppendDefaults(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	hub := NewHub(0, 0, WithClock(func() time.Time { return fixed }))

	e, err := hub.Append("s1", Entry{Message: "hello"})
	require.NoError(t, err)
	assert.Equal(t, LevelInfo, e.Level)
	assert.Equal(t, fixed, e.Timestamp)

	_, err = hub.Append("", Entry{Message: "hello"})
	assert.ErrorIs(t, err, ErrEmptySession)
}

func TestDropClosesSubscriptions(t *testing.T) {
	hub := NewHub(0, 0)
	hub.Publish(context.Background(), "s1", Entry{Message: "old"})

	sub, err := hub.Subscribe("s1")
	require.NoError(t, err)
	nextWithin(t, sub)

	hub.Drop("s1")

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	sub.Close()

	assert.Empty(t, hub.History("s1", 0, 0))
	assert.Equal(t, StateNoSubscribers, hub.State("s1"))

	e, err := hub.Append("s1", Entry{Message: "new life"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), e.Sequence)
}

func TestSubscriptionCloseStopsDelivery(t *testing.T) {
	hub := NewHub(0, 0)
	sub, err := hub.Subscribe("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Stats().Subscribers)

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Stats().Subscribers)
	assert.Equal(t, StateNoSubscribers, hub.State("s1"))

	hub.Publish(context.Background(), "s1", Entry{Message: "after"})
	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
}

func TestNextHonorsContext(t *testing.T) {
	hub := NewHub(0, 0)
	sub, err := hub.Subscribe("s1")
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(0, 0)
	sub, err := hub.Subscribe("s1")
	require.NoError(t, err)

	hub.Close()

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrSubscriptionClosed)
	_, err = hub.Append("s1", Entry{Message: "late"})
	assert.ErrorIs(t, err, ErrHubClosed)
	_, err = hub.Subscribe("s1")
	assert.ErrorIs(t, err, ErrHubClosed)

	assert.NotPanics(t, func() { hub.Publish(context.Background(), "s1", Entry{}) })
}

func TestUnusedSubscriptionsDoNotAccumulate(t *testing.T) {
	hub := NewHub(0, 0)

	for i := range 2000 {
		sub, err := hub.Subscribe(fmt.Sprintf("ghost-%d", i))
		require.NoError(t, err)
		sub.Close()
	}
	assert.Empty(t, hub.Sessions())
	assert.Equal(t, 0, hub.Stats().Subscribers)

	// A watched session that has output keeps it after the viewer leaves.
	sub, err := hub.Subscribe("s1")
	require.NoError(t, err)
	hub.Publish(context.Background(), "s1", Entry{Message: "kept"})
	sub.Close()
	assert.Equal(t, []string{"s1"}, hub.Sessions())
	assert.Equal(t, 1, hub.Len("s1"))
}

func TestSubscribeAfterIdleCloseSeesNewEntries(t *testing.T) {
	hub := NewHub(0, 0)

	first, err := hub.Subscribe("s1")
	require.NoError(t, err)
	second, err := hub.Subscribe("s1")
	require.NoError(t, err)
	first.Close()
	assert.Equal(t, []string{"s1"}, hub.Sessions())

	second.Close()
	assert.Empty(t, hub.Sessions())

	third, err := hub.Subscribe("s1")
	require.NoError(t, err)
	defer third.Close()

	hub.Publish(context.Background(), "s1", Entry{Message: "hello"})
	e := nextWithin(t, third)
	assert.Equal(t, "hello", e.Message)
	assert.Equal(t, uint64(1), e.Sequence)
}
