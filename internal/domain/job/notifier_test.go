package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/review-pulse/internal/domain/model"
)

func event(id string, status model.JobStatus) model.NotificationEvent {
	return model.NotificationEvent{Type: model.EventTypeJobUpdated, ID: id, Status: status}
}

func recv(t *testing.T, sub *Subscription) model.NotificationEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return model.NotificationEvent{}
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			t.Fatalf("unexpected event %+v", ev)
		}
	default:
	}
}

func TestHub_AllSubscribersReceiveEachEventOnce(t *testing.T) {
	hub := NewHub(HubOptions{Buffer: 4})
	a, err := hub.Subscribe()
	require.NoError(t, err)
	b, err := hub.Subscribe()
	require.NoError(t, err)

	require.NoError(t, hub.Publish(context.Background(), event("j1", model.JobStatusProcessing)))

	assert.Equal(t, "j1", recv(t, a).ID)
	assert.Equal(t, "j1", recv(t, b).ID)
	assertEmpty(t, a)
	assertEmpty(t, b)
}

func TestHub_LateSubscriberMissesEarlierEvents(t *testing.T) {
	hub := NewHub(HubOptions{Buffer: 4})
	early, err := hub.Subscribe()
	require.NoError(t, err)

	hub.Broadcast(event("j1", model.JobStatusPending))

	late, err := hub.Subscribe()
	require.NoError(t, err)

	assert.Equal(t, "j1", recv(t, early).ID)
	assertEmpty(t, late)

	hub.Broadcast(event("j2", model.JobStatusPending))
	assert.Equal(t, "j2", recv(t, late).ID)
}

func TestHub_FullQueueDropsOldest(t *testing.T) {
	hub := NewHub(HubOptions{Buffer: 2, MaxOverflow: 10})
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		hub.Broadcast(event(id, model.JobStatusPending))
	}

	assert.Equal(t, "b", recv(t, sub).ID)
	assert.Equal(t, "c", recv(t, sub).ID)
	assertEmpty(t, sub)
	require.NoError(t, sub.Err())
}

func TestHub_EvictsPersistentlyFullSubscriberWithoutDelayingOthers(t *testing.T) {
	hub := NewHub(HubOptions{Buffer: 1, MaxOverflow: 2})
	slow, err := hub.Subscribe()
	require.NoError(t, err)
	fast, err := hub.Subscribe()
	require.NoError(t, err)

	var wg sync.WaitGroup
	received := make([]string, 0, 5)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range fast.Events() {
			received = append(received, ev.ID)
			if len(received) == 5 {
				return
			}
		}
	}()

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		start := time.Now()
		hub.Broadcast(event(id, model.JobStatusProcessing))
		assert.Less(t, time.Since(start), 100*time.Millisecond)
		// Give the fast reader a chance to keep up so it never overflows.
		require.Eventually(t, func() bool { return len(fast.Events()) == 0 }, time.Second, time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, received)
	assert.Equal(t, 1, hub.Len())
	require.ErrorIs(t, slow.Err(), ErrSlowSubscriber)

	_, ok := <-slow.Events()
	assert.False(t, ok, "evicted subscription channel must be closed")
}

func TestHub_OverflowStreakResetsAfterSuccessfulDelivery(t *testing.T) {
	hub := NewHub(HubOptions{Buffer: 1, MaxOverflow: 1})
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	hub.Broadcast(event("1", model.JobStatusPending)) // fills the queue
	hub.Broadcast(event("2", model.JobStatusPending)) // overflow 1
	assert.Equal(t, "2", recv(t, sub).ID)

	hub.Broadcast(event("3", model.JobStatusPending)) // delivered, streak reset
	hub.Broadcast(event("4", model.JobStatusPending)) // overflow 1 again
	assert.Equal(t, 1, hub.Len())
	require.NoError(t, sub.Err())
}

func TestHub_UnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(HubOptions{})
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	hub.Unsubscribe(nil)

	_, ok := <-sub.Events()
	assert.False(t, ok)
	assert.Zero(t, hub.Broadcast(event("j", model.JobStatusPending)))
}

func TestHub_CloseRejectsNewSubscribers(t *testing.T) {
	hub := NewHub(HubOptions{})
	sub, err := hub.Subscribe()
	require.NoError(t, err)

	hub.Close()
	hub.Close()

	_, ok := <-sub.Events()
	assert.False(t, ok)

	_, err = hub.Subscribe()
	require.ErrorIs(t, err, ErrHubClosed)
}

func TestHub_ConcurrentPublishAndUnsubscribe(t *testing.T) {
	hub := NewHub(HubOptions{Buffer: 8})
	subs := make([]*Subscription, 0, 16)
	for range 16 {
		sub, err := hub.Subscribe()
		require.NoError(t, err)
		subs = append(subs, sub)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 200 {
			hub.Broadcast(event(string(rune('a'+i%26)), model.JobStatusProcessing))
		}
	}()
	go func() {
		defer wg.Done()
		for _, sub := range subs {
			hub.Unsubscribe(sub)
		}
	}()
	wg.Wait()

	assert.Zero(t, hub.Len())
}
