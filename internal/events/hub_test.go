package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect reads n events from sub in a goroutine.
func collect(sub *Subscription, n int) <-chan []Event {
	out := make(chan []Event, 1)
	go func() {
		var got []Event
		for e := range sub.Events() {
			got = append(got, e)
			if len(got) == n {
				break
			}
		}
		out <- got
	}()
	return out
}

func payloads(events []Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e.Payload)
	}
	return out
}

func TestHub_PublishWithoutSubscribersIsDropped(t *testing.T) {
	hub := NewHub()

	_, delivered := hub.Publish("job-1", json.RawMessage(`{"status":"queued"}`))
	assert.False(t, delivered)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := hub.Subscribe(ctx, "job-1")
	got := collect(sub, 1)

	hub.Publish("job-1", json.RawMessage(`{"status":"processing"}`))

	select {
	case events := <-got:
		assert.Equal(t, []string{`{"status":"processing"}`}, payloads(events))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHub_BroadcastsInOrderToEverySubscriber(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subA := hub.Subscribe(ctx, "job-1")
	subB := hub.Subscribe(ctx, "job-1")
	gotA := collect(subA, 3)
	gotB := collect(subB, 3)

	want := []string{`{"status":"processing"}`, `{"status":"processing","progress":0.5}`, `{"status":"done","output":"job-1.mp4"}`}
	for _, p := range want {
		_, ok := hub.Publish("job-1", json.RawMessage(p))
		require.True(t, ok)
	}

	for _, ch := range []<-chan []Event{gotA, gotB} {
		select {
		case events := <-ch:
			assert.Equal(t, want, payloads(events))
			for i := 1; i < len(events); i++ {
				assert.Greater(t, events[i].Seq, events[i-1].Seq)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestHub_TopicsAreIsolated(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := hub.Subscribe(ctx, "job-1")
	got := collect(sub, 1)

	_, ok := hub.Publish("job-2", json.RawMessage(`{"status":"error","error":"x"}`))
	assert.False(t, ok)
	hub.Publish("job-1", json.RawMessage(`{"status":"queued"}`))

	events := <-got
	require.Len(t, events, 1)
	assert.Equal(t, "job-1", events[0].JobID)
}

func TestHub_CancelEndsIterationAndDetaches(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	sub := hub.Subscribe(ctx, "job-1")
	require.Equal(t, 1, hub.Subscribers("job-1"))

	done := make(chan struct{})
	go func() {
		for range sub.Events() {
		}
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("iteration did not stop after cancel")
	}
	assert.Eventually(t, func() bool { return hub.Subscribers("job-1") == 0 }, time.Second, 10*time.Millisecond)

	_, ok := hub.Publish("job-1", json.RawMessage(`{}`))
	assert.False(t, ok)
}

func TestHub_CloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe(context.Background(), "job-1")

	sub.Close()
	sub.Close()

	for range sub.Events() {
		t.Fatal("closed subscription yielded an event")
	}
	assert.Equal(t, 0, hub.Subscribers("job-1"))
}

func TestHub_SlowSubscriberKeepsBacklog(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fast := hub.Subscribe(ctx, "job-1")
	slow := hub.Subscribe(ctx, "job-1")
	gotFast := collect(fast, 2)

	hub.Publish("job-1", json.RawMessage(`1`))
	hub.Publish("job-1", json.RawMessage(`2`))
	<-gotFast

	hub.Publish("job-1", json.RawMessage(`3`))
	events := <-collect(slow, 3)
	assert.Equal(t, []string{"1", "2", "3"}, payloads(events))
}

func TestHub_ConcurrentPublishers(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := hub.Subscribe(ctx, "job-1")
	got := collect(sub, 100)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				hub.Publish("job-1", json.RawMessage(`{}`))
			}
		}()
	}
	wg.Wait()

	select {
	case events := <-got:
		require.Len(t, events, 100)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for events")
	}
}

func TestHubPublisher_EncodesPayload(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := hub.Subscribe(ctx, "job-1")
	got := collect(sub, 1)

	err := NewHubPublisher(hub).Publish(ctx, "job-1", map[string]string{"status": "done", "output": "job-1.mp4"})
	require.NoError(t, err)

	events := <-got
	assert.JSONEq(t, `{"status":"done","output":"job-1.mp4"}`, string(events[0].Payload))
}

func TestHubPublisher_RejectsUnencodable(t *testing.T) {
	err := NewHubPublisher(NewHub()).Publish(context.Background(), "job-1", make(chan int))
	assert.Error(t, err)
}
