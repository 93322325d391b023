package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRelay_ForwardsIntoHub(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	relay := NewRedisRelay(client, "test", nil)
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := hub.Subscribe(ctx, "job-1")
	received := make(chan Event, 16)
	go func() {
		for e := range sub.Events() {
			received <- e
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- relay.Run(ctx, hub) }()

	// The pattern subscription is asynchronous; publish until one arrives.
	var got Event
	require.Eventually(t, func() bool {
		if err := relay.Publish(ctx, "job-1", map[string]string{"status": "processing"}); err != nil {
			return false
		}
		select {
		case got = <-received:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, "job-1", got.JobID)
	assert.JSONEq(t, `{"status":"processing"}`, string(got.Payload))

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRedisRelay_PublishFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	err := NewRedisRelay(client, "", nil).Publish(context.Background(), "job-1", map[string]string{"status": "queued"})
	assert.Error(t, err)
}
