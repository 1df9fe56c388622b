package refresh

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestChannelRoundTrip(t *testing.T) {
	assert.Equal(t, "workspace:ws_1:changed", Channel("ws_1"))
	id, ok := workspaceFromChannel("workspace:ws_1:changed")
	assert.True(t, ok)
	assert.Equal(t, "ws_1", id)
	_, ok = workspaceFromChannel("workspace::changed")
	assert.False(t, ok)
	_, ok = workspaceFromChannel("other:ws_1")
	assert.False(t, ok)
}

func TestFeedDeliversPublishedEvents(t *testing.T) {
	client := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 1)
	ready := make(chan struct{})
	done := make(chan error, 1)
	feed := NewFeed(client, logr.Discard())
	go func() {
		done <- feed.Run(ctx, func(_ context.Context, event Event) { events <- event }, ready)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not subscribe")
	}

	publisher := NewPublisher(client, logr.Discard())
	require.NoError(t, publisher.Publish(ctx, Event{WorkspaceID: "ws_7", Origin: "u_1", Kind: "sync"}))

	select {
	case event := <-events:
		assert.Equal(t, "ws_7", event.WorkspaceID)
		assert.Equal(t, "u_1", event.Origin)
		assert.Equal(t, "sync", event.Kind)
		assert.False(t, event.At.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestRevalidatorTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	r := NewRevalidator(5*time.Millisecond, func(context.Context) {
		if calls.Add(1) == 3 {
			cancel()
		}
	}, logr.Discard())

	finished := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("revalidator did not stop")
	}
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestRevalidatorDisabled(t *testing.T) {
	called := false
	NewRevalidator(0, func(context.Context) { called = true }, logr.Discard()).Run(context.Background())
	assert.False(t, called)
}
