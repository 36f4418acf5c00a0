package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFabric(t *testing.T) (*RedisFabric, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

type pingEvent struct {
	Type string `json:"type"`
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	fabric, _ := newTestFabric(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := fabric.Subscribe(ctx, SessionGroup("sess-1"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, fabric.Publish(ctx, SessionGroup("sess-1"), pingEvent{Type: "ping"}))

	select {
	case raw := <-sub.Messages():
		var ev pingEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		assert.Equal(t, "ping", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestSubscriptionIsolatedByGroup(t *testing.T) {
	fabric, _ := newTestFabric(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := fabric.Subscribe(ctx, UserGroup("user-1"))
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, fabric.Publish(ctx, UserGroup("user-2"), pingEvent{Type: "ping"}))

	select {
	case <-sub.Messages():
		t.Fatal("received a message published to a different group")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	fabric, _ := newTestFabric(t)
	ctx := context.Background()

	sub, err := fabric.Subscribe(ctx, SessionGroup("sess-2"))
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok, "messages channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("messages channel never closed")
	}
}
