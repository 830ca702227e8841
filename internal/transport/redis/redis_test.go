package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hospital-pager/internal/eventing"
)

func TestPublishSubscribeByScope(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	tr := New(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	received := make(chan eventing.AlertEvent, 4)
	done := make(chan error, 1)
	go func() {
		done <- tr.Subscribe(ctx, "ward-a", func(evt eventing.AlertEvent) { received <- evt })
	}()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("alerts.*")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	other, err := eventing.NewAlertEvent(eventing.EventCreated, "b1", "ward-b", nil, eventing.Meta{})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, other))
	mr.Publish("alerts.ward-a", "not json")
	evt, err := eventing.NewAlertEvent(eventing.EventCreated, "a1", "ward-a", map[string]string{"room": "4"}, eventing.Meta{})
	require.NoError(t, err)
	require.NoError(t, tr.Publish(ctx, evt))

	select {
	case got := <-received:
		assert.Equal(t, evt.ID, got.ID)
		assert.Equal(t, "a1", got.AlertID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
	assert.Empty(t, received)
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	err := New(client).Publish(context.Background(), eventing.AlertEvent{ID: "x"})
	assert.ErrorIs(t, err, eventing.ErrInvalidEvent)
}
