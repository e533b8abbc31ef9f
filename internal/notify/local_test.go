package notify

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/CourierDesk/internal/models"
	"github.com/stretchr/testify/require"
)

func TestLocalHub_PublishReachesChannel(t *testing.T) {
	hub := NewLocalHub()
	c := New(hub, Options{})
	defer c.Stop()

	got := make(chan string, 1)
	c.OnMessage(func(n models.Notification) { got <- n.Message })
	require.NoError(t, c.Connect(context.Background(), alice))
	require.Eventually(t, func() bool { return hub.Publish("orders changed") == 1 }, time.Second, 5*time.Millisecond)

	select {
	case m := <-got:
		require.Equal(t, "orders changed", m)
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
}

func TestLocalHub_ClosedConnIsForgotten(t *testing.T) {
	hub := NewLocalHub()
	conn, err := hub.Dial(context.Background(), alice)
	require.NoError(t, err)
	require.Equal(t, 1, hub.Publish("x"))
	n, err := conn.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, "x", n.Message)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	require.Equal(t, 0, hub.Publish("y"))

	_, err = conn.Read(context.Background())
	require.Error(t, err)
}

func TestLocalHub_FullQueueDoesNotBlock(t *testing.T) {
	hub := NewLocalHub()
	conn, err := hub.Dial(context.Background(), alice)
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < localQueueSize; i++ {
		require.Equal(t, 1, hub.Publish("n"))
	}
	require.Equal(t, 0, hub.Publish("overflow"))
}
