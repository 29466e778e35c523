package natsclient

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msakrejda/cartographer/errors"
)

func closedPortURL(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return "nats://" + addr
}

func TestNewClient(t *testing.T) {
	_, err := NewClient("")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	client, err := NewClient("nats://a:4222,nats://b:4222", WithName("viewer"))
	require.NoError(t, err)
	assert.Equal(t, "nats://a:4222,nats://b:4222", client.URL())
	assert.Equal(t, StateDisconnected, client.State())
	assert.False(t, client.IsHealthy())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestHealthCallback_FiresOnTransitionsOnly(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	events := make(chan bool, 8)
	client.OnHealthChange(func(healthy bool) { events <- healthy })

	client.setState(StateConnecting)
	client.setState(StateConnected)
	client.setState(StateConnected)
	client.setState(StateReconnecting)
	client.setState(StateClosed)

	// callbacks run on their own goroutines, so only the set is ordered
	got := []bool{<-events, <-events}
	assert.ElementsMatch(t, []bool{true, false}, got)
	select {
	case ev := <-events:
		t.Fatalf("unexpected health event %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitForConnection(t *testing.T) {
	t.Run("times out while disconnected", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		err = client.WaitForConnection(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrTimeout)
		assert.True(t, errors.IsTransient(err))
		assert.Contains(t, err.Error(), "still disconnected")
	})

	t.Run("wakes on state change", func(t *testing.T) {
		client, err := NewClient("nats://localhost:4222")
		require.NoError(t, err)

		go func() {
			client.setState(StateConnecting)
			time.Sleep(20 * time.Millisecond)
			client.setState(StateConnected)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		assert.NoError(t, client.WaitForConnection(ctx))
	})
}

func TestConnect_UnreachableServer(t *testing.T) {
	var transitions atomic.Int32
	client, err := NewClient(closedPortURL(t),
		WithConnectAttempts(2),
		WithTimeout(200*time.Millisecond))
	require.NoError(t, err)
	client.OnHealthChange(func(bool) { transitions.Add(1) })

	err = client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, StateDisconnected, client.State())
	assert.Zero(t, transitions.Load())
}

func TestNotConnected(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, client.Publish(ctx, "cartographer.results", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, client.Flush(ctx), errors.ErrNoConnection)

	_, err = client.Subscribe(ctx, "cartographer.results", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClose_Idempotent(t *testing.T) {
	client, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx))
	assert.Equal(t, StateClosed, client.State())

	err = client.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	SkipUnlessIntegration(t)
	tc := NewTestClient(t)
	ctx := context.Background()

	health := make(chan bool, 4)
	tc.Client.OnHealthChange(func(h bool) { health <- h })

	received := make(chan []byte, 1)
	sub, err := tc.Client.Subscribe(ctx, "cartographer.test", func(_ context.Context, data []byte) {
		received <- data
	})
	require.NoError(t, err)
	assert.Equal(t, "cartographer.test", sub.Subject())
	require.NoError(t, tc.Client.Flush(ctx))

	require.NoError(t, tc.Client.Publish(ctx, "cartographer.test", []byte(`{"id":1}`)))
	select {
	case data := <-received:
		assert.Equal(t, `{"id":1}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe(), "second unsubscribe is harmless")

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Positive(t, rtt)

	require.NoError(t, tc.Client.Close(ctx))
	assert.Equal(t, StateClosed, tc.Client.State())
	select {
	case h := <-health:
		assert.False(t, h)
	case <-time.After(5 * time.Second):
		t.Fatal("no health event on close")
	}
}
