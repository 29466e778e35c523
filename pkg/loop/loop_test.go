package loop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msakrejda/cartographer/errors"
	"github.com/msakrejda/cartographer/metric"
)

func startLoop(t *testing.T, opts ...Option) *Loop {
	t.Helper()
	l, err := New(16, opts...)
	require.NoError(t, err)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { _ = l.Stop(time.Second) })
	return l
}

func TestLoop_RunsEventsInPostOrder(t *testing.T) {
	l := startLoop(t)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	require.NoError(t, l.Call(context.Background(), func() error { return nil }))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestLoop_CallReturnsEventError(t *testing.T) {
	l := startLoop(t)

	boom := errors.ErrNoCompatibleRenderer
	err := l.Call(context.Background(), func() error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestLoop_RecoversFromPanics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	l := startLoop(t, WithMetrics(registry))

	require.NoError(t, l.Post(func() { panic("renderer exploded") }))
	require.NoError(t, l.Call(context.Background(), func() error { return nil }))

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Panics)
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, 1.0, testutil.ToFloat64(l.metrics.panics))
}

func TestLoop_StopDrainsQueue(t *testing.T) {
	l, err := New(8)
	require.NoError(t, err)

	ran := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Post(func() { ran <- struct{}{} }))
	}
	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Stop(time.Second))

	assert.Len(t, ran, 3)
	assert.Error(t, l.Post(func() {}), "post after stop")
	require.NoError(t, l.Stop(time.Second))
}

func TestLoop_StartTwice(t *testing.T) {
	l := startLoop(t)
	err := l.Start(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestLoop_ContextCancelStopsLoop(t *testing.T) {
	l, err := New(4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, l.Start(ctx))
	cancel()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop should exit when its context is canceled")
	}

	err = l.Call(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, errors.ErrAlreadyStopped)
}

func TestLoop_RejectsNilEvent(t *testing.T) {
	l := startLoop(t)
	assert.ErrorIs(t, l.Post(nil), errors.ErrInvalidData)
}
