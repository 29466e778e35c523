package metric

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msakrejda/cartographer/errors"
)

func newCounter(name string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: Namespace, Name: name, Help: name})
}

func TestRegistry_RegistersComponentSeries(t *testing.T) {
	registry := NewMetricsRegistry()

	results := newCounter("test_results_total")
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: Namespace, Name: "test_sessions", Help: "sessions"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace, Name: "test_transitions_total", Help: "transitions",
	}, []string{"kind"})

	require.NoError(t, registry.RegisterCounter("capture", "results_total", results))
	require.NoError(t, registry.RegisterGauge("capture", "sessions", sessions))
	require.NoError(t, registry.RegisterCounterVec("engine", "transitions_total", transitions))

	results.Add(3)
	sessions.Set(2)
	transitions.WithLabelValues("replace").Inc()

	assert.True(t, registry.Registered("capture", "results_total"))
	assert.False(t, registry.Registered("capture", "missing"))

	count, err := testutil.GatherAndCount(registry.PrometheusRegistry(),
		"cartographer_test_results_total", "cartographer_test_sessions", "cartographer_test_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.Equal(t, 3.0, testutil.ToFloat64(results))
}

func TestRegistry_DuplicateOwnerName(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NoError(t, registry.RegisterCounter("relay", "dropped_total", newCounter("test_dropped_total")))

	err := registry.RegisterCounter("relay", "dropped_total", newCounter("test_dropped_other_total"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Contains(t, err.Error(), "dropped_total already registered by relay")
}

func TestRegistry_PrometheusConflict(t *testing.T) {
	registry := NewMetricsRegistry()
	require.NoError(t, registry.RegisterCounter("viewer-a", "appended", newCounter("test_appended_total")))

	// different owner, same series
	err := registry.RegisterCounter("viewer-b", "appended", newCounter("test_appended_total"))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.False(t, registry.Registered("viewer-b", "appended"))
}

func TestRegistry_ConcurrentRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("test_session_%d_total", i)
			assert.NoError(t, registry.RegisterCounter("capture", name, newCounter(name)))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 10; i++ {
		assert.True(t, registry.Registered("capture", fmt.Sprintf("test_session_%d_total", i)))
	}
}

func TestCoreMetrics(t *testing.T) {
	registry := NewMetricsRegistry()
	core := registry.CoreMetrics()

	core.SetBuildInfo("1.2.3")
	core.RecordError("intake", "invalid")
	core.RecordError("intake", "invalid")
	core.RecordUpstreamStatus("websocket", true)
	core.RecordUpstreamStatus("nats", true)
	core.RecordUpstreamStatus("nats", false)
	core.RecordUpstreamReconnect("websocket")

	assert.Equal(t, 2.0, testutil.ToFloat64(core.ErrorsTotal.WithLabelValues("intake", "invalid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.UpstreamConnected.WithLabelValues("websocket")))
	assert.Equal(t, 0.0, testutil.ToFloat64(core.UpstreamConnected.WithLabelValues("nats")))
	assert.Equal(t, 1.0, testutil.ToFloat64(core.UpstreamReconnects.WithLabelValues("websocket")))

	count, err := testutil.GatherAndCount(registry.PrometheusRegistry(), "cartographer_build_info")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestServer_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	counter := newCounter("test_handler_total")
	require.NoError(t, registry.RegisterCounter("http", "handler_total", counter))
	counter.Inc()

	ts := httptest.NewServer(NewServer(0, "", registry).Handler())
	defer ts.Close()

	body := get(t, ts.URL+"/metrics")
	assert.Contains(t, body, "cartographer_test_handler_total 1")
	assert.Equal(t, "ok\n", get(t, ts.URL+"/healthz"))
}

func TestServer_ServeUntilCancelled(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := lis.Addr().(*net.TCPAddr).Port
	require.NoError(t, lis.Close())

	server := NewServer(port, "/prom", NewMetricsRegistry())
	assert.Equal(t, fmt.Sprintf("http://localhost:%d/prom", port), server.Address())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServer_Defaults(t *testing.T) {
	assert.Equal(t, "http://localhost:9090/metrics", NewServer(0, "", nil).Address())

	err := NewServer(0, "", nil).Serve(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
	assert.Contains(t, err.Error(), "metrics registry not provided")
}

func get(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
