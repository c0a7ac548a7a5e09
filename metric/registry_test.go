package metric

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenYida/UVClient/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.Same(t, registry.Metrics, registry.CoreMetrics())
}

func TestMetricsRegistry_Register(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter",
		Help: "A test counter",
	})

	require.NoError(t, registry.Register("natsclient", "test_counter", counter))
	counter.Inc()

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "test_counter" {
			found = true
			break
		}
	}
	assert.True(t, found, "counter should be registered in Prometheus registry")
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	require.NoError(t, registry.Register("svc", "dup_gauge", gauge))

	err := registry.Register("svc", "dup_gauge", gauge)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	other := prometheus.NewGauge(prometheus.GaugeOpts{Name: "dup_gauge", Help: "dup"})
	err = registry.Register("other", "dup_gauge", other)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err), "prometheus conflict should be classified invalid")
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "temp_gauge", Help: "temp"})
	require.NoError(t, registry.Register("svc", "temp_gauge", gauge))

	assert.True(t, registry.Unregister("svc", "temp_gauge"))
	assert.False(t, registry.Unregister("svc", "temp_gauge"))

	require.NoError(t, registry.Register("svc", "temp_gauge", gauge))
}

func TestMetricsRegistry_ConcurrentRegister(t *testing.T) {
	registry := NewMetricsRegistry()

	var wg sync.WaitGroup
	names := []string{"c_one", "c_two", "c_three", "c_four"}
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: name})
			assert.NoError(t, registry.Register("svc", name, c))
		}(name)
	}
	wg.Wait()
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	m.RecordRequestReceived("foo", "async")
	m.RecordRequestReceived("foo", "async")
	m.RecordReplyPublished("foo", "async", time.Millisecond)
	m.RecordReplyError("foo", "publish")
	m.RecordRunElapsed("foo", "async", 2*time.Second)
	m.RecordStreamStarted()
	m.RecordStreamPoint("RealtimeData")
	m.RecordStreamFinished("RealtimeData", "completed")
	m.RecordStreamError("RealtimeData")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsReceived.WithLabelValues("foo", "async")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RepliesPublished.WithLabelValues("foo", "async")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReplyErrors.WithLabelValues("foo", "publish")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunElapsed.WithLabelValues("foo", "async")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.StreamActiveRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamRuns.WithLabelValues("RealtimeData", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamPointsPublished.WithLabelValues("RealtimeData")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StreamErrors.WithLabelValues("RealtimeData")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordRequestReceived("foo", "sync")
		m.RecordReplyPublished("foo", "sync", time.Millisecond)
		m.RecordReplyError("foo", "fetch")
		m.RecordRunElapsed("foo", "sync", time.Second)
		m.RecordStreamStarted()
		m.RecordStreamPoint("x")
		m.RecordStreamFinished("x", "failed")
		m.RecordStreamError("x")
	})
}

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.Metrics.RecordRequestReceived("foo", "async")

	server := NewServer(0, "", registry)
	require.NoError(t, server.Start())
	defer server.Stop()

	addr := server.Address()
	require.NotEmpty(t, addr)

	resp, err := http.Get(addr)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "uvreplier_requests_received_total")

	assert.Error(t, server.Start(), "starting twice should fail")

	require.NoError(t, server.Stop())
	assert.Empty(t, server.Address())
	assert.NoError(t, server.Stop())
}

func TestServer_NilRegistry(t *testing.T) {
	server := NewServer(0, "/metrics", nil)
	err := server.Start()
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestServer_CustomHealthHandler(t *testing.T) {
	health := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"state":"unhealthy"}`))
	})

	server := NewServer(0, "/metrics", NewMetricsRegistry(), WithHealthHandler(health))
	require.NoError(t, server.Start())
	defer server.Stop()

	healthURL := strings.TrimSuffix(server.Address(), "/metrics") + "/health"
	resp, err := http.Get(healthURL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.JSONEq(t, `{"state":"unhealthy"}`, string(body))
}
