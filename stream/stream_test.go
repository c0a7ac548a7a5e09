package stream

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenYida/UVClient/errors"
	"github.com/ChenYida/UVClient/metric"
	"github.com/ChenYida/UVClient/testutil"
)

const waitTimeout = 3 * time.Second

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = time.Millisecond
	return cfg
}

func newStarted(t *testing.T, conn *testutil.MockConn, cfg Config, opts ...Option) *Streamer {
	t.Helper()
	s, err := New(conn, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

// splitRuns groups published points by run id and counts sentinels.
func splitRuns(t *testing.T, msgs []*nats.Msg, sentinel string) (map[string][]Point, int) {
	t.Helper()
	runs := make(map[string][]Point)
	sentinels := 0
	for _, msg := range msgs {
		if string(msg.Data) == sentinel {
			sentinels++
			continue
		}
		var p Point
		require.NoError(t, json.Unmarshal(msg.Data, &p))
		runs[p.Run] = append(runs[p.Run], p)
	}
	return runs, sentinels
}

func assertSeries(t *testing.T, points []Point, n int) {
	t.Helper()
	require.Len(t, points, n)
	for i, p := range points {
		assert.Equal(t, i, p.X)
		assert.Equal(t, i*10, p.Y)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "RunMethod", cfg.TriggerSubject)
	assert.Equal(t, "RealtimeData", cfg.OutputSubject)
	assert.Equal(t, 30, cfg.Points)
	assert.Equal(t, 200*time.Millisecond, cfg.Interval)
	assert.Equal(t, "Complete", cfg.Sentinel)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing trigger", func(c *Config) { c.TriggerSubject = "" }},
		{"missing output", func(c *Config) { c.OutputSubject = "" }},
		{"negative points", func(c *Config) { c.Points = -1 }},
		{"negative interval", func(c *Config) { c.Interval = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestStreamer_SingleTrigger(t *testing.T) {
	conn := testutil.NewMockConn()
	newStarted(t, conn, fastConfig())

	require.Equal(t, 1, conn.Deliver("RunMethod", "", []byte("go")))

	msgs := conn.WaitForPublished("RealtimeData", 31, waitTimeout)
	require.Len(t, msgs, 31)

	runs, sentinels := splitRuns(t, msgs[:30], "Complete")
	require.Len(t, runs, 1)
	assert.Zero(t, sentinels)
	for _, points := range runs {
		assertSeries(t, points, 30)
	}
	assert.Equal(t, "Complete", string(msgs[30].Data))
}

func TestStreamer_ConcurrentTriggersAreIndependent(t *testing.T) {
	conn := testutil.NewMockConn()
	cfg := fastConfig()
	cfg.Interval = 5 * time.Millisecond
	newStarted(t, conn, cfg)

	conn.Deliver("RunMethod", "", nil)
	conn.Deliver("RunMethod", "", nil)

	msgs := conn.WaitForPublished("RealtimeData", 62, waitTimeout)
	require.Len(t, msgs, 62)

	runs, sentinels := splitRuns(t, msgs, "Complete")
	assert.Equal(t, 2, sentinels)
	require.Len(t, runs, 2)
	for _, points := range runs {
		assertSeries(t, points, 30)
	}

	// Back to back runs would finish one series before the other starts.
	firstDone := -1
	for i, msg := range msgs {
		if string(msg.Data) == "Complete" {
			firstDone = i
			break
		}
	}
	require.GreaterOrEqual(t, firstDone, 30)
	before, _ := splitRuns(t, msgs[:firstDone], "Complete")
	assert.Len(t, before, 2, "both runs publish before either completes")
}

func TestStreamer_TriggerDirectly(t *testing.T) {
	conn := testutil.NewMockConn()
	cfg := fastConfig()
	cfg.Points = 3

	s, err := New(conn, cfg)
	require.NoError(t, err)

	assert.Empty(t, s.Trigger(), "not started")

	require.NoError(t, s.Start(context.Background()))
	id := s.Trigger()
	require.NotEmpty(t, id)

	require.NoError(t, s.Stop(context.Background()))

	msgs := conn.Published("RealtimeData")
	require.Len(t, msgs, 4)
	runs, _ := splitRuns(t, msgs, "Complete")
	assertSeries(t, runs[id], 3)

	assert.Equal(t, 0, conn.SubscriberCount("RunMethod"))
	assert.Empty(t, s.Trigger(), "stopped")
}

func TestStreamer_StopCancelsRunsWhenContextExpires(t *testing.T) {
	conn := testutil.NewMockConn()
	metrics := metric.NewMetrics()
	cfg := DefaultConfig()
	cfg.Interval = time.Hour

	s, err := New(conn, cfg, WithMetrics(metrics))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	s.Trigger()
	require.Len(t, conn.WaitForPublished("RealtimeData", 1, waitTimeout), 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, s.Stop(ctx))
	assert.Less(t, time.Since(start), time.Second)

	assert.Len(t, conn.Published("RealtimeData"), 1, "no sentinel after cancel")
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.StreamRuns.WithLabelValues("RealtimeData", "cancelled")))
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.StreamActiveRuns))
}

func TestStreamer_PublishFailureAbortsOnlyThatRun(t *testing.T) {
	conn := testutil.NewMockConn()
	metrics := metric.NewMetrics()

	failed := false
	conn.PublishErr = func(msg *nats.Msg) error {
		var p Point
		if !failed && json.Unmarshal(msg.Data, &p) == nil && p.X == 5 {
			failed = true
			return stderrors.New("broken pipe")
		}
		return nil
	}

	s := newStarted(t, conn, fastConfig(), WithMetrics(metrics))

	s.Trigger()
	require.Eventually(t, func() bool {
		return promtest.ToFloat64(metrics.StreamRuns.WithLabelValues("RealtimeData", "failed")) == 1
	}, waitTimeout, 5*time.Millisecond)
	assert.Len(t, conn.Published("RealtimeData"), 5)

	s.Trigger()
	msgs := conn.WaitForPublished("RealtimeData", 36, waitTimeout)
	require.Len(t, msgs, 36)
	assert.Equal(t, "Complete", string(msgs[35].Data))

	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.StreamErrors.WithLabelValues("RealtimeData")))
	assert.Equal(t, 35.0, promtest.ToFloat64(metrics.StreamPointsPublished.WithLabelValues("RealtimeData")))
}

func TestStreamer_StartTwice(t *testing.T) {
	conn := testutil.NewMockConn()
	s := newStarted(t, conn, fastConfig())

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestStreamer_StartSubscribeFailure(t *testing.T) {
	conn := testutil.NewMockConn()
	conn.SubscribeErr = func(string) error { return nats.ErrConnectionClosed }

	s, err := New(conn, fastConfig())
	require.NoError(t, err)

	err = s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Empty(t, s.Trigger())
}

func TestStreamer_StopWithoutStart(t *testing.T) {
	s, err := New(testutil.NewMockConn(), fastConfig())
	require.NoError(t, err)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestNew_NilConn(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
