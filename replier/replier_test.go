package replier

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
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

const waitTimeout = 2 * time.Second

var modes = []Mode{ModeAsync, ModeSync}

type outcome struct {
	res Result
	err error
}

func startRun(ctx context.Context, r *Replier) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		res, err := r.Run(ctx)
		out <- outcome{res, err}
	}()
	return out
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(waitTimeout):
		t.Fatal("run did not finish")
		return outcome{}
	}
}

func counterTokens() TokenSource {
	var n atomic.Int32
	return func() int32 { return n.Add(1) }
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"defaults to async", Config{Subject: "foo", Count: 200}, false},
		{"sync mode", Config{Subject: "foo", Count: 1, Mode: ModeSync}, false},
		{"zero count", Config{Subject: "foo"}, false},
		{"missing subject", Config{Count: 1}, true},
		{"negative count", Config{Subject: "foo", Count: -1}, true},
		{"unknown mode", Config{Subject: "foo", Count: 1, Mode: "batch"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{Subject: "foo", Count: 1})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	r, err := New(testutil.NewMockConn(), Config{Subject: "foo", Count: 1})
	require.NoError(t, err)
	assert.Equal(t, ModeAsync, r.cfg.Mode)
}

func TestRun_AnswersEachRequest(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			conn := testutil.NewMockConn()
			r, err := New(conn, Config{Subject: "foo", Count: 3, Mode: mode}, WithTokenSource(counterTokens()))
			require.NoError(t, err)

			done := startRun(context.Background(), r)
			require.True(t, conn.WaitForSubscribers("foo", 1, waitTimeout))

			conn.Deliver("foo", "r1", []byte("a"))
			conn.Deliver("foo", "r2", []byte("b"))
			conn.Deliver("foo", "r3", []byte("c"))

			o := waitOutcome(t, done)
			require.NoError(t, o.err)
			assert.Equal(t, 3, o.res.Received)
			assert.GreaterOrEqual(t, o.res.Elapsed, time.Duration(0))

			replies := conn.Published("")
			require.Len(t, replies, 3)
			for i, want := range []struct{ subject, data string }{
				{"r1", "UV received your request <a> and returns 1"},
				{"r2", "UV received your request <b> and returns 2"},
				{"r3", "UV received your request <c> and returns 3"},
			} {
				assert.Equal(t, want.subject, replies[i].Subject)
				assert.Equal(t, want.data, string(replies[i].Data))
			}

			assert.Equal(t, 0, conn.SubscriberCount("foo"), "subscription released")

			if mode == ModeAsync {
				assert.Equal(t, 3, conn.Flushes())
			} else {
				assert.Equal(t, 0, conn.Flushes())
			}
		})
	}
}

func TestRun_ModesProduceSameReplies(t *testing.T) {
	const n = 20

	pairs := make(map[Mode][]string)
	for _, mode := range modes {
		conn := testutil.NewMockConn()
		r, err := New(conn, Config{Subject: "foo", Count: n, Mode: mode})
		require.NoError(t, err)

		done := startRun(context.Background(), r)
		require.True(t, conn.WaitForSubscribers("foo", 1, waitTimeout))
		for i := 0; i < n; i++ {
			conn.Deliver("foo", fmt.Sprintf("inbox.%d", i), []byte(fmt.Sprintf("req-%d", i)))
		}

		o := waitOutcome(t, done)
		require.NoError(t, o.err)
		require.Equal(t, n, o.res.Received)

		for _, msg := range conn.Published("") {
			data := string(msg.Data)
			idx := strings.LastIndex(data, " and returns ")
			require.Positive(t, idx)
			pairs[mode] = append(pairs[mode], msg.Subject+"|"+data[:idx])
		}
	}

	assert.Len(t, pairs[ModeAsync], n)
	assert.Equal(t, pairs[ModeAsync], pairs[ModeSync])
}

func TestRun_ZeroCount(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			conn := testutil.NewMockConn()
			conn.SubscribeErr = func(string) error {
				t.Error("subscribe must not be called")
				return nil
			}

			r, err := New(conn, Config{Subject: "foo", Count: 0, Mode: mode})
			require.NoError(t, err)

			res, err := r.Run(context.Background())
			require.NoError(t, err)
			assert.Equal(t, Result{}, res)
			assert.Empty(t, conn.Published(""))
		})
	}
}

func TestRun_PublishFailureAbortsRun(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			conn := testutil.NewMockConn()
			boom := stderrors.New("write failed")
			conn.PublishErr = func(msg *nats.Msg) error {
				if msg.Subject == "r2" {
					return boom
				}
				return nil
			}

			r, err := New(conn, Config{Subject: "foo", Count: 3, Mode: mode})
			require.NoError(t, err)

			done := startRun(context.Background(), r)
			require.True(t, conn.WaitForSubscribers("foo", 1, waitTimeout))
			conn.Deliver("foo", "r1", []byte("a"))
			conn.Deliver("foo", "r2", []byte("b"))
			conn.Deliver("foo", "r3", []byte("c"))

			o := waitOutcome(t, done)
			require.Error(t, o.err)
			assert.ErrorIs(t, o.err, boom)
			assert.True(t, errors.IsTransient(o.err))
			assert.Equal(t, 2, o.res.Received)
			assert.Zero(t, o.res.Elapsed)
			assert.Len(t, conn.Published(""), 1)
			assert.Equal(t, 0, conn.SubscriberCount("foo"))
		})
	}
}

func TestRun_FlushFailureAbortsPushRun(t *testing.T) {
	conn := testutil.NewMockConn()
	boom := stderrors.New("flush failed")
	conn.FlushErr = func() error { return boom }

	r, err := New(conn, Config{Subject: "foo", Count: 2})
	require.NoError(t, err)

	done := startRun(context.Background(), r)
	require.True(t, conn.WaitForSubscribers("foo", 1, waitTimeout))
	conn.Deliver("foo", "r1", []byte("a"))

	o := waitOutcome(t, done)
	assert.ErrorIs(t, o.err, boom)
	assert.True(t, errors.IsTransient(o.err))
	assert.Equal(t, 1, o.res.Received)
}

func TestRun_SubscribeFailure(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			conn := testutil.NewMockConn()
			conn.SubscribeErr = func(string) error { return nats.ErrConnectionClosed }

			r, err := New(conn, Config{Subject: "foo", Count: 1, Mode: mode})
			require.NoError(t, err)

			_, err = r.Run(context.Background())
			assert.ErrorIs(t, err, nats.ErrConnectionClosed)
			assert.True(t, errors.IsTransient(err))
		})
	}
}

func TestRun_RequestWithoutReplySubject(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			conn := testutil.NewMockConn()
			metrics := metric.NewMetrics()
			r, err := New(conn, Config{Subject: "foo", Count: 2, Mode: mode}, WithMetrics(metrics))
			require.NoError(t, err)

			done := startRun(context.Background(), r)
			require.True(t, conn.WaitForSubscribers("foo", 1, waitTimeout))
			conn.Deliver("foo", "", []byte("fire-and-forget"))
			conn.Deliver("foo", "r2", []byte("b"))

			o := waitOutcome(t, done)
			require.NoError(t, o.err)
			assert.Equal(t, 2, o.res.Received)

			replies := conn.Published("")
			require.Len(t, replies, 1)
			assert.Equal(t, "r2", replies[0].Subject)

			assert.Equal(t, 1.0, promtest.ToFloat64(metrics.ReplyErrors.WithLabelValues("foo", "no_reply")))
			assert.Equal(t, 1.0, promtest.ToFloat64(metrics.RepliesPublished.WithLabelValues("foo", string(mode))))
		})
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			conn := testutil.NewMockConn()
			r, err := New(conn, Config{Subject: "foo", Count: 5, Mode: mode})
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := startRun(ctx, r)
			require.True(t, conn.WaitForSubscribers("foo", 1, waitTimeout))
			conn.Deliver("foo", "r1", []byte("a"))
			require.Len(t, conn.WaitForPublished("r1", 1, waitTimeout), 1)

			cancel()

			o := waitOutcome(t, done)
			require.Error(t, o.err)
			assert.ErrorIs(t, o.err, context.Canceled)
			assert.Equal(t, 1, o.res.Received)
			assert.Equal(t, 0, conn.SubscriberCount("foo"))
		})
	}
}

func TestRun_IgnoresRequestsAfterCompletion(t *testing.T) {
	conn := testutil.NewMockConn()
	r, err := New(conn, Config{Subject: "foo", Count: 2})
	require.NoError(t, err)

	done := startRun(context.Background(), r)
	require.True(t, conn.WaitForSubscribers("foo", 1, waitTimeout))
	for i := 0; i < 5; i++ {
		conn.Deliver("foo", fmt.Sprintf("r%d", i), []byte("x"))
	}

	o := waitOutcome(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, 2, o.res.Received)
	assert.Len(t, conn.Published(""), 2)
}

// More callers than the target race through handle. Run with -race.
func TestHandle_ConcurrentRequestsStopAtTarget(t *testing.T) {
	const (
		target  = 100
		callers = 150
	)

	tests := []struct {
		name  string
		mode  Mode
		flush bool
	}{
		{"push with flush", ModeAsync, true},
		{"pull without flush", ModeSync, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := testutil.NewMockConn()
			r, err := New(conn, Config{Subject: "foo", Count: target, Mode: tt.mode}, WithTokenSource(counterTokens()))
			require.NoError(t, err)

			st := &runState{target: target}
			start := make(chan struct{})
			var finished, failed atomic.Int32
			var wg sync.WaitGroup

			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					<-start
					msg := &nats.Msg{Subject: "foo", Reply: fmt.Sprintf("inbox.%d", i), Data: []byte("req")}
					done, err := r.handle(context.Background(), st, msg, tt.flush)
					if err != nil {
						failed.Add(1)
					}
					if done {
						finished.Add(1)
					}
				}(i)
			}
			close(start)
			wg.Wait()

			assert.Zero(t, failed.Load())
			assert.Equal(t, int32(1), finished.Load(), "exactly one caller completes the run")

			st.mu.Lock()
			assert.Equal(t, target, st.received)
			assert.True(t, st.finished)
			assert.Positive(t, st.elapsed)
			st.mu.Unlock()

			replies := conn.Published("")
			assert.Len(t, replies, target)
			seen := make(map[string]bool, len(replies))
			for _, m := range replies {
				assert.False(t, seen[m.Subject], "duplicate reply to %s", m.Subject)
				seen[m.Subject] = true
			}
		})
	}
}

func TestRun_UnsubscribeFailureIsNotFatal(t *testing.T) {
	conn := testutil.NewMockConn()
	conn.UnsubscribeErr = stderrors.New("connection draining")

	r, err := New(conn, Config{Subject: "foo", Count: 1, Mode: ModeSync})
	require.NoError(t, err)

	done := startRun(context.Background(), r)
	require.True(t, conn.WaitForSubscribers("foo", 1, waitTimeout))
	conn.Deliver("foo", "r1", []byte("a"))

	o := waitOutcome(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, 1, o.res.Received)
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	conn := testutil.NewMockConn()
	r, err := New(conn, Config{Subject: "foo", Count: 1})
	require.NoError(t, err)

	done := startRun(context.Background(), r)
	require.True(t, conn.WaitForSubscribers("foo", 1, waitTimeout))

	_, err = r.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	conn.Deliver("foo", "r1", []byte("a"))
	require.NoError(t, waitOutcome(t, done).err)
}

func TestRun_RecordsMetrics(t *testing.T) {
	conn := testutil.NewMockConn()
	metrics := metric.NewMetrics()

	r, err := New(conn, Config{Subject: "foo", Count: 2}, WithMetrics(metrics))
	require.NoError(t, err)

	done := startRun(context.Background(), r)
	require.True(t, conn.WaitForSubscribers("foo", 1, waitTimeout))
	conn.Deliver("foo", "r1", []byte("a"))
	conn.Deliver("foo", "r2", []byte("b"))
	require.NoError(t, waitOutcome(t, done).err)

	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.RequestsReceived.WithLabelValues("foo", "async")))
	assert.Equal(t, 2.0, promtest.ToFloat64(metrics.RepliesPublished.WithLabelValues("foo", "async")))
	assert.Equal(t, 0.0, promtest.ToFloat64(metrics.ReplyErrors.WithLabelValues("foo", "publish")))
}
