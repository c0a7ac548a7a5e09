//go:build integration

package replier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChenYida/UVClient/natsclient"
)

func TestIntegration_RunAgainstRealServer(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithFastStartup())
	requester := tc.NewRequester(t)

	for _, mode := range modes {
		t.Run(string(mode), func(t *testing.T) {
			const n = 10
			subject := "uv." + string(mode)

			r, err := New(tc.Client, Config{Subject: subject, Count: n, Mode: mode})
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			done := startRun(ctx, r)

			// The first answered warm-up request counts as request number one. Until the
			// subscription lands the server answers with no responders.
			deadline := time.Now().Add(5 * time.Second)
			for {
				_, err := requester.Request(subject, []byte("warmup"), 2*time.Second)
				if err == nil {
					break
				}
				require.True(t, time.Now().Before(deadline), "replier never subscribed: %v", err)
				time.Sleep(20 * time.Millisecond)
			}

			var wg sync.WaitGroup
			replies := make([]string, n-1)
			for i := 0; i < n-1; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					msg, err := requester.Request(subject, []byte(fmt.Sprintf("req-%d", i)), 5*time.Second)
					if err == nil {
						replies[i] = string(msg.Data)
					}
				}(i)
			}
			wg.Wait()

			o := waitOutcome(t, done)
			require.NoError(t, o.err)
			assert.Equal(t, n, o.res.Received)

			for i, reply := range replies {
				assert.True(t, strings.HasPrefix(reply, fmt.Sprintf("UV received your request <req-%d> and returns ", i)), reply)
			}

			report := NewReport(o.res, tc.Client)
			assert.GreaterOrEqual(t, report.Stats.InMsgs, uint64(n))
			assert.GreaterOrEqual(t, report.Stats.OutMsgs, uint64(n))
		})
	}
}
