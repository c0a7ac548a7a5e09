package replier

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nats-io/nats.go"
)

// StatsSource exposes the connection's traffic counters.
type StatsSource interface {
	Stats() nats.Statistics
}

// Report is the summary of a finished run.
type Report struct {
	Replies int
	Elapsed time.Duration
	Stats   nats.Statistics
}

// NewReport reads the counters of conn once.
func NewReport(res Result, conn StatsSource) Report {
	return Report{
		Replies: res.Received,
		Elapsed: res.Elapsed,
		Stats:   conn.Stats(),
	}
}

// Rate returns replies per second truncated to an integer. ok is false when
// no time elapsed and the rate is undefined.
func (r Report) Rate() (rate int64, ok bool) {
	if r.Elapsed <= 0 {
		return 0, false
	}
	return int64(float64(r.Replies) / r.Elapsed.Seconds()), true
}

// Render writes the human readable summary to w.
func (r Report) Render(w io.Writer) error {
	rate := "undefined"
	if perSec, ok := r.Rate(); ok {
		rate = humanize.Comma(perSec)
	}

	_, err := fmt.Fprintf(w,
		"Replied to %s requests in %.3f seconds (%s replies/sec)\n"+
			"In:  %s msgs, %s (%d bytes)\n"+
			"Out: %s msgs, %s (%d bytes)\n",
		humanize.Comma(int64(r.Replies)), r.Elapsed.Seconds(), rate,
		humanize.Comma(int64(r.Stats.InMsgs)), humanize.Bytes(r.Stats.InBytes), r.Stats.InBytes,
		humanize.Comma(int64(r.Stats.OutMsgs)), humanize.Bytes(r.Stats.OutBytes), r.Stats.OutBytes,
	)
	return err
}
