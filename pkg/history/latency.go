package history

import (
	"time"

	"github.com/codahale/hdrhistogram"

	"github.com/dbsql-qa/definer-bugbash/pkg/core"
)

// maxLatency bounds the histogram, longer cases are recorded as this.
const maxLatency = time.Hour

// Latency summarizes how long cases took.
type Latency struct {
	Count int64
	P50   time.Duration
	P95   time.Duration
	Max   time.Duration
}

// LatencyOf computes the latency distribution of outcomes that ran.
// Outcomes with no elapsed time, such as cases never claimed, are skipped.
func LatencyOf(outcomes []core.Outcome) Latency {
	hist := hdrhistogram.New(1, maxLatency.Microseconds(), 3)
	for _, o := range outcomes {
		if o.Elapsed <= 0 {
			continue
		}
		us := o.Elapsed.Microseconds()
		if us < 1 {
			us = 1
		}
		if us > maxLatency.Microseconds() {
			us = maxLatency.Microseconds()
		}
		_ = hist.RecordValue(us)
	}
	return Latency{
		Count: hist.TotalCount(),
		P50:   time.Duration(hist.ValueAtQuantile(50)) * time.Microsecond,
		P95:   time.Duration(hist.ValueAtQuantile(95)) * time.Microsecond,
		Max:   time.Duration(hist.Max()) * time.Microsecond,
	}
}
