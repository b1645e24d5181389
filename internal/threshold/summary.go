package threshold

import (
	"sort"
	"time"

	"surgeq/internal/stats"
)

// DefaultPercentiles are always reported, whatever the thresholds ask for.
var DefaultPercentiles = []float64{50, 90, 95, 99}

// Summary is the raw aggregate view of a run, for reporting.
type Summary struct {
	Total     int     `json:"total_requests"`
	Failures  int     `json:"failures"`
	Truncated int     `json:"truncated"`
	ErrorRate float64 `json:"error_rate"`

	// ErrorRateDefined is false when no request was counted.
	ErrorRateDefined bool `json:"error_rate_defined"`

	Percentiles []PercentileValue `json:"percentiles"`
	AvgLatency  time.Duration     `json:"avg_latency"`
	MinLatency  time.Duration     `json:"min_latency"`
	MaxLatency  time.Duration     `json:"max_latency"`

	CheckTotal    int            `json:"check_total"`
	CheckFailures map[string]int `json:"check_failures,omitempty"`
	StatusCodes   map[int]int    `json:"status_codes,omitempty"`
}

type PercentileValue struct {
	P     float64       `json:"p"`
	Value time.Duration `json:"value"`
}

// Percentile returns the reported value for p.
func (s Summary) Percentile(p float64) (time.Duration, bool) {
	for _, pv := range s.Percentiles {
		if pv.P == p {
			return pv.Value, true
		}
	}
	return 0, false
}

// RequestedPercentiles merges the defaults with any percentile a threshold
// references, ascending and without duplicates.
func RequestedPercentiles(specs []Spec) []float64 {
	set := make(map[float64]bool)
	for _, p := range DefaultPercentiles {
		set[p] = true
	}
	for _, s := range specs {
		if s.Kind == LatencyPercentile {
			set[s.Percentile] = true
		}
	}
	out := make([]float64, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Float64s(out)
	return out
}

// Summarize computes the aggregates of snap. Percentiles use the same
// definition as the thresholds.
func Summarize(snap stats.Snapshot, percentiles []float64) Summary {
	counted := snap.Counted()
	sum := Summary{
		Total:         len(counted),
		Truncated:     snap.Truncated(),
		CheckFailures: make(map[string]int),
		StatusCodes:   make(map[int]int),
	}
	if len(counted) == 0 {
		return sum
	}

	m := newMeasures(counted)
	sum.ErrorRate, sum.ErrorRateDefined = m.errorRate(), true
	for _, o := range counted {
		if !o.Success {
			sum.Failures++
		}
		if o.HasStatus() {
			sum.StatusCodes[o.StatusCode]++
		}
		sum.CheckTotal += o.Checks
		for _, name := range o.FailedChecks {
			sum.CheckFailures[name]++
		}
	}

	lat := m.latencies()
	for _, p := range percentiles {
		v, _ := Percentile(lat, p)
		sum.Percentiles = append(sum.Percentiles, PercentileValue{P: p, Value: fromMillis(v)})
	}
	total := 0.0
	for _, v := range lat {
		total += v
	}
	sum.AvgLatency = fromMillis(total / float64(len(lat)))
	sum.MinLatency = fromMillis(lat[0])
	sum.MaxLatency = fromMillis(lat[len(lat)-1])
	return sum
}

func fromMillis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
