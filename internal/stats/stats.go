package stats

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Stats holds real-time aggregated metrics. It feeds progress output and the
// dashboard; the verdict is always computed from a Snapshot instead.
type Stats struct {
	Requests  uint64
	Success   uint64
	Fail      uint64
	Truncated uint64
	Bytes     uint64

	// Latency histogram (microseconds), truncated iterations excluded
	Latency *SafeHistogram

	mu       sync.Mutex
	failures map[string]uint64
	checks   map[string]uint64
}

func NewStats() *Stats {
	return &Stats{
		Latency:  NewSafeHistogram(),
		failures: make(map[string]uint64),
		checks:   make(map[string]uint64),
	}
}

// Add folds one outcome into the live counters.
func (s *Stats) Add(o Outcome) {
	if o.Truncated {
		atomic.AddUint64(&s.Truncated, 1)
		return
	}
	atomic.AddUint64(&s.Requests, 1)
	if o.Success {
		atomic.AddUint64(&s.Success, 1)
	} else {
		atomic.AddUint64(&s.Fail, 1)
	}
	if o.Bytes > 0 {
		atomic.AddUint64(&s.Bytes, uint64(o.Bytes))
	}
	s.Latency.RecordDuration(o.Latency)

	if o.Success && len(o.FailedChecks) == 0 {
		return
	}
	s.mu.Lock()
	if key := o.FailureKey(); key != "" {
		s.failures[key]++
	}
	for _, name := range o.FailedChecks {
		s.checks[name]++
	}
	s.mu.Unlock()
}

// ErrorRate returns the failed fraction of requests in [0, 1].
func (s *Stats) ErrorRate() float64 {
	reqs := atomic.LoadUint64(&s.Requests)
	if reqs == 0 {
		return 0
	}
	fails := atomic.LoadUint64(&s.Fail)
	return float64(fails) / float64(reqs)
}

// LatencyMs returns the latency at quantile q (0-100) in milliseconds.
func (s *Stats) LatencyMs(q float64) float64 {
	return float64(s.Latency.ValueAtQuantile(q)) / 1000.0
}

func (s *Stats) GetP50() float64 { return s.LatencyMs(50) }
func (s *Stats) GetP90() float64 { return s.LatencyMs(90) }
func (s *Stats) GetP95() float64 { return s.LatencyMs(95) }
func (s *Stats) GetP99() float64 { return s.LatencyMs(99) }

// MeanMs returns average latency in milliseconds
func (s *Stats) MeanMs() float64 {
	return s.Latency.Mean() / 1000.0
}

// MaxMs returns the slowest latency in milliseconds
func (s *Stats) MaxMs() float64 {
	return float64(s.Latency.Max()) / 1000.0
}

// Count is a labelled counter, used for the failure and check summaries.
type Count struct {
	Key   string
	Count uint64
}

// GetErrorCounts returns failure counts grouped by Outcome.FailureKey,
// most frequent first.
func (s *Stats) GetErrorCounts() []Count {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedCounts(s.failures)
}

// GetCheckFailures returns failure counts per check name, most frequent first.
func (s *Stats) GetCheckFailures() []Count {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedCounts(s.checks)
}

func sortedCounts(m map[string]uint64) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	return out
}
