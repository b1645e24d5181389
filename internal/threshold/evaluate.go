package threshold

import (
	"math"
	"sort"
	"time"

	"surgeq/internal/stats"
)

// ReasonNoData is the Result.Reason when a metric has no samples.
const ReasonNoData = "no requests recorded"

// ReasonNoChecks is the Result.Reason for a check rate without any checks.
const ReasonNoChecks = "no checks evaluated"

// Result is the outcome of one threshold. When Defined is false the metric
// could not be computed, Pass is false and Reason says why.
type Result struct {
	Spec    Spec    `json:"spec"`
	Name    string  `json:"threshold"`
	Value   float64 `json:"value"`
	Defined bool    `json:"defined"`
	Pass    bool    `json:"pass"`
	Reason  string  `json:"reason,omitempty"`
}

// Verdict is created once per run.
type Verdict struct {
	Results  []Result `json:"results"`
	Pass     bool     `json:"pass"`
	Warnings []string `json:"warnings,omitempty"`
}

// Failed returns the thresholds that did not pass, in declaration order.
func (v Verdict) Failed() []Result {
	var out []Result
	for _, r := range v.Results {
		if !r.Pass {
			out = append(out, r)
		}
	}
	return out
}

// Lookup returns the result for the threshold with the given String() form.
func (v Verdict) Lookup(name string) (Result, bool) {
	for _, r := range v.Results {
		if r.Name == name {
			return r, true
		}
	}
	return Result{}, false
}

// Evaluate computes every threshold against snap. It is read-only.
func Evaluate(snap stats.Snapshot, specs []Spec) Verdict {
	m := newMeasures(snap.Counted())
	v := Verdict{Pass: true, Results: make([]Result, 0, len(specs))}
	for _, s := range specs {
		r := m.evaluate(s)
		v.Results = append(v.Results, r)
		v.Pass = v.Pass && r.Pass
	}
	return v
}

// measures lazily derives aggregates from a fixed set of outcomes so that
// several thresholds over the same data sort latencies only once.
type measures struct {
	outcomes []stats.Outcome
	sorted   []float64
}

func newMeasures(outcomes []stats.Outcome) *measures {
	return &measures{outcomes: outcomes}
}

func (m *measures) evaluate(s Spec) Result {
	r := Result{Spec: s, Name: s.String()}
	value, reason := m.value(s)
	if reason != "" {
		r.Reason = reason
		return r
	}
	r.Value, r.Defined = value, true
	r.Pass = s.Op.Apply(value, s.Bound)
	return r
}

func (m *measures) value(s Spec) (float64, string) {
	if len(m.outcomes) == 0 {
		return 0, ReasonNoData
	}
	switch s.Kind {
	case ErrorRate:
		return m.errorRate(), ""
	case CheckRate:
		rate, ok := m.checkRate()
		if !ok {
			return 0, ReasonNoChecks
		}
		return rate, ""
	case LatencyPercentile:
		v, _ := Percentile(m.latencies(), s.Percentile)
		return v, ""
	case LatencyAvg:
		sum := 0.0
		for _, v := range m.latencies() {
			sum += v
		}
		return sum / float64(len(m.latencies())), ""
	case LatencyMin:
		return m.latencies()[0], ""
	case LatencyMax:
		l := m.latencies()
		return l[len(l)-1], ""
	}
	return 0, "unsupported threshold kind " + s.Kind.String()
}

func (m *measures) errorRate() float64 {
	failed := 0
	for _, o := range m.outcomes {
		if !o.Success {
			failed++
		}
	}
	return float64(failed) / float64(len(m.outcomes))
}

func (m *measures) checkRate() (float64, bool) {
	total, failed := 0, 0
	for _, o := range m.outcomes {
		total += o.Checks
		failed += len(o.FailedChecks)
	}
	if total == 0 {
		return 0, false
	}
	return float64(total-failed) / float64(total), true
}

// latencies returns every latency in milliseconds, ascending.
func (m *measures) latencies() []float64 {
	if m.sorted == nil {
		m.sorted = make([]float64, len(m.outcomes))
		for i, o := range m.outcomes {
			m.sorted[i] = toMillis(o.Latency)
		}
		sort.Float64s(m.sorted)
	}
	return m.sorted
}

// Percentile returns the p-th percentile (0-100) of ascending values using
// linear interpolation between closest ranks: rank = p/100 * (n-1).
// It reports false for an empty input.
func Percentile(sorted []float64, p float64) (float64, bool) {
	n := len(sorted)
	if n == 0 {
		return 0, false
	}
	if p <= 0 {
		return sorted[0], true
	}
	if p >= 100 {
		return sorted[n-1], true
	}
	rank := p / 100 * float64(n-1)
	lower := int(math.Floor(rank))
	upper := lower + 1
	if upper >= n {
		return sorted[n-1], true
	}
	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight, true
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
