package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Metric names accepted in threshold declarations.
const (
	MetricFailed   = "http_req_failed"
	MetricDuration = "http_req_duration"
	MetricChecks   = "checks"
)

// Kind is the aggregate a threshold is computed over.
type Kind int

const (
	ErrorRate Kind = iota
	LatencyPercentile
	LatencyAvg
	LatencyMin
	LatencyMax
	CheckRate
)

func (k Kind) String() string {
	switch k {
	case ErrorRate:
		return "error_rate"
	case LatencyPercentile:
		return "latency_percentile"
	case LatencyAvg:
		return "latency_avg"
	case LatencyMin:
		return "latency_min"
	case LatencyMax:
		return "latency_max"
	case CheckRate:
		return "check_rate"
	}
	return "unknown"
}

func (k Kind) MarshalText() ([]byte, error) {
	if k < ErrorRate || k > CheckRate {
		return nil, fmt.Errorf("unknown threshold kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for c := ErrorRate; c <= CheckRate; c++ {
		if c.String() == string(b) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown threshold kind %q", b)
}

// IsLatency reports whether values of this kind are in milliseconds.
func (k Kind) IsLatency() bool {
	switch k {
	case LatencyPercentile, LatencyAvg, LatencyMin, LatencyMax:
		return true
	}
	return false
}

// Comparator is one of the relational operators allowed in an expression.
type Comparator string

const (
	Less         Comparator = "<"
	LessEqual    Comparator = "<="
	Greater      Comparator = ">"
	GreaterEqual Comparator = ">="
	Equal        Comparator = "=="
	NotEqual     Comparator = "!="
)

// Apply evaluates "value op bound".
func (c Comparator) Apply(value, bound float64) bool {
	switch c {
	case Less:
		return value < bound
	case LessEqual:
		return value <= bound
	case Greater:
		return value > bound
	case GreaterEqual:
		return value >= bound
	case Equal:
		return value == bound
	case NotEqual:
		return value != bound
	}
	return false
}

// Spec is a parsed threshold such as "http_req_duration: p(95)<500".
// Latency bounds are stored in milliseconds, rate bounds as fractions.
type Spec struct {
	Metric     string     `json:"metric"`
	Expr       string     `json:"expr"`
	Kind       Kind       `json:"kind"`
	Percentile float64    `json:"percentile,omitempty"`
	Op         Comparator `json:"op"`
	Bound      float64    `json:"bound"`

	// AbortOnFail stops the run as soon as a live evaluation fails, once
	// DelayAbortEval of run time has passed.
	AbortOnFail    bool          `json:"abort_on_fail,omitempty"`
	DelayAbortEval time.Duration `json:"delay_abort_eval,omitempty"`
}

func (s Spec) String() string {
	return s.Metric + ": " + s.Expr
}

var exprRe = regexp.MustCompile(`^\s*(rate|avg|min|max|med|p\(\s*([0-9]+(?:\.[0-9]+)?)\s*\))\s*(<=|>=|==|!=|<|>)\s*([0-9]+(?:\.[0-9]+)?(?:[a-zµ]+)?)\s*$`)

// Parse turns a metric name and a k6-style expression into a Spec.
func Parse(metric, expr string) (Spec, error) {
	metric = strings.ToLower(strings.TrimSpace(metric))
	m := exprRe.FindStringSubmatch(expr)
	if m == nil {
		return Spec{}, fmt.Errorf("threshold %q on %s: malformed expression", expr, metric)
	}
	agg, pct, op, rawBound := m[1], m[2], m[3], m[4]

	s := Spec{Metric: metric, Expr: strings.TrimSpace(expr), Op: Comparator(op)}

	switch metric {
	case MetricFailed, MetricChecks:
		if agg != "rate" {
			return Spec{}, fmt.Errorf("threshold %q on %s: only rate is supported", expr, metric)
		}
		s.Kind = ErrorRate
		if metric == MetricChecks {
			s.Kind = CheckRate
		}
		b, err := strconv.ParseFloat(rawBound, 64)
		if err != nil {
			return Spec{}, fmt.Errorf("threshold %q on %s: rate bound must be a number: %w", expr, metric, err)
		}
		s.Bound = b

	case MetricDuration:
		switch {
		case agg == "avg":
			s.Kind = LatencyAvg
		case agg == "min":
			s.Kind = LatencyMin
		case agg == "max":
			s.Kind = LatencyMax
		case agg == "med":
			s.Kind, s.Percentile = LatencyPercentile, 50
		case pct != "":
			p, err := strconv.ParseFloat(pct, 64)
			if err != nil || p < 0 || p > 100 {
				return Spec{}, fmt.Errorf("threshold %q on %s: percentile must be within [0, 100]", expr, metric)
			}
			s.Kind, s.Percentile = LatencyPercentile, p
		default:
			return Spec{}, fmt.Errorf("threshold %q on %s: %s is not a latency aggregate", expr, metric, agg)
		}
		ms, err := parseMillis(rawBound)
		if err != nil {
			return Spec{}, fmt.Errorf("threshold %q on %s: %w", expr, metric, err)
		}
		s.Bound = ms

	default:
		return Spec{}, fmt.Errorf("threshold %q: unknown metric %q", expr, metric)
	}
	return s, nil
}

// parseMillis accepts a bare number of milliseconds or a Go duration literal.
func parseMillis(raw string) (float64, error) {
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("bound %q is neither milliseconds nor a duration", raw)
	}
	return float64(d) / float64(time.Millisecond), nil
}
