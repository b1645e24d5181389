package runner

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"surgeq/internal/threshold"
)

// Defaults applied by Config.WithDefaults.
const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultDrainTimeout   = 30 * time.Second
	DefaultTickInterval   = time.Second
	DefaultMethod         = http.MethodGet
)

// DefaultStartUsers is what a plan starts with when it leaves start_users
// unset. A zero StartUsers in Config means zero.
const DefaultStartUsers = 1

// Stage is one leg of the ramp: over Duration the target number of virtual
// users moves linearly from the previous target to Target.
type Stage struct {
	Duration time.Duration
	Target   int
}

// Request describes what a virtual user sends. URL, Body and header values
// may contain template actions such as {{userID}} or {{iteration}}.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

type Config struct {
	Name    string
	Request Request

	StartUsers int
	Stages     []Stage

	// Pacing is the pause between two iterations of the same virtual user.
	Pacing         time.Duration
	RequestTimeout time.Duration
	DrainTimeout   time.Duration
	TickInterval   time.Duration

	// Checks decide whether an iteration succeeded. Empty means Status2xx.
	Checks     []Check
	Thresholds []threshold.Spec
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Request.Method == "" {
		c.Request.Method = DefaultMethod
	}
	c.Request.Method = strings.ToUpper(c.Request.Method)
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	if c.TickInterval == 0 {
		c.TickInterval = DefaultTickInterval
	}
	if len(c.Checks) == 0 {
		c.Checks = []Check{Status2xx()}
	}
	return c
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var result *multierror.Error
	add := func(err *ConfigError) {
		result = multierror.Append(result, err)
	}

	if c.Request.URL == "" {
		add(configErrorf("target.url", "must be set"))
	} else if u, err := url.Parse(c.Request.URL); err != nil {
		add(configErrorf("target.url", "%v", err))
	} else if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add(configErrorf("target.url", "%q must be an absolute http(s) URL", c.Request.URL))
	}

	if len(c.Stages) == 0 {
		add(configErrorf("stages", "at least one stage is required"))
	}
	var total time.Duration
	for i, s := range c.Stages {
		if s.Duration < 0 {
			add(configErrorf(fmt.Sprintf("stages[%d].duration", i), "must not be negative"))
		}
		if s.Target < 0 {
			add(configErrorf(fmt.Sprintf("stages[%d].target", i), "must not be negative"))
		}
		total += s.Duration
	}
	if len(c.Stages) > 0 && total <= 0 {
		add(configErrorf("stages", "total duration must be positive"))
	}
	if c.StartUsers < 0 {
		add(configErrorf("start_users", "must not be negative"))
	}
	if c.Pacing < 0 {
		add(configErrorf("pacing", "must not be negative"))
	}
	if c.RequestTimeout <= 0 {
		add(configErrorf("request_timeout", "must be positive"))
	}
	if c.DrainTimeout <= 0 {
		add(configErrorf("drain_timeout", "must be positive"))
	}
	if c.TickInterval <= 0 {
		add(configErrorf("tick_interval", "must be positive"))
	}
	for i, ch := range c.Checks {
		if ch.Name == "" || ch.Fn == nil {
			add(configErrorf(fmt.Sprintf("checks[%d]", i), "needs a name and a predicate"))
		}
	}
	for _, t := range c.Thresholds {
		if t.DelayAbortEval < 0 {
			add(configErrorf("thresholds."+t.Metric, "delay_abort_eval must not be negative"))
		}
	}
	if _, err := compileRequest(NewTemplateEngine(), c.Request); err != nil {
		add(configErrorf("target", "%v", err))
	}
	return result.ErrorOrNil()
}

// TotalDuration is the length of the ramp.
func (c Config) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range c.Stages {
		total += s.Duration
	}
	return total
}

// Response is what a Transport observed for one request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Duration is the time from dispatch to the end of the body. Zero means
	// the transport did not measure it.
	Duration time.Duration
	Bytes    int64
}

// Transport performs exactly one request attempt. It must return promptly
// once ctx is done.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

func (f TransportFunc) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// StatsSnapshot is sent over the updates channel while a run is live.
type StatsSnapshot struct {
	Elapsed time.Duration
	Total   time.Duration
	Stage   int

	ActiveUsers int
	TargetUsers int

	Requests  uint64
	Success   uint64
	Fail      uint64
	Truncated uint64
	Bytes     uint64
	ErrorRate float64

	AvgMs float64
	P50Ms float64
	P90Ms float64
	P95Ms float64
	P99Ms float64
	MaxMs float64

	// CheckFailures counts failed checks so far; TopCheck is the check
	// failing most often.
	CheckFailures uint64
	TopCheck      string

	// Draining is set once the ramp is over and users are being stopped.
	Draining bool
}

// StatsUpdateChan is the channel type
type StatsUpdateChan chan StatsSnapshot
