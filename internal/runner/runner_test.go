package runner

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surgeq/internal/clock"
	"surgeq/internal/threshold"
)

// fastForward runs simulated minutes in a fraction of a second.
const fastForward = 600

func parseThresholds(t *testing.T, defs ...[2]string) []threshold.Spec {
	t.Helper()
	specs := make([]threshold.Spec, 0, len(defs))
	for _, d := range defs {
		s, err := threshold.Parse(d[0], d[1])
		require.NoError(t, err)
		specs = append(specs, s)
	}
	return specs
}

func surgeConfig(t *testing.T) Config {
	return Config{
		Name:    "grand-opening",
		Request: Request{URL: "http://target.test/api/students"},
		Stages:  surgeStages(),
		Pacing:  time.Second,
		Thresholds: parseThresholds(t,
			[2]string{"http_req_failed", "rate<0.001"},
			[2]string{"http_req_duration", "p(95)<500"},
		),
	}
}

// flakyTransport fails every 20th request with a 500 after 1000ms and
// answers the rest in 50ms.
func flakyTransport() (Transport, *atomic.Uint64) {
	var n atomic.Uint64
	return TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		if n.Add(1)%20 == 0 {
			return &Response{StatusCode: http.StatusInternalServerError, Duration: time.Second}, nil
		}
		return &Response{StatusCode: http.StatusOK, Duration: 50 * time.Millisecond}, nil
	}), &n
}

func TestSurgePasses(t *testing.T) {
	var calls atomic.Uint64
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls.Add(1)
		return &Response{StatusCode: http.StatusOK, Duration: 50 * time.Millisecond}, nil
	})
	r, err := NewRunner(surgeConfig(t), tr, WithClock(clock.NewScaled(fastForward)), WithLogger(quietLog()))
	require.NoError(t, err)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Verdict.Pass, "%+v", rep.Verdict.Results)
	assert.True(t, rep.Pass())
	assert.Equal(t, ExitOK, rep.ExitCode())
	assert.False(t, rep.Interrupted)
	assert.Equal(t, 0, rep.ForcedStops)
	assert.Empty(t, rep.Verdict.Warnings)
	assert.GreaterOrEqual(t, rep.PeakUsers, 115)
	assert.LessOrEqual(t, rep.PeakUsers, 120)

	// No lost or duplicated records.
	assert.Equal(t, calls.Load(), rep.Iterations)
	assert.Equal(t, int(rep.Iterations), len(rep.Outcomes))
	assert.Equal(t, int(rep.Iterations), rep.Summary.Total)
	assert.Equal(t, 0, rep.Summary.Failures)
	p95, ok := rep.Summary.Percentile(95)
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, p95)
}

func TestSurgeFailsErrorRate(t *testing.T) {
	tr, calls := flakyTransport()
	r, err := NewRunner(surgeConfig(t), tr, WithClock(clock.NewScaled(fastForward)), WithLogger(quietLog()))
	require.NoError(t, err)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.Verdict.Pass)
	assert.Equal(t, ExitThresholdsFailed, rep.ExitCode())
	res, ok := rep.Verdict.Lookup("http_req_failed: rate<0.001")
	require.True(t, ok)
	assert.False(t, res.Pass)
	assert.True(t, res.Defined)
	assert.InDelta(t, 0.05, res.Value, 0.005)
	assert.Contains(t, rep.Verdict.Failed(), res)

	assert.Equal(t, calls.Load(), rep.Iterations)
	assert.Equal(t, map[string]int{"status is 2xx": rep.Summary.Failures}, rep.Summary.CheckFailures)
}

func TestCancelMidRamp(t *testing.T) {
	tr, _ := flakyTransport()
	r, err := NewRunner(surgeConfig(t), tr, WithClock(clock.NewScaled(fastForward)), WithLogger(quietLog()))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Report, 1)
	go func() {
		rep, err := r.Run(ctx)
		assert.NoError(t, err)
		done <- rep
	}()

	require.Eventually(t, func() bool { return atomic.LoadUint64(&r.Live().Requests) > 200 }, 5*time.Second, time.Millisecond)
	cancel()
	cancelled := time.Now()

	var rep *Report
	select {
	case rep = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	// Drain timeout plus one request deadline, both scaled, with slack.
	assert.Less(t, time.Since(cancelled), 2*time.Second)

	assert.True(t, rep.Interrupted)
	assert.Equal(t, ExitInterrupted, rep.ExitCode())
	assert.Less(t, rep.Elapsed, 9*time.Minute)
	assert.Equal(t, int(rep.Iterations), len(rep.Outcomes))

	before := r.Snapshot()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.Snapshot().Outcomes, len(before.Outcomes), "virtual users still running after Run returned")
}

func TestDrainTimeoutAddsWarning(t *testing.T) {
	cfg := Config{
		Request:        Request{URL: "http://target.test/"},
		StartUsers:     2,
		Stages:         []Stage{{Duration: time.Minute, Target: 2}},
		RequestTimeout: time.Hour,
		DrainTimeout:   10 * time.Second,
	}
	r, err := NewRunner(cfg, blockingTransport(), WithClock(clock.NewScaled(fastForward)), WithLogger(quietLog()))
	require.NoError(t, err)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, rep.Interrupted)
	assert.Equal(t, 2, rep.ForcedStops)
	assert.Equal(t, 2, rep.Summary.Truncated)
	assert.Equal(t, 0, rep.Summary.Total)
	require.Len(t, rep.Verdict.Warnings, 1)
	assert.Contains(t, rep.Verdict.Warnings[0], "drain timeout of 10s exceeded")
}

func TestAbortOnFail(t *testing.T) {
	cfg := Config{
		Request: Request{URL: "http://target.test/"},
		Stages:  []Stage{{Duration: 10 * time.Minute, Target: 10}},
		Pacing:  time.Second,
	}
	spec, err := threshold.Parse("http_req_failed", "rate<0.5")
	require.NoError(t, err)
	spec.AbortOnFail, spec.DelayAbortEval = true, 30*time.Second
	cfg.Thresholds = []threshold.Spec{spec}

	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{StatusCode: http.StatusBadGateway}, nil
	})
	r, err := NewRunner(cfg, tr, WithClock(clock.NewScaled(fastForward)), WithLogger(quietLog()))
	require.NoError(t, err)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Aborted)
	assert.False(t, rep.Interrupted)
	assert.Contains(t, rep.AbortReason, "http_req_failed: rate<0.5")
	assert.Equal(t, ExitThresholdsFailed, rep.ExitCode())
	assert.GreaterOrEqual(t, rep.Elapsed, 30*time.Second)
	assert.Less(t, rep.Elapsed, 10*time.Minute)
}

func TestRunnerPublishesUpdates(t *testing.T) {
	cfg := Config{
		Request: Request{URL: "http://target.test/"},
		Stages:  []Stage{{Duration: time.Minute, Target: 5}},
		Pacing:  time.Second,
	}
	updates := make(StatsUpdateChan, 1000)
	r, err := NewRunner(cfg, okTransport(10*time.Millisecond),
		WithClock(clock.NewScaled(fastForward)), WithLogger(quietLog()), WithUpdates(updates, time.Second))
	require.NoError(t, err)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, updates)

	var last StatsSnapshot
	for len(updates) > 0 {
		last = <-updates
	}
	assert.Equal(t, time.Minute, last.Total)
	assert.True(t, last.Draining)
	assert.Equal(t, uint64(rep.Summary.Total), last.Requests)
}

func TestUpdatesCarryAvgAndCheckFailures(t *testing.T) {
	cfg := Config{
		Request: Request{URL: "http://target.test/"},
		Stages:  []Stage{{Duration: time.Minute, Target: 3}},
		Pacing:  time.Second,
	}
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{StatusCode: http.StatusInternalServerError, Duration: 40 * time.Millisecond}, nil
	})
	updates := make(StatsUpdateChan, 1000)
	r, err := NewRunner(cfg, tr, WithClock(clock.NewScaled(fastForward)), WithLogger(quietLog()), WithUpdates(updates, time.Second))
	require.NoError(t, err)

	rep, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, updates)

	var last StatsSnapshot
	for len(updates) > 0 {
		last = <-updates
	}
	require.Len(t, rep.Summary.CheckFailures, 1)
	for name, n := range rep.Summary.CheckFailures {
		assert.Equal(t, name, last.TopCheck)
		assert.Equal(t, uint64(n), last.CheckFailures)
	}
	assert.InDelta(t, 40, last.AvgMs, 0.5)
}

func TestRunnerIsSingleUse(t *testing.T) {
	cfg := Config{Request: Request{URL: "http://target.test/"}, Stages: []Stage{{Duration: time.Second, Target: 1}}}
	r, err := NewRunner(cfg, okTransport(0), WithClock(clock.NewScaled(fastForward)), WithLogger(quietLog()))
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	assert.Error(t, err)
}

func TestNewRunnerRejectsInvalidConfig(t *testing.T) {
	cfg := Config{
		Request:        Request{URL: "ftp://nowhere"},
		StartUsers:     -1,
		Stages:         []Stage{{Duration: -time.Second, Target: -3}},
		RequestTimeout: -time.Second,
	}
	_, err := NewRunner(cfg, okTransport(0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	fields := make([]string, 0, len(merr.Errors))
	for _, e := range merr.Errors {
		var ce *ConfigError
		require.True(t, errors.As(e, &ce))
		fields = append(fields, ce.Field)
	}
	assert.ElementsMatch(t, []string{
		"target.url", "stages[0].duration", "stages[0].target", "stages",
		"start_users", "request_timeout",
	}, fields)
}

func TestNewRunnerRejectsEmptyStages(t *testing.T) {
	_, err := NewRunner(Config{Request: Request{URL: "http://target.test/"}}, okTransport(0))
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "stages", ce.Field)
}

func TestNewRunnerRejectsBadTemplate(t *testing.T) {
	cfg := Config{Request: Request{URL: "http://target.test/{{.Nope"}, Stages: []Stage{{Duration: time.Second, Target: 1}}}
	_, err := NewRunner(cfg, okTransport(0))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
