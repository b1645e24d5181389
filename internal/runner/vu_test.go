package runner

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surgeq/internal/clock"
	"surgeq/internal/stats"
)

func okTransport(d time.Duration) Transport {
	return TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{StatusCode: http.StatusOK, Body: []byte("ok"), Duration: d, Bytes: 2}, nil
	})
}

// blockingTransport waits for ctx and reports its error.
func blockingTransport() Transport {
	return TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

func testEnv(t *testing.T, clk clock.Clock, tr Transport, req Request, checks ...Check) (*loopEnv, *stats.Sink) {
	t.Helper()
	if req.URL == "" {
		req.URL = "http://target.test/"
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	rt, err := compileRequest(NewTemplateEngine(), req)
	require.NoError(t, err)
	if len(checks) == 0 {
		checks = []Check{Status2xx()}
	}
	sink := stats.NewSink()
	return &loopEnv{
		transport: tr,
		sink:      sink,
		clock:     clk,
		request:   rt,
		checks:    checks,
		pacing:    time.Second,
		timeout:   5 * time.Second,
	}, sink
}

func runVU(ctx context.Context, vu *VU) <-chan uint64 {
	done := make(chan uint64, 1)
	go func() { done <- vu.Run(ctx) }()
	return done
}

// stopAndWait stops vu and keeps the mock moving until Run returns, so a
// request blocked on its deadline can finish.
func stopAndWait(t *testing.T, mock interface{ Add(time.Duration) }, vu *VU, done <-chan uint64) uint64 {
	t.Helper()
	vu.Stop()
	var n uint64
	require.Eventually(t, func() bool {
		select {
		case n = <-done:
			return true
		default:
			mock.Add(time.Second)
			return false
		}
	}, 5*time.Second, time.Millisecond)
	return n
}

func TestVUPacesAndCountsIterations(t *testing.T) {
	mock := clock.NewMock()
	env, sink := testEnv(t, mock, okTransport(50*time.Millisecond), Request{})
	vu := newVU(1, env)
	done := runVU(context.Background(), vu)

	require.Eventually(t, func() bool { return sink.Len() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return sink.Len() >= 3
	}, 2*time.Second, time.Millisecond)

	n := stopAndWait(t, mock, vu, done)
	assert.Equal(t, uint64(sink.Len()), n)

	for i, o := range sink.Snapshot().Outcomes {
		assert.True(t, o.Success)
		assert.Equal(t, http.StatusOK, o.StatusCode)
		assert.Equal(t, 50*time.Millisecond, o.Latency)
		assert.Equal(t, uint64(i), o.Iteration)
		assert.Equal(t, 1, o.Checks)
	}
}

func TestVUStopDuringPauseExits(t *testing.T) {
	mock := clock.NewMock()
	env, sink := testEnv(t, mock, okTransport(0), Request{})
	env.pacing = time.Hour
	vu := newVU(1, env)
	done := runVU(context.Background(), vu)

	require.Eventually(t, func() bool { return sink.Len() == 1 }, time.Second, time.Millisecond)
	vu.Stop()
	vu.Stop()

	select {
	case n := <-done:
		assert.Equal(t, uint64(1), n)
	case <-time.After(time.Second):
		t.Fatal("virtual user did not stop during its pause")
	}
}

func TestVUTransportErrorIsRecorded(t *testing.T) {
	mock := clock.NewMock()
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	env, sink := testEnv(t, mock, tr, Request{})
	vu := newVU(7, env)
	done := runVU(context.Background(), vu)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return sink.Len() >= 2
	}, 2*time.Second, time.Millisecond)
	stopAndWait(t, mock, vu, done)

	o := sink.Snapshot().Outcomes[0]
	assert.False(t, o.Success)
	assert.False(t, o.HasStatus())
	assert.Equal(t, stats.ErrTransport, o.Err)
	assert.Contains(t, o.Detail, "connection refused")
	assert.Equal(t, 0, o.Checks)
	assert.Equal(t, 7, o.VU)
}

func TestVURequestDeadlineRecordsTimeout(t *testing.T) {
	mock := clock.NewMock()
	env, sink := testEnv(t, mock, blockingTransport(), Request{})
	vu := newVU(1, env)
	done := runVU(context.Background(), vu)

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return sink.Len() >= 1
	}, 2*time.Second, time.Millisecond)
	stopAndWait(t, mock, vu, done)

	o := sink.Snapshot().Outcomes[0]
	assert.Equal(t, stats.ErrTimeout, o.Err)
	assert.False(t, o.Success)
	assert.False(t, o.Truncated)
	assert.GreaterOrEqual(t, o.Latency, 5*time.Second)
}

func TestVULateResponseRecordsTimeout(t *testing.T) {
	mock := clock.NewMock()
	// The response arrives after the deadline, with no transport error.
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		mock.Add(6 * time.Second)
		deadline := time.Now().Add(time.Second)
		for ctx.Err() == nil && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		return &Response{StatusCode: http.StatusOK, Bytes: 2}, nil
	})
	env, sink := testEnv(t, mock, tr, Request{})
	vu := newVU(1, env)
	done := runVU(context.Background(), vu)

	require.Eventually(t, func() bool { return sink.Len() >= 1 }, 2*time.Second, time.Millisecond)
	stopAndWait(t, mock, vu, done)

	o := sink.Snapshot().Outcomes[0]
	assert.Equal(t, stats.ErrTimeout, o.Err)
	assert.False(t, o.Success)
	assert.False(t, o.Truncated)
	assert.Equal(t, 0, o.Checks)
}

func TestVUHardCancelTruncates(t *testing.T) {
	mock := clock.NewMock()
	entered := make(chan struct{}, 1)
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		entered <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	env, sink := testEnv(t, mock, tr, Request{})
	env.timeout = time.Hour
	vu := newVU(1, env)
	ctx, cancel := context.WithCancel(context.Background())
	done := runVU(ctx, vu)
	<-entered

	// Graceful stop doesn't interrupt the request in flight.
	vu.Stop()
	select {
	case <-done:
		t.Fatal("stop interrupted an in-flight request")
	case <-time.After(20 * time.Millisecond):
	}

	cancel()
	assert.Equal(t, uint64(1), <-done)
	o := sink.Snapshot().Outcomes[0]
	assert.True(t, o.Truncated)
	assert.Empty(t, sink.Snapshot().Counted())
}

func TestVUChecks(t *testing.T) {
	mock := clock.NewMock()
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{StatusCode: 503, Header: http.Header{"Retry-After": {"1"}}, Body: []byte("busy")}, nil
	})
	env, sink := testEnv(t, mock, tr, Request{}, StatusIs(200), BodyContains("ok"), HeaderPresent("Retry-After"))
	vu := newVU(1, env)
	vu.iterate(context.Background(), 0)

	o := sink.Snapshot().Outcomes[0]
	assert.False(t, o.Success)
	assert.Equal(t, 503, o.StatusCode)
	assert.Equal(t, 3, o.Checks)
	assert.Equal(t, []string{"is status 200", `body contains "ok"`}, o.FailedChecks)
	assert.Equal(t, "HTTP 503 (is status 200)", o.FailureKey())
}

func TestVURendersTemplates(t *testing.T) {
	mock := clock.NewMock()
	var got []Request
	tr := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		got = append(got, req)
		return &Response{StatusCode: 200}, nil
	})
	env, _ := testEnv(t, mock, tr, Request{
		Method:  http.MethodPost,
		URL:     "http://target.test/users/{{userID}}?i={{iteration}}",
		Headers: map[string]string{"X-VU": "{{vu}}", "Accept": "application/json"},
		Body:    `{"n": {{iteration}}}`,
	})
	vu := newVU(3, env)
	vu.iterate(context.Background(), 0)
	vu.iterate(context.Background(), 1)

	require.Len(t, got, 2)
	assert.Equal(t, "http://target.test/users/"+vu.UserID+"?i=1", got[1].URL)
	assert.Equal(t, http.MethodPost, got[1].Method)
	assert.Equal(t, `{"n": 0}`, got[0].Body)
	assert.Equal(t, "3", got[0].Headers["X-VU"])
	assert.Equal(t, "application/json", got[0].Headers["Accept"])
}
