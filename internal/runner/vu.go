package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"surgeq/internal/clock"
	"surgeq/internal/stats"
)

// Loop is one unit of concurrent execution managed by the Scheduler.
type Loop interface {
	// Run iterates until Stop is called or ctx is done and returns the number
	// of iterations it recorded.
	Run(ctx context.Context) uint64
	// Stop asks the loop to exit after its current iteration.
	Stop()
}

// LoopFactory builds the loop for the virtual user with the given id.
type LoopFactory func(id int) Loop

// loopEnv is shared, read-only state for every virtual user of a run.
type loopEnv struct {
	transport Transport
	sink      *stats.Sink
	clock     clock.Clock
	request   *requestTemplate
	checks    []Check
	pacing    time.Duration
	timeout   time.Duration
}

// VU is a virtual user. Its only private state is its iteration counter.
type VU struct {
	ID     int
	UserID string

	env      *loopEnv
	stop     chan struct{}
	stopOnce sync.Once
}

func newVU(id int, env *loopEnv) *VU {
	return &VU{
		ID:     id,
		UserID: uuid.New().String(),
		env:    env,
		stop:   make(chan struct{}),
	}
}

func (v *VU) Stop() {
	v.stopOnce.Do(func() { close(v.stop) })
}

// Run executes iterations until stopped. ctx is the hard context: cancelling
// it abandons the request in flight.
func (v *VU) Run(ctx context.Context) uint64 {
	var n uint64
	for {
		select {
		case <-v.stop:
			return n
		case <-ctx.Done():
			return n
		default:
		}

		v.iterate(ctx, n)
		n++

		if !clock.Sleep(ctx, v.env.clock, v.env.pacing, v.stop) {
			return n
		}
	}
}

func (v *VU) iterate(ctx context.Context, iteration uint64) {
	env := v.env
	start := env.clock.Now()
	o := stats.Outcome{Timestamp: start, VU: v.ID, Iteration: iteration}

	req, err := env.request.render(TemplateData{
		UserID:    v.UserID,
		UUID:      uuid.New().String(),
		VU:        v.ID,
		Iteration: iteration,
	})
	if err != nil {
		o.Err, o.Detail = stats.ErrTemplate, err.Error()
		env.sink.Record(o)
		return
	}

	reqCtx, cancel := env.clock.WithTimeout(ctx, env.timeout)
	resp, err := env.transport.Do(reqCtx, req)
	deadline := errors.Is(reqCtx.Err(), context.DeadlineExceeded)
	cancel()
	o.Latency = env.clock.Since(start)

	switch {
	case err != nil && ctx.Err() != nil:
		o.Truncated = true
		o.Detail = err.Error()
	case deadline || errors.Is(err, context.DeadlineExceeded):
		// A response that only arrives after the deadline is still a timeout.
		o.Err = stats.ErrTimeout
	case err != nil:
		o.Err, o.Detail = stats.ErrTransport, err.Error()
	case resp == nil:
		o.Err, o.Detail = stats.ErrTransport, "transport returned no response"
	default:
		if resp.Duration > 0 {
			o.Latency = resp.Duration
		}
		o.StatusCode = resp.StatusCode
		o.Bytes = resp.Bytes
		o.Checks = len(env.checks)
		o.FailedChecks = runChecks(env.checks, resp)
		o.Success = len(o.FailedChecks) == 0
	}
	env.sink.Record(o)
}
