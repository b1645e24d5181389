package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"surgeq/internal/clock"
	"surgeq/internal/stats"
	"surgeq/internal/threshold"
)

// Exit codes reported by Report.ExitCode.
const (
	ExitOK               = 0
	ExitThresholdsFailed = 99
	ExitInvalidConfig    = 104
	ExitInterrupted      = 105
)

// UsersObserver is optionally implemented by a stats.Observer passed to
// WithObserver to follow the number of running virtual users.
type UsersObserver interface {
	ObserveUsers(active, target int)
}

// Runner owns everything for one run: the scheduler, the sink and the
// thresholds. It is single-use.
type Runner struct {
	cfg       Config
	transport Transport
	clock     clock.Clock
	log       *logrus.Entry
	observer  stats.Observer
	updates   StatsUpdateChan
	interval  time.Duration

	runID string
	sink  *stats.Sink
	sched *Scheduler
	used  atomic.Bool
}

type Option func(*Runner)

func WithClock(c clock.Clock) Option {
	return func(r *Runner) {
		r.clock = c
	}
}

func WithLogger(l *logrus.Entry) Option {
	return func(r *Runner) {
		r.log = l
	}
}

// WithObserver receives every recorded outcome, and user counts when o
// implements UsersObserver.
func WithObserver(o stats.Observer) Option {
	return func(r *Runner) {
		r.observer = o
	}
}

// WithUpdates pushes a StatsSnapshot every interval. Sends never block: when
// the channel is full the update is dropped.
func WithUpdates(ch StatsUpdateChan, interval time.Duration) Option {
	return func(r *Runner) {
		r.updates = ch
		r.interval = interval
	}
}

// NewRunner validates cfg and prepares a run. No load is generated until Run.
func NewRunner(cfg Config, transport Transport, opts ...Option) (*Runner, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, configErrorf("transport", "must not be nil")
	}

	r := &Runner{
		cfg:       cfg,
		transport: transport,
		clock:     clock.New(),
		interval:  200 * time.Millisecond,
		runID:     uuid.New().String(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logrus.NewEntry(logrus.StandardLogger())
	}
	r.log = r.log.WithField("run_id", r.runID)

	sinkOpts := []stats.SinkOption{stats.WithNow(r.clock.Now)}
	if r.observer != nil {
		sinkOpts = append(sinkOpts, stats.WithObserver(r.observer))
	}
	r.sink = stats.NewSink(sinkOpts...)

	request, err := compileRequest(NewTemplateEngine(), cfg.Request)
	if err != nil {
		return nil, configErrorf("target", "%v", err)
	}
	env := &loopEnv{
		transport: transport,
		sink:      r.sink,
		clock:     r.clock,
		request:   request,
		checks:    cfg.Checks,
		pacing:    cfg.Pacing,
		timeout:   cfg.RequestTimeout,
	}
	factory := func(id int) Loop { return newVU(id, env) }

	r.sched = NewScheduler(NewCurve(cfg.StartUsers, cfg.Stages), factory, r.clock, cfg.TickInterval, cfg.DrainTimeout, r.log)
	if uo, ok := r.observer.(UsersObserver); ok {
		r.sched.onAdjust = uo.ObserveUsers
	}
	return r, nil
}

func (r *Runner) ID() string { return r.runID }

func (r *Runner) Config() Config { return r.cfg }

// Live returns the running aggregates of the current run.
func (r *Runner) Live() *stats.Stats { return r.sink.Live() }

// Snapshot returns the outcomes recorded so far.
func (r *Runner) Snapshot() stats.Snapshot { return r.sink.Snapshot() }

// Report is the result surface of a run.
type Report struct {
	RunID     string        `json:"run_id"`
	Name      string        `json:"name,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`

	Verdict threshold.Verdict `json:"verdict"`
	Summary threshold.Summary `json:"summary"`

	Interrupted bool   `json:"interrupted"`
	Aborted     bool   `json:"aborted"`
	AbortReason string `json:"abort_reason,omitempty"`
	ForcedStops int    `json:"forced_stops"`
	Iterations  uint64 `json:"iterations"`
	PeakUsers   int    `json:"peak_users"`

	// Outcomes is the final snapshot, kept for exports.
	Outcomes []stats.Outcome `json:"-"`
}

// Pass reports whether the run completed and every threshold held.
func (rep *Report) Pass() bool {
	return !rep.Interrupted && !rep.Aborted && rep.Verdict.Pass
}

// Status is the one-word outcome: pass, fail, aborted or interrupted.
func (rep *Report) Status() string {
	switch {
	case rep.Interrupted:
		return "interrupted"
	case rep.Aborted:
		return "aborted"
	case rep.Verdict.Pass:
		return "pass"
	}
	return "fail"
}

func (rep *Report) ExitCode() int {
	switch {
	case rep.Interrupted:
		return ExitInterrupted
	case rep.Aborted, !rep.Verdict.Pass:
		return ExitThresholdsFailed
	}
	return ExitOK
}

// Run executes the ramp and returns the verdict. Cancelling ctx stops the
// ramp early; the report is still produced from what was recorded.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if !r.used.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("runner %s has already run", r.runID)
	}

	rep := &Report{RunID: r.runID, Name: r.cfg.Name, StartedAt: r.clock.Now()}
	r.log.WithFields(logrus.Fields{
		"stages":   len(r.cfg.Stages),
		"duration": r.cfg.TotalDuration(),
		"url":      r.cfg.Request.URL,
	}).Info("run started")

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	bgCtx, stopBackground := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	if r.updates != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			r.tickLoop(bgCtx, rep.StartedAt)
		}()
	}

	var abort abortState
	if specs := abortable(r.cfg.Thresholds); len(specs) > 0 {
		bg.Add(1)
		go func() {
			defer bg.Done()
			r.abortMonitor(bgCtx, rep.StartedAt, specs, &abort, cancelRun)
		}()
	}

	res := r.sched.Run(runCtx)
	stopBackground()
	bg.Wait()
	if r.updates != nil {
		r.sendUpdate(rep.StartedAt)
	}

	rep.Elapsed = r.clock.Since(rep.StartedAt)
	rep.Aborted, rep.AbortReason = abort.get()
	rep.Interrupted = res.Interrupted && !rep.Aborted
	rep.ForcedStops = res.ForcedStops
	rep.Iterations = res.Iterations
	rep.PeakUsers = res.Peak

	snap := r.sink.Snapshot()
	rep.Outcomes = snap.Outcomes
	rep.Verdict = threshold.Evaluate(snap, r.cfg.Thresholds)
	rep.Summary = threshold.Summarize(snap, threshold.RequestedPercentiles(r.cfg.Thresholds))
	if res.ForcedStops > 0 {
		rep.Verdict.Warnings = append(rep.Verdict.Warnings, fmt.Sprintf(
			"drain timeout of %s exceeded: %d virtual users force-stopped, %d iterations truncated",
			r.cfg.DrainTimeout, res.ForcedStops, snap.Truncated()))
	}
	if rep.Aborted {
		rep.Verdict.Warnings = append(rep.Verdict.Warnings, "run aborted: "+rep.AbortReason)
	}

	r.log.WithFields(logrus.Fields{
		"requests":    rep.Summary.Total,
		"failures":    rep.Summary.Failures,
		"pass":        rep.Verdict.Pass,
		"interrupted": rep.Interrupted,
		"elapsed":     rep.Elapsed,
	}).Info("run finished")
	return rep, nil
}

func (r *Runner) tickLoop(ctx context.Context, start time.Time) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendUpdate(start)
		}
	}
}

func (r *Runner) sendUpdate(start time.Time) {
	live := r.sink.Live()
	elapsed := r.clock.Since(start)
	checks := live.GetCheckFailures()
	s := StatsSnapshot{
		Elapsed:     elapsed,
		Total:       r.cfg.TotalDuration(),
		Stage:       r.sched.curve.StageAt(elapsed),
		ActiveUsers: r.sched.Active(),
		TargetUsers: r.sched.Target(),
		Requests:    atomic.LoadUint64(&live.Requests),
		Success:     atomic.LoadUint64(&live.Success),
		Fail:        atomic.LoadUint64(&live.Fail),
		Truncated:   atomic.LoadUint64(&live.Truncated),
		Bytes:       atomic.LoadUint64(&live.Bytes),
		ErrorRate:   live.ErrorRate(),
		AvgMs:       live.MeanMs(),
		P50Ms:       live.GetP50(),
		P90Ms:       live.GetP90(),
		P95Ms:       live.GetP95(),
		P99Ms:       live.GetP99(),
		MaxMs:       live.MaxMs(),
		Draining:    r.sched.Draining(),
	}
	for _, c := range checks {
		s.CheckFailures += c.Count
	}
	if len(checks) > 0 {
		s.TopCheck = checks[0].Key
	}

	// Non-blocking send
	select {
	case r.updates <- s:
	default:
	}
}

type abortState struct {
	mu      sync.Mutex
	aborted bool
	reason  string
}

func (a *abortState) set(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.aborted {
		a.aborted, a.reason = true, reason
	}
}

func (a *abortState) get() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.aborted, a.reason
}

func abortable(specs []threshold.Spec) []threshold.Spec {
	var out []threshold.Spec
	for _, s := range specs {
		if s.AbortOnFail {
			out = append(out, s)
		}
	}
	return out
}

// abortMonitor evaluates abort-on-fail thresholds on every control tick.
// Thresholds without data yet are skipped rather than failed.
func (r *Runner) abortMonitor(ctx context.Context, start time.Time, specs []threshold.Spec, state *abortState, cancel context.CancelFunc) {
	ticker := r.clock.Ticker(r.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		elapsed := r.clock.Since(start)
		var due []threshold.Spec
		for _, s := range specs {
			if elapsed >= s.DelayAbortEval {
				due = append(due, s)
			}
		}
		if len(due) == 0 {
			continue
		}
		verdict := threshold.Evaluate(r.sink.Snapshot(), due)
		for _, res := range verdict.Results {
			if res.Defined && !res.Pass {
				reason := fmt.Sprintf("threshold %q crossed at %s (value %.4g)", res.Name, elapsed.Round(time.Millisecond), res.Value)
				r.log.WithField("threshold", res.Name).Warn("aborting run: " + reason)
				state.set(reason)
				cancel()
				return
			}
		}
	}
}
