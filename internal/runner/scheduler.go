package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"surgeq/internal/clock"
)

// SchedulerResult describes how a ramp ended.
type SchedulerResult struct {
	// Interrupted is set when ctx was cancelled before the ramp's natural end.
	Interrupted bool
	// ForcedStops counts loops still running when the drain timeout expired.
	ForcedStops int
	Spawned     int
	Peak        int
	Iterations  uint64
}

// Scheduler keeps the number of running loops on the curve. It is single-use.
type Scheduler struct {
	curve   Curve
	tick    time.Duration
	drain   time.Duration
	clock   clock.Clock
	factory LoopFactory
	log     *logrus.Entry

	// onAdjust is called after every reconciliation with active and target.
	onAdjust func(active, target int)

	// active is ordered oldest first.
	active   []*handle
	retiring []*handle
	wg       sync.WaitGroup
	nextID   int
	spawned  int
	peak     int

	activeN    atomic.Int64
	targetN    atomic.Int64
	draining   atomic.Bool
	iterations atomic.Uint64
}

type handle struct {
	id   int
	loop Loop
	done chan struct{}
}

func (h *handle) finished() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func NewScheduler(curve Curve, factory LoopFactory, clk clock.Clock, tick, drain time.Duration, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		curve:   curve,
		tick:    tick,
		drain:   drain,
		clock:   clk,
		factory: factory,
		log:     log,
	}
}

// Active returns the number of loops currently expected to be iterating.
func (s *Scheduler) Active() int { return int(s.activeN.Load()) }

// Target returns the most recent target from the curve.
func (s *Scheduler) Target() int { return int(s.targetN.Load()) }

// Draining reports whether the ramp is over and loops are being stopped.
func (s *Scheduler) Draining() bool { return s.draining.Load() }

// Run drives the ramp until the curve ends or ctx is cancelled, then stops
// every loop and waits up to the drain timeout for them to finish.
func (s *Scheduler) Run(ctx context.Context) SchedulerResult {
	// Loops run on a context that outlives ctx, so cancelling the run stops
	// them gracefully. hardCancel is the forced stop.
	hardCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer hardCancel()

	start := s.clock.Now()
	ticker := s.clock.Ticker(s.tick)
	defer ticker.Stop()
	end := s.clock.After(s.curve.Total())

	stage := 0
	s.log.WithFields(logrus.Fields{"stage": stage, "target": s.curve.At(0)}).Debug("ramp started")
	s.reconcile(hardCtx, s.curve.At(0))

	var res SchedulerResult
loop:
	for {
		select {
		case <-ctx.Done():
			res.Interrupted = true
			s.log.WithField("elapsed", s.clock.Since(start)).Warn("run cancelled, stopping virtual users")
			break loop
		case <-end:
			break loop
		case <-ticker.C:
			// select picks at random when ctx and the ticker are both ready.
			if ctx.Err() != nil {
				res.Interrupted = true
				s.log.WithField("elapsed", s.clock.Since(start)).Warn("run cancelled, stopping virtual users")
				break loop
			}
			elapsed := s.clock.Since(start)
			if elapsed >= s.curve.Total() {
				break loop
			}
			if st := s.curve.StageAt(elapsed); st != stage {
				stage = st
				s.log.WithFields(logrus.Fields{"stage": stage, "elapsed": elapsed}).Debug("stage changed")
			}
			s.reconcile(hardCtx, s.curve.At(elapsed))
		}
	}

	s.draining.Store(true)
	s.reconcile(hardCtx, 0)
	res.ForcedStops = s.waitDrain(hardCancel)
	res.Spawned = s.spawned
	res.Peak = s.peak
	res.Iterations = s.iterations.Load()
	return res
}

// reconcile starts or stops loops until len(active) == target.
func (s *Scheduler) reconcile(ctx context.Context, target int) {
	s.targetN.Store(int64(target))
	active := len(s.active)
	switch {
	case target > active:
		for i := active; i < target; i++ {
			s.spawn(ctx)
		}
		s.log.WithFields(logrus.Fields{"from": active, "to": target}).Debug("virtual users started")
	case target < active:
		n := active - target
		for _, h := range s.active[:n] {
			h.loop.Stop()
			s.retiring = append(s.retiring, h)
		}
		s.active = append([]*handle(nil), s.active[n:]...)
		s.log.WithFields(logrus.Fields{"from": active, "to": target}).Debug("virtual users stopping")
	}
	s.pruneRetired()

	if len(s.active) > s.peak {
		s.peak = len(s.active)
	}
	s.activeN.Store(int64(len(s.active)))
	if s.onAdjust != nil {
		s.onAdjust(len(s.active), target)
	}
}

func (s *Scheduler) spawn(ctx context.Context) {
	s.nextID++
	h := &handle{id: s.nextID, loop: s.factory(s.nextID), done: make(chan struct{})}
	s.active = append(s.active, h)
	s.spawned++

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(h.done)
		s.iterations.Add(h.loop.Run(ctx))
	}()
}

func (s *Scheduler) pruneRetired() {
	kept := s.retiring[:0]
	for _, h := range s.retiring {
		if !h.finished() {
			kept = append(kept, h)
		}
	}
	s.retiring = kept
}

// waitDrain blocks until every loop has exited. If the drain timeout passes
// first, it cancels the hard context and returns how many loops were forced.
func (s *Scheduler) waitDrain(hardCancel context.CancelFunc) int {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0
	case <-s.clock.After(s.drain):
	}

	forced := 0
	for _, h := range s.retiring {
		if !h.finished() {
			forced++
		}
	}
	if forced == 0 {
		<-done
		return 0
	}
	s.log.WithFields(logrus.Fields{"forced": forced, "drain_timeout": s.drain}).Warn("drain timeout exceeded, abandoning in-flight requests")
	hardCancel()
	<-done
	return forced
}
