package stats

import (
	"sync"
	"time"
)

// Observer receives every outcome after it has been appended to a Sink.
type Observer interface {
	ObserveOutcome(Outcome)
}

// Sink is the append-only log of outcomes for one run. Record may be called
// from any number of goroutines. The only critical section is the append.
type Sink struct {
	mu       sync.Mutex
	outcomes []Outcome

	live     *Stats
	observer Observer
	now      func() time.Time
}

type SinkOption func(*Sink)

// WithObserver forwards each recorded outcome to o.
func WithObserver(o Observer) SinkOption {
	return func(s *Sink) {
		s.observer = o
	}
}

// WithNow sets the time source used to stamp snapshots.
func WithNow(now func() time.Time) SinkOption {
	return func(s *Sink) {
		s.now = now
	}
}

func NewSink(opts ...SinkOption) *Sink {
	s := &Sink{
		outcomes: make([]Outcome, 0, 1024),
		live:     NewStats(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Record appends o to the log.
func (s *Sink) Record(o Outcome) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, o)
	s.mu.Unlock()

	s.live.Add(o)
	if s.observer != nil {
		s.observer.ObserveOutcome(o)
	}
}

// Snapshot is a point-in-time view of a Sink. Its Outcomes slice must be
// treated as read-only.
type Snapshot struct {
	TakenAt  time.Time
	Outcomes []Outcome
}

// Snapshot returns every outcome recorded so far. The returned slice is
// capped at its length, so later appends can never become visible through
// it, and entries are never mutated after Record returns.
func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	n := len(s.outcomes)
	view := s.outcomes[:n:n]
	s.mu.Unlock()
	return Snapshot{TakenAt: s.now(), Outcomes: view}
}

// Len returns the number of recorded outcomes, truncated ones included.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outcomes)
}

// Live returns the running aggregates.
func (s *Sink) Live() *Stats {
	return s.live
}

// Counted returns the outcomes that take part in metric computation.
func (snap Snapshot) Counted() []Outcome {
	out := make([]Outcome, 0, len(snap.Outcomes))
	for _, o := range snap.Outcomes {
		if !o.Truncated {
			out = append(out, o)
		}
	}
	return out
}

// Truncated returns how many outcomes were abandoned by a forced shutdown.
func (snap Snapshot) Truncated() int {
	n := 0
	for _, o := range snap.Outcomes {
		if o.Truncated {
			n++
		}
	}
	return n
}
