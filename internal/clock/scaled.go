package clock

import (
	"context"
	"time"

	bclock "github.com/benbjohnson/clock"
)

// minRealInterval keeps scaled tickers above the resolution of the runtime timer.
const minRealInterval = 50 * time.Microsecond

// Scaled is a clock that runs Factor times faster than its base clock.
// A two minute stage at factor 600 takes 200ms of wall time. Durations
// reported by Since are in scaled time.
type Scaled struct {
	base   bclock.Clock
	factor float64
	epoch  time.Time
}

// NewScaled returns a clock running factor times faster than the wall clock.
// A factor <= 0 is treated as 1.
func NewScaled(factor float64) *Scaled {
	return NewScaledFrom(bclock.New(), factor)
}

// NewScaledFrom scales an arbitrary base clock.
func NewScaledFrom(base bclock.Clock, factor float64) *Scaled {
	if factor <= 0 {
		factor = 1
	}
	return &Scaled{base: base, factor: factor, epoch: base.Now()}
}

func (s *Scaled) Factor() float64 { return s.factor }

func (s *Scaled) Now() time.Time {
	return s.epoch.Add(s.up(s.base.Since(s.epoch)))
}

func (s *Scaled) Since(t time.Time) time.Duration {
	return s.Now().Sub(t)
}

func (s *Scaled) After(d time.Duration) <-chan time.Time {
	return s.base.After(s.down(d))
}

func (s *Scaled) Ticker(d time.Duration) *bclock.Ticker {
	real := s.down(d)
	if real < minRealInterval {
		real = minRealInterval
	}
	return s.base.Ticker(real)
}

func (s *Scaled) WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return s.base.WithTimeout(parent, s.down(d))
}

func (s *Scaled) up(d time.Duration) time.Duration {
	return time.Duration(float64(d) * s.factor)
}

func (s *Scaled) down(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	real := time.Duration(float64(d) / s.factor)
	if real <= 0 {
		real = 1
	}
	return real
}
