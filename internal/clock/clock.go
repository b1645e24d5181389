package clock

import (
	"context"
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Clock is the subset of time operations the scheduler and the virtual users
// rely on. It is satisfied by the wall clock, by *Scaled, and by the mock clock
// from github.com/benbjohnson/clock, which tests use to step time by hand.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	After(d time.Duration) <-chan time.Time
	Ticker(d time.Duration) *bclock.Ticker
	WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc)
}

// Ticker is re-exported so callers don't need to import the clock library.
type Ticker = bclock.Ticker

// New returns the wall clock.
func New() Clock {
	return bclock.New()
}

// NewMock returns a clock that only moves when Add or Set is called.
func NewMock() *bclock.Mock {
	return bclock.NewMock()
}

// Sleep blocks for d on clk, returning false early if stop or ctx fires first.
func Sleep(ctx context.Context, clk Clock, d time.Duration, stop <-chan struct{}) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		case <-stop:
			return false
		default:
			return true
		}
	}
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-clk.After(d):
		return true
	}
}
