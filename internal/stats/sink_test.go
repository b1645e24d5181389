package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingObserver struct {
	mu sync.Mutex
	n  int
}

func (c *countingObserver) ObserveOutcome(Outcome) {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func TestSinkConcurrentRecord(t *testing.T) {
	obs := &countingObserver{}
	sink := NewSink(WithObserver(obs))

	const writers, perWriter = 50, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(vu int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				sink.Record(Outcome{VU: vu, Iteration: uint64(i), Success: i%10 != 0, Latency: time.Millisecond})
			}
		}(w)
	}
	wg.Wait()

	snap := sink.Snapshot()
	require.Len(t, snap.Outcomes, writers*perWriter)
	assert.Equal(t, writers*perWriter, obs.n)

	seen := make(map[[2]uint64]bool, len(snap.Outcomes))
	for _, o := range snap.Outcomes {
		key := [2]uint64{uint64(o.VU), o.Iteration}
		assert.False(t, seen[key], "duplicate record %v", key)
		seen[key] = true
	}

	live := sink.Live()
	assert.Equal(t, uint64(writers*perWriter), live.Requests)
	assert.Equal(t, uint64(writers*perWriter/10), live.Fail)
	assert.InDelta(t, 0.1, live.ErrorRate(), 1e-9)
}

func TestSnapshotIsStable(t *testing.T) {
	sink := NewSink()
	sink.Record(Outcome{Iteration: 1})
	sink.Record(Outcome{Iteration: 2})

	snap := sink.Snapshot()
	sink.Record(Outcome{Iteration: 3})

	require.Len(t, snap.Outcomes, 2)
	assert.Equal(t, 3, sink.Len())
	assert.Len(t, sink.Snapshot().Outcomes, 3)

	// Appending to a snapshot must not leak into the sink.
	_ = append(snap.Outcomes, Outcome{Iteration: 99})
	assert.Equal(t, uint64(3), sink.Snapshot().Outcomes[2].Iteration)
}

func TestSnapshotDuringWrites(t *testing.T) {
	sink := NewSink()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					sink.Record(Outcome{Success: true, Latency: 5 * time.Millisecond})
				}
			}
		}()
	}

	prev := 0
	for i := 0; i < 100; i++ {
		snap := sink.Snapshot()
		require.GreaterOrEqual(t, len(snap.Outcomes), prev)
		for _, o := range snap.Outcomes {
			require.True(t, o.Success)
			require.Equal(t, 5*time.Millisecond, o.Latency)
		}
		prev = len(snap.Outcomes)
	}
	close(stop)
	wg.Wait()
}

func TestTruncatedExcluded(t *testing.T) {
	sink := NewSink()
	sink.Record(Outcome{Success: true})
	sink.Record(Outcome{Truncated: true})
	sink.Record(Outcome{Success: false, Err: ErrTimeout})

	snap := sink.Snapshot()
	assert.Len(t, snap.Counted(), 2)
	assert.Equal(t, 1, snap.Truncated())

	live := sink.Live()
	assert.Equal(t, uint64(2), live.Requests)
	assert.Equal(t, uint64(1), live.Truncated)
	assert.Equal(t, []Count{{Key: ErrTimeout, Count: 1}}, live.GetErrorCounts())
}

func TestFailureKey(t *testing.T) {
	assert.Equal(t, "", Outcome{Success: true}.FailureKey())
	assert.Equal(t, "timeout", Outcome{Err: ErrTimeout}.FailureKey())
	assert.Equal(t, "HTTP 500 (is status 200)", Outcome{StatusCode: 500, FailedChecks: []string{"is status 200"}}.FailureKey())
	assert.Equal(t, "HTTP 404", Outcome{StatusCode: 404}.FailureKey())
}

func TestLiveStatsPercentiles(t *testing.T) {
	s := NewStats()
	for i := 1; i <= 100; i++ {
		s.Add(Outcome{Success: true, Latency: time.Duration(i) * time.Millisecond})
	}
	assert.InDelta(t, 50, s.GetP50(), 0.5)
	assert.InDelta(t, 99, s.GetP99(), 0.5)
	assert.InDelta(t, 100, s.MaxMs(), 0.5)
	assert.InDelta(t, 50.5, s.MeanMs(), 0.5)
}

func TestLiveStatsCheckFailures(t *testing.T) {
	s := NewStats()
	s.Add(Outcome{StatusCode: 500, Checks: 2, FailedChecks: []string{"status is 2xx", "body has id"}})
	s.Add(Outcome{StatusCode: 503, Checks: 2, FailedChecks: []string{"status is 2xx"}})
	s.Add(Outcome{Success: true, StatusCode: 200, Checks: 2})

	assert.Equal(t, []Count{{Key: "status is 2xx", Count: 2}, {Key: "body has id", Count: 1}}, s.GetCheckFailures())
}
