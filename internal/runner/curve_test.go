package runner

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func surgeStages() []Stage {
	return []Stage{
		{Duration: 2 * time.Minute, Target: 40},
		{Duration: 5 * time.Minute, Target: 120},
		{Duration: 2 * time.Minute, Target: 0},
	}
}

func TestCurveAt(t *testing.T) {
	c := NewCurve(0, surgeStages())
	assert.Equal(t, 9*time.Minute, c.Total())
	assert.Equal(t, 120, c.Max())

	tests := []struct {
		at   time.Duration
		want int
	}{
		{0, 0},
		{time.Minute, 20},
		{2 * time.Minute, 40},
		{4*time.Minute + 30*time.Second, 80},
		{7 * time.Minute, 120},
		{8 * time.Minute, 60},
		{9 * time.Minute, 0},
		{time.Hour, 0},
		{-time.Second, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, c.At(tt.at), "at %s", tt.at)
	}
}

func TestCurveStartUsersAndHolds(t *testing.T) {
	c := NewCurve(10, []Stage{{Duration: 10 * time.Second, Target: 10}, {Duration: 0, Target: 50}, {Duration: 10 * time.Second, Target: 50}})
	assert.Equal(t, 10, c.At(0))
	assert.Equal(t, 10, c.At(5*time.Second))
	assert.Equal(t, 50, c.At(10*time.Second))
	assert.Equal(t, 50, c.At(15*time.Second))
	assert.Equal(t, 0, c.At(20*time.Second))
}

func TestCurveDefaultStartUsers(t *testing.T) {
	c := NewCurve(DefaultStartUsers, []Stage{{Duration: 30 * time.Second, Target: 10}})
	assert.Equal(t, 1, c.At(0))
	assert.Equal(t, 6, c.At(15*time.Second))

	assert.Equal(t, 0, NewCurve(0, []Stage{{Duration: 30 * time.Second, Target: 10}}).At(0))
}

func TestCurveStageAt(t *testing.T) {
	c := NewCurve(0, surgeStages())
	assert.Equal(t, 0, c.StageAt(0))
	assert.Equal(t, 1, c.StageAt(2*time.Minute))
	assert.Equal(t, 2, c.StageAt(8*time.Minute))
	assert.Equal(t, 3, c.StageAt(9*time.Minute))
}

func buildStages(secs, targets []int) []Stage {
	n := min(len(secs), len(targets))
	stages := make([]Stage, n)
	for i := 0; i < n; i++ {
		stages[i] = Stage{Duration: time.Duration(secs[i]) * time.Second, Target: targets[i]}
	}
	return stages
}

func TestCurveProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("starts at start_users and ends at zero", prop.ForAll(
		func(start int, secs, targets []int) bool {
			stages := buildStages(secs, targets)
			c := NewCurve(start, stages)
			return c.At(0) == start && c.At(c.Total()) == 0
		},
		gen.IntRange(0, 200),
		gen.SliceOfN(4, gen.IntRange(1, 600)),
		gen.SliceOfN(4, gen.IntRange(0, 200)),
	))

	properties.Property("monotonic within each stage", prop.ForAll(
		func(start int, secs, targets []int) bool {
			stages := buildStages(secs, targets)
			c := NewCurve(start, stages)
			prev := start
			var offset time.Duration
			for _, s := range stages {
				last := c.At(offset)
				for step := time.Duration(0); step < s.Duration; step += s.Duration/17 + 1 {
					v := c.At(offset + step)
					if s.Target >= prev && v < last || s.Target < prev && v > last {
						return false
					}
					last = v
				}
				offset += s.Duration
				prev = s.Target
			}
			return true
		},
		gen.IntRange(0, 200),
		gen.SliceOfN(4, gen.IntRange(1, 600)),
		gen.SliceOfN(4, gen.IntRange(0, 200)),
	))

	properties.Property("never exceeds the declared peak", prop.ForAll(
		func(start int, secs, targets []int, at int64) bool {
			c := NewCurve(start, buildStages(secs, targets))
			v := c.At(time.Duration(at) * time.Second)
			return v >= 0 && v <= c.Max()
		},
		gen.IntRange(0, 200),
		gen.SliceOfN(4, gen.IntRange(1, 600)),
		gen.SliceOfN(4, gen.IntRange(0, 200)),
		gen.Int64Range(0, 2400),
	))

	properties.TestingRun(t)
}
