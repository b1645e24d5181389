package runner

import (
	"math"
	"time"
)

// Curve maps elapsed run time to a target number of virtual users. It starts
// at start, interpolates linearly through each stage and is 0 once the last
// stage has ended.
type Curve struct {
	start  int
	stages []Stage
	total  time.Duration
}

func NewCurve(start int, stages []Stage) Curve {
	c := Curve{start: start, stages: append([]Stage(nil), stages...)}
	for _, s := range stages {
		c.total += s.Duration
	}
	return c
}

// Total is the sum of all stage durations.
func (c Curve) Total() time.Duration {
	return c.total
}

// At returns the rounded target at elapsed.
func (c Curve) At(elapsed time.Duration) int {
	if elapsed < 0 {
		elapsed = 0
	}
	prev := c.start
	var offset time.Duration
	for _, s := range c.stages {
		if elapsed < offset+s.Duration {
			frac := float64(elapsed-offset) / float64(s.Duration)
			return int(math.Round(float64(prev) + float64(s.Target-prev)*frac))
		}
		offset += s.Duration
		prev = s.Target
	}
	return 0
}

// StageAt returns the index of the stage running at elapsed, or len(stages)
// once the ramp is over.
func (c Curve) StageAt(elapsed time.Duration) int {
	var offset time.Duration
	for i, s := range c.stages {
		offset += s.Duration
		if elapsed < offset {
			return i
		}
	}
	return len(c.stages)
}

// Max is the highest target the curve reaches.
func (c Curve) Max() int {
	peak := c.start
	for _, s := range c.stages {
		if s.Target > peak {
			peak = s.Target
		}
	}
	return peak
}
