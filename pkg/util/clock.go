package util

import (
	"sync/atomic"
	"time"
)

// Clock abstracts wall time so engine timestamps are deterministic in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// ManualClock returns a fixed, manually advanced time.
type ManualClock struct {
	unixMilli atomic.Int64
}

func NewManualClock(t time.Time) *ManualClock {
	c := &ManualClock{}
	c.unixMilli.Store(t.UnixMilli())
	return c
}

func (c *ManualClock) Now() time.Time {
	return time.UnixMilli(c.unixMilli.Load())
}

func (c *ManualClock) Advance(d time.Duration) {
	c.unixMilli.Add(d.Milliseconds())
}
