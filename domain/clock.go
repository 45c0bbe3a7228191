package domain

import (
	"sync/atomic"
	"time"
)

// Clock reports the host clock in the units condition time bounds use.
type Clock interface {
	Now() uint64
}

// SystemClock counts unix seconds.
type SystemClock struct{}

func (SystemClock) Now() uint64 {
	return uint64(time.Now().Unix())
}

// ManualClock is advanced explicitly, standing in for block height.
type ManualClock struct {
	now atomic.Uint64
}

// NewManualClock starts a manual clock at start.
func NewManualClock(start uint64) *ManualClock {
	c := &ManualClock{}
	c.now.Store(start)
	return c
}

func (c *ManualClock) Now() uint64 {
	return c.now.Load()
}

// Advance moves the clock forward by d units and returns the new value.
func (c *ManualClock) Advance(d uint64) uint64 {
	return c.now.Add(d)
}

// Set pins the clock to v.
func (c *ManualClock) Set(v uint64) {
	c.now.Store(v)
}
