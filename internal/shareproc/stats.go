package shareproc

import (
	"sync/atomic"
	"time"
)

// counters holds the processor's atomic counters. The snapshot interface is
// the only way state escapes; no shared mutable reference is handed out.
type counters struct {
	total       atomic.Uint64
	valid       atomic.Uint64
	invalid     atomic.Uint64
	stale       atomic.Uint64
	duplicate   atomic.Uint64
	rateLimited atomic.Uint64
	blocks      atomic.Uint64

	latencyNanos atomic.Int64
	latencyCount atomic.Int64
}

func (c *counters) record(status Status, isBlock bool, elapsed time.Duration) {
	c.total.Add(1)
	switch status {
	case StatusValid:
		c.valid.Add(1)
	case StatusInvalid:
		c.invalid.Add(1)
	case StatusStale:
		c.stale.Add(1)
	case StatusDuplicate:
		c.duplicate.Add(1)
	case StatusRateLimited:
		c.rateLimited.Add(1)
	}
	if isBlock {
		c.blocks.Add(1)
	}
	c.latencyNanos.Add(elapsed.Nanoseconds())
	c.latencyCount.Add(1)
}

// Snapshot returns a consistent-enough copy of the counters for metrics
// and health reporting.
func (c *counters) Snapshot() Stats {
	s := Stats{
		Total:       c.total.Load(),
		Valid:       c.valid.Load(),
		Invalid:     c.invalid.Load(),
		Stale:       c.stale.Load(),
		Duplicate:   c.duplicate.Load(),
		RateLimited: c.rateLimited.Load(),
		Blocks:      c.blocks.Load(),
	}
	if n := c.latencyCount.Load(); n > 0 {
		s.AvgLatency = time.Duration(c.latencyNanos.Load() / n)
	}
	return s
}
