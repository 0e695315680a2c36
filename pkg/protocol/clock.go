package protocol

import "time"

// Ticks counts clock ticks. Timeouts are expressed in ticks.
type Ticks int64

// Forever is the timeout value that never expires
const Forever Ticks = 0

// Clock supplies the tick time base for timeouts
type Clock interface {
	// Now returns the ticks elapsed since the clock started
	Now() Ticks
	// Duration converts a tick count to wall time
	Duration(t Ticks) time.Duration
}

type tickClock struct {
	start time.Time
	tick  time.Duration
}

// NewTickClock returns a monotonic clock with the given tick length
func NewTickClock(tick time.Duration) Clock {
	if tick <= 0 {
		tick = time.Millisecond
	}
	return &tickClock{start: time.Now(), tick: tick}
}

func (c *tickClock) Now() Ticks {
	return Ticks(time.Since(c.start) / c.tick)
}

func (c *tickClock) Duration(t Ticks) time.Duration {
	return time.Duration(t) * c.tick
}
