// Package wire implements the synchronized output path: timestamped binary
// frames paced on a server clock, delivered over websockets to playback
// clients that render in lockstep.
package wire

import "time"

// Clock yields server timestamps in microseconds. The zero reference is
// arbitrary; only monotonic differences matter to clients.
type Clock interface {
	NowMicros() int64
}

// monotonicClock reports microseconds elapsed since its creation, backed by
// the runtime's monotonic reading so wall-clock steps cannot move it.
type monotonicClock struct {
	start time.Time
}

// NewClock returns the server clock used for frame timestamps.
func NewClock() Clock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) NowMicros() int64 {
	return time.Since(c.start).Microseconds()
}
