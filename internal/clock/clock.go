// Package clock provides the millisecond timestamp source used for store
// entries.
//
// Timestamps are anchored to the Unix epoch at process start and then advance
// using the monotonic clock, so they are comparable with wall-clock
// milliseconds but never go backwards when the system clock is adjusted.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time in milliseconds.
//
// Implementations must be safe for concurrent use and must never return a
// value lower than a previously returned one. Zero is reserved as the
// "never updated" sentinel and must not be returned.
type Clock interface {
	NowMillis() int64
}

// System is the process-wide [Clock].
var System Clock = newMonotonic()

type monotonic struct {
	start time.Time
	base  int64
}

func newMonotonic() *monotonic {
	start := time.Now()
	return &monotonic{start: start, base: start.UnixMilli()}
}

// NowMillis implements [Clock].
func (m *monotonic) NowMillis() int64 {
	// time.Since uses the monotonic reading captured in start
	now := m.base + time.Since(m.start).Milliseconds()
	if now < 1 {
		return 1
	}
	return now
}

// Manual is a [Clock] that only moves when told to. It is intended for tests.
type Manual struct {
	mu  sync.Mutex
	now int64
}

// NewManual returns a [Manual] clock positioned at start (at least 1).
func NewManual(start int64) *Manual {
	if start < 1 {
		start = 1
	}
	return &Manual{now: start}
}

// NowMillis implements [Clock].
func (m *Manual) NowMillis() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d. Negative durations are ignored.
func (m *Manual) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.now += d.Milliseconds()
	m.mu.Unlock()
}
