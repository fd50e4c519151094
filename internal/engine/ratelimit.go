package engine

import (
	"net/netip"
	"sync/atomic"
	"time"
)

// fragLimiter caps the fragments accepted per source address in a fixed window
// of capture time. All counts are dropped when the window rotates.
type fragLimiter struct {
	current     map[netip.Addr]int
	windowStart time.Time
	windowSize  time.Duration
	max         int

	rejected atomic.Uint64
}

// newFragLimiter returns nil when max <= 0, which disables limiting.
func newFragLimiter(max int, window time.Duration) *fragLimiter {
	if max <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &fragLimiter{
		current:    make(map[netip.Addr]int),
		windowSize: window,
		max:        max,
	}
}

// allow counts one fragment from src seen at now and reports whether it is
// within the limit.
func (l *fragLimiter) allow(src netip.Addr, now time.Time) bool {
	if l == nil {
		return true
	}
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.windowSize || now.Before(l.windowStart) {
		clear(l.current)
		l.windowStart = now
	}
	l.current[src]++
	if l.current[src] > l.max {
		l.rejected.Add(1)
		return false
	}
	return true
}

// limited returns the number of fragments refused so far.
func (l *fragLimiter) limited() uint64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}
