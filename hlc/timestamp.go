// Package hlc implements a Hybrid Logical Clock used to stamp resolution cache entries with
// generations. A timestamp packs physical time (microseconds since 1st Jan 2025) into the top
// 54 bits and a logical counter into the low 10 bits, so generations issued by one clock are
// strictly increasing even when the time source stands still, as a mock clock does in tests.
//
// Clocks take their physical time from an injected source and are safe for concurrent use.

package hlc

import (
	"sync/atomic"
	"time"
)

const (
	CounterBits = 10
	counterMask = uint64(1)<<CounterBits - 1

	// Epoch: 1st Jan 2025, 00:00:00 UTC (in microseconds)
	epochUnixMicro = 1735689600000000
)

// Timestamp represents a Hybrid Logical Clock timestamp.
type Timestamp uint64

// Clock is a thread-safe Hybrid Logical Clock using atomics.
type Clock struct {
	last uint64 // atomic
	now  func() time.Time
}

// NewClock creates a clock reading the wall clock.
func NewClock() *Clock {
	return NewClockFrom(time.Now)
}

// NewClockFrom creates a clock reading physical time from now.
func NewClockFrom(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

func (c *Clock) physical() uint64 {
	rel := c.now().UnixMicro() - epochUnixMicro
	if rel < 0 {
		return 0
	}
	return uint64(rel)
}

// Now returns a timestamp greater than any previously issued by c.
func (c *Clock) Now() Timestamp {
	for {
		relNow := c.physical()
		last := atomic.LoadUint64(&c.last)
		lastTime := last >> CounterBits
		lastCounter := last & counterMask

		var ts uint64
		switch {
		case relNow > lastTime:
			ts = relNow << CounterBits
		case lastCounter == counterMask:
			// Counter exhausted, borrow from the next microsecond
			ts = (lastTime + 1) << CounterBits
		default:
			ts = (lastTime << CounterBits) | (lastCounter + 1)
		}

		if atomic.CompareAndSwapUint64(&c.last, last, ts) {
			return Timestamp(ts)
		}
	}
}

// Observe moves the clock past a timestamp seen elsewhere, such as a generation read back from a
// snapshot, so that later timestamps from c order after it.
func (c *Clock) Observe(remote Timestamp) {
	for {
		last := atomic.LoadUint64(&c.last)
		if uint64(remote) <= last {
			return
		}
		if atomic.CompareAndSwapUint64(&c.last, last, uint64(remote)) {
			return
		}
	}
}

// FromTime returns the first timestamp for t.
func FromTime(t time.Time) Timestamp {
	rel := t.UnixMicro() - epochUnixMicro
	if rel < 0 {
		return 0
	}
	return Timestamp(uint64(rel) << CounterBits)
}

// Before returns true if ts is before other.
func (ts Timestamp) Before(other Timestamp) bool {
	return ts < other
}

// After returns true if ts is after other.
func (ts Timestamp) After(other Timestamp) bool {
	return ts > other
}

// Equal returns true if ts is equal to other.
func (ts Timestamp) Equal(other Timestamp) bool {
	return ts == other
}

// Compare returns -1, 0 or 1 as ts is before, equal to or after other.
func (ts Timestamp) Compare(other Timestamp) int {
	switch {
	case ts < other:
		return -1
	case ts > other:
		return 1
	}
	return 0
}

// Time extracts the time component as time.Time.
func (ts Timestamp) Time() time.Time {
	relMicro := uint64(ts) >> CounterBits
	return time.UnixMicro(int64(relMicro) + epochUnixMicro)
}

// Counter extracts the counter component.
func (ts Timestamp) Counter() uint16 {
	return uint16(uint64(ts) & counterMask)
}

var defaultClock = NewClock()

// Now returns a new Timestamp from the default Clock.
func Now() Timestamp {
	return defaultClock.Now()
}
