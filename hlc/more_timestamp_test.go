package hlc

import (
	"testing"
	"time"
)

func TestFixedSourceStillIncreases(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockFrom(func() time.Time { return fixed })

	prev := c.Now()
	for i := 0; i < 3000; i++ {
		next := c.Now()
		if !next.After(prev) {
			t.Fatalf("timestamp %d (%d) not after previous (%d)", i, next, prev)
		}
		prev = next
	}

	// Counter exhaustion borrows from later microseconds but never runs backwards
	if prev.Time().Before(fixed) {
		t.Fatalf("time component %v before source %v", prev.Time(), fixed)
	}
}

func TestObserveMovesClockForward(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockFrom(func() time.Time { return fixed })

	remote := FromTime(fixed.Add(time.Hour))
	c.Observe(remote)

	if ts := c.Now(); !ts.After(remote) {
		t.Fatalf("expected %d after observed %d", ts, remote)
	}

	// Observing an older timestamp has no effect
	before := c.Now()
	c.Observe(FromTime(fixed))
	if ts := c.Now(); !ts.After(before) {
		t.Fatalf("expected %d after %d", ts, before)
	}
}

func TestFromTimeAndCompare(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	ts := FromTime(at)

	if !ts.Time().Equal(at) {
		t.Fatalf("expected %v, got %v", at, ts.Time())
	}
	if ts.Counter() != 0 {
		t.Fatalf("expected zero counter, got %d", ts.Counter())
	}
	if FromTime(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)) != 0 {
		t.Fatalf("expected times before the epoch to clamp to zero")
	}

	later := FromTime(at.Add(time.Microsecond))
	if ts.Compare(later) != -1 || later.Compare(ts) != 1 || ts.Compare(ts) != 0 {
		t.Fatalf("unexpected compare results")
	}
}
