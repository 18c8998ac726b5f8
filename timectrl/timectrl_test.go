package timectrl

import (
	"testing"
	"time"
)

func TestManualClockSetAndAdvance(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	c := NewManualClock(start)

	c.Advance(42 * time.Second)
	if got, want := c.Now(), start.Add(42*time.Second); !got.Equal(want) {
		t.Fatalf("Now() = %v, want %v", got, want)
	}

	// Going backwards is ignored.
	c.Set(start)
	if got, want := c.Now(), start.Add(42*time.Second); !got.Equal(want) {
		t.Fatalf("Now() after backwards Set = %v, want %v", got, want)
	}
}

func TestManualClockAfterFiresOnAdvance(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewManualClock(start)

	ch := c.After(5 * time.Second)
	select {
	case <-ch:
		t.Fatalf("After fired before the clock moved")
	default:
	}

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatalf("After fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if !got.Equal(start.Add(5 * time.Second)) {
			t.Fatalf("After delivered %v", got)
		}
	default:
		t.Fatalf("After did not fire at deadline")
	}
}

func TestManualClockListeners(t *testing.T) {
	c := NewManualClock(time.Unix(0, 0))
	var seen []time.Time
	c.AddListener(func(now time.Time) { seen = append(seen, now) })

	c.Advance(time.Second)
	c.Advance(time.Second)

	if len(seen) != 2 {
		t.Fatalf("listener calls = %d, want 2", len(seen))
	}
	if !seen[1].Equal(time.Unix(2, 0)) {
		t.Fatalf("second notification = %v", seen[1])
	}
}

func TestWallClockAdvances(t *testing.T) {
	c := Wall()
	before := c.Now()
	<-c.After(time.Millisecond)
	if !c.Now().After(before) {
		t.Fatalf("wall clock did not advance")
	}
}
