package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/timectrl"
)

func TestEventSchedulerRunsDueInOrder(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := timectrl.NewManualClock(start)
	s := NewEventScheduler(clock)

	var order []string
	s.Schedule(start.Add(2*time.Second), func() { order = append(order, "second") })
	s.Schedule(start.Add(time.Second), func() { order = append(order, "first") })
	s.Schedule(start.Add(10*time.Second), func() { order = append(order, "late") })

	clock.Advance(3 * time.Second)
	s.RunDue()

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v, want [first second]", order)
	}
	if s.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", s.Pending())
	}

	// Already-run events never run again.
	s.RunDue()
	if len(order) != 2 {
		t.Fatalf("events re-ran: %v", order)
	}
}

func TestEventSchedulerCancel(t *testing.T) {
	start := time.Unix(0, 0)
	clock := timectrl.NewManualClock(start)
	s := NewEventScheduler(clock)

	var ran int32
	id := s.Schedule(start.Add(time.Second), func() { atomic.AddInt32(&ran, 1) })
	s.Cancel(id)
	s.Cancel("unknown")

	clock.Advance(time.Minute)
	s.RunDue()

	if atomic.LoadInt32(&ran) != 0 {
		t.Fatalf("cancelled event ran")
	}
	if s.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", s.Pending())
	}
}

func TestCallbacksMayReschedule(t *testing.T) {
	start := time.Unix(0, 0)
	fake := NewFakeEventScheduler(start)

	fired := 0
	var again func()
	again = func() {
		fired++
		if fired < 3 {
			fake.Schedule(fake.Now(), again)
		}
	}
	fake.Schedule(start.Add(time.Second), again)

	fake.Advance(time.Second)
	if fired != 3 {
		t.Fatalf("fired = %d, want 3", fired)
	}
}

func TestFakeSchedulerAdvanceIsMonotonic(t *testing.T) {
	start := time.Unix(100, 0)
	fake := NewFakeEventScheduler(start)

	fake.AdvanceTo(start.Add(5 * time.Second))
	fake.AdvanceTo(start)
	if got := fake.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("Now() = %v after backwards AdvanceTo", got)
	}

	fake.Schedule(start.Add(time.Minute), func() {})
	if at, ok := fake.NextDeadline(); !ok || !at.Equal(start.Add(time.Minute)) {
		t.Fatalf("NextDeadline() = %v, %v", at, ok)
	}
}

func TestPumpDrivesRunDue(t *testing.T) {
	s := NewEventScheduler(timectrl.Wall())

	done := make(chan struct{})
	s.Schedule(time.Now(), func() { close(done) })

	pump, err := NewPump(s, 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewPump: %v", err)
	}
	pump.Start()
	defer pump.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pump did not run due event")
	}
}
