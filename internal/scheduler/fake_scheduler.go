package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// FakeEventScheduler keeps its own time which only moves through AdvanceTo,
// letting tests fire deadlines deterministically.
type FakeEventScheduler struct {
	mu      sync.Mutex
	now     time.Time
	counter uint64
	events  []*scheduledEvent
	index   map[string]*scheduledEvent
}

// NewFakeEventScheduler creates a fake scheduler starting at start.
func NewFakeEventScheduler(start time.Time) *FakeEventScheduler {
	return &FakeEventScheduler{
		now:   start,
		index: make(map[string]*scheduledEvent),
	}
}

func (s *FakeEventScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *FakeEventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ev := &scheduledEvent{
		id:   fmt.Sprintf("fake-ev-%d", s.counter),
		when: at,
		f:    f,
	}
	insertOrdered(&s.events, ev)
	s.index[ev.id] = ev
	return ev.id
}

func (s *FakeEventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelLocked(s.index, id)
}

func (s *FakeEventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// NextDeadline returns the earliest pending deadline, if any.
func (s *FakeEventScheduler) NextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if !ev.cancelled {
			return ev.when, true
		}
	}
	return time.Time{}, false
}

func (s *FakeEventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := popDueLocked(&s.events, s.now)
		if ev == nil {
			s.mu.Unlock()
			return
		}
		delete(s.index, ev.id)
		s.mu.Unlock()

		if ev.f != nil {
			ev.f()
		}
	}
}

// AdvanceTo moves fake time to t and runs everything that became due. Time
// never moves backwards.
func (s *FakeEventScheduler) AdvanceTo(t time.Time) {
	s.mu.Lock()
	if t.Before(s.now) {
		s.mu.Unlock()
		return
	}
	s.now = t
	s.mu.Unlock()

	s.RunDue()
}

// Advance moves fake time forward by d.
func (s *FakeEventScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}
