// Package scheduler runs callbacks at absolute deadlines. The orchestrator
// registry uses it to fire TIMEOUT events on suspended state machines.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/flow-orchestrator/timectrl"
)

// EventScheduler schedules callbacks at absolute times measured on a clock.
// Nothing runs on its own: a driver (see Pump) calls RunDue periodically.
type EventScheduler interface {
	// Schedule registers f to run once Now() >= at and returns an id usable
	// with Cancel.
	Schedule(at time.Time, f func()) (id string)

	// Cancel drops a pending callback. Unknown or already-run ids are ignored.
	Cancel(id string)

	// Now returns the scheduler's notion of current time.
	Now() time.Time

	// RunDue executes every callback whose deadline has passed. Callbacks run
	// at most once and outside the scheduler lock, so they may call Schedule
	// or Cancel.
	RunDue()

	// Pending returns the number of callbacks not yet run or cancelled.
	Pending() int
}

type scheduledEvent struct {
	id        string
	when      time.Time
	f         func()
	cancelled bool
}

type eventScheduler struct {
	clock timectrl.Clock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // earliest first
	index   map[string]*scheduledEvent
}

// NewEventScheduler creates a scheduler that reads time from clock.
func NewEventScheduler(clock timectrl.Clock) EventScheduler {
	if clock == nil {
		clock = timectrl.Wall()
	}
	return &eventScheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

func (s *eventScheduler) Schedule(at time.Time, f func()) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	ev := &scheduledEvent{
		id:   fmt.Sprintf("ev-%d", s.counter),
		when: at,
		f:    f,
	}
	insertOrdered(&s.events, ev)
	s.index[ev.id] = ev
	return ev.id
}

func (s *eventScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelLocked(s.index, id)
}

func (s *eventScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *eventScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

func (s *eventScheduler) RunDue() {
	for {
		s.mu.Lock()
		ev := popDueLocked(&s.events, s.clock.Now())
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

// insertOrdered keeps events sorted by deadline; equal deadlines keep
// insertion order.
func insertOrdered(events *[]*scheduledEvent, ev *scheduledEvent) {
	list := *events
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].when.After(ev.when)
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = ev
	*events = list
}

func cancelLocked(index map[string]*scheduledEvent, id string) {
	ev, ok := index[id]
	if !ok {
		return
	}
	// Removal from the ordered slice is lazy; popDueLocked skips it.
	ev.cancelled = true
	delete(index, id)
}

func popDueLocked(events *[]*scheduledEvent, now time.Time) *scheduledEvent {
	for len(*events) > 0 {
		ev := (*events)[0]
		if ev.cancelled {
			*events = (*events)[1:]
			continue
		}
		if ev.when.After(now) {
			return nil
		}
		*events = (*events)[1:]
		return ev
	}
	return nil
}
