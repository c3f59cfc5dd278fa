package timectrl

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// scheduledEvent represents a single scheduled callback.
type scheduledEvent struct {
	id        string
	when      time.Duration
	f         func()
	cancelled bool
}

// Scheduler runs callbacks at simulation times read from a SimClock.
// Schedule and Cancel are safe from any goroutine; RunDue is called by the
// simulation loop after each advance of simulation time.
type Scheduler struct {
	clock SimClock

	mu      sync.Mutex
	counter uint64
	events  []*scheduledEvent // ordered by 'when' (earliest first)
	index   map[string]*scheduledEvent
}

// NewScheduler creates a scheduler backed by clock.
func NewScheduler(clock SimClock) *Scheduler {
	return &Scheduler{
		clock: clock,
		index: make(map[string]*scheduledEvent),
	}
}

// Schedule registers f to run once simulation time reaches at. It returns an
// ID usable with Cancel.
func (s *Scheduler) Schedule(at time.Duration, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	id = fmt.Sprintf("ev-%d", s.counter)
	ev := &scheduledEvent{id: id, when: at, f: f}

	// Events at the same time keep scheduling order.
	idx := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].when > ev.when
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
	s.index[id] = ev
	return id
}

// After schedules f to run d after the current simulation time.
func (s *Scheduler) After(d time.Duration, f func()) (id string) {
	return s.Schedule(s.clock.SimTime()+d, f)
}

// Cancel drops a pending event. Unknown or already-run IDs are ignored.
func (s *Scheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.index[id]
	if !ok {
		return
	}
	ev.cancelled = true
	delete(s.index, id)
}

// Pending returns the number of events that have not run or been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// Clear cancels every pending event.
func (s *Scheduler) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.index = make(map[string]*scheduledEvent)
}

// popDueLocked removes and returns the earliest due, non-cancelled event.
// Caller must hold s.mu.
func (s *Scheduler) popDueLocked(now time.Duration) *scheduledEvent {
	for len(s.events) > 0 {
		ev := s.events[0]
		if ev.cancelled {
			s.events = s.events[1:]
			continue
		}
		if ev.when > now {
			return nil
		}
		s.events = s.events[1:]
		delete(s.index, ev.id)
		return ev
	}
	return nil
}

// RunDue executes all events whose time is <= the clock's simulation time and
// returns how many ran. Callbacks run outside the lock and may schedule more
// events; those run in the same call when already due.
func (s *Scheduler) RunDue() int {
	now := s.clock.SimTime()
	ran := 0
	for {
		s.mu.Lock()
		ev := s.popDueLocked(now)
		s.mu.Unlock()
		if ev == nil {
			return ran
		}
		if ev.f != nil {
			ev.f()
		}
		ran++
	}
}
