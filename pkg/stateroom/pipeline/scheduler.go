package pipeline

import (
	"sync"
	"time"
)

// scheduler is a tiny timer wheel for delayed re-enqueues. Consumers
// hand it a delay and a callback and move on to the next item; the
// callback fires on its own goroutine via time.AfterFunc.
type scheduler struct {
	mu     sync.Mutex
	timers map[int64]*time.Timer
	nextID int64
	closed bool
}

func newScheduler() *scheduler {
	return &scheduler{timers: make(map[int64]*time.Timer)}
}

// After schedules fn to run after d. Returns false if the scheduler
// is already closed.
func (s *scheduler) After(d time.Duration, fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	id := s.nextID
	s.nextID++
	t := time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, id)
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			fn()
		}
	})
	s.timers[id] = t
	s.mu.Unlock()
	return true
}

// Close stops every outstanding timer. Callbacks already running are
// not interrupted; callbacks not yet fired are dropped.
func (s *scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
}
