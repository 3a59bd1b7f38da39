package signaling

import (
	"sync"
	"time"

	"callrelay-backend/internal/domain"
)

// ExpireFunc is invoked when a ring timer fires
type ExpireFunc func(id domain.CallID)

type ringTimer struct {
	timer *time.Timer
}

// Supervisor keeps at most one pending one-shot timer per call.
//
// A timer that was cancelled or replaced never invokes its callback, even if
// it already fired and is waiting for the lock.
type Supervisor struct {
	mu     sync.Mutex
	timers map[domain.CallID]*ringTimer
}

// NewSupervisor creates a supervisor with no pending timers
func NewSupervisor() *Supervisor {
	return &Supervisor{
		timers: make(map[domain.CallID]*ringTimer),
	}
}

// Schedule arms a timer for id, replacing any pending one.
func (s *Supervisor) Schedule(id domain.CallID, d time.Duration, onExpire ExpireFunc) {
	entry := &ringTimer{}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.timers[id]; ok {
		prev.timer.Stop()
	}
	s.timers[id] = entry
	entry.timer = time.AfterFunc(d, func() {
		s.mu.Lock()
		current, ok := s.timers[id]
		if !ok || current != entry {
			s.mu.Unlock()
			return
		}
		delete(s.timers, id)
		s.mu.Unlock()

		onExpire(id)
	})
}

// Cancel disarms the timer for id and reports whether one was pending.
// Cancelling an absent timer is a no-op.
func (s *Supervisor) Cancel(id domain.CallID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers[id]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.timers, id)
	return true
}

// Pending reports whether a timer is armed for id
func (s *Supervisor) Pending(id domain.CallID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Len returns the number of armed timers
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer. Used on shutdown.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.timers {
		entry.timer.Stop()
		delete(s.timers, id)
	}
}
