// Package sched provides the one-shot deadline timers that bound the
// dispatch offer window. A timer is keyed by ride id and cancelable; a
// deadline that fires after the ride already left the offer phase is made
// harmless by the coordinator's conditional transition, so firing late or
// twice is safe.
package sched

import (
	"sync"
	"time"
)

// Handler is invoked with the ride id when its deadline fires.
type Handler func(rideID string)

type Scheduler interface {
	// Schedule arms (or re-arms) the deadline for a ride.
	Schedule(rideID string, at time.Time)
	// Cancel disarms a pending deadline; unknown ids are a no-op.
	Cancel(rideID string)
	Close()
}

// TimerScheduler keeps deadlines as in-process timers. Pending deadlines
// are lost on restart; use RedisScheduler where that matters.
type TimerScheduler struct {
	mu      sync.Mutex
	timers  map[string]*time.Timer
	handler Handler
	closed  bool
}

func NewTimerScheduler(h Handler) *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer), handler: h}
}

func (s *TimerScheduler) Schedule(rideID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[rideID]; ok {
		t.Stop()
	}
	s.timers[rideID] = time.AfterFunc(time.Until(at), func() {
		s.mu.Lock()
		delete(s.timers, rideID)
		s.mu.Unlock()
		s.handler(rideID)
	})
}

func (s *TimerScheduler) Cancel(rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[rideID]; ok {
		t.Stop()
		delete(s.timers, rideID)
	}
}

func (s *TimerScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
