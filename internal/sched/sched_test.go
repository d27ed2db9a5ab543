package sched

import (
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *recorder) handle(rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, rideID)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestTimerSchedulerFires(t *testing.T) {
	rec := &recorder{}
	s := NewTimerScheduler(rec.handle)
	defer s.Close()

	s.Schedule("r1", time.Now().Add(20*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("deadline never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTimerSchedulerCancel(t *testing.T) {
	rec := &recorder{}
	s := NewTimerScheduler(rec.handle)
	defer s.Close()

	s.Schedule("r1", time.Now().Add(50*time.Millisecond))
	s.Cancel("r1")

	time.Sleep(120 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("cancelled deadline still fired")
	}
}

func TestTimerSchedulerReschedule(t *testing.T) {
	rec := &recorder{}
	s := NewTimerScheduler(rec.handle)
	defer s.Close()

	s.Schedule("r1", time.Now().Add(time.Hour))
	s.Schedule("r1", time.Now().Add(20*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("rescheduled deadline never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// the original one-hour timer must not fire a second event
	time.Sleep(50 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("expected exactly one fire, got %d", rec.count())
	}
}

func TestTimerSchedulerClose(t *testing.T) {
	rec := &recorder{}
	s := NewTimerScheduler(rec.handle)
	s.Schedule("r1", time.Now().Add(30*time.Millisecond))
	s.Close()

	time.Sleep(80 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("deadline fired after Close")
	}
	// scheduling after close is a no-op
	s.Schedule("r2", time.Now().Add(10*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("scheduler accepted work after Close")
	}
}
