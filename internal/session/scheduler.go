package session

import "time"

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running if it has not started yet.
	Stop() bool
}

// Scheduler schedules callbacks on its own goroutines.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// RealScheduler schedules with time.AfterFunc.
type RealScheduler struct{}

// AfterFunc calls fn in its own goroutine after d.
func (RealScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// slot holds at most one armed timer. Its methods must be called with the
// owning Session's lock held.
//
// Invariant: a firing whose generation differs from gen is stale and does nothing.
type slot struct {
	timer Timer
	gen   uint64
}

// armed reports whether a timer is outstanding.
func (s *slot) armed() bool {
	return s.timer != nil
}

// cancel stops the outstanding timer, if any, and invalidates its firing.
func (s *slot) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}
