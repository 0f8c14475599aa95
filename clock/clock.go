// Package clock abstracts time so that every timer in the runner can be
// driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of the time package used by the runner.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	// AfterFunc calls f on its own goroutine (Real) or synchronously from
	// Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a one-shot timer created by AfterFunc.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// a pending timer.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset re-arms the timer to fire after d. It reports whether the timer was
// still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }

// Repeater calls a function every interval until stopped.
type Repeater struct {
	mu      sync.Mutex
	timer   *Timer
	stopped bool
}

// Every schedules f to run every interval on c. The first call happens one
// interval from now.
func Every(c Clock, interval time.Duration, f func()) *Repeater {
	if interval <= 0 {
		panic("clock: non-positive interval for Every")
	}
	r := &Repeater{}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer = c.AfterFunc(interval, func() {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		f()

		r.mu.Lock()
		if !r.stopped {
			r.timer.Reset(interval)
		}
		r.mu.Unlock()
	})
	return r
}

// Stop cancels future calls. A call already running completes.
func (r *Repeater) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	r.timer.Stop()
}
