package clock

import (
	"sync"
	"time"
)

// Fake returns a manually advanced clock starting at initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.waitersChanged = sync.NewCond(&c.mu)
	return c
}

// FakeClock only moves when Advance is called. Callbacks registered with
// AfterFunc run synchronously inside Advance, in deadline order, with Now()
// reporting the callback's own deadline.
type FakeClock struct {
	mu             sync.Mutex
	current        time.Time
	waiters        []*fakeWaiter
	waitersChanged *sync.Cond
	seq            uint64
}

type fakeWaiter struct {
	deadline time.Time
	seq      uint64
	channel  chan time.Time
	callback func()
	active   bool
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) addLocked(w *fakeWaiter) {
	c.seq++
	w.seq = c.seq
	w.active = true
	c.waiters = append(c.waiters, w)
	c.waitersChanged.Broadcast()
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	c.addLocked(&fakeWaiter{deadline: c.current.Add(d), channel: ch})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	w := &fakeWaiter{callback: f}

	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
	} else {
		w.deadline = c.current.Add(d)
		c.addLocked(w)
		c.mu.Unlock()
	}

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := w.active
			c.removeLocked(w)
			return wasActive
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := w.active
			c.removeLocked(w)
			w.deadline = c.current.Add(d)
			c.addLocked(w)
			return wasActive
		},
	}
}

func (c *FakeClock) removeLocked(w *fakeWaiter) {
	w.active = false
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward by d, firing every waiter whose deadline
// falls inside the window. Waiters scheduled by those callbacks fire too if
// their deadline is still inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		w := c.popDue(target)
		if w == nil {
			break
		}
		if w.callback != nil {
			w.callback()
		} else {
			select {
			case w.channel <- w.deadline:
			default:
			}
		}
	}

	c.mu.Lock()
	if c.current.Before(target) {
		c.current = target
	}
	c.mu.Unlock()
}

func (c *FakeClock) popDue(target time.Time) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *fakeWaiter
	for _, w := range c.waiters {
		if w.deadline.After(target) {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) ||
			(w.deadline.Equal(next.deadline) && w.seq < next.seq) {
			next = w
		}
	}
	if next == nil {
		return nil
	}
	c.removeLocked(next)
	if next.deadline.After(c.current) {
		c.current = next.deadline
	}
	return next
}

// WaitForTimers blocks until at least n waiters are pending. It lets a test
// synchronise with a goroutine that is about to arm a timer.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.waitersChanged.Wait()
	}
}

// PendingCount returns the number of armed waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
