package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a Clock that only moves when Advance is called. Callbacks
// scheduled with AfterFunc run synchronously inside Advance, in deadline
// order, without the clock lock held.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	callback func()
	done     bool
}

// NewFake returns a Fake clock set to initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// Now returns the fake time.
func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run once the clock passes now+d.
func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	w := &fakeWaiter{deadline: c.current.Add(d), callback: f}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return &fakeTimer{clock: c, waiter: w}
}

// Pending returns the number of callbacks that have not fired or been stopped.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

// Advance moves the clock forward and fires due callbacks.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var due []*fakeWaiter
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		switch {
		case w.done:
		case !w.deadline.After(now):
			w.done = true
			due = append(due, w)
		default:
			kept = append(kept, w)
		}
	}
	c.waiters = kept
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, w := range due {
		w.callback()
	}
}

type fakeTimer struct {
	clock  *Fake
	waiter *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.waiter.done {
		return false
	}
	t.waiter.done = true
	return true
}
