package heartbeat

import (
	"sync"
	"time"
)

// Timer wraps time.AfterFunc with Mod/Del semantics, adapted from the
// teacher's device.Timer/peer timer helpers (which themselves mirror
// the Linux kernel's struct timer_list): a timer that can be
// rescheduled or canceled without tearing down and recreating the
// underlying goroutine.
type Timer struct {
	mu      sync.Mutex
	t       *time.Timer
	pending bool
}

// NewTimer creates a stopped Timer that will call fn when it next
// fires (Mod schedules the first/next fire).
func NewTimer(fn func()) *Timer {
	timer := &Timer{}
	timer.t = time.AfterFunc(time.Hour, func() {
		timer.mu.Lock()
		timer.pending = false
		timer.mu.Unlock()
		fn()
	})
	timer.t.Stop()
	return timer
}

// Mod (re)schedules the timer to fire after d.
func (tm *Timer) Mod(d time.Duration) {
	tm.mu.Lock()
	tm.pending = true
	tm.mu.Unlock()
	tm.t.Reset(d)
}

// Del cancels a pending fire.
func (tm *Timer) Del() {
	tm.mu.Lock()
	tm.pending = false
	tm.mu.Unlock()
	tm.t.Stop()
}

// Pending reports whether the timer is currently scheduled to fire.
func (tm *Timer) Pending() bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.pending
}
