package sched

import (
	"sync"
	"time"
)

// Debouncer runs fn once after delay has passed without another Trigger.
type Debouncer struct {
	mu      sync.Mutex
	sched   Scheduler
	delay   time.Duration
	fn      func()
	timer   Timer
	pending bool
	gen     uint64
}

// NewDebouncer creates a debouncer for fn.
func NewDebouncer(s Scheduler, delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{sched: s, delay: delay, fn: fn}
}

// Trigger (re)starts the quiet period.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending = true
	d.timer = d.sched.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || !d.pending {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.timer = nil
	d.mu.Unlock()
	d.fn()
}

// Flush runs fn now if a call is pending.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	was := d.pending
	d.stopLocked()
	d.mu.Unlock()
	if was {
		d.fn()
	}
	return was
}

// Cancel drops any pending call.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Pending reports whether a call is waiting.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Debouncer) stopLocked() {
	d.pending = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
