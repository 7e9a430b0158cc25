// Package sched provides the timer abstraction every debounced, batched, or
// backed-off side effect runs on. Production code uses the wall clock; tests
// use Virtual to advance time deterministically.
package sched

import (
	"container/heap"
	"sync"
	"time"
)

// Timer is a pending callback.
type Timer interface {
	// Stop prevents the callback from running. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Scheduler runs callbacks after a delay and reports the current time.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type wallClock struct{}

// Wall returns a Scheduler backed by the runtime timers.
func Wall() Scheduler {
	return wallClock{}
}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// Virtual is a deadline queue driven by Advance. Callbacks run synchronously
// on the goroutine calling Advance, in deadline order.
type Virtual struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	queue deadlineQueue
}

// NewVirtual returns a virtual scheduler starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

// Now returns the virtual time.
func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

// AfterFunc schedules fn at now+d.
func (v *Virtual) AfterFunc(d time.Duration, fn func()) Timer {
	v.mu.Lock()
	defer v.mu.Unlock()
	if d < 0 {
		d = 0
	}
	v.seq++
	entry := &deadline{at: v.now.Add(d), seq: v.seq, fn: fn, owner: v}
	heap.Push(&v.queue, entry)
	return entry
}

// Advance moves time forward by d, running every callback that comes due,
// including callbacks scheduled by callbacks.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	target := v.now.Add(d)
	v.mu.Unlock()

	for {
		v.mu.Lock()
		if v.queue.Len() == 0 || v.queue[0].at.After(target) {
			v.now = target
			v.mu.Unlock()
			return
		}
		next := heap.Pop(&v.queue).(*deadline)
		next.fired = true
		if next.at.After(v.now) {
			v.now = next.at
		}
		v.mu.Unlock()
		next.fn()
	}
}

// Pending returns how many callbacks are waiting.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.queue.Len()
}

type deadline struct {
	at    time.Time
	seq   uint64
	fn    func()
	index int
	fired bool
	owner *Virtual
}

func (d *deadline) Stop() bool {
	v := d.owner
	v.mu.Lock()
	defer v.mu.Unlock()
	if d.fired || d.index < 0 {
		return false
	}
	heap.Remove(&v.queue, d.index)
	return true
}

type deadlineQueue []*deadline

func (q deadlineQueue) Len() int { return len(q) }

func (q deadlineQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q deadlineQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineQueue) Push(x any) {
	d := x.(*deadline)
	d.index = len(*q)
	*q = append(*q, d)
}

func (q *deadlineQueue) Pop() any {
	old := *q
	n := len(old)
	d := old[n-1]
	old[n-1] = nil
	d.index = -1
	*q = old[:n-1]
	return d
}
