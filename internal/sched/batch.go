package sched

import (
	"sync"
	"time"
)

// Batcher accumulates distinct keys and hands them to flush as one batch
// window after the first key of the batch arrived.
type Batcher[K comparable] struct {
	mu     sync.Mutex
	sched  Scheduler
	window time.Duration
	flush  func([]K)
	items  []K
	set    map[K]struct{}
	timer  Timer
	gen    uint64
}

// NewBatcher creates a batcher that calls flush with each batch.
func NewBatcher[K comparable](s Scheduler, window time.Duration, flush func([]K)) *Batcher[K] {
	return &Batcher[K]{
		sched:  s,
		window: window,
		flush:  flush,
		set:    make(map[K]struct{}),
	}
}

// Add queues key. It returns false when key is already in the open batch.
func (b *Batcher[K]) Add(key K) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.set[key]; ok {
		return false
	}
	b.set[key] = struct{}{}
	b.items = append(b.items, key)
	if b.timer == nil {
		b.gen++
		gen := b.gen
		b.timer = b.sched.AfterFunc(b.window, func() { b.fire(gen) })
	}
	return true
}

// Len returns the size of the open batch.
func (b *Batcher[K]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *Batcher[K]) fire(gen uint64) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	items := b.takeLocked()
	b.mu.Unlock()
	if len(items) > 0 {
		b.flush(items)
	}
}

// Flush sends the open batch immediately.
func (b *Batcher[K]) Flush() {
	b.mu.Lock()
	items := b.takeLocked()
	b.mu.Unlock()
	if len(items) > 0 {
		b.flush(items)
	}
}

func (b *Batcher[K]) takeLocked() []K {
	items := b.items
	b.items = nil
	b.set = make(map[K]struct{})
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return items
}
