package viewport

import (
	"sync"
	"time"

	"github.com/adamavenir/threadline/internal/sched"
)

// VisibleRatio returns the fraction of it inside [top, top+height).
func VisibleRatio(it Item, top, height float64) float64 {
	if it.Height <= 0 {
		return 0
	}
	lo := max(it.Top, top)
	hi := min(it.Bottom(), top+height)
	if hi <= lo {
		return 0
	}
	return (hi - lo) / it.Height
}

// Visibility reports a message as seen once it has stayed at least Ratio
// visible for Dwell. Each message is reported once.
type Visibility struct {
	sched  sched.Scheduler
	dwell  time.Duration
	ratio  float64
	onSeen func(id string)

	mu     sync.Mutex
	timers map[string]sched.Timer
	seen   map[string]struct{}
}

// NewVisibility creates a tracker that calls onSeen for each seen message.
func NewVisibility(s sched.Scheduler, dwell time.Duration, ratio float64, onSeen func(id string)) *Visibility {
	if s == nil {
		s = sched.Wall()
	}
	if dwell <= 0 {
		dwell = 300 * time.Millisecond
	}
	if ratio <= 0 {
		ratio = 0.6
	}
	return &Visibility{
		sched:  s,
		dwell:  dwell,
		ratio:  ratio,
		onSeen: onSeen,
		timers: make(map[string]sched.Timer),
		seen:   make(map[string]struct{}),
	}
}

// Observe records the visible ratio of a message.
func (v *Visibility) Observe(id string, ratio float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, done := v.seen[id]; done {
		return
	}
	t, waiting := v.timers[id]
	if ratio < v.ratio {
		if waiting {
			t.Stop()
			delete(v.timers, id)
		}
		return
	}
	if waiting {
		return
	}
	v.timers[id] = v.sched.AfterFunc(v.dwell, func() { v.fire(id) })
}

func (v *Visibility) fire(id string) {
	v.mu.Lock()
	if _, ok := v.timers[id]; !ok {
		v.mu.Unlock()
		return
	}
	delete(v.timers, id)
	v.seen[id] = struct{}{}
	v.mu.Unlock()
	v.onSeen(id)
}

// ObserveLayout feeds every rendered item of l through Observe.
func (v *Visibility) ObserveLayout(l Layout) {
	top, height := l.ScrollTop(), l.ViewportHeight()
	for _, it := range l.Items() {
		v.Observe(it.ID, VisibleRatio(it, top, height))
	}
}

// Seen reports whether id was already reported.
func (v *Visibility) Seen(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.seen[id]
	return ok
}

// Stop cancels waiting timers. Messages not yet reported stay unseen.
func (v *Visibility) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, t := range v.timers {
		t.Stop()
		delete(v.timers, id)
	}
}
