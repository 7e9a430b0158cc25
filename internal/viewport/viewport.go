// Package viewport keeps the reading position stable across history
// prepends, tracks whether the list is pinned to the bottom, and reports
// messages that stayed on screen long enough to count as seen.
package viewport

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/sched"
	"github.com/adamavenir/threadline/internal/storage"
)

// Item is the rendered geometry of one message, in content coordinates.
type Item struct {
	ID     string
	Top    float64
	Height float64
}

// Bottom returns the item's bottom edge.
func (i Item) Bottom() float64 { return i.Top + i.Height }

// Layout is the rendered message list.
type Layout interface {
	// Items returns the rendered messages ordered top to bottom.
	Items() []Item
	ScrollTop() float64
	ViewportHeight() float64
	ContentHeight() float64
	ScrollTo(y float64)
}

// Anchor records where a message sat relative to the viewport top.
type Anchor struct {
	ID     string
	Offset float64
}

// Options configures a Coordinator.
type Options struct {
	Layout       Layout
	Scheduler    sched.Scheduler
	Store        storage.Store
	ThreadID     string
	NearBottomPx float64
	HighlightFor time.Duration
	SaveDebounce time.Duration
	Logger       *slog.Logger
}

// Coordinator manages scroll state for one thread view.
type Coordinator struct {
	layout    Layout
	sched     sched.Scheduler
	store     storage.Store
	threadID  string
	threshold float64
	highlight time.Duration
	log       *slog.Logger
	save      *sched.Debouncer

	mu          sync.Mutex
	nearBottom  bool
	highlighted string
	hlTimer     sched.Timer
}

// New creates a coordinator. The view starts pinned to the bottom.
func New(opts Options) *Coordinator {
	if opts.Scheduler == nil {
		opts.Scheduler = sched.Wall()
	}
	if opts.NearBottomPx <= 0 {
		opts.NearBottomPx = 80
	}
	if opts.HighlightFor <= 0 {
		opts.HighlightFor = 1600 * time.Millisecond
	}
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = 200 * time.Millisecond
	}
	c := &Coordinator{
		layout:     opts.Layout,
		sched:      opts.Scheduler,
		store:      opts.Store,
		threadID:   opts.ThreadID,
		threshold:  opts.NearBottomPx,
		highlight:  opts.HighlightFor,
		log:        logging.OrDefault(opts.Logger).With("component", "viewport", "thread", opts.ThreadID),
		nearBottom: true,
	}
	c.save = sched.NewDebouncer(opts.Scheduler, opts.SaveDebounce, c.savePosition)
	return c
}

// OnScroll updates the near-bottom flag after the user scrolled.
func (c *Coordinator) OnScroll() {
	near := c.distanceFromBottom() <= c.threshold
	c.mu.Lock()
	c.nearBottom = near
	c.mu.Unlock()
	if c.store != nil {
		c.save.Trigger()
	}
}

// NearBottom reports whether new messages should scroll the view.
func (c *Coordinator) NearBottom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nearBottom
}

func (c *Coordinator) distanceFromBottom() float64 {
	l := c.layout
	return l.ContentHeight() - (l.ScrollTop() + l.ViewportHeight())
}

// OnAppend scrolls to the end when the view is pinned to the bottom. It
// reports whether it scrolled.
func (c *Coordinator) OnAppend() bool {
	if !c.NearBottom() {
		return false
	}
	c.ScrollToBottom()
	return true
}

// ScrollToBottom jumps to the end of the list.
func (c *Coordinator) ScrollToBottom() {
	l := c.layout
	c.layout.ScrollTo(math.Max(0, l.ContentHeight()-l.ViewportHeight()))
	c.mu.Lock()
	c.nearBottom = true
	c.mu.Unlock()
}

// CaptureAnchor finds the top-most message whose top edge is in view, or the
// message covering the viewport top when none is.
func (c *Coordinator) CaptureAnchor() (Anchor, bool) {
	top := c.layout.ScrollTop()
	bottom := top + c.layout.ViewportHeight()
	var covering *Item
	for _, it := range c.layout.Items() {
		if it.Top >= top && it.Top < bottom {
			return Anchor{ID: it.ID, Offset: it.Top - top}, true
		}
		if it.Top < top && it.Bottom() > top {
			covering = &it
		}
	}
	if covering != nil {
		return Anchor{ID: covering.ID, Offset: covering.Top - top}, true
	}
	return Anchor{}, false
}

// RestoreAnchor scrolls so the anchored message is back at its recorded
// offset.
func (c *Coordinator) RestoreAnchor(a Anchor) bool {
	it, ok := c.find(a.ID)
	if !ok {
		return false
	}
	top := c.layout.ScrollTop()
	delta := (it.Top - top) - a.Offset
	if delta != 0 {
		c.layout.ScrollTo(top + delta)
	}
	return true
}

// Prepend captures the anchor, runs apply (which inserts older messages and
// re-lays out the list), then restores the anchor.
func (c *Coordinator) Prepend(apply func()) {
	a, ok := c.CaptureAnchor()
	apply()
	if ok && !c.RestoreAnchor(a) {
		c.log.Debug("anchor lost after prepend", "anchor", a.ID)
	}
}

// ScrollToMessage centers id in the viewport and highlights it for a short
// time.
func (c *Coordinator) ScrollToMessage(id string) bool {
	it, ok := c.find(id)
	if !ok {
		return false
	}
	y := it.Top - (c.layout.ViewportHeight()-it.Height)/2
	c.layout.ScrollTo(math.Max(0, y))

	c.mu.Lock()
	c.nearBottom = c.distanceFromBottom() <= c.threshold
	if c.hlTimer != nil {
		c.hlTimer.Stop()
	}
	c.highlighted = id
	c.hlTimer = c.sched.AfterFunc(c.highlight, func() { c.clearHighlight(id) })
	c.mu.Unlock()
	return true
}

func (c *Coordinator) clearHighlight(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.highlighted == id {
		c.highlighted = ""
		c.hlTimer = nil
	}
}

// Highlighted returns the highlighted message id, if any.
func (c *Coordinator) Highlighted() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highlighted
}

func (c *Coordinator) find(id string) (Item, bool) {
	for _, it := range c.layout.Items() {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// RestorePosition scrolls to the persisted offset for the thread.
func (c *Coordinator) RestorePosition(ctx context.Context) bool {
	if c.store == nil {
		return false
	}
	var y int
	found, err := c.store.Get(ctx, storage.BucketScroll, c.threadID, &y)
	if err != nil {
		c.log.Warn("load scroll position", "error", err)
		return false
	}
	if !found {
		return false
	}
	c.layout.ScrollTo(float64(y))
	c.OnScroll()
	c.save.Cancel()
	return true
}

func (c *Coordinator) savePosition() {
	if c.store == nil {
		return
	}
	y := int(math.Round(c.layout.ScrollTop()))
	if err := c.store.Put(context.Background(), storage.BucketScroll, c.threadID, y); err != nil {
		c.log.Warn("save scroll position", "error", err)
	}
}

// Close writes a pending scroll position and drops the highlight timer.
func (c *Coordinator) Close() {
	c.save.Flush()
	c.mu.Lock()
	if c.hlTimer != nil {
		c.hlTimer.Stop()
		c.hlTimer = nil
	}
	c.mu.Unlock()
}
