// Package receipts batches delivered and read acknowledgments.
package receipts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adamavenir/threadline/internal/adapter"
	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/sched"
	"github.com/adamavenir/threadline/internal/types"
)

// Kind is the receipt type.
type Kind string

const (
	Delivered Kind = "delivered"
	Read      Kind = "read"
)

// Sender posts receipts.
type Sender interface {
	MarkBatch(ctx context.Context, path, threadID string, ids []string) error
	MarkRead(ctx context.Context, path, lastID string) error
}

// Store is the subset of the timeline the tracker touches.
type Store interface {
	Get(id string) (types.Message, bool)
	UpgradeStatus(id string, status types.DeliveryStatus) bool
}

// Options configures a Tracker.
type Options struct {
	Adapter         adapter.Adapter
	Sender          Sender
	Store           Store
	Scheduler       sched.Scheduler
	ThreadID        string
	UserID          string
	DeliveredWindow time.Duration
	ReadWindow      time.Duration
	Timeout         time.Duration
	Logger          *slog.Logger
	// Observe is called after each flush attempt.
	Observe func(kind Kind, ids int, err error)
}

// Tracker dedupes receipts per message and flushes them in batches.
type Tracker struct {
	opts    Options
	log     *slog.Logger
	observe func(Kind, int, error)

	delivered *sched.Batcher[string]
	read      *sched.Batcher[string]

	mu     sync.Mutex
	marked map[Kind]map[string]struct{}
	closed bool
}

// New creates a tracker for one thread.
func New(opts Options) *Tracker {
	if opts.Scheduler == nil {
		opts.Scheduler = sched.Wall()
	}
	if opts.DeliveredWindow <= 0 {
		opts.DeliveredWindow = 250 * time.Millisecond
	}
	if opts.ReadWindow <= 0 {
		opts.ReadWindow = 400 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	t := &Tracker{
		opts:    opts,
		log:     logging.OrDefault(opts.Logger).With("component", "receipts", "thread", opts.ThreadID),
		observe: opts.Observe,
		marked: map[Kind]map[string]struct{}{
			Delivered: {},
			Read:      {},
		},
	}
	if t.observe == nil {
		t.observe = func(Kind, int, error) {}
	}
	t.delivered = sched.NewBatcher(opts.Scheduler, opts.DeliveredWindow, func(ids []string) { t.flush(Delivered, ids) })
	t.read = sched.NewBatcher(opts.Scheduler, opts.ReadWindow, func(ids []string) { t.flush(Read, ids) })
	return t
}

// MarkDelivered queues a delivered receipt. Own messages and messages
// already marked are ignored.
func (t *Tracker) MarkDelivered(m types.Message) bool {
	if !t.claim(Delivered, m) {
		return false
	}
	return t.delivered.Add(m.ID)
}

// MarkRead queues a read receipt and shows the message as read right away.
func (t *Tracker) MarkRead(m types.Message) bool {
	if !t.claim(Read, m) {
		return false
	}
	if t.opts.Store != nil {
		t.opts.Store.UpgradeStatus(m.ID, types.StatusRead)
	}
	return t.read.Add(m.ID)
}

func (t *Tracker) claim(kind Kind, m types.Message) bool {
	if m.ID == "" || m.Pending() || m.Sender.ID == t.opts.UserID {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if _, ok := t.marked[kind][m.ID]; ok {
		return false
	}
	t.marked[kind][m.ID] = struct{}{}
	return true
}

// Flush sends both open batches now.
func (t *Tracker) Flush() {
	t.delivered.Flush()
	t.read.Flush()
}

// Close flushes pending receipts and stops accepting new ones.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.Flush()
}

func (t *Tracker) flush(kind Kind, ids []string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.Timeout)
	defer cancel()

	err := t.send(ctx, kind, ids)
	t.observe(kind, len(ids), err)
	if err == nil {
		return
	}
	t.log.Warn("receipt flush failed", "kind", kind, "ids", len(ids), "error", err)
	// Forget the ids so a later mark can queue them again.
	t.mu.Lock()
	for _, id := range ids {
		delete(t.marked[kind], id)
	}
	t.mu.Unlock()
}

func (t *Tracker) send(ctx context.Context, kind Kind, ids []string) error {
	a := t.opts.Adapter
	path := a.MarkSeenBatch()
	if kind == Delivered {
		path = a.MarkDeliveredBatch()
	}
	if a.Capabilities().Has(adapter.CapBatching) && path != "" {
		return t.opts.Sender.MarkBatch(ctx, path, t.opts.ThreadID, ids)
	}

	// No batch endpoint: reads collapse into a mark-read up to the newest
	// id; the server infers delivery.
	if kind == Delivered || !a.Capabilities().Has(adapter.CapMarkRead) {
		return nil
	}
	return t.opts.Sender.MarkRead(ctx, a.MarkRead(t.opts.ThreadID), t.newest(ids))
}

func (t *Tracker) newest(ids []string) string {
	last := ids[len(ids)-1]
	if t.opts.Store == nil {
		return last
	}
	var lastAt time.Time
	for _, id := range ids {
		m, ok := t.opts.Store.Get(id)
		if !ok {
			continue
		}
		if m.CreatedAt.After(lastAt) || (m.CreatedAt.Equal(lastAt) && m.ID > last) {
			last, lastAt = m.ID, m.CreatedAt
		}
	}
	return last
}
