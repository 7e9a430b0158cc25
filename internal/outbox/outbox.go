// Package outbox holds messages that could not be sent and retries them with
// bounded concurrency until the server confirms them.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/adamavenir/threadline/internal/api"
	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/sched"
	"github.com/adamavenir/threadline/internal/storage"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
)

// State is where an entry is in its delivery cycle.
type State string

const (
	StateQueued    State = "queued"
	StateInFlight  State = "in-flight"
	StateScheduled State = "scheduled"
)

// Deliverer sends one entry. A nil error means the server confirmed it.
type Deliverer interface {
	Deliver(ctx context.Context, entry types.OutboxEntry) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, entry types.OutboxEntry) error

func (f DelivererFunc) Deliver(ctx context.Context, entry types.OutboxEntry) error {
	return f(ctx, entry)
}

// UploadDiscarder forgets partial uploads for a message.
type UploadDiscarder interface {
	DiscardMessage(ctx context.Context, clientTempID string) error
}

// Observer receives queue events.
type Observer interface {
	Enqueued()
	Delivered()
	Failed(permanent bool)
	Depth(queued, inFlight, scheduled int)
}

type nopObserver struct{}

func (nopObserver) Enqueued()           {}
func (nopObserver) Delivered()          {}
func (nopObserver) Failed(bool)         {}
func (nopObserver) Depth(int, int, int) {}

// Options configures a Manager.
type Options struct {
	Store       storage.Store
	Deliverer   Deliverer
	Scheduler   sched.Scheduler
	MaxInFlight int
	BaseDelay   time.Duration
	// ResumeVideo keeps partial video uploads across retries. When false a
	// retried video starts again from the first chunk.
	ResumeVideo bool
	Uploads     UploadDiscarder
	Online      bool
	Timeout     time.Duration
	Logger      *slog.Logger
	Observer    Observer
	// OnDropped is called when an entry is dropped after a permanent error.
	OnDropped func(entry types.OutboxEntry, err error)
	// OnDelivered is called after the server confirmed an entry.
	OnDelivered func(entry types.OutboxEntry)
}

type item struct {
	entry types.OutboxEntry
	state State
}

// Manager is the durable retry queue.
type Manager struct {
	opts    Options
	log     *slog.Logger
	obs     Observer
	backoff backoff.BackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	storeMu sync.Mutex

	mu       sync.Mutex
	items    map[string]*item
	queue    []string
	timers   map[string]sched.Timer
	inFlight int
	online   bool
	closed   bool
}

// New creates a manager. Call Restore to pick up persisted entries.
func New(opts Options) *Manager {
	if opts.Scheduler == nil {
		opts.Scheduler = sched.Wall()
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 2
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 800 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		log:     logging.OrDefault(opts.Logger).With("component", "outbox"),
		obs:     obs,
		backoff: backoff.NewConstantBackOff(2 * opts.BaseDelay),
		ctx:     ctx,
		cancel:  cancel,
		items:   make(map[string]*item),
		timers:  make(map[string]sched.Timer),
		online:  opts.Online,
	}
}

// ContentHash fingerprints a payload for entries without a temp id.
func ContentHash(threadID string, p types.SendPayload) string {
	d := xxhash.New()
	for _, s := range []string{threadID, string(p.MessageType), p.Text, p.ReplyToID} {
		_, _ = d.WriteString(s)
		_, _ = d.Write([]byte{0})
	}
	for _, a := range p.Attachments {
		_, _ = d.WriteString(a.ID)
		_, _ = d.Write([]byte{0})
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// DedupKey picks the entry key: temp id, then content hash, then server id.
func DedupKey(e types.OutboxEntry) string {
	if e.Payload.ClientTempID != "" {
		return e.Payload.ClientTempID
	}
	if e.Hash != "" {
		return e.Hash
	}
	if e.Payload.Text != "" || len(e.Payload.Attachments) > 0 || len(e.Files) > 0 {
		return ContentHash(e.ThreadID, e.Payload)
	}
	return e.ServerID
}

// Enqueue persists and queues an entry. It reports false when an entry
// with the same key is already held. The entry becomes drainable only once
// its record is durable; a failed write is returned and nothing is held.
func (m *Manager) Enqueue(ctx context.Context, entry types.OutboxEntry) (bool, error) {
	key := DedupKey(entry)
	if key == "" {
		return false, errors.New("outbox: entry has no identity")
	}
	entry.Key = key
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = m.opts.Scheduler.Now()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false, errors.New("outbox: closed")
	}
	if _, ok := m.items[key]; ok {
		m.mu.Unlock()
		return false, nil
	}
	it := &item{entry: entry, state: StateQueued}
	m.items[key] = it
	m.mu.Unlock()

	if err := m.persist(ctx, it, entry); err != nil {
		m.mu.Lock()
		if m.items[key] == it {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return false, fmt.Errorf("persist outbox entry %s: %w", key, err)
	}

	m.mu.Lock()
	if m.items[key] == it && it.state == StateQueued {
		m.queue = append(m.queue, key)
	}
	m.mu.Unlock()

	m.obs.Enqueued()
	m.drain()
	return true, nil
}

// Restore loads persisted entries and starts draining them in enqueue
// order.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.opts.Store == nil {
		return 0, nil
	}
	keys, err := m.opts.Store.Keys(ctx, storage.BucketOutbox)
	if err != nil {
		return 0, fmt.Errorf("list outbox: %w", err)
	}
	var loaded []types.OutboxEntry
	for _, key := range keys {
		var e types.OutboxEntry
		found, err := m.opts.Store.Get(ctx, storage.BucketOutbox, key, &e)
		if err != nil {
			m.log.Warn("skip unreadable outbox entry", "key", key, "error", err)
			continue
		}
		if !found {
			continue
		}
		e.Key = key
		loaded = append(loaded, e)
	}
	sort.SliceStable(loaded, func(i, j int) bool { return loaded[i].EnqueuedAt.Before(loaded[j].EnqueuedAt) })

	m.mu.Lock()
	n := 0
	for _, e := range loaded {
		if _, ok := m.items[e.Key]; ok {
			continue
		}
		m.items[e.Key] = &item{entry: e, state: StateQueued}
		m.queue = append(m.queue, e.Key)
		n++
	}
	m.mu.Unlock()

	if n > 0 {
		m.log.Info("restored outbox", "entries", n)
	}
	m.drain()
	return n, nil
}

// SetOnline opens or closes the delivery gate. Opening it starts a drain.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
	if online {
		m.drain()
	}
}

// Kick starts a drain if the gate is open.
func (m *Manager) Kick() {
	m.drain()
}

// Has reports whether key is held.
func (m *Manager) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok
}

// Len returns the number of held entries.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Entry is a held entry and its state.
type Entry struct {
	types.OutboxEntry
	State State
}

// Entries lists held entries in enqueue order.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	out := make([]Entry, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, Entry{OutboxEntry: it.entry, State: it.state})
	}
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Remove drops an entry that is not in flight.
func (m *Manager) Remove(ctx context.Context, key string) bool {
	m.mu.Lock()
	it, ok := m.items[key]
	if !ok || it.state == StateInFlight {
		m.mu.Unlock()
		return false
	}
	m.forgetLocked(key)
	m.mu.Unlock()
	m.unpersist(ctx, key)
	return true
}

// Close stops retry timers and waits for in-flight deliveries to return.
// Entries stay persisted.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for key, t := range m.timers {
		t.Stop()
		delete(m.timers, key)
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) drain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.online && !m.closed && m.inFlight < m.opts.MaxInFlight && len(m.queue) > 0 {
		key := m.queue[0]
		m.queue = m.queue[1:]
		it, ok := m.items[key]
		if !ok || it.state != StateQueued {
			continue
		}
		it.state = StateInFlight
		m.inFlight++
		m.wg.Add(1)
		go m.deliver(it.entry)
	}
	m.reportLocked()
}

func (m *Manager) deliver(entry types.OutboxEntry) {
	defer m.wg.Done()
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.Timeout)
	err := m.opts.Deliverer.Deliver(ctx, entry)
	cancel()

	m.mu.Lock()
	m.inFlight--
	it, ok := m.items[entry.Key]
	if !ok {
		m.mu.Unlock()
		m.drain()
		return
	}

	switch {
	case err == nil:
		m.forgetLocked(entry.Key)
		m.mu.Unlock()
		m.unpersist(context.Background(), entry.Key)
		m.obs.Delivered()
		if m.opts.OnDelivered != nil {
			m.opts.OnDelivered(entry)
		}

	case api.IsPermanent(err):
		m.forgetLocked(entry.Key)
		m.mu.Unlock()
		m.unpersist(context.Background(), entry.Key)
		m.obs.Failed(true)
		m.log.Warn("dropping undeliverable message", "key", entry.Key, "error", err)
		if m.opts.OnDropped != nil {
			m.opts.OnDropped(entry, err)
		}

	case m.ctx.Err() != nil:
		it.state = StateQueued
		m.mu.Unlock()

	default:
		it.entry.Attempts++
		it.state = StateScheduled
		retry := it.entry
		m.mu.Unlock()

		m.obs.Failed(false)
		m.log.Info("send failed, will retry", "key", entry.Key, "attempts", retry.Attempts, "error", err)
		if retry.HasVideo() && !m.opts.ResumeVideo && m.opts.Uploads != nil {
			if err := m.opts.Uploads.DiscardMessage(context.Background(), retry.Payload.ClientTempID); err != nil {
				m.log.Warn("reset video upload", "key", entry.Key, "error", err)
			}
		}
		if err := m.persist(context.Background(), it, retry); err != nil {
			m.log.Warn("persist outbox entry", "key", entry.Key, "error", err)
		}

		// The timer starts only once the record is durable.
		m.mu.Lock()
		if cur, ok := m.items[entry.Key]; ok && cur == it && it.state == StateScheduled {
			m.scheduleLocked(entry.Key)
		}
		m.mu.Unlock()
	}
	m.drain()
}

func (m *Manager) scheduleLocked(key string) {
	if _, ok := m.timers[key]; ok || m.closed {
		return
	}
	delay := m.backoff.NextBackOff()
	m.timers[key] = m.opts.Scheduler.AfterFunc(delay, func() { m.requeue(key) })
}

func (m *Manager) requeue(key string) {
	m.mu.Lock()
	delete(m.timers, key)
	it, ok := m.items[key]
	if !ok || it.state != StateScheduled || m.closed {
		m.mu.Unlock()
		return
	}
	it.state = StateQueued
	m.queue = append(m.queue, key)
	m.mu.Unlock()
	m.drain()
}

func (m *Manager) forgetLocked(key string) {
	delete(m.items, key)
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	kept := m.queue[:0]
	for _, k := range m.queue {
		if k != key {
			kept = append(kept, k)
		}
	}
	m.queue = kept
}

func (m *Manager) reportLocked() {
	var scheduled int
	for _, it := range m.items {
		if it.state == StateScheduled {
			scheduled++
		}
	}
	m.obs.Depth(len(m.items)-m.inFlight-scheduled, m.inFlight, scheduled)
}

// persist writes e while it is still the entry held under its key. Store
// writes are serialized so a forgotten entry's delete always lands after
// any write that raced with it.
func (m *Manager) persist(ctx context.Context, it *item, e types.OutboxEntry) error {
	if m.opts.Store == nil {
		return nil
	}
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	m.mu.Lock()
	held := m.items[e.Key] == it
	m.mu.Unlock()
	if !held {
		return nil
	}
	return m.opts.Store.Put(ctx, storage.BucketOutbox, e.Key, e)
}

func (m *Manager) unpersist(ctx context.Context, key string) {
	if m.opts.Store == nil {
		return
	}
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	if err := m.opts.Store.Delete(ctx, storage.BucketOutbox, key); err != nil {
		m.log.Warn("delete outbox entry", "key", key, "error", err)
	}
}
