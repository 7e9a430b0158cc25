// Package timeline holds the ordered, deduplicated message list for one
// thread.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adamavenir/threadline/internal/adapter"
	"github.com/adamavenir/threadline/internal/api"
	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/adamavenir/threadline/internal/wire"
)

// ErrFetch marks history load failures. Use errors.Is to detect it.
var ErrFetch = errors.New("timeline: fetch failed")

// ErrNoMoreHistory is returned by LoadOlder when the oldest page was reached.
var ErrNoMoreHistory = errors.New("timeline: no older messages")

// FetchError is a retryable history load failure for a thread.
type FetchError struct {
	ThreadID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("load thread %s: %v", e.ThreadID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Fetcher loads a history page.
type Fetcher interface {
	FetchPage(ctx context.Context, path string) (api.Page, error)
}

// Options configures a Store.
type Options struct {
	Adapter adapter.Adapter
	Fetcher Fetcher
	Decoder wire.Decoder
	// Reveal, when set, rewrites every fetched message before it is merged.
	Reveal func(types.Message) types.Message
	Logger *slog.Logger
}

// Store is the message list for the active thread. Every mutation replaces
// the list with a new slice; readers only ever receive copies.
type Store struct {
	adapter adapter.Adapter
	fetcher Fetcher
	decoder wire.Decoder
	reveal  func(types.Message) types.Message
	log     *slog.Logger

	mu        sync.Mutex
	threadID  string
	gen       uint64
	msgs      []types.Message
	cursor    string
	hasMore   bool
	listeners map[int]func([]types.Message)
	nextSub   int
}

// New creates an empty store.
func New(opts Options) *Store {
	return &Store{
		adapter:   opts.Adapter,
		fetcher:   opts.Fetcher,
		decoder:   opts.Decoder,
		reveal:    opts.Reveal,
		log:       logging.OrDefault(opts.Logger).With("component", "timeline"),
		listeners: make(map[int]func([]types.Message)),
	}
}

// ThreadID returns the thread currently held by the store.
func (s *Store) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Switch points the store at threadID and drops the previous thread's
// messages. In-flight loads for the previous thread are discarded when they
// complete.
func (s *Store) Switch(threadID string) {
	s.mu.Lock()
	changed := s.threadID != threadID
	s.gen++
	if changed {
		s.threadID = threadID
		s.msgs = nil
		s.cursor = ""
		s.hasMore = false
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// Hydrate seeds an empty store with cached messages for the current thread.
// It is a no-op once the store holds anything.
func (s *Store) Hydrate(threadID string, cached []types.Message) bool {
	s.mu.Lock()
	if s.threadID != threadID || len(s.msgs) > 0 || len(cached) == 0 {
		s.mu.Unlock()
		return false
	}
	s.msgs = Reconcile(nil, cached...)
	s.mu.Unlock()
	s.notify()
	return true
}

// LoadInitial fetches the newest page for threadID and replaces the store
// contents with it. Pending local messages survive the replacement.
func (s *Store) LoadInitial(ctx context.Context, threadID string) error {
	s.Switch(threadID)
	gen := s.generation()

	page, msgs, err := s.fetch(ctx, s.adapter.ListMessages(threadID))
	if err != nil {
		return &FetchError{ThreadID: threadID, Err: err}
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug("discard stale page", "thread", threadID)
		return nil
	}
	// Keep pending messages, and anything confirmed after the page was cut.
	var newest time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	var keep []types.Message
	for _, m := range s.msgs {
		if m.Pending() || (len(msgs) > 0 && m.CreatedAt.After(newest)) {
			keep = append(keep, m)
		}
	}
	s.msgs = Reconcile(keep, msgs...)
	s.cursor = page.Next
	s.hasMore = page.HasMore
	s.mu.Unlock()

	s.notify()
	return nil
}

// LoadOlder fetches the page before the current cursor and merges it. It
// returns the number of messages added.
func (s *Store) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	threadID, cursor, hasMore, gen := s.threadID, s.cursor, s.hasMore, s.gen
	s.mu.Unlock()
	if threadID == "" || !hasMore || cursor == "" {
		return 0, ErrNoMoreHistory
	}

	page, msgs, err := s.fetch(ctx, s.adapter.ListMessagesOlder(threadID, cursor))
	if err != nil {
		return 0, &FetchError{ThreadID: threadID, Err: err}
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug("discard stale older page", "thread", threadID)
		return 0, nil
	}
	before := len(s.msgs)
	s.msgs = Reconcile(s.msgs, msgs...)
	added := len(s.msgs) - before
	s.cursor = page.Next
	s.hasMore = page.HasMore
	s.mu.Unlock()

	s.notify()
	return added, nil
}

func (s *Store) fetch(ctx context.Context, path string) (api.Page, []types.Message, error) {
	if s.fetcher == nil {
		return api.Page{}, nil, errors.New("no fetcher configured")
	}
	page, err := s.fetcher.FetchPage(ctx, path)
	if err != nil {
		return api.Page{}, nil, err
	}
	dec := s.decoder
	if dec.ThreadID == "" {
		dec.ThreadID = s.ThreadID()
	}
	msgs, err := dec.Messages(page.Messages)
	if err != nil {
		return api.Page{}, nil, err
	}
	if s.reveal != nil {
		for i := range msgs {
			msgs[i] = s.reveal(msgs[i])
		}
	}
	return page, msgs, nil
}

func (s *Store) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// HasMore reports whether older history is available.
func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

// Append inserts a message without creating a duplicate.
func (s *Store) Append(m types.Message) {
	s.Reconcile([]types.Message{m})
}

// Reconcile merges authoritative messages into the store. Messages for a
// different thread are ignored.
func (s *Store) Reconcile(batch []types.Message) {
	s.mu.Lock()
	keep := batch[:0:0]
	for _, m := range batch {
		if m.ThreadID == "" || s.threadID == "" || m.ThreadID == s.threadID {
			keep = append(keep, m)
		}
	}
	if len(keep) == 0 {
		s.mu.Unlock()
		return
	}
	s.msgs = Reconcile(s.msgs, keep...)
	s.mu.Unlock()
	s.notify()
}

// UpdatePatch applies patch to the message with id (server id or temp id).
// It reports false when the message is not present.
func (s *Store) UpdatePatch(id string, patch types.MessagePatch) bool {
	s.mu.Lock()
	next, ok := Patch(s.msgs, id, patch)
	if ok {
		s.msgs = next
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// UpgradeStatus moves a message's status forward. It never downgrades.
func (s *Store) UpgradeStatus(id string, status types.DeliveryStatus) bool {
	s.mu.Lock()
	i := find(s.msgs, id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	cur := s.msgs[i].Status
	next := cur.Upgrade(status)
	if next == cur {
		s.mu.Unlock()
		return false
	}
	s.msgs, _ = Patch(s.msgs, id, types.StatusPatch(next))
	s.mu.Unlock()
	s.notify()
	return true
}

// MarkSeen records that userID saw the message at at.
func (s *Store) MarkSeen(id, userID string, at time.Time) bool {
	s.mu.Lock()
	i := find(s.msgs, id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	next := make([]types.Message, len(s.msgs))
	copy(next, s.msgs)
	m := next[i].Clone()
	if m.SeenBy == nil {
		m.SeenBy = make(map[string]time.Time, 1)
	}
	m.SeenBy[userID] = at
	if userID != m.Sender.ID {
		m.Status = m.Status.Upgrade(types.StatusRead)
	}
	next[i] = m
	s.msgs = next
	s.mu.Unlock()
	s.notify()
	return true
}

// SoftDelete marks a message deleted for everyone. The body is dropped but
// the entry stays in the timeline.
func (s *Store) SoftDelete(id string, at time.Time) bool {
	empty := ""
	none := []types.Attachment{}
	return s.UpdatePatch(id, types.MessagePatch{
		Text:        &empty,
		Attachments: &none,
		DeletedAt:   types.OptionalTime{Set: true, Value: &at},
	})
}

// DeleteForMe removes a message from the local timeline.
func (s *Store) DeleteForMe(id string) bool {
	s.mu.Lock()
	next, ok := Remove(s.msgs, id)
	if ok {
		s.msgs = next
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// Restore puts back a message removed by DeleteForMe.
func (s *Store) Restore(m types.Message) {
	s.Append(m)
}

// Get returns a copy of the message with id (server id or temp id).
func (s *Store) Get(id string) (types.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := find(s.msgs, id)
	if i < 0 {
		return types.Message{}, false
	}
	return s.msgs[i].Clone(), true
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Snapshot returns a deep copy of the ordered list.
func (s *Store) Snapshot() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return snapshot(s.msgs)
}

// Last returns up to n of the newest messages.
func (s *Store) Last(n int) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.msgs) - n
	if start < 0 {
		start = 0
	}
	return snapshot(s.msgs[start:])
}

func snapshot(list []types.Message) []types.Message {
	out := make([]types.Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned func removes the subscription.
func (s *Store) Subscribe(fn func([]types.Message)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify() {
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	fns := make([]func([]types.Message), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	snap := snapshot(s.msgs)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}
