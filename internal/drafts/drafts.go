// Package drafts keeps per-thread composition state in memory and persists
// it after a quiet period.
package drafts

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/sched"
	"github.com/adamavenir/threadline/internal/seal"
	"github.com/adamavenir/threadline/internal/storage"
	"github.com/adamavenir/threadline/internal/types"
)

// record is the persisted form of a draft.
type record struct {
	ThreadID    string          `json:"threadId"`
	Text        string          `json:"text"`
	ReplyToID   string          `json:"replyToId,omitempty"`
	Attachments []types.FileRef `json:"attachments"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Encrypted   bool            `json:"encrypted,omitempty"`
}

// Options configures a Manager.
type Options struct {
	Small     storage.Store
	Blob      storage.Store
	Scheduler sched.Scheduler
	Debounce  time.Duration
	// LargeThreshold is the text length in characters above which a draft
	// goes to the blob store.
	LargeThreshold int
	Cipher         seal.Cipher
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Manager owns the draft of the active thread.
type Manager struct {
	tiers    storage.Tiered
	sched    sched.Scheduler
	cipher   seal.Cipher
	timeout  time.Duration
	log      *slog.Logger
	debounce *sched.Debouncer

	mu    sync.Mutex
	draft types.Draft

	// saveMu orders writes so an older snapshot never lands after a newer one.
	saveMu sync.Mutex
}

// New creates a manager. Call Open before editing.
func New(opts Options) *Manager {
	if opts.Scheduler == nil {
		opts.Scheduler = sched.Wall()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 350 * time.Millisecond
	}
	if opts.LargeThreshold <= 0 {
		opts.LargeThreshold = 2000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	m := &Manager{
		tiers: storage.Tiered{
			Small:  opts.Small,
			Blob:   opts.Blob,
			Policy: storage.ThresholdPolicy(opts.LargeThreshold),
		},
		sched:   opts.Scheduler,
		cipher:  opts.Cipher,
		timeout: opts.Timeout,
		log:     logging.OrDefault(opts.Logger).With("component", "drafts"),
	}
	m.debounce = sched.NewDebouncer(opts.Scheduler, opts.Debounce, m.persist)
	return m
}

// Open flushes the current thread's pending write and loads threadID's draft.
func (m *Manager) Open(ctx context.Context, threadID string) types.Draft {
	m.debounce.Flush()
	d := m.load(ctx, threadID)
	m.mu.Lock()
	m.draft = d
	m.mu.Unlock()
	return cloneDraft(d)
}

// Load reads the persisted draft for threadID without making it active.
func (m *Manager) Load(ctx context.Context, threadID string) types.Draft {
	return m.load(ctx, threadID)
}

func (m *Manager) load(ctx context.Context, threadID string) types.Draft {
	empty := types.Draft{ThreadID: threadID, Attachments: []types.FileRef{}}

	var rec record
	found, err := m.tiers.Load(ctx, storage.BucketDrafts, threadID, &rec)
	if err != nil {
		m.log.Warn("load draft", "thread", threadID, "error", err)
	}
	if !found {
		return empty
	}

	text := rec.Text
	if rec.Encrypted {
		if m.cipher == nil {
			m.log.Warn("draft is encrypted but no cipher is configured", "thread", threadID)
			return empty
		}
		plain, err := m.cipher.Decrypt(rec.Text)
		if err != nil {
			m.log.Warn("decrypt draft", "thread", threadID, "error", err)
			return empty
		}
		text = plain
	}
	d := types.Draft{
		ThreadID:    threadID,
		Text:        text,
		ReplyToID:   rec.ReplyToID,
		Attachments: rec.Attachments,
		UpdatedAt:   rec.UpdatedAt,
	}
	if d.Attachments == nil {
		d.Attachments = []types.FileRef{}
	}
	return d
}

// Draft returns a copy of the active draft.
func (m *Manager) Draft() types.Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneDraft(m.draft)
}

// SetText replaces the draft text.
func (m *Manager) SetText(text string) {
	m.mutate(func(d *types.Draft) { d.Text = text })
}

// SetReplyTarget sets or clears (empty id) the message being replied to.
func (m *Manager) SetReplyTarget(messageID string) {
	m.mutate(func(d *types.Draft) { d.ReplyToID = messageID })
}

// AddAttachment adds a pending file. A file with the same id replaces the
// earlier one.
func (m *Manager) AddAttachment(f types.FileRef) {
	m.mutate(func(d *types.Draft) {
		for i := range d.Attachments {
			if d.Attachments[i].ID == f.ID {
				d.Attachments[i] = f
				return
			}
		}
		d.Attachments = append(d.Attachments, f)
	})
}

// RemoveAttachment drops the pending file with id.
func (m *Manager) RemoveAttachment(id string) {
	m.mutate(func(d *types.Draft) {
		kept := make([]types.FileRef, 0, len(d.Attachments))
		for _, f := range d.Attachments {
			if f.ID != id {
				kept = append(kept, f)
			}
		}
		d.Attachments = kept
	})
}

func (m *Manager) mutate(fn func(d *types.Draft)) {
	m.mu.Lock()
	fn(&m.draft)
	m.draft.UpdatedAt = m.sched.Now()
	m.mu.Unlock()
	m.debounce.Trigger()
}

// Clear empties the draft and removes it from both stores. Safe to call
// repeatedly.
func (m *Manager) Clear(ctx context.Context) {
	m.debounce.Cancel()
	m.mu.Lock()
	threadID := m.draft.ThreadID
	m.draft = types.Draft{ThreadID: threadID, Attachments: []types.FileRef{}}
	m.mu.Unlock()
	if threadID == "" {
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if err := m.tiers.Remove(ctx, storage.BucketDrafts, threadID); err != nil {
		m.log.Warn("clear draft", "thread", threadID, "error", err)
	}
}

// Pending reports whether a write is waiting for the quiet period.
func (m *Manager) Pending() bool {
	return m.debounce.Pending()
}

// Flush writes any pending change now.
func (m *Manager) Flush() {
	m.debounce.Flush()
}

// Close flushes the pending write. The manager can be reopened.
func (m *Manager) Close() {
	m.debounce.Flush()
}

func (m *Manager) persist() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	d := m.Draft()
	if d.ThreadID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if d.Empty() && d.ReplyToID == "" {
		if err := m.tiers.Remove(ctx, storage.BucketDrafts, d.ThreadID); err != nil {
			m.log.Warn("remove empty draft", "thread", d.ThreadID, "error", err)
		}
		return
	}

	rec := record{
		ThreadID:    d.ThreadID,
		Text:        d.Text,
		ReplyToID:   d.ReplyToID,
		Attachments: d.Attachments,
		UpdatedAt:   d.UpdatedAt,
	}
	if m.cipher != nil && d.Text != "" {
		sealed, err := m.cipher.Encrypt(d.Text)
		if err != nil {
			// Keeping the text beats losing it.
			m.log.Warn("encrypt draft failed, storing plaintext", "thread", d.ThreadID, "error", err)
		} else {
			rec.Text = sealed
			rec.Encrypted = true
		}
	}

	tier, err := m.tiers.Save(ctx, storage.BucketDrafts, d.ThreadID, rec, utf8.RuneCountInString(d.Text))
	if err != nil {
		m.log.Warn("save draft", "thread", d.ThreadID, "tier", tier, "error", err)
		return
	}
	m.log.Debug("draft saved", "thread", d.ThreadID, "tier", tier)
}

func cloneDraft(d types.Draft) types.Draft {
	out := d
	out.Attachments = append([]types.FileRef{}, d.Attachments...)
	return out
}
