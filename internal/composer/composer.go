// Package composer turns the active draft into an optimistic message and
// hands it to the realtime channel or, when that is not possible, to the
// outbox.
package composer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adamavenir/threadline/internal/core"
	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/sched"
	"github.com/adamavenir/threadline/internal/seal"
	"github.com/adamavenir/threadline/internal/types"
)

// Drafts is the active draft of the thread.
type Drafts interface {
	Draft() types.Draft
	Clear(ctx context.Context)
}

// Timeline receives optimistic messages.
type Timeline interface {
	Append(m types.Message)
	Get(id string) (types.Message, bool)
	UpdatePatch(id string, patch types.MessagePatch) bool
}

// Queue is the durable retry queue.
type Queue interface {
	Enqueue(ctx context.Context, entry types.OutboxEntry) (bool, error)
}

// Uploader resolves a local file to a server attachment.
type Uploader interface {
	Upload(ctx context.Context, threadID, clientTempID string, file types.FileRef) (types.Attachment, error)
}

// Transmitter writes a message frame to the realtime channel.
type Transmitter interface {
	SendMessage(ctx context.Context, payload types.SendPayload) error
}

// Gate reports whether immediate network sends may be attempted.
type Gate interface {
	Connected() bool
}

// Options configures a Composer.
type Options struct {
	ThreadID    string
	Sender      types.Sender
	Drafts      Drafts
	Timeline    Timeline
	Outbox      Queue
	Uploads     Uploader
	Transport   Transmitter
	Gate        Gate
	Cipher      seal.Cipher
	Scheduler   sched.Scheduler
	InFlightTTL time.Duration
	NewTempID   func() string
	Logger      *slog.Logger
}

// Composer runs user-initiated sends for one thread.
type Composer struct {
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	sending  bool
	inFlight map[string]sched.Timer
}

// New creates a composer.
func New(opts Options) *Composer {
	if opts.Scheduler == nil {
		opts.Scheduler = sched.Wall()
	}
	if opts.InFlightTTL <= 0 {
		opts.InFlightTTL = 10 * time.Minute
	}
	if opts.NewTempID == nil {
		opts.NewTempID = core.NewTempID
	}
	return &Composer{
		opts:     opts,
		log:      logging.OrDefault(opts.Logger).With("component", "composer", "thread", opts.ThreadID),
		inFlight: make(map[string]sched.Timer),
	}
}

// outgoing is one message on its way out.
type outgoing struct {
	tempID    string
	kind      types.MessageType
	plain     string
	replyToID string
	files     []types.FileRef
}

// Send sends the active draft. It returns the temp id of the new message,
// or "" when there was nothing to send or a send was already running.
func (c *Composer) Send(ctx context.Context) (string, error) {
	d := c.opts.Drafts.Draft()
	if d.Empty() || !c.begin() {
		return "", nil
	}
	defer c.end()

	kind := types.MessageTypeText
	if len(d.Attachments) > 0 {
		kind = types.MessageTypeMedia
	}
	out := outgoing{
		tempID:    c.opts.NewTempID(),
		kind:      kind,
		plain:     d.Text,
		replyToID: d.ReplyToID,
		files:     append([]types.FileRef(nil), d.Attachments...),
	}
	c.opts.Drafts.Clear(ctx)
	return out.tempID, c.dispatch(ctx, out)
}

// SendVoice sends a recorded voice note. The draft is left alone.
func (c *Composer) SendVoice(ctx context.Context, file types.FileRef) (string, error) {
	if !c.begin() {
		return "", nil
	}
	defer c.end()

	if file.Kind == "" {
		file.Kind = types.AttachmentAudio
	}
	out := outgoing{
		tempID: core.NewVoiceTempID(),
		kind:   types.MessageTypeMedia,
		files:  []types.FileRef{file},
	}
	return out.tempID, c.dispatch(ctx, out)
}

func (c *Composer) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sending {
		return false
	}
	c.sending = true
	return true
}

func (c *Composer) end() {
	c.mu.Lock()
	c.sending = false
	c.mu.Unlock()
}

func (c *Composer) dispatch(ctx context.Context, out outgoing) error {
	text, encrypted := c.seal(out.plain)
	payload := types.SendPayload{
		ClientTempID: out.tempID,
		MessageType:  out.kind,
		Text:         text,
		ReplyToID:    out.replyToID,
		Encrypted:    encrypted,
	}

	online := c.opts.Gate != nil && c.opts.Gate.Connected()
	c.opts.Timeline.Append(c.optimistic(out, !online))

	if !online {
		return c.enqueue(ctx, payload, out.files)
	}

	for _, f := range out.files {
		att, err := c.opts.Uploads.Upload(ctx, c.opts.ThreadID, out.tempID, f)
		if err != nil {
			c.log.Warn("upload failed, queueing message", "temp_id", out.tempID, "file", f.Name, "error", err)
			return c.fallback(ctx, payload, out.files)
		}
		payload.Attachments = append(payload.Attachments, att)
	}
	if len(payload.Attachments) > 0 {
		atts := payload.Attachments
		c.opts.Timeline.UpdatePatch(out.tempID, types.MessagePatch{Attachments: &atts})
	}

	if err := c.transmit(ctx, payload); err != nil {
		c.log.Warn("transmit failed, queueing message", "temp_id", out.tempID, "error", err)
		// Uploaded attachments stay on the payload; files are not needed.
		return c.fallback(ctx, payload, nil)
	}
	return nil
}

func (c *Composer) fallback(ctx context.Context, payload types.SendPayload, files []types.FileRef) error {
	queued := true
	c.opts.Timeline.UpdatePatch(payload.ClientTempID, types.MessagePatch{Queued: &queued})
	return c.enqueue(ctx, payload, files)
}

func (c *Composer) enqueue(ctx context.Context, payload types.SendPayload, files []types.FileRef) error {
	if c.opts.Outbox == nil {
		failed := types.StatusFailed
		c.opts.Timeline.UpdatePatch(payload.ClientTempID, types.MessagePatch{Status: &failed})
		return fmt.Errorf("queue %s: no outbox", payload.ClientTempID)
	}
	_, err := c.opts.Outbox.Enqueue(ctx, types.OutboxEntry{
		Key:        payload.ClientTempID,
		ThreadID:   c.opts.ThreadID,
		Payload:    payload,
		Files:      files,
		EnqueuedAt: c.opts.Scheduler.Now(),
	})
	if err != nil {
		failed, queued := types.StatusFailed, false
		c.opts.Timeline.UpdatePatch(payload.ClientTempID, types.MessagePatch{Status: &failed, Queued: &queued})
		return fmt.Errorf("queue %s: %w", payload.ClientTempID, err)
	}
	return nil
}

// transmit writes the frame unless the same temp id is already in flight.
func (c *Composer) transmit(ctx context.Context, payload types.SendPayload) error {
	if c.opts.Transport == nil {
		return fmt.Errorf("no realtime transport")
	}
	id := payload.ClientTempID
	c.mu.Lock()
	if _, busy := c.inFlight[id]; busy {
		c.mu.Unlock()
		c.log.Debug("skipping duplicate transmit", "temp_id", id)
		return nil
	}
	c.inFlight[id] = c.opts.Scheduler.AfterFunc(c.opts.InFlightTTL, func() { c.expire(id) })
	c.mu.Unlock()

	if err := c.opts.Transport.SendMessage(ctx, payload); err != nil {
		c.Acknowledge(id)
		return err
	}
	return nil
}

// Resend transmits a message that is still pending in the timeline, for
// example after the user taps a failed bubble. It is a no-op while the temp
// id is in flight.
func (c *Composer) Resend(ctx context.Context, tempID string) error {
	m, ok := c.opts.Timeline.Get(tempID)
	if !ok || !m.Pending() {
		return nil
	}
	text, encrypted := c.seal(m.Text)
	payload := types.SendPayload{
		ClientTempID: tempID,
		MessageType:  m.Type,
		Text:         text,
		Attachments:  m.Attachments,
		Encrypted:    encrypted,
	}
	if m.ReplyTo != nil {
		payload.ReplyToID = m.ReplyTo.ID
	}
	if c.opts.Gate == nil || !c.opts.Gate.Connected() {
		return c.fallback(ctx, payload, nil)
	}
	sending := types.StatusSending
	c.opts.Timeline.UpdatePatch(tempID, types.MessagePatch{Status: &sending})
	if err := c.transmit(ctx, payload); err != nil {
		return c.fallback(ctx, payload, nil)
	}
	return nil
}

// Acknowledge releases the in-flight guard for tempID.
func (c *Composer) Acknowledge(tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.inFlight[tempID]; ok {
		t.Stop()
		delete(c.inFlight, tempID)
	}
}

// InFlight reports whether tempID is guarded against re-transmission.
func (c *Composer) InFlight(tempID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[tempID]
	return ok
}

func (c *Composer) expire(tempID string) {
	c.mu.Lock()
	delete(c.inFlight, tempID)
	c.mu.Unlock()
}

// Close drops every in-flight guard.
func (c *Composer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.inFlight {
		t.Stop()
		delete(c.inFlight, id)
	}
}

func (c *Composer) seal(text string) (string, bool) {
	if c.opts.Cipher == nil || text == "" {
		return text, false
	}
	sealed, err := c.opts.Cipher.Encrypt(text)
	if err != nil {
		c.log.Warn("encryption failed, sending plaintext", "error", err)
		return text, false
	}
	return sealed, true
}

func (c *Composer) optimistic(out outgoing, queued bool) types.Message {
	m := types.Message{
		ID:           out.tempID,
		ClientTempID: out.tempID,
		ThreadID:     c.opts.ThreadID,
		Type:         out.kind,
		Text:         out.plain,
		Attachments:  make([]types.Attachment, 0, len(out.files)),
		Sender:       c.opts.Sender,
		CreatedAt:    c.opts.Scheduler.Now(),
		Status:       types.StatusSending,
		Reactions:    []types.Reaction{},
		Queued:       queued,
	}
	if out.replyToID != "" {
		ref := types.ReplyRef{ID: out.replyToID}
		if parent, ok := c.opts.Timeline.Get(out.replyToID); ok {
			ref.Text = parent.Text
			ref.SenderName = parent.Sender.Name
		}
		m.ReplyTo = &ref
	}
	for _, f := range out.files {
		m.Attachments = append(m.Attachments, types.Attachment{
			ID:       f.ID,
			Kind:     f.Kind,
			URL:      f.Path,
			Name:     f.Name,
			MimeType: f.MimeType,
			Size:     f.Size,
		})
	}
	return m
}
