// Package session owns everything a client keeps open for one thread: the
// realtime channel, the timeline, the draft, uploads, the outbox, receipts,
// reactions, typing and presence. It wires the components together and
// routes channel events to them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adamavenir/threadline/internal/adapter"
	"github.com/adamavenir/threadline/internal/api"
	"github.com/adamavenir/threadline/internal/composer"
	"github.com/adamavenir/threadline/internal/connstate"
	"github.com/adamavenir/threadline/internal/core"
	"github.com/adamavenir/threadline/internal/drafts"
	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/metrics"
	"github.com/adamavenir/threadline/internal/outbox"
	"github.com/adamavenir/threadline/internal/reactions"
	"github.com/adamavenir/threadline/internal/realtime"
	"github.com/adamavenir/threadline/internal/receipts"
	"github.com/adamavenir/threadline/internal/sched"
	"github.com/adamavenir/threadline/internal/seal"
	"github.com/adamavenir/threadline/internal/storage"
	"github.com/adamavenir/threadline/internal/timeline"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/adamavenir/threadline/internal/uploads"
	"github.com/adamavenir/threadline/internal/viewport"
	"github.com/adamavenir/threadline/internal/wire"
)

// cachedMessages is how many of the newest messages are kept for the next
// open of the thread.
const cachedMessages = 50

// Client is the REST surface a session uses.
type Client interface {
	FetchPage(ctx context.Context, path string) (api.Page, error)
	SendMessage(ctx context.Context, path string, payload types.SendPayload) (json.RawMessage, error)
	EditMessage(ctx context.Context, path, text string) (json.RawMessage, error)
	DeleteForMe(ctx context.Context, path string) error
	DeleteForEveryone(ctx context.Context, path string) error
	React(ctx context.Context, path, emoji string) error
	Forward(ctx context.Context, path string, threadIDs []string) error
	Report(ctx context.Context, path, reason string) error
	MessageInfo(ctx context.Context, path string) (api.MessageInfo, error)
	MarkBatch(ctx context.Context, path, threadID string, ids []string) error
	MarkRead(ctx context.Context, path, lastID string) error
	UploadChunk(ctx context.Context, path string, chunk api.Chunk) (*types.Attachment, error)
}

// Channel is an open realtime connection.
type Channel interface {
	Events() <-chan realtime.Envelope
	Done() <-chan struct{}
	Err() error
	SendMessage(ctx context.Context, p types.SendPayload) error
	Typing(ctx context.Context, threadID string, on bool) error
	Close() error
}

// DialFunc opens a channel to url.
type DialFunc func(ctx context.Context, url string) (Channel, error)

// Options configures a Session.
type Options struct {
	ThreadID string
	User     types.Sender
	Adapter  adapter.Adapter
	Client   Client
	// Small holds drafts, outbox entries, upload jobs, scroll positions and
	// the message cache. Blob holds large drafts.
	Small storage.Store
	Blob  storage.Store
	// Cipher encrypts drafts at rest, and message text on threads with
	// end-to-end encryption.
	Cipher    seal.Cipher
	Scheduler sched.Scheduler
	Dial      DialFunc
	Opener    uploads.Opener
	Config    core.Config
	Metrics   *metrics.Metrics
	// OnEvent sees every inbound event after it was applied.
	OnEvent func(realtime.Envelope)
	Logger  *slog.Logger
}

type typer struct {
	name  string
	timer sched.Timer
}

// Session is one open thread.
type Session struct {
	threadID string
	user     types.Sender
	adapter  adapter.Adapter
	client   Client
	cfg      core.Config
	small    storage.Store
	sched    sched.Scheduler
	dial     DialFunc
	cipher   seal.Cipher
	decoder  wire.Decoder
	onEvent  func(realtime.Envelope)
	log      *slog.Logger

	Timeline   *timeline.Store
	Drafts     *drafts.Manager
	Composer   *composer.Composer
	Uploads    *uploads.Manager
	Outbox     *outbox.Manager
	Receipts   *receipts.Tracker
	Reactions  *reactions.Engine
	Conn       *connstate.Machine
	Typing     *Typing
	Visibility *viewport.Visibility

	cache *sched.Debouncer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	ch        Channel
	connected bool
	closed    bool
	viewport  *viewport.Coordinator
	typers    map[string]*typer
	presence  map[string]realtime.PresenceEvent
	unsub     []func()
}

// New builds a session. Nothing touches the network until Start.
func New(opts Options) (*Session, error) {
	if opts.ThreadID == "" {
		return nil, errors.New("session: thread id required")
	}
	if opts.Adapter == nil || opts.Client == nil {
		return nil, errors.New("session: adapter and client required")
	}
	if opts.Small == nil || opts.Blob == nil {
		return nil, errors.New("session: storage required")
	}
	if opts.Scheduler == nil {
		opts.Scheduler = sched.Wall()
	}
	if opts.Opener == nil {
		opts.Opener = uploads.OpenFile
	}
	if opts.Config.ThreadType == "" {
		opts.Config = core.DefaultConfig()
	}
	cfg := opts.Config
	log := logging.OrDefault(opts.Logger).With("thread", opts.ThreadID)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		threadID: opts.ThreadID,
		user:     opts.User,
		adapter:  opts.Adapter,
		client:   opts.Client,
		cfg:      cfg,
		small:    opts.Small,
		sched:    opts.Scheduler,
		dial:     opts.Dial,
		cipher:   opts.Cipher,
		onEvent:  opts.OnEvent,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		typers:   make(map[string]*typer),
		presence: make(map[string]realtime.PresenceEvent),
	}
	if s.dial == nil {
		s.dial = s.dialRealtime
	}
	s.decoder = wire.Decoder{
		UserID:   opts.User.ID,
		ThreadID: opts.ThreadID,
		Now:      opts.Scheduler.Now,
	}
	m := opts.Metrics

	s.Timeline = timeline.New(timeline.Options{
		Adapter: opts.Adapter,
		Fetcher: opts.Client,
		Decoder: s.decoder,
		Reveal:  s.reveal,
		Logger:  log,
	})
	s.Drafts = drafts.New(drafts.Options{
		Small:          opts.Small,
		Blob:           opts.Blob,
		Scheduler:      opts.Scheduler,
		Debounce:       cfg.Drafts.Debounce.Duration(),
		LargeThreshold: cfg.Drafts.LargeThreshold,
		Cipher:         opts.Cipher,
		Logger:         log,
	})

	upOpts := uploads.Options{
		Adapter:     opts.Adapter,
		Transport:   opts.Client,
		Store:       opts.Small,
		Opener:      opts.Opener,
		ChunkSize:   cfg.Uploads.ChunkSize.Int64(),
		MaxParallel: cfg.Uploads.MaxParallel,
		Now:         opts.Scheduler.Now,
		Logger:      log,
	}
	if m != nil {
		upOpts.Observer = m.Uploads()
	}
	s.Uploads = uploads.New(upOpts)

	boxOpts := outbox.Options{
		Store:       opts.Small,
		Deliverer:   outbox.DelivererFunc(s.deliver),
		Scheduler:   opts.Scheduler,
		MaxInFlight: cfg.Outbox.MaxInFlight,
		BaseDelay:   cfg.Outbox.BaseDelay.Duration(),
		Uploads:     s.Uploads,
		Timeout:     cfg.HTTPTimeout.Duration(),
		Logger:      log,
		OnDropped:   s.dropped,
	}
	if m != nil {
		boxOpts.Observer = m.Outbox()
	}
	s.Outbox = outbox.New(boxOpts)

	rcOpts := receipts.Options{
		Adapter:         opts.Adapter,
		Sender:          opts.Client,
		Store:           s.Timeline,
		Scheduler:       opts.Scheduler,
		ThreadID:        opts.ThreadID,
		UserID:          opts.User.ID,
		DeliveredWindow: cfg.Receipts.DeliveredWindow.Duration(),
		ReadWindow:      cfg.Receipts.ReadWindow.Duration(),
		Timeout:         cfg.HTTPTimeout.Duration(),
		Logger:          log,
	}
	rxOpts := reactions.Options{
		Adapter: opts.Adapter,
		Store:   s.Timeline,
		Sender:  opts.Client,
		UserID:  opts.User.ID,
		Logger:  log,
	}
	if m != nil {
		rcOpts.Observe = m.Receipts
		rxOpts.Observe = m.Reaction
	}
	s.Receipts = receipts.New(rcOpts)
	s.Reactions = reactions.New(rxOpts)

	s.Conn = connstate.New(connstate.Options{
		Scheduler:   opts.Scheduler,
		MaxAttempts: cfg.Connection.MaxAttempts,
		BaseDelay:   cfg.Connection.BaseDelay.Duration(),
		MaxDelay:    cfg.Connection.MaxDelay.Duration(),
		MinInterval: cfg.Connection.MinInterval.Duration(),
		Reconnect:   s.reconnect,
		Logger:      log,
	})

	var msgCipher seal.Cipher
	if opts.Adapter.Capabilities().Has(adapter.CapE2EE) {
		msgCipher = opts.Cipher
	}
	s.Composer = composer.New(composer.Options{
		ThreadID:    opts.ThreadID,
		Sender:      opts.User,
		Drafts:      s.Drafts,
		Timeline:    s.Timeline,
		Outbox:      s.Outbox,
		Uploads:     s.Uploads,
		Transport:   transmitter{s},
		Gate:        s.Conn,
		Cipher:      msgCipher,
		Scheduler:   opts.Scheduler,
		InFlightTTL: cfg.Composer.InFlightTTL.Duration(),
		Logger:      log,
	})
	s.Typing = newTyping(opts.ThreadID, opts.Scheduler, cfg.Composer.TypingIdle.Duration(), s.typingChannel, log)
	s.Visibility = viewport.NewVisibility(opts.Scheduler, cfg.Viewport.VisibleFor.Duration(), cfg.Viewport.VisibleRatio, s.seen)
	s.cache = sched.NewDebouncer(opts.Scheduler, time.Second, s.saveCache)

	s.unsub = append(s.unsub,
		s.Conn.Subscribe(func(_, to connstate.State) {
			s.Outbox.SetOnline(to == connstate.Connected)
		}),
		s.Timeline.Subscribe(func([]types.Message) { s.cache.Trigger() }),
	)
	if m != nil {
		s.unsub = append(s.unsub, s.Conn.Subscribe(m.Connection))
	}
	return s, nil
}

// ThreadID returns the session's thread.
func (s *Session) ThreadID() string { return s.threadID }

// Start hydrates the timeline from the cache, restores the draft, pending
// uploads and outbox entries, opens the channel and loads the newest page.
// A failed load is returned as a *timeline.FetchError; the session stays
// usable and the load can be retried with Reload.
func (s *Session) Start(ctx context.Context) error {
	s.Timeline.Switch(s.threadID)
	s.hydrate(ctx)
	s.Drafts.Open(ctx, s.threadID)

	if n, err := s.Uploads.Resume(ctx); err != nil {
		s.log.Warn("resume uploads", "error", err)
	} else if n > 0 {
		s.log.Info("resumed uploads", "jobs", n)
	}
	if n, err := s.Outbox.Restore(ctx); err != nil {
		s.log.Warn("restore outbox", "error", err)
	} else if n > 0 {
		s.log.Info("restored outbox", "entries", n)
	}

	s.connect()
	return s.Reload(ctx)
}

// Reload fetches the newest page again.
func (s *Session) Reload(ctx context.Context) error {
	return s.Timeline.LoadInitial(ctx, s.threadID)
}

// LoadOlder fetches the previous page, keeping the reading position when a
// viewport is attached.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	s.mu.Lock()
	vp := s.viewport
	s.mu.Unlock()
	if vp == nil {
		return s.Timeline.LoadOlder(ctx)
	}
	var (
		n   int
		err error
	)
	vp.Prepend(func() { n, err = s.Timeline.LoadOlder(ctx) })
	return n, err
}

// SetNetwork forwards OS connectivity changes.
func (s *Session) SetNetwork(online bool) {
	s.Conn.SetNetwork(online)
}

// AttachViewport connects a rendered message list and restores the saved
// scroll position.
func (s *Session) AttachViewport(ctx context.Context, layout viewport.Layout) *viewport.Coordinator {
	vp := viewport.New(viewport.Options{
		Layout:       layout,
		Scheduler:    s.sched,
		Store:        s.small,
		ThreadID:     s.threadID,
		NearBottomPx: s.cfg.Viewport.NearBottomPx,
		HighlightFor: s.cfg.Viewport.HighlightFor.Duration(),
		SaveDebounce: s.cfg.Viewport.SaveDebounce.Duration(),
		Logger:       s.log,
	})
	if !vp.RestorePosition(ctx) {
		vp.ScrollToBottom()
	}
	s.mu.Lock()
	old := s.viewport
	s.viewport = vp
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return vp
}

// Typers returns the names of users currently typing, sorted.
func (s *Session) Typers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.typers))
	for id, t := range s.typers {
		name := t.name
		if name == "" {
			name = id
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Presence returns the last presence update for userID.
func (s *Session) Presence(userID string) (realtime.PresenceEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return p, ok
}

// Close tears the session down. Pending draft writes, receipt batches,
// scroll positions and the message cache are flushed first.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.Typing.Stop()

	s.mu.Lock()
	s.closed = true
	ch := s.ch
	s.ch = nil
	vp := s.viewport
	unsub := s.unsub
	s.unsub = nil
	for id, t := range s.typers {
		t.timer.Stop()
		delete(s.typers, id)
	}
	s.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	s.Conn.Close()
	s.Receipts.Close()
	s.Drafts.Close()
	s.Visibility.Stop()
	if vp != nil {
		vp.Close()
	}
	s.cache.Flush()
	s.Composer.Close()
	if ch != nil {
		_ = ch.Close()
	}
	s.cancel()
	s.Outbox.Close()
	s.Uploads.Close()
	s.wg.Wait()
}

func (s *Session) dialRealtime(ctx context.Context, url string) (Channel, error) {
	c, err := realtime.Dial(ctx, realtime.Options{URL: url, Token: s.cfg.Token, Logger: s.log})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Session) wsURL() string {
	return strings.TrimRight(s.cfg.WSBaseURL, "/") + s.adapter.WSPath(s.threadID)
}

// reconnect is called by the state machine and must not block.
func (s *Session) reconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connect()
	}()
}

func (s *Session) connect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HTTPTimeout.Duration())
	ch, err := s.dial(ctx, s.wsURL())
	cancel()
	if err != nil {
		s.log.Warn("connect failed", "error", err)
		s.Conn.ChannelClosed()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ch.Close()
		return
	}
	s.ch = ch
	again := s.connected
	s.connected = true
	s.wg.Add(1)
	if again {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	go s.readLoop(ch)
	s.Conn.ChannelOpened()
	if again {
		// Catch up on whatever was missed while the channel was down.
		go func() {
			defer s.wg.Done()
			if err := s.Timeline.LoadInitial(s.ctx, s.threadID); err != nil {
				s.log.Warn("catch-up load failed", "error", err)
			}
		}()
	}
}

func (s *Session) readLoop(ch Channel) {
	defer s.wg.Done()
	for env := range ch.Events() {
		s.handle(env)
	}
	s.mu.Lock()
	current := s.ch == ch
	if current {
		s.ch = nil
	}
	closed := s.closed
	s.mu.Unlock()
	if current && !closed {
		s.log.Info("channel dropped", "error", ch.Err())
		s.Conn.ChannelClosed()
	}
}

func (s *Session) channel() Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *Session) typingChannel() typingSender {
	if !s.adapter.Capabilities().Has(adapter.CapTyping) {
		return nil
	}
	ch := s.channel()
	if ch == nil {
		return nil
	}
	return ch
}

// transmitter routes composer frames to the current channel.
type transmitter struct{ s *Session }

func (t transmitter) SendMessage(ctx context.Context, p types.SendPayload) error {
	ch := t.s.channel()
	if ch == nil {
		return realtime.ErrClosed
	}
	return ch.SendMessage(ctx, p)
}

// deliver sends an outbox entry through the REST path. The echoed message
// is the delivery confirmation.
func (s *Session) deliver(ctx context.Context, e types.OutboxEntry) error {
	p := e.Payload
	for _, f := range e.Files {
		att, err := s.Uploads.Upload(ctx, e.ThreadID, p.ClientTempID, f)
		if err != nil {
			return fmt.Errorf("upload %s: %w", f.Name, err)
		}
		p.Attachments = append(p.Attachments, att)
	}
	raw, err := s.client.SendMessage(ctx, s.adapter.SendMessage(e.ThreadID), p)
	if err != nil {
		return err
	}

	echo, err := s.decoder.Message(raw)
	if err != nil || echo.ID == "" {
		s.log.Debug("send echo unreadable, marking sent", "temp_id", p.ClientTempID, "error", err)
		s.Timeline.UpgradeStatus(p.ClientTempID, types.StatusSent)
		s.Timeline.UpdatePatch(p.ClientTempID, queuedOff())
		return nil
	}
	if echo.ClientTempID == "" {
		echo.ClientTempID = p.ClientTempID
	}
	echo.Status = echo.Status.Upgrade(types.StatusSent)
	s.Timeline.Reconcile([]types.Message{s.reveal(echo)})
	s.Composer.Acknowledge(p.ClientTempID)
	return nil
}

func (s *Session) dropped(e types.OutboxEntry, err error) {
	s.log.Warn("message dropped", "temp_id", e.Payload.ClientTempID, "error", err)
	failed := types.StatusFailed
	patch := queuedOff()
	patch.Status = &failed
	s.Timeline.UpdatePatch(e.Payload.ClientTempID, patch)
}

func queuedOff() types.MessagePatch {
	off := false
	return types.MessagePatch{Queued: &off}
}

func (s *Session) seen(id string) {
	if m, ok := s.Timeline.Get(id); ok {
		s.Receipts.MarkRead(m)
	}
}

// reveal decrypts message text on encrypted threads. Text that does not
// decrypt is shown as received.
func (s *Session) reveal(m types.Message) types.Message {
	if s.cipher == nil || m.Text == "" || !s.adapter.Capabilities().Has(adapter.CapE2EE) {
		return m
	}
	plain, err := s.cipher.Decrypt(m.Text)
	if err != nil {
		return m
	}
	m.Text = plain
	return m
}

func (s *Session) seal(text string) string {
	if s.cipher == nil || text == "" || !s.adapter.Capabilities().Has(adapter.CapE2EE) {
		return text
	}
	sealed, err := s.cipher.Encrypt(text)
	if err != nil {
		s.log.Warn("encryption failed, sending plaintext", "error", err)
		return text
	}
	return sealed
}

func (s *Session) hydrate(ctx context.Context) {
	var cached []types.Message
	found, err := s.small.Get(ctx, storage.BucketMessages, s.threadID, &cached)
	if err != nil {
		s.log.Warn("load message cache", "error", err)
		return
	}
	if found && s.Timeline.Hydrate(s.threadID, cached) {
		s.log.Debug("hydrated from cache", "messages", len(cached))
	}
}

func (s *Session) saveCache() {
	last := s.Timeline.Last(cachedMessages)
	if len(last) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.small.Put(ctx, storage.BucketMessages, s.threadID, last); err != nil {
		s.log.Warn("save message cache", "error", err)
	}
}
