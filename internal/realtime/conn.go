// Package realtime owns one websocket connection to a thread channel. The
// session opens it, reads events from it, and closes it on teardown; there
// is no process-wide shared socket.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/gorilla/websocket"
)

// ErrClosed is returned by writes after the connection ended.
var ErrClosed = errors.New("realtime: connection closed")

// Options configures Dial.
type Options struct {
	URL          string
	Token        string
	Dialer       *websocket.Dialer
	PingInterval time.Duration
	PongWait     time.Duration
	WriteTimeout time.Duration
	Buffer       int
	Logger       *slog.Logger
}

// Conn is an open channel.
type Conn struct {
	ws      *websocket.Conn
	log     *slog.Logger
	writeTO time.Duration

	writeMu sync.Mutex
	events  chan Envelope
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// Dial opens the channel at opts.URL.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongWait <= opts.PingInterval {
		opts.PongWait = opts.PingInterval * 2
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}

	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	ws, resp, err := opts.Dialer.DialContext(ctx, opts.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", opts.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}

	c := &Conn{
		ws:      ws,
		log:     logging.OrDefault(opts.Logger).With("component", "realtime"),
		writeTO: opts.WriteTimeout,
		events:  make(chan Envelope, opts.Buffer),
		done:    make(chan struct{}),
	}
	_ = ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go c.readLoop(opts.PongWait)
	go c.pingLoop(opts.PingInterval)
	return c, nil
}

// Events delivers inbound frames. It is closed when the connection ends.
func (c *Conn) Events() <-chan Envelope { return c.events }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil after a local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) readLoop(pongWait time.Duration) {
	defer close(c.events)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.log.Warn("dropping malformed frame", "bytes", len(data), "error", err)
			continue
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pingLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTO))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send writes one frame.
func (c *Conn) Send(ctx context.Context, typ string, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	frame, err := json.Marshal(Envelope{Type: typ, Payload: body})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.writeTO)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.shutdown(err)
		return fmt.Errorf("write %s: %w", typ, err)
	}
	return nil
}

// SendMessage writes a message:send frame.
func (c *Conn) SendMessage(ctx context.Context, p types.SendPayload) error {
	return c.Send(ctx, FrameMessageSend, p)
}

// Typing writes typing:start or typing:stop for threadID.
func (c *Conn) Typing(ctx context.Context, threadID string, on bool) error {
	typ := FrameTypingStop
	if on {
		typ = FrameTypingStart
	}
	return c.Send(ctx, typ, typingFrame{ThreadID: threadID})
}

// Close sends a close frame and releases the socket.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			c.log.Info("channel closed", "error", err)
		}
		close(c.done)
		_ = c.ws.Close()
	})
}
