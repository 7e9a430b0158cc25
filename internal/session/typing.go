package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adamavenir/threadline/internal/sched"
)

// typingSender writes typing frames for the thread.
type typingSender interface {
	Typing(ctx context.Context, threadID string, on bool) error
}

// Typing emits typing:start on the first keystroke and typing:stop after
// the idle period or on Stop.
type Typing struct {
	threadID string
	sched    sched.Scheduler
	idle     time.Duration
	send     func() typingSender
	log      *slog.Logger

	mu     sync.Mutex
	active bool
	timer  sched.Timer
}

func newTyping(threadID string, s sched.Scheduler, idle time.Duration, send func() typingSender, log *slog.Logger) *Typing {
	if idle <= 0 {
		idle = 1800 * time.Millisecond
	}
	return &Typing{threadID: threadID, sched: s, idle: idle, send: send, log: log}
}

// Keystroke records input activity.
func (t *Typing) Keystroke() {
	t.mu.Lock()
	start := !t.active
	t.active = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.sched.AfterFunc(t.idle, t.Stop)
	t.mu.Unlock()
	if start {
		t.emit(true)
	}
}

// Active reports whether typing:start was sent without a matching stop.
func (t *Typing) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Stop sends typing:stop if typing was active.
func (t *Typing) Stop() {
	t.mu.Lock()
	was := t.active
	t.active = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	if was {
		t.emit(false)
	}
}

func (t *Typing) emit(on bool) {
	ch := t.send()
	if ch == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.Typing(ctx, t.threadID, on); err != nil {
		t.log.Debug("typing frame not sent", "on", on, "error", err)
	}
}
