// Package connstate derives the user-facing connection state from network
// and channel signals and schedules reconnect attempts.
package connstate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/sched"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// State is the derived connection state.
type State string

const (
	Connecting   State = "connecting"
	Connected    State = "connected"
	Reconnecting State = "reconnecting"
	Offline      State = "offline"
	Error        State = "error"
)

// Options configures a Machine.
type Options struct {
	Scheduler   sched.Scheduler
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// MinInterval is the least time between two reconnect attempts,
	// whatever asked for them.
	MinInterval time.Duration
	// Reconnect starts one reconnect attempt. It must not block; the outcome
	// is reported through ChannelOpened or ChannelClosed.
	Reconnect func()
	Logger    *slog.Logger
}

// Machine is the connection state machine for one thread session.
type Machine struct {
	sched     sched.Scheduler
	max       int
	reconnect func()
	log       *slog.Logger

	mu        sync.Mutex
	state     State
	online    bool
	attempts  int
	backoff   *backoff.ExponentialBackOff
	limiter   *rate.Limiter
	timer     sched.Timer
	reserved  bool
	listeners map[int]func(from, to State)
	nextSub   int
}

// New creates a machine in the connecting state with the network assumed up.
func New(opts Options) *Machine {
	if opts.Scheduler == nil {
		opts.Scheduler = sched.Wall()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 8 * time.Second
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = 3 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BaseDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = opts.MaxDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	return &Machine{
		sched:     opts.Scheduler,
		max:       opts.MaxAttempts,
		reconnect: opts.Reconnect,
		log:       logging.OrDefault(opts.Logger).With("component", "connstate"),
		state:     Connecting,
		online:    true,
		backoff:   bo,
		limiter:   rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		listeners: make(map[int]func(from, to State)),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether immediate sends may be attempted.
func (m *Machine) Connected() bool {
	return m.State() == Connected
}

// Attempts returns the reconnect attempts made since the last success.
func (m *Machine) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Subscribe registers fn for state changes. The returned func removes it.
func (m *Machine) Subscribe(fn func(from, to State)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// SetNetwork reports OS-level connectivity. Losing the network wins over
// any channel state; regaining it starts a reconnect rather than assuming
// the channel is up.
func (m *Machine) SetNetwork(online bool) {
	m.mu.Lock()
	m.online = online
	var change func()
	if !online {
		m.stopTimerLocked()
		m.attempts = 0
		m.backoff.Reset()
		change = m.setLocked(Offline)
	} else if m.state == Offline {
		change = m.setLocked(Reconnecting)
		m.scheduleLocked()
	}
	m.mu.Unlock()
	run(change)
}

// ChannelOpened reports an open, authenticated channel.
func (m *Machine) ChannelOpened() {
	m.mu.Lock()
	var change func()
	if m.online && (m.state == Connecting || m.state == Reconnecting) {
		m.stopTimerLocked()
		m.attempts = 0
		m.backoff.Reset()
		change = m.setLocked(Connected)
	}
	m.mu.Unlock()
	run(change)
}

// ChannelClosed reports a dropped channel or a failed attempt.
func (m *Machine) ChannelClosed() {
	m.mu.Lock()
	var change func()
	if m.online {
		switch m.state {
		case Connected, Connecting:
			change = m.setLocked(Reconnecting)
			m.scheduleLocked()
		case Reconnecting:
			if m.timer == nil {
				change = m.scheduleLocked()
			}
		}
	}
	m.mu.Unlock()
	run(change)
}

// Retry leaves the error state and starts a fresh round of attempts.
func (m *Machine) Retry() bool {
	m.mu.Lock()
	if m.state != Error || !m.online {
		m.mu.Unlock()
		return false
	}
	m.attempts = 0
	m.backoff.Reset()
	change := m.setLocked(Reconnecting)
	m.armLocked(0)
	m.mu.Unlock()
	run(change)
	return true
}

// Close stops any pending attempt.
func (m *Machine) Close() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.mu.Unlock()
}

// scheduleLocked arms the next attempt, or moves to error once attempts are
// used up.
func (m *Machine) scheduleLocked() func() {
	if m.attempts >= m.max {
		m.stopTimerLocked()
		m.log.Warn("reconnect attempts exhausted", "attempts", m.attempts)
		return m.setLocked(Error)
	}
	m.armLocked(m.backoff.NextBackOff())
	return nil
}

func (m *Machine) armLocked(delay time.Duration) {
	m.stopTimerLocked()
	m.timer = m.sched.AfterFunc(delay, m.attempt)
}

func (m *Machine) attempt() {
	m.mu.Lock()
	m.timer = nil
	if m.state != Reconnecting || !m.online {
		m.mu.Unlock()
		return
	}
	if !m.reserved {
		now := m.sched.Now()
		res := m.limiter.ReserveN(now, 1)
		if wait := res.DelayFrom(now); wait > 0 {
			// Hold the token and come back when it is ours.
			m.reserved = true
			m.timer = m.sched.AfterFunc(wait, m.attempt)
			m.mu.Unlock()
			return
		}
	}
	m.reserved = false
	m.attempts++
	n := m.attempts
	reconnect := m.reconnect
	m.mu.Unlock()

	m.log.Info("reconnecting", "attempt", n)
	if reconnect != nil {
		reconnect()
	}
}

func (m *Machine) stopTimerLocked() {
	m.reserved = false
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// setLocked changes state and returns the notification to run after the
// lock is released.
func (m *Machine) setLocked(next State) func() {
	prev := m.state
	if prev == next {
		return nil
	}
	m.state = next
	fns := make([]func(from, to State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	return func() {
		for _, fn := range fns {
			fn(prev, next)
		}
	}
}

func run(fn func()) {
	if fn != nil {
		fn()
	}
}
