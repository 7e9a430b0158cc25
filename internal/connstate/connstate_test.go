package connstate

import (
	"testing"
	"time"

	"github.com/adamavenir/threadline/internal/sched"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func TestOfflineIsAuthoritativeAndReturnGoesThroughReconnecting(t *testing.T) {
	clock := sched.NewVirtual(start)
	m := New(Options{Scheduler: clock})
	require.Equal(t, Connecting, m.State())

	m.ChannelOpened()
	require.Equal(t, Connected, m.State())

	m.SetNetwork(false)
	require.Equal(t, Offline, m.State())

	m.ChannelOpened()
	require.Equal(t, Offline, m.State(), "channel signals are ignored while offline")

	m.SetNetwork(true)
	require.Equal(t, Reconnecting, m.State())
	require.False(t, m.Connected())

	m.ChannelOpened()
	require.Equal(t, Connected, m.State())
}

func TestDropWhileOnlineReconnects(t *testing.T) {
	clock := sched.NewVirtual(start)
	calls := 0
	m := New(Options{Scheduler: clock, Reconnect: func() { calls++ }})
	m.ChannelOpened()

	m.ChannelClosed()
	require.Equal(t, Reconnecting, m.State())

	clock.Advance(999 * time.Millisecond)
	require.Zero(t, calls)
	clock.Advance(time.Millisecond)
	require.Equal(t, 1, calls)

	m.ChannelOpened()
	require.Equal(t, Connected, m.State())
	require.Zero(t, m.Attempts())
}

func TestBackoffGuardAndExhaustion(t *testing.T) {
	clock := sched.NewVirtual(start)
	var at []float64
	var m *Machine
	m = New(Options{
		Scheduler: clock,
		Reconnect: func() {
			at = append(at, clock.Now().Sub(start).Seconds())
			m.ChannelClosed()
		},
	})

	var seen []State
	m.Subscribe(func(from, to State) { seen = append(seen, to) })

	m.ChannelOpened()
	m.ChannelClosed()
	clock.Advance(time.Minute)

	require.Equal(t, Error, m.State())
	require.Len(t, at, 5)
	want := []float64{1, 4, 8, 16, 24}
	for i := range want {
		require.InDelta(t, want[i], at[i], 0.01, "attempt %d", i+1)
	}
	for i := 1; i < len(at); i++ {
		require.GreaterOrEqual(t, at[i]-at[i-1], 3.0-0.01)
	}
	require.Equal(t, []State{Connected, Reconnecting, Error}, seen)

	clock.Advance(time.Hour)
	require.Len(t, at, 5, "error is terminal")
	m.ChannelClosed()
	m.SetNetwork(true)
	require.Equal(t, Error, m.State())

	require.True(t, m.Retry())
	require.Equal(t, Reconnecting, m.State())
	clock.Advance(0)
	require.Len(t, at, 6)
}

func TestRetryOnlyFromError(t *testing.T) {
	m := New(Options{Scheduler: sched.NewVirtual(start)})
	require.False(t, m.Retry())
}

func TestGoingOfflineCancelsPendingAttempt(t *testing.T) {
	clock := sched.NewVirtual(start)
	calls := 0
	m := New(Options{Scheduler: clock, Reconnect: func() { calls++ }})
	m.ChannelClosed()
	m.SetNetwork(false)
	clock.Advance(time.Minute)
	require.Zero(t, calls)
	require.Equal(t, Offline, m.State())
}
