package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adamavenir/threadline/internal/adapter"
	"github.com/adamavenir/threadline/internal/api"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/adamavenir/threadline/internal/wire"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu    sync.Mutex
	pages map[string]api.Page
	err   error
	paths []string
	gate  chan struct{}
}

func (f *fakeFetcher) FetchPage(ctx context.Context, path string) (api.Page, error) {
	f.mu.Lock()
	f.paths = append(f.paths, path)
	gate := f.gate
	page, ok := f.pages[path]
	err := f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return api.Page{}, err
	}
	if !ok {
		return api.Page{Messages: json.RawMessage("[]")}, nil
	}
	return page, nil
}

func msg(id string, at time.Duration) types.Message {
	return types.Message{
		ID:        id,
		ThreadID:  "t1",
		Type:      types.MessageTypeText,
		Text:      "text " + id,
		Sender:    types.Sender{ID: "u2", Name: "Bo"},
		CreatedAt: t0.Add(at),
		Status:    types.StatusSent,
	}
}

func pending(tempID, text string, at time.Duration) types.Message {
	return types.Message{
		ID:           tempID,
		ClientTempID: tempID,
		ThreadID:     "t1",
		Type:         types.MessageTypeText,
		Text:         text,
		Sender:       types.Sender{ID: "me", Name: "Me"},
		CreatedAt:    t0.Add(at),
		Status:       types.StatusSending,
	}
}

func newStore(f Fetcher) *Store {
	s := New(Options{
		Adapter: adapter.Community(),
		Fetcher: f,
		Decoder: wire.Decoder{UserID: "me", Now: func() time.Time { return t0 }},
	})
	s.Switch("t1")
	return s
}

func ids(list []types.Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func TestAppendDedupesRepeatedIDsAndPairs(t *testing.T) {
	s := newStore(nil)

	s.Append(pending("tmp-1", "hello", 0))
	s.Append(pending("tmp-1", "hello", 0))
	require.Equal(t, 1, s.Len())

	ack := msg("srv-1", time.Second)
	ack.ClientTempID = "tmp-1"
	ack.Text = "hello"
	s.Reconcile([]types.Message{ack})
	s.Reconcile([]types.Message{ack})
	s.Append(ack)

	s.Append(msg("srv-2", 2*time.Second))
	s.Reconcile([]types.Message{msg("srv-2", 2*time.Second), msg("srv-1", time.Second)})

	require.Equal(t, []string{"srv-1", "srv-2"}, ids(s.Snapshot()))
}

func TestReconcileContentHashFallback(t *testing.T) {
	s := newStore(nil)
	a := msg("srv-1", 0)
	a.Hash = "h-1"
	s.Append(a)

	dup := msg("srv-1-replay", 0)
	dup.Hash = "h-1"
	s.Reconcile([]types.Message{dup})
	require.Equal(t, []string{"srv-1"}, ids(s.Snapshot()))

	noHash := msg("x", 5*time.Second)
	s.Append(noHash)
	replay := noHash
	replay.ID = "y"
	replay.Hash = ""
	s.Append(replay)
	require.Equal(t, 2, s.Len(), "computed hash ignores the id but matches same content")
}

func TestPromotionPreservesLocalReactions(t *testing.T) {
	s := newStore(nil)
	local := pending("tmp-9", "draft text", 0)
	local.Reactions = types.WithUser(nil, "me", "👍")
	local.MyReaction = "👍"
	local.Queued = true
	s.Append(local)

	auth := msg("srv-9", 3*time.Second)
	auth.ClientTempID = "tmp-9"
	auth.Text = "final text"
	s.Reconcile([]types.Message{auth})

	got, ok := s.Get("srv-9")
	require.True(t, ok)
	require.Equal(t, "final text", got.Text)
	require.Equal(t, t0.Add(3*time.Second), got.CreatedAt)
	require.Equal(t, "👍", got.MyReaction)
	require.Len(t, got.Reactions, 1)
	require.True(t, got.Reactions[0].Has("me"))
	require.False(t, got.Queued)
	require.Equal(t, types.StatusSent, got.Status)

	byTemp, ok := s.Get("tmp-9")
	require.True(t, ok)
	require.Equal(t, "srv-9", byTemp.ID)
}

func TestOrderingTieBreaksByID(t *testing.T) {
	s := newStore(nil)
	s.Reconcile([]types.Message{msg("c", 0), msg("a", 0), msg("b", -time.Second)})
	require.Equal(t, []string{"b", "a", "c"}, ids(s.Snapshot()))
}

func TestStatusNeverDowngrades(t *testing.T) {
	s := newStore(nil)
	m := msg("m1", 0)
	m.Status = types.StatusRead
	s.Append(m)

	stale := msg("m1", 0)
	stale.Status = types.StatusDelivered
	s.Reconcile([]types.Message{stale})

	got, _ := s.Get("m1")
	require.Equal(t, types.StatusRead, got.Status)
	require.False(t, s.UpgradeStatus("m1", types.StatusSent))
}

func TestUpdatePatchMissingIsNoop(t *testing.T) {
	s := newStore(nil)
	text := "edited"
	require.False(t, s.UpdatePatch("nope", types.MessagePatch{Text: &text}))

	s.Append(msg("m1", 0))
	require.True(t, s.UpdatePatch("m1", types.MessagePatch{Text: &text}))
	got, _ := s.Get("m1")
	require.Equal(t, "edited", got.Text)
}

func TestSnapshotsAreNotMutatedLater(t *testing.T) {
	s := newStore(nil)
	s.Append(msg("m1", 0))
	before := s.Snapshot()

	text := "changed"
	s.UpdatePatch("m1", types.MessagePatch{Text: &text})
	require.Equal(t, "text m1", before[0].Text)

	before[0].Text = "scribble"
	got, _ := s.Get("m1")
	require.Equal(t, "changed", got.Text)
}

func TestSoftDeleteAndDeleteForMe(t *testing.T) {
	s := newStore(nil)
	s.Append(msg("m1", 0))
	s.Append(msg("m2", time.Second))

	require.True(t, s.SoftDelete("m1", t0.Add(time.Minute)))
	got, _ := s.Get("m1")
	require.True(t, got.Deleted())
	require.Empty(t, got.Text)
	require.Equal(t, 2, s.Len())

	require.True(t, s.DeleteForMe("m2"))
	require.False(t, s.DeleteForMe("m2"))
	require.Equal(t, []string{"m1"}, ids(s.Snapshot()))
}

func TestMarkSeenRecordsUser(t *testing.T) {
	s := newStore(nil)
	mine := pending("tmp-1", "hi", 0)
	mine.ID = "srv-1"
	mine.Status = types.StatusDelivered
	s.Append(mine)

	require.True(t, s.MarkSeen("srv-1", "u2", t0))
	got, _ := s.Get("srv-1")
	require.Equal(t, t0, got.SeenBy["u2"])
	require.Equal(t, types.StatusRead, got.Status)
}

func TestLoadInitialReplacesAndKeepsPending(t *testing.T) {
	a := adapter.Community()
	f := &fakeFetcher{pages: map[string]api.Page{
		a.ListMessages("t1"): {
			Messages: json.RawMessage(`[{"id":"m2","createdAt":"2026-03-01T12:00:02Z"},{"id":"m1","createdAt":"2026-03-01T12:00:01Z"}]`),
			Next:     "c1",
			HasMore:  true,
		},
		a.ListMessagesOlder("t1", "c1"): {
			Messages: json.RawMessage(`{"results":[{"id":"m0","createdAt":"2026-03-01T12:00:00Z"},{"id":"m1","createdAt":"2026-03-01T12:00:01Z"}]}`),
		},
	}}
	s := newStore(f)
	s.Append(msg("old", -time.Hour))
	s.Append(pending("tmp-1", "queued", time.Hour))

	require.NoError(t, s.LoadInitial(context.Background(), "t1"))
	require.Equal(t, []string{"m1", "m2", "tmp-1"}, ids(s.Snapshot()))
	require.True(t, s.HasMore())

	added, err := s.LoadOlder(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, added)
	require.Equal(t, []string{"m0", "m1", "m2", "tmp-1"}, ids(s.Snapshot()))

	_, err = s.LoadOlder(context.Background())
	require.ErrorIs(t, err, ErrNoMoreHistory)
}

func TestLoadInitialFetchError(t *testing.T) {
	s := newStore(&fakeFetcher{err: &api.APIError{Status: 502}})
	err := s.LoadInitial(context.Background(), "t1")
	require.ErrorIs(t, err, ErrFetch)

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, "t1", fe.ThreadID)
	var apiErr *api.APIError
	require.ErrorAs(t, err, &apiErr)
}

func TestLoadInitialDiscardsStaleResponse(t *testing.T) {
	a := adapter.Community()
	gate := make(chan struct{})
	f := &fakeFetcher{gate: gate, pages: map[string]api.Page{
		a.ListMessages("t1"): {Messages: json.RawMessage(`[{"id":"m1"}]`)},
	}}
	s := newStore(f)

	done := make(chan error, 1)
	go func() { done <- s.LoadInitial(context.Background(), "t1") }()
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.paths) == 1
	}, time.Second, time.Millisecond)

	s.Switch("t2")
	close(gate)
	require.NoError(t, <-done)
	require.Equal(t, "t2", s.ThreadID())
	require.Zero(t, s.Len())
}

func TestReconcileIgnoresOtherThreads(t *testing.T) {
	s := newStore(nil)
	other := msg("x", 0)
	other.ThreadID = "t9"
	s.Reconcile([]types.Message{other})
	require.Zero(t, s.Len())
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	s := newStore(nil)
	var got [][]string
	cancel := s.Subscribe(func(list []types.Message) { got = append(got, ids(list)) })

	s.Append(msg("m1", 0))
	s.Append(msg("m2", time.Second))
	cancel()
	s.Append(msg("m3", 2*time.Second))

	require.Equal(t, [][]string{{"m1"}, {"m1", "m2"}}, got)
}

func TestHydrateOnlyWhenEmpty(t *testing.T) {
	s := newStore(nil)
	require.True(t, s.Hydrate("t1", []types.Message{msg("c1", 0)}))
	require.False(t, s.Hydrate("t1", []types.Message{msg("c2", 0)}))
	require.False(t, s.Hydrate("other", []types.Message{msg("c3", 0)}))
	require.Equal(t, []string{"c1"}, ids(s.Snapshot()))
}

func TestLoadInitialKeepsMessagesNewerThanPage(t *testing.T) {
	a := adapter.Community()
	f := &fakeFetcher{pages: map[string]api.Page{
		a.ListMessages("t1"): {Messages: json.RawMessage(`[{"id":"m1","createdAt":"2026-03-01T12:00:01Z"}]`)},
	}}
	s := newStore(f)
	s.Append(msg("stale", -time.Hour))
	s.Append(msg("fresh", time.Minute))

	require.NoError(t, s.LoadInitial(context.Background(), "t1"))
	require.Equal(t, []string{"m1", "fresh"}, ids(s.Snapshot()))
}
