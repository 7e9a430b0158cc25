package reactions

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/adamavenir/threadline/internal/adapter"
	"github.com/adamavenir/threadline/internal/timeline"
	"github.com/adamavenir/threadline/internal/types"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	err   error
	calls []string
}

func (f *fakeSender) React(ctx context.Context, path, emoji string) error {
	f.calls = append(f.calls, path+" "+emoji)
	return f.err
}

func setup(t *testing.T, a adapter.Adapter, sender Sender) (*Engine, *timeline.Store) {
	t.Helper()
	store := timeline.New(timeline.Options{Adapter: a})
	store.Switch("t1")
	store.Append(types.Message{
		ID:        "m1",
		ThreadID:  "t1",
		Type:      types.MessageTypeText,
		Text:      "hi",
		Sender:    types.Sender{ID: "u2"},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:    types.StatusSent,
		Reactions: []types.Reaction{{Emoji: "❤️", Users: []string{"u3"}}},
	})
	return New(Options{Adapter: a, Store: store, Sender: sender, UserID: "me"}), store
}

func TestToggleSameEmojiTwiceRemovesReaction(t *testing.T) {
	e, store := setup(t, adapter.Private(), &fakeSender{})
	ctx := context.Background()

	require.NoError(t, e.React(ctx, "m1", "👍"))
	m, _ := store.Get("m1")
	require.Equal(t, "👍", m.MyReaction)

	require.NoError(t, e.React(ctx, "m1", "👍"))
	m, _ = store.Get("m1")
	require.Empty(t, m.MyReaction)
	for _, r := range m.Reactions {
		require.False(t, r.Has("me"))
	}
	require.Equal(t, []types.Reaction{{Emoji: "❤️", Users: []string{"u3"}}}, m.Reactions)
}

func TestSingleReactionPerUserUnderRandomSequence(t *testing.T) {
	e, store := setup(t, adapter.Private(), &fakeSender{})
	emoji := []string{"👍", "❤️", "😂", "😮"}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 200; i++ {
		require.NoError(t, e.React(context.Background(), "m1", emoji[rng.Intn(len(emoji))]))
		m, _ := store.Get("m1")
		count := 0
		for _, r := range m.Reactions {
			if r.Has("me") {
				count++
				require.Equal(t, r.Emoji, m.MyReaction)
			}
		}
		require.LessOrEqual(t, count, 1)
		if count == 0 {
			require.Empty(t, m.MyReaction)
		}
	}
}

func TestFailureRollsBackToSnapshot(t *testing.T) {
	sender := &fakeSender{}
	e, store := setup(t, adapter.Private(), sender)
	ctx := context.Background()
	require.NoError(t, e.React(ctx, "m1", "❤️"))
	before, _ := store.Get("m1")

	sender.err = errors.New("network down")
	err := e.React(ctx, "m1", "👍")
	require.ErrorIs(t, err, sender.err)

	after, _ := store.Get("m1")
	require.Equal(t, before.Reactions, after.Reactions)
	require.Equal(t, "❤️", after.MyReaction)
	require.Len(t, sender.calls, 2)
}

func TestCapabilityAndDeletedGuards(t *testing.T) {
	noReactions := stripped{adapter.Community()}
	e, _ := setup(t, noReactions, &fakeSender{})
	require.ErrorIs(t, e.React(context.Background(), "m1", "👍"), adapter.ErrUnsupported)

	e, store := setup(t, adapter.Community(), &fakeSender{})
	store.SoftDelete("m1", time.Now())
	require.ErrorIs(t, e.React(context.Background(), "m1", "👍"), ErrDeleted)
	require.ErrorIs(t, e.React(context.Background(), "zz", "👍"), ErrNotFound)
}

func TestPendingMessageStaysLocal(t *testing.T) {
	sender := &fakeSender{}
	e, store := setup(t, adapter.Private(), sender)
	store.Append(types.Message{ID: "tmp-1", ClientTempID: "tmp-1", ThreadID: "t1", Status: types.StatusSending, CreatedAt: time.Now()})

	require.NoError(t, e.React(context.Background(), "tmp-1", "🔥"))
	m, _ := store.Get("tmp-1")
	require.Equal(t, "🔥", m.MyReaction)
	require.Empty(t, sender.calls)
}

func TestApplyRemote(t *testing.T) {
	e, store := setup(t, adapter.Private(), &fakeSender{})

	require.True(t, e.ApplyRemote(Event{MessageID: "m1", UserID: "u3", Emoji: "👍", Action: ActionAdded}))
	m, _ := store.Get("m1")
	require.Equal(t, []types.Reaction{{Emoji: "👍", Users: []string{"u3"}}}, m.Reactions)

	require.False(t, e.ApplyRemote(Event{MessageID: "m1", UserID: "u3", Emoji: "❤️", Action: ActionRemoved}))

	require.True(t, e.ApplyRemote(Event{MessageID: "m1", UserID: "me", Emoji: "😂", Action: ActionAdded}))
	m, _ = store.Get("m1")
	require.Equal(t, "😂", m.MyReaction)

	require.True(t, e.ApplyRemote(Event{MessageID: "m1", UserID: "me", Emoji: "😂", Action: ActionRemoved}))
	m, _ = store.Get("m1")
	require.Empty(t, m.MyReaction)
}

// stripped hides the reactions capability.
type stripped struct{ adapter.Adapter }

func (s stripped) Capabilities() adapter.CapabilitySet {
	var out adapter.CapabilitySet
	for _, c := range s.Adapter.Capabilities().List() {
		if c != adapter.CapReactions {
			out |= adapter.CapabilitySet(c)
		}
	}
	return out
}
