// Package reactions applies single-reaction-per-user toggles to the
// timeline, optimistically and with rollback.
package reactions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/adamavenir/threadline/internal/adapter"
	"github.com/adamavenir/threadline/internal/logging"
	"github.com/adamavenir/threadline/internal/types"
)

var (
	ErrNotFound = errors.New("reactions: message not found")
	ErrDeleted  = errors.New("reactions: message was deleted")
)

// Store is the subset of the timeline the engine reads and patches.
type Store interface {
	Get(id string) (types.Message, bool)
	UpdatePatch(id string, patch types.MessagePatch) bool
}

// Sender transmits a reaction change.
type Sender interface {
	React(ctx context.Context, path, emoji string) error
}

// Toggle computes the reaction list after userID reacts with emoji. The user
// is first removed from every emoji; reacting again with the current emoji
// leaves no reaction. It returns the new list and the user's reaction.
func Toggle(list []types.Reaction, userID, emoji string) ([]types.Reaction, string) {
	prev := types.ReactionOf(list, userID)
	next := types.WithoutUser(list, userID)
	if prev == emoji {
		return next, ""
	}
	return types.WithUser(next, userID, emoji), emoji
}

// Event is a reaction change pushed by the server.
type Event struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
)

// Options configures an Engine.
type Options struct {
	Adapter adapter.Adapter
	Store   Store
	Sender  Sender
	UserID  string
	Logger  *slog.Logger
	// Observe is called with each outcome: "ok", "rolled_back", "local".
	Observe func(outcome string)
}

// Engine applies reactions for one user.
type Engine struct {
	adapter adapter.Adapter
	store   Store
	sender  Sender
	userID  string
	log     *slog.Logger
	observe func(string)

	mu sync.Mutex
}

// New creates an engine.
func New(opts Options) *Engine {
	observe := opts.Observe
	if observe == nil {
		observe = func(string) {}
	}
	return &Engine{
		adapter: opts.Adapter,
		store:   opts.Store,
		sender:  opts.Sender,
		userID:  opts.UserID,
		log:     logging.OrDefault(opts.Logger).With("component", "reactions"),
		observe: observe,
	}
}

type snapshot struct {
	reactions []types.Reaction
	mine      string
}

// React toggles the user's reaction on a message. The store is updated
// before the request goes out; on failure the message's reactions are put
// back exactly as they were.
func (e *Engine) React(ctx context.Context, messageID, emoji string) error {
	if err := adapter.Require(e.adapter, adapter.CapReactions); err != nil {
		return err
	}
	if emoji == "" {
		return fmt.Errorf("reactions: empty emoji")
	}

	e.mu.Lock()
	m, ok := e.store.Get(messageID)
	if !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	if m.Deleted() {
		e.mu.Unlock()
		return ErrDeleted
	}
	before := snapshot{reactions: types.CloneReactions(m.Reactions), mine: m.MyReaction}
	next, mine := Toggle(m.Reactions, e.userID, emoji)
	e.store.UpdatePatch(m.ID, reactionPatch(next, mine))
	e.mu.Unlock()

	// The server does not know pending messages yet; the local reaction is
	// carried over when the message is promoted.
	if m.Pending() || e.sender == nil {
		e.observe("local")
		return nil
	}

	if err := e.sender.React(ctx, e.adapter.React(m.ID), emoji); err != nil {
		e.mu.Lock()
		e.store.UpdatePatch(m.ID, reactionPatch(before.reactions, before.mine))
		e.mu.Unlock()
		e.observe("rolled_back")
		e.log.Warn("reaction failed, rolled back", "message", m.ID, "emoji", emoji, "error", err)
		return fmt.Errorf("react %s: %w", m.ID, err)
	}
	e.observe("ok")
	return nil
}

// ApplyRemote merges a server-pushed reaction change. Inbound lists are
// normalized so a user never ends up under two emoji.
func (e *Engine) ApplyRemote(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.store.Get(ev.MessageID)
	if !ok || ev.UserID == "" {
		return false
	}
	var next []types.Reaction
	switch ev.Action {
	case ActionRemoved:
		if types.ReactionOf(m.Reactions, ev.UserID) != ev.Emoji {
			return false
		}
		next = types.WithoutUser(m.Reactions, ev.UserID)
	default:
		if ev.Emoji == "" {
			return false
		}
		next = types.WithUser(m.Reactions, ev.UserID, ev.Emoji)
	}
	next = types.NormalizeReactions(next)
	return e.store.UpdatePatch(m.ID, reactionPatch(next, types.ReactionOf(next, e.userID)))
}

func reactionPatch(list []types.Reaction, mine string) types.MessagePatch {
	if list == nil {
		list = []types.Reaction{}
	}
	p := types.MessagePatch{Reactions: &list}
	if mine == "" {
		p.MyReaction = types.OptionalString{Set: true}
	} else {
		p.MyReaction = types.OptionalString{Set: true, Value: &mine}
	}
	return p
}
