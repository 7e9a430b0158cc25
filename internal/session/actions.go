package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adamavenir/threadline/internal/adapter"
	"github.com/adamavenir/threadline/internal/api"
	"github.com/adamavenir/threadline/internal/types"
)

var (
	ErrNotFound = errors.New("session: message not found")
	ErrDeleted  = errors.New("session: message was deleted")
	ErrPending  = errors.New("session: message not yet acknowledged")
	ErrNotOwner = errors.New("session: message belongs to another user")
)

// lookup returns a message that exists on the server and is not deleted.
func (s *Session) lookup(id string) (types.Message, error) {
	m, ok := s.Timeline.Get(id)
	switch {
	case !ok:
		return types.Message{}, ErrNotFound
	case m.Deleted():
		return types.Message{}, ErrDeleted
	case m.Pending():
		return types.Message{}, ErrPending
	}
	return m, nil
}

// React toggles the user's reaction on a message.
func (s *Session) React(ctx context.Context, id, emoji string) error {
	return s.Reactions.React(ctx, id, emoji)
}

// Edit replaces the text of one of the user's messages. The change shows
// immediately and is reverted if the server refuses it.
func (s *Session) Edit(ctx context.Context, id, text string) error {
	if err := adapter.Require(s.adapter, adapter.CapEdit); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("session: edit text is empty")
	}
	m, err := s.lookup(id)
	if err != nil {
		return err
	}
	if m.Sender.ID != s.user.ID {
		return ErrNotOwner
	}

	now := s.sched.Now()
	s.Timeline.UpdatePatch(m.ID, types.MessagePatch{
		Text:     &text,
		EditedAt: types.OptionalTime{Set: true, Value: &now},
	})
	raw, err := s.client.EditMessage(ctx, s.adapter.Edit(m.ID), s.seal(text))
	if err != nil {
		s.Timeline.UpdatePatch(m.ID, types.MessagePatch{
			Text:     &m.Text,
			EditedAt: types.OptionalTime{Set: true, Value: m.EditedAt},
		})
		return fmt.Errorf("edit %s: %w", m.ID, err)
	}
	if echo, err := s.decoder.Message(raw); err == nil && echo.EditedAt != nil {
		s.Timeline.UpdatePatch(m.ID, types.MessagePatch{
			EditedAt: types.OptionalTime{Set: true, Value: echo.EditedAt},
		})
	}
	return nil
}

// DeleteForMe hides a message locally and on the user's other devices. A
// message that never reached the server is dropped with its outbox entry
// and uploads.
func (s *Session) DeleteForMe(ctx context.Context, id string) error {
	m, ok := s.Timeline.Get(id)
	if !ok {
		return ErrNotFound
	}
	if m.Pending() {
		s.Timeline.DeleteForMe(id)
		s.Outbox.Remove(ctx, m.ClientTempID)
		s.Composer.Acknowledge(m.ClientTempID)
		if err := s.Uploads.DiscardMessage(ctx, m.ClientTempID); err != nil {
			s.log.Warn("discard uploads", "temp_id", m.ClientTempID, "error", err)
		}
		return nil
	}

	s.Timeline.DeleteForMe(m.ID)
	if err := s.client.DeleteForMe(ctx, s.adapter.DeleteForMe(m.ID)); err != nil {
		s.Timeline.Restore(m)
		return fmt.Errorf("delete %s: %w", m.ID, err)
	}
	return nil
}

// DeleteForEveryone soft-deletes one of the user's messages for all
// participants.
func (s *Session) DeleteForEveryone(ctx context.Context, id string) error {
	if err := adapter.Require(s.adapter, adapter.CapDeleteForEveryone); err != nil {
		return err
	}
	m, err := s.lookup(id)
	if err != nil {
		return err
	}
	if m.Sender.ID != s.user.ID {
		return ErrNotOwner
	}

	s.Timeline.SoftDelete(m.ID, s.sched.Now())
	if err := s.client.DeleteForEveryone(ctx, s.adapter.DeleteForEveryone(m.ID)); err != nil {
		atts := m.Attachments
		s.Timeline.UpdatePatch(m.ID, types.MessagePatch{
			Text:        &m.Text,
			Attachments: &atts,
			DeletedAt:   types.OptionalTime{Set: true},
		})
		return fmt.Errorf("delete %s for everyone: %w", m.ID, err)
	}
	return nil
}

// Forward copies a message into other threads.
func (s *Session) Forward(ctx context.Context, id string, targets []string) error {
	if err := adapter.Require(s.adapter, adapter.CapForward); err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("session: no forward targets")
	}
	m, err := s.lookup(id)
	if err != nil {
		return err
	}
	return s.client.Forward(ctx, s.adapter.ForwardMessage(m.ID), targets)
}

// Info returns delivery and read details for a message.
func (s *Session) Info(ctx context.Context, id string) (api.MessageInfo, error) {
	m, err := s.lookup(id)
	if err != nil {
		return api.MessageInfo{}, err
	}
	return s.client.MessageInfo(ctx, s.adapter.MessageInfo(m.ID))
}

// Report flags a message for moderators.
func (s *Session) Report(ctx context.Context, id, reason string) error {
	if err := adapter.Require(s.adapter, adapter.CapModeration); err != nil {
		return err
	}
	m, err := s.lookup(id)
	if err != nil {
		return err
	}
	return s.client.Report(ctx, s.adapter.ReportMessage(m.ID), strings.TrimSpace(reason))
}

// MarkVisible reports that a message occupies ratio of the viewport.
func (s *Session) MarkVisible(id string, ratio float64) {
	s.Visibility.Observe(id, ratio)
}
