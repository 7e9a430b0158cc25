package session

import (
	"encoding/json"
	"time"

	"github.com/adamavenir/threadline/internal/reactions"
	"github.com/adamavenir/threadline/internal/realtime"
	"github.com/adamavenir/threadline/internal/types"
)

// typingTTL clears a remote typer that never sent typing stop.
const typingTTL = 6 * time.Second

// ackEvent is the subset of message:ack needed to tell an id-only ack from
// a full echo.
type ackEvent struct {
	ClientTempID string          `json:"clientTempId"`
	ID           json.RawMessage `json:"id"`
	MessageID    string          `json:"messageId"`
	Text         *string         `json:"text"`
	Attachments  json.RawMessage `json:"attachments"`
	CreatedAt    *time.Time      `json:"createdAt"`
}

func (s *Session) handle(env realtime.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("event handler panicked", "type", env.Type, "panic", r)
		}
	}()

	switch env.Type {
	case realtime.EventMessageNew:
		s.onMessage(env.Payload)
	case realtime.EventMessageAck:
		s.onAck(env.Payload)
	case realtime.EventMessageDelivered:
		var ev realtime.DeliveredEvent
		if s.decode(env, &ev) && ev.MessageID != "" {
			s.Timeline.UpgradeStatus(ev.MessageID, types.StatusDelivered)
		}
	case realtime.EventMessageSeen:
		var ev realtime.SeenEvent
		if s.decode(env, &ev) && ev.MessageID != "" {
			at := s.sched.Now()
			if ev.SeenAt != nil {
				at = *ev.SeenAt
			}
			s.Timeline.MarkSeen(ev.MessageID, ev.UserID, at)
		}
	case realtime.EventReactionUpdate:
		var ev realtime.ReactionEvent
		if s.decode(env, &ev) {
			s.Reactions.ApplyRemote(reactions.Event{
				MessageID: ev.MessageID,
				UserID:    ev.UserID,
				Emoji:     ev.Emoji,
				Action:    ev.Action,
			})
		}
	case realtime.EventTypingUpdate:
		var ev realtime.TypingEvent
		if s.decode(env, &ev) {
			s.onTyping(ev)
		}
	case realtime.EventMessageDelete:
		var ev realtime.DeleteEvent
		if s.decode(env, &ev) && ev.MessageID != "" {
			at := s.sched.Now()
			if ev.DeletedAt != nil {
				at = *ev.DeletedAt
			}
			s.Timeline.SoftDelete(ev.MessageID, at)
		}
	case realtime.EventMessageEdit:
		s.onEdit(env.Payload)
	case realtime.EventPresenceUpdate:
		var ev realtime.PresenceEvent
		if s.decode(env, &ev) && ev.UserID != "" {
			s.mu.Lock()
			s.presence[ev.UserID] = ev
			s.mu.Unlock()
		}
	case realtime.EventError:
		var ev realtime.ErrorEvent
		_ = env.Decode(&ev)
		s.log.Warn("server reported error", "message", ev.Message)
	default:
		s.log.Debug("ignoring event", "type", env.Type)
	}

	if s.onEvent != nil {
		s.onEvent(env)
	}
}

func (s *Session) decode(env realtime.Envelope, dst any) bool {
	if err := env.Decode(dst); err != nil {
		s.log.Warn("undecodable event", "type", env.Type, "error", err)
		return false
	}
	return true
}

func (s *Session) onMessage(raw json.RawMessage) {
	m, err := s.decoder.Message(raw)
	if err != nil {
		s.log.Warn("undecodable message", "error", err)
		return
	}
	m = s.reveal(m)
	s.Timeline.Append(m)

	if m.Sender.ID == s.user.ID {
		if m.ClientTempID != "" {
			s.Composer.Acknowledge(m.ClientTempID)
		}
	} else {
		s.Receipts.MarkDelivered(m)
	}

	s.mu.Lock()
	vp := s.viewport
	s.mu.Unlock()
	if vp != nil {
		vp.OnAppend()
	}
}

// onAck promotes a pending message. A full echo is merged like any inbound
// message; an id-only ack promotes the local copy.
func (s *Session) onAck(raw json.RawMessage) {
	var ack ackEvent
	if err := json.Unmarshal(raw, &ack); err != nil {
		s.log.Warn("undecodable ack", "error", err)
		return
	}
	if ack.ClientTempID != "" {
		s.Composer.Acknowledge(ack.ClientTempID)
	}
	full := ack.Text != nil || (len(ack.Attachments) > 0 && string(ack.Attachments) != "null" && string(ack.Attachments) != "[]")
	if full {
		m, err := s.decoder.Message(raw)
		if err != nil {
			return
		}
		m.Status = m.Status.Upgrade(types.StatusSent)
		s.Timeline.Reconcile([]types.Message{s.reveal(m)})
		return
	}

	id := ack.MessageID
	if id == "" {
		var sid string
		if json.Unmarshal(ack.ID, &sid) == nil {
			id = sid
		} else {
			var n json.Number
			if json.Unmarshal(ack.ID, &n) == nil {
				id = n.String()
			}
		}
	}
	local, ok := s.Timeline.Get(ack.ClientTempID)
	if !ok || id == "" || !local.Pending() {
		return
	}
	promoted := local.Clone()
	promoted.ID = id
	promoted.Status = types.StatusSent
	if ack.CreatedAt != nil {
		promoted.CreatedAt = *ack.CreatedAt
	}
	s.Timeline.Reconcile([]types.Message{promoted})
}

func (s *Session) onEdit(raw json.RawMessage) {
	m, err := s.decoder.Message(raw)
	if err != nil {
		s.log.Warn("undecodable edit", "error", err)
		return
	}
	m = s.reveal(m)
	edited := m.EditedAt
	if edited == nil {
		now := s.sched.Now()
		edited = &now
	}
	s.Timeline.UpdatePatch(m.ID, types.MessagePatch{
		Text:     &m.Text,
		EditedAt: types.OptionalTime{Set: true, Value: edited},
	})
}

func (s *Session) onTyping(ev realtime.TypingEvent) {
	if ev.UserID == "" || ev.UserID == s.user.ID {
		return
	}
	if ev.ThreadID != "" && ev.ThreadID != s.threadID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.typers[ev.UserID]; ok {
		t.timer.Stop()
		delete(s.typers, ev.UserID)
	}
	if !ev.IsTyping {
		return
	}
	id := ev.UserID
	t := &typer{name: ev.Name}
	t.timer = s.sched.AfterFunc(typingTTL, func() {
		s.mu.Lock()
		if cur, ok := s.typers[id]; ok && cur == t {
			delete(s.typers, id)
		}
		s.mu.Unlock()
	})
	s.typers[id] = t
}
