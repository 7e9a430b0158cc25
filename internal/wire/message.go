// Package wire maps untyped inbound payloads onto strict engine types. Missing
// or malformed fields are filled with safe defaults instead of rejecting the
// message.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adamavenir/threadline/internal/core"
	"github.com/adamavenir/threadline/internal/types"
)

// Placeholder sender used when a payload carries no author.
const (
	UnknownSenderID   = "unknown"
	UnknownSenderName = "Unknown"
)

// ErrNotObject is returned when a payload is not a JSON object.
var ErrNotObject = errors.New("wire: payload is not an object")

// Decoder converts wire payloads into messages.
type Decoder struct {
	// UserID is the current user, used to derive MyReaction.
	UserID string
	// ThreadID fills messages that omit their thread.
	ThreadID string
	Now      func() time.Time
	NewID    func() string
}

func (d Decoder) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d Decoder) newID() string {
	if d.NewID != nil {
		return d.NewID()
	}
	return core.NewID()
}

type wireSender struct {
	ID        flexString `json:"id"`
	Name      flexString `json:"name"`
	Username  flexString `json:"username"`
	AvatarURL flexString `json:"avatarUrl"`
}

// Fields whose shape varies between servers are held raw and decoded one
// by one, so a mistyped field falls back to its default.
type wireMessage struct {
	ID           flexString      `json:"id"`
	ClientTempID flexString      `json:"clientTempId"`
	ThreadID     flexString      `json:"threadId"`
	MessageType  flexString      `json:"messageType"`
	Type         flexString      `json:"type"`
	Text         flexText        `json:"text"`
	Attachments  json.RawMessage `json:"attachments"`
	Sender       json.RawMessage `json:"sender"`
	SenderID     flexString      `json:"senderId"`
	SenderName   flexString      `json:"senderName"`
	CreatedAt    flexTime        `json:"createdAt"`
	EditedAt     flexTime        `json:"editedAt"`
	DeletedAt    flexTime        `json:"deletedAt"`
	IsDeleted    flexBool        `json:"isDeleted"`
	Status       flexString      `json:"status"`
	ReplyTo      json.RawMessage `json:"replyTo"`
	Reactions    flexReactions   `json:"reactions"`
	MyReaction   flexString      `json:"myReaction"`
	SeenBy       json.RawMessage `json:"seenBy"`
	MessageHash  flexString      `json:"messageHash"`
}

// Message parses one message payload.
func (d Decoder) Message(raw []byte) (types.Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return types.Message{}, ErrNotObject
	}
	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return types.Message{}, fmt.Errorf("wire: decode message: %w", err)
	}
	return d.fromWire(w), nil
}

// Messages parses a JSON array of messages, or an object with a "results" or
// "messages" array. Entries that are not objects are skipped.
func (d Decoder) Messages(raw []byte) ([]types.Message, error) {
	trimmed := bytes.TrimSpace(raw)
	var items []json.RawMessage
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var page struct {
			Results  []json.RawMessage `json:"results"`
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(trimmed, &page); err != nil {
			return nil, fmt.Errorf("wire: decode page: %w", err)
		}
		items = page.Results
		if items == nil {
			items = page.Messages
		}
	} else if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("wire: decode list: %w", err)
	}

	out := make([]types.Message, 0, len(items))
	for _, item := range items {
		msg, err := d.Message(item)
		if err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Normalize applies the default policy to an already typed message.
func (d Decoder) Normalize(m types.Message) types.Message {
	out := m.Clone()
	if out.ID == "" {
		out.ID = out.ClientTempID
	}
	if out.ID == "" {
		out.ID = d.newID()
	}
	if out.ThreadID == "" {
		out.ThreadID = d.ThreadID
	}
	if !out.Type.Valid() {
		out.Type = inferType("", len(out.Attachments) > 0)
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = d.now()
	}
	if out.Sender.ID == "" {
		out.Sender.ID = UnknownSenderID
	}
	if out.Sender.Name == "" {
		out.Sender.Name = UnknownSenderName
	}
	if out.Attachments == nil {
		out.Attachments = []types.Attachment{}
	}
	out.Reactions = types.NormalizeReactions(out.Reactions)
	if d.UserID != "" {
		out.MyReaction = types.ReactionOf(out.Reactions, d.UserID)
	}
	if out.Status == "" {
		out.Status = types.StatusSent
	}
	return out
}

func (d Decoder) fromWire(w wireMessage) types.Message {
	m := types.Message{
		ID:           string(w.ID),
		ClientTempID: string(w.ClientTempID),
		ThreadID:     string(w.ThreadID),
		Text:         string(w.Text),
		Attachments:  decodeAttachments(w.Attachments),
		ReplyTo:      decodeReplyTo(w.ReplyTo),
		Reactions:    []types.Reaction(w.Reactions),
		MyReaction:   string(w.MyReaction),
		Status:       parseStatus(string(w.Status)),
		Hash:         string(w.MessageHash),
		SeenBy:       decodeSeenBy(w.SeenBy),
	}

	typ := string(w.MessageType)
	if typ == "" {
		typ = string(w.Type)
	}
	m.Type = inferType(typ, len(m.Attachments) > 0)

	m.Sender = decodeSender(w.Sender)
	if m.Sender.ID == "" {
		m.Sender.ID = string(w.SenderID)
	}
	if m.Sender.Name == "" {
		m.Sender.Name = string(w.SenderName)
	}

	if !w.CreatedAt.IsZero() {
		m.CreatedAt = w.CreatedAt.Time
	}
	if !w.EditedAt.IsZero() {
		at := w.EditedAt.Time
		m.EditedAt = &at
	}
	if !w.DeletedAt.IsZero() {
		at := w.DeletedAt.Time
		m.DeletedAt = &at
	} else if w.IsDeleted {
		at := d.now()
		m.DeletedAt = &at
	}
	return d.Normalize(m)
}

// decodeAttachments keeps the well-formed entries of an attachment list.
// Anything other than an array yields no attachments.
func decodeAttachments(raw json.RawMessage) []types.Attachment {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []types.Attachment{}
	}
	out := make([]types.Attachment, 0, len(items))
	for _, item := range items {
		var a types.Attachment
		if err := json.Unmarshal(item, &a); err != nil {
			continue
		}
		if a.URL == "" && a.ID == "" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// decodeSender accepts a sender object or a bare sender id.
func decodeSender(raw json.RawMessage) types.Sender {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return types.Sender{}
	}
	if raw[0] != '{' {
		var id flexString
		_ = json.Unmarshal(raw, &id)
		return types.Sender{ID: string(id)}
	}
	var w wireSender
	if err := json.Unmarshal(raw, &w); err != nil {
		return types.Sender{}
	}
	s := types.Sender{ID: string(w.ID), Name: string(w.Name), AvatarURL: string(w.AvatarURL)}
	if s.Name == "" {
		s.Name = string(w.Username)
	}
	return s
}

// decodeReplyTo accepts a reply object or a bare message id.
func decodeReplyTo(raw json.RawMessage) *types.ReplyRef {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if raw[0] != '{' {
		var id flexString
		_ = json.Unmarshal(raw, &id)
		if id == "" {
			return nil
		}
		return &types.ReplyRef{ID: string(id)}
	}
	var w struct {
		ID         flexString `json:"id"`
		Text       flexText   `json:"text"`
		SenderName flexString `json:"senderName"`
	}
	if err := json.Unmarshal(raw, &w); err != nil || w.ID == "" {
		return nil
	}
	return &types.ReplyRef{ID: string(w.ID), Text: string(w.Text), SenderName: string(w.SenderName)}
}

func decodeSeenBy(raw json.RawMessage) map[string]time.Time {
	var byUser map[string]flexTime
	if err := json.Unmarshal(raw, &byUser); err != nil || len(byUser) == 0 {
		return nil
	}
	out := make(map[string]time.Time, len(byUser))
	for user, at := range byUser {
		out[user] = at.Time
	}
	return out
}

func inferType(raw string, hasAttachments bool) types.MessageType {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "text":
		return types.MessageTypeText
	case "media", "image", "video", "audio", "voice", "file":
		return types.MessageTypeMedia
	case "system":
		return types.MessageTypeSystem
	}
	if hasAttachments {
		return types.MessageTypeMedia
	}
	return types.MessageTypeText
}

func parseStatus(raw string) types.DeliveryStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "sending", "pending":
		return types.StatusSending
	case "sent":
		return types.StatusSent
	case "delivered":
		return types.StatusDelivered
	case "read", "seen":
		return types.StatusRead
	case "failed", "error":
		return types.StatusFailed
	}
	return ""
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			*s = ""
			return nil
		}
		*s = flexString(strings.TrimSpace(v))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		*s = ""
		return nil
	}
	*s = flexString(n.String())
	return nil
}

// flexText is message text: a string kept verbatim, or a number in its
// literal form. Other shapes decode to "".
type flexText string

func (t *flexText) UnmarshalJSON(data []byte) error {
	*t = ""
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var v string
		if json.Unmarshal(data, &v) == nil {
			*t = flexText(v)
		}
		return nil
	}
	var n json.Number
	if json.Unmarshal(data, &n) == nil {
		*t = flexText(n.String())
	}
	return nil
}

// flexBool accepts true/false, "true"/"false" and 0/1.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	var s flexString
	_ = s.UnmarshalJSON(data)
	v, err := strconv.ParseBool(strings.ToLower(string(s)))
	if err != nil {
		v = bytes.Equal(bytes.TrimSpace(data), []byte("true"))
	}
	*b = flexBool(v)
	return nil
}

// flexTime accepts RFC 3339 strings or unix milliseconds. Unparseable values
// decode to the zero time.
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	t.Time = time.Time{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return nil
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, v); err == nil {
				t.Time = parsed
				return nil
			}
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t.Time = time.UnixMilli(ms).UTC()
		}
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil && f > 0 {
		t.Time = time.UnixMilli(int64(f)).UTC()
	}
	return nil
}

// flexReactions accepts [{emoji, users}] or {emoji: [users]}.
type flexReactions []types.Reaction

func (r *flexReactions) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*r = nil
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '[':
		var list []struct {
			Emoji string       `json:"emoji"`
			Users []flexString `json:"users"`
		}
		if err := json.Unmarshal(data, &list); err != nil {
			return nil
		}
		for _, item := range list {
			users := make([]string, 0, len(item.Users))
			for _, u := range item.Users {
				users = append(users, string(u))
			}
			*r = append(*r, types.Reaction{Emoji: item.Emoji, Users: users})
		}
	case '{':
		var byEmoji map[string][]flexString
		if err := json.Unmarshal(data, &byEmoji); err != nil {
			return nil
		}
		emojis := make([]string, 0, len(byEmoji))
		for emoji := range byEmoji {
			emojis = append(emojis, emoji)
		}
		sort.Strings(emojis)
		for _, emoji := range emojis {
			list := byEmoji[emoji]
			users := make([]string, 0, len(list))
			for _, u := range list {
				users = append(users, string(u))
			}
			*r = append(*r, types.Reaction{Emoji: emoji, Users: users})
		}
	}
	return nil
}
