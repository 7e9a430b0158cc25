package realtime

import (
	"encoding/json"
	"time"
)

// Inbound event types.
const (
	EventMessageNew       = "message:new"
	EventMessageAck       = "message:ack"
	EventMessageDelivered = "message:delivered"
	EventMessageSeen      = "message:seen"
	EventMessageDelete    = "message:delete"
	EventMessageEdit      = "message:edit"
	EventReactionUpdate   = "reaction:update"
	EventTypingUpdate     = "typing:update"
	EventPresenceUpdate   = "presence:update"
	EventError            = "ERROR"
)

// Outbound frame types.
const (
	FrameMessageSend = "message:send"
	FrameTypingStart = "typing:start"
	FrameTypingStop  = "typing:stop"
)

// Envelope is one frame on the channel. Payload is decoded by the consumer
// according to Type.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return json.Unmarshal([]byte("{}"), dst)
	}
	return json.Unmarshal(e.Payload, dst)
}

type DeliveredEvent struct {
	MessageID string `json:"messageId"`
}

type SeenEvent struct {
	MessageID string     `json:"messageId"`
	UserID    string     `json:"userId"`
	SeenAt    *time.Time `json:"seenAt,omitempty"`
}

type ReactionEvent struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Action    string `json:"action"`
}

type TypingEvent struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	Name     string `json:"name,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type DeleteEvent struct {
	MessageID string     `json:"messageId"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

type PresenceEvent struct {
	UserID   string     `json:"userId"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

type typingFrame struct {
	ThreadID string `json:"threadId"`
}
