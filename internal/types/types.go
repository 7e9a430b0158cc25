package types

import "time"

// MessageType is the tagged variant of a message body.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeMedia  MessageType = "media"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether the type is one of the known variants.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeMedia, MessageTypeSystem:
		return true
	}
	return false
}

// DeliveryStatus is the delivery state of a message.
type DeliveryStatus string

const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Rank orders statuses along the delivery path. Failed ranks with sending.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Upgrade returns the later of two statuses. A status never moves backwards
// along sending < sent < delivered < read; failed only replaces sending.
func (s DeliveryStatus) Upgrade(next DeliveryStatus) DeliveryStatus {
	if next == "" {
		return s
	}
	if s == "" {
		return next
	}
	if next == StatusFailed {
		if s == StatusSending || s == StatusFailed {
			return StatusFailed
		}
		return s
	}
	if s == StatusFailed {
		return next
	}
	if next.Rank() >= s.Rank() {
		return next
	}
	return s
}

// AttachmentKind classifies an uploaded file.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is a server-side attachment descriptor.
type Attachment struct {
	ID           string         `json:"id"`
	Kind         AttachmentKind `json:"type"`
	URL          string         `json:"url"`
	ThumbnailURL string         `json:"thumbnailUrl,omitempty"`
	Name         string         `json:"name,omitempty"`
	MimeType     string         `json:"mimeType,omitempty"`
	Size         int64          `json:"size,omitempty"`
	DurationMS   int64          `json:"durationMs,omitempty"`
}

// Sender identifies the author of a message.
type Sender struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// ReplyRef points at the message being replied to.
type ReplyRef struct {
	ID         string `json:"id"`
	Text       string `json:"text,omitempty"`
	SenderName string `json:"senderName,omitempty"`
}

// Message is one entry in a thread timeline.
//
// ID holds the server id once acknowledged. While pending, ID equals
// ClientTempID.
type Message struct {
	ID           string               `json:"id"`
	ClientTempID string               `json:"clientTempId,omitempty"`
	ThreadID     string               `json:"threadId"`
	Type         MessageType          `json:"messageType"`
	Text         string               `json:"text,omitempty"`
	Attachments  []Attachment         `json:"attachments"`
	Sender       Sender               `json:"sender"`
	CreatedAt    time.Time            `json:"createdAt"`
	EditedAt     *time.Time           `json:"editedAt,omitempty"`
	DeletedAt    *time.Time           `json:"deletedAt,omitempty"`
	Status       DeliveryStatus       `json:"status"`
	ReplyTo      *ReplyRef            `json:"replyTo,omitempty"`
	Reactions    []Reaction           `json:"reactions"`
	MyReaction   string               `json:"myReaction,omitempty"`
	SeenBy       map[string]time.Time `json:"seenBy,omitempty"`
	Hash         string               `json:"messageHash,omitempty"`

	// Queued is set while the message is held in the outbox.
	Queued bool `json:"-"`
}

// Pending reports whether the message is still identified by its temp id.
func (m Message) Pending() bool {
	return m.ClientTempID != "" && m.ID == m.ClientTempID
}

// Deleted reports whether the message was soft deleted.
func (m Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Clone returns a deep copy so callers never share slices with the store.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	out.Reactions = CloneReactions(m.Reactions)
	if m.SeenBy != nil {
		out.SeenBy = make(map[string]time.Time, len(m.SeenBy))
		for k, v := range m.SeenBy {
			out.SeenBy[k] = v
		}
	}
	if m.ReplyTo != nil {
		ref := *m.ReplyTo
		out.ReplyTo = &ref
	}
	if m.EditedAt != nil {
		at := *m.EditedAt
		out.EditedAt = &at
	}
	if m.DeletedAt != nil {
		at := *m.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

// OptionalString represents a nullable string update.
type OptionalString struct {
	Set   bool
	Value *string
}

// OptionalTime represents a nullable timestamp update.
type OptionalTime struct {
	Set   bool
	Value *time.Time
}

// MessagePatch is a shallow set of field updates. Unset fields are left alone.
type MessagePatch struct {
	Text        *string
	Status      *DeliveryStatus
	Attachments *[]Attachment
	Reactions   *[]Reaction
	MyReaction  OptionalString
	EditedAt    OptionalTime
	DeletedAt   OptionalTime
	Queued      *bool
}

// Apply returns a copy of m with the patch applied.
func (p MessagePatch) Apply(m Message) Message {
	out := m.Clone()
	if p.Text != nil {
		out.Text = *p.Text
	}
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Attachments != nil {
		out.Attachments = append([]Attachment{}, (*p.Attachments)...)
	}
	if p.Reactions != nil {
		out.Reactions = CloneReactions(*p.Reactions)
	}
	if p.MyReaction.Set {
		out.MyReaction = ""
		if p.MyReaction.Value != nil {
			out.MyReaction = *p.MyReaction.Value
		}
	}
	if p.EditedAt.Set {
		out.EditedAt = p.EditedAt.Value
	}
	if p.DeletedAt.Set {
		out.DeletedAt = p.DeletedAt.Value
	}
	if p.Queued != nil {
		out.Queued = *p.Queued
	}
	return out
}

// StatusPatch is a convenience patch that only sets the status.
func StatusPatch(status DeliveryStatus) MessagePatch {
	return MessagePatch{Status: &status}
}

// FileRef points at a local file that has not been uploaded yet.
type FileRef struct {
	ID       string         `json:"id"`
	Path     string         `json:"path"`
	Name     string         `json:"name"`
	MimeType string         `json:"mimeType,omitempty"`
	Kind     AttachmentKind `json:"kind,omitempty"`
	Size     int64          `json:"size"`
}

// Draft is the per-thread composition state.
type Draft struct {
	ThreadID    string    `json:"threadId"`
	Text        string    `json:"text"`
	ReplyToID   string    `json:"replyToId,omitempty"`
	Attachments []FileRef `json:"attachments"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Empty reports whether there is nothing to send.
func (d Draft) Empty() bool {
	return d.Text == "" && len(d.Attachments) == 0
}

// UploadJob is the durable record of one file transfer.
type UploadJob struct {
	ID            string    `json:"id"`
	File          FileRef   `json:"file"`
	ThreadID      string    `json:"threadId"`
	ClientTempID  string    `json:"clientTempId"`
	UploadedBytes int64     `json:"uploadedBytes"`
	ChunkSize     int64     `json:"chunkSize"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Percent returns upload progress rounded down to a whole percent.
func (j UploadJob) Percent() int {
	if j.File.Size <= 0 {
		return 0
	}
	return int(j.UploadedBytes * 100 / j.File.Size)
}

// SendPayload is the outbound message frame body.
type SendPayload struct {
	ClientTempID string       `json:"clientTempId"`
	MessageType  MessageType  `json:"messageType"`
	Text         string       `json:"text,omitempty"`
	ReplyToID    string       `json:"replyToId,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	Encrypted    bool         `json:"encrypted,omitempty"`
}

// OutboxEntry is a message payload waiting for delivery.
type OutboxEntry struct {
	Key        string      `json:"key"`
	ThreadID   string      `json:"threadId"`
	Payload    SendPayload `json:"payload"`
	Files      []FileRef   `json:"files,omitempty"`
	Hash       string      `json:"hash,omitempty"`
	ServerID   string      `json:"serverId,omitempty"`
	EnqueuedAt time.Time   `json:"timestamp"`
	Attempts   int         `json:"attempts"`
}

// HasVideo reports whether any pending file is a video.
func (e OutboxEntry) HasVideo() bool {
	for _, f := range e.Files {
		if f.Kind == AttachmentVideo {
			return true
		}
	}
	return false
}
