// Package adapter describes the endpoint shapes and capability set of each
// thread type.
package adapter

import (
	"fmt"
	"net/url"
)

// Mode is the thread type.
type Mode string

const (
	ModeCommunity Mode = "community"
	ModePrivate   Mode = "private"
)

// Adapter maps operations to endpoint paths for one thread type. Paths are
// relative to the API or websocket base URL. An empty path means the thread
// type has no such endpoint.
type Adapter interface {
	Mode() Mode
	Capabilities() CapabilitySet

	ListMessages(threadID string) string
	ListMessagesOlder(threadID, cursor string) string
	SendMessage(threadID string) string
	Upload() string
	UploadPresign() string

	Edit(messageID string) string
	DeleteForMe(messageID string) string
	DeleteForEveryone(messageID string) string
	React(messageID string) string
	ForwardMessage(messageID string) string
	MessageInfo(messageID string) string
	ReportMessage(messageID string) string

	MarkRead(threadID string) string
	MarkSeenBatch() string
	MarkDeliveredBatch() string

	WSPath(threadID string) string
	WSTypingPath(threadID string) string
	WSPresencePath(threadID string) string
}

// routes is the path table shared by both thread types.
type routes struct {
	mode           Mode
	caps           CapabilitySet
	threadBase     string // e.g. /communities/chat/groups/<id>
	messageBase    string // e.g. /communities/chat/messages/<id>
	uploadBase     string
	markReadBase   string
	seenBatch      string
	deliveredBatch string
	wsBase         string
}

func (r routes) Mode() Mode                  { return r.mode }
func (r routes) Capabilities() CapabilitySet { return r.caps }

func (r routes) thread(id, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", r.threadBase, url.PathEscape(id), suffix)
}

func (r routes) message(id, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", r.messageBase, url.PathEscape(id), suffix)
}

func (r routes) ListMessages(threadID string) string { return r.thread(threadID, "messages/") }

func (r routes) ListMessagesOlder(threadID, cursor string) string {
	return r.thread(threadID, "messages/") + "?cursor=" + url.QueryEscape(cursor)
}

func (r routes) SendMessage(threadID string) string { return r.thread(threadID, "messages/") }
func (r routes) Upload() string                     { return r.uploadBase + "/" }
func (r routes) UploadPresign() string              { return r.uploadBase + "/presign/" }

func (r routes) Edit(messageID string) string              { return r.message(messageID, "edit/") }
func (r routes) DeleteForMe(messageID string) string       { return r.message(messageID, "delete-for-me/") }
func (r routes) DeleteForEveryone(messageID string) string { return r.message(messageID, "") }
func (r routes) React(messageID string) string             { return r.message(messageID, "reactions/") }
func (r routes) ForwardMessage(messageID string) string    { return r.message(messageID, "forward/") }
func (r routes) MessageInfo(messageID string) string       { return r.message(messageID, "info/") }
func (r routes) ReportMessage(messageID string) string     { return r.message(messageID, "report/") }

func (r routes) MarkRead(threadID string) string {
	return fmt.Sprintf("%s/%s/mark-read/", r.markReadBase, url.PathEscape(threadID))
}

func (r routes) MarkSeenBatch() string      { return r.seenBatch }
func (r routes) MarkDeliveredBatch() string { return r.deliveredBatch }

func (r routes) WSPath(threadID string) string {
	return fmt.Sprintf("%s/%s/", r.wsBase, url.PathEscape(threadID))
}

func (r routes) WSTypingPath(threadID string) string   { return r.WSPath(threadID) + "typing/" }
func (r routes) WSPresencePath(threadID string) string { return r.WSPath(threadID) + "presence/" }

// Community returns the adapter for community hubs. Hubs have no end-to-end
// encryption and no batch receipt endpoints.
func Community() Adapter {
	return routes{
		mode: ModeCommunity,
		caps: NewCapabilitySet(
			CapReactions, CapForward, CapTyping, CapEdit, CapDeleteForEveryone,
			CapPresence, CapModeration, CapEmergencyAlerts, CapMarkRead,
			CapUploads, CapUploadPresign, CapBatching, CapOfflineReplay,
		),
		threadBase:   "/communities/chat/groups",
		messageBase:  "/communities/chat/messages",
		uploadBase:   "/communities/chat/uploads",
		markReadBase: "/communities/chat/groups",
		wsBase:       "/ws/community-chat",
	}
}

// Private returns the adapter for two-party conversations.
func Private() Adapter {
	return routes{
		mode: ModePrivate,
		caps: NewCapabilitySet(
			CapReactions, CapForward, CapTyping, CapEdit, CapDeleteForEveryone,
			CapPresence, CapModeration, CapMarkRead, CapUploads, CapUploadPresign,
			CapBatching, CapOfflineReplay, CapE2EE,
		),
		threadBase:     "/communities/private/chat/conversations",
		messageBase:    "/communities/private/chat/messages",
		uploadBase:     "/communities/private/chat/uploads",
		markReadBase:   "/communities/private/chat/conversations",
		seenBatch:      "/communities/private/chat/messages/seen/batch/",
		deliveredBatch: "/communities/private/chat/messages/delivered/batch/",
		wsBase:         "/ws/private-chat",
	}
}

// ForThreadType returns the adapter named by a config value.
func ForThreadType(name string) (Adapter, error) {
	switch Mode(name) {
	case ModeCommunity:
		return Community(), nil
	case ModePrivate:
		return Private(), nil
	}
	return nil, fmt.Errorf("unknown thread type %q", name)
}
