package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/adamavenir/threadline/internal/types"
)

// Page is one page of message history. Messages holds the raw entries for
// the wire decoder.
type Page struct {
	Messages json.RawMessage
	Next     string
	HasMore  bool
}

type pageEnvelope struct {
	Results    json.RawMessage `json:"results"`
	Messages   json.RawMessage `json:"messages"`
	Next       *string         `json:"next"`
	NextCursor string          `json:"nextCursor"`
	HasMore    *bool           `json:"hasMore"`
}

// FetchPage loads a history page from path. The server may answer with a
// bare array or with an object carrying the list and a cursor.
func (c *Client) FetchPage(ctx context.Context, path string) (Page, error) {
	data, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return Page{}, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Page{Messages: json.RawMessage("[]")}, nil
	}
	if data[0] == '[' {
		return Page{Messages: json.RawMessage(data)}, nil
	}

	var env pageEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Page{}, fmt.Errorf("decode page: %w", err)
	}
	page := Page{Messages: env.Results}
	if page.Messages == nil {
		page.Messages = env.Messages
	}
	if page.Messages == nil {
		page.Messages = json.RawMessage("[]")
	}
	page.Next = env.NextCursor
	if page.Next == "" && env.Next != nil {
		page.Next = cursorFromNext(*env.Next)
	}
	if env.HasMore != nil {
		page.HasMore = *env.HasMore
	} else {
		page.HasMore = page.Next != ""
	}
	return page, nil
}

// cursorFromNext accepts either a bare cursor or a next-page URL.
func cursorFromNext(next string) string {
	u, err := url.Parse(next)
	if err != nil || u.RawQuery == "" {
		return next
	}
	if cursor := u.Query().Get("cursor"); cursor != "" {
		return cursor
	}
	return next
}

// SendMessage posts a message through the REST path and returns the
// authoritative message as echoed by the server.
func (c *Client) SendMessage(ctx context.Context, path string, payload types.SendPayload) (json.RawMessage, error) {
	var resp json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// EditMessage replaces the text of a message.
func (c *Client) EditMessage(ctx context.Context, path, text string) (json.RawMessage, error) {
	var resp json.RawMessage
	if err := c.doJSON(ctx, http.MethodPatch, path, map[string]string{"text": text}, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// DeleteForMe hides a message for the current user.
func (c *Client) DeleteForMe(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

// DeleteForEveryone soft-deletes a message for all participants.
func (c *Client) DeleteForEveryone(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// React sends the requested emoji. The server applies the same toggle rule
// as the client.
func (c *Client) React(ctx context.Context, path, emoji string) error {
	return c.doJSON(ctx, http.MethodPost, path, map[string]string{"emoji": emoji}, nil)
}

// Forward copies a message into other threads.
func (c *Client) Forward(ctx context.Context, path string, threadIDs []string) error {
	return c.doJSON(ctx, http.MethodPost, path, map[string][]string{"targetThreadIds": threadIDs}, nil)
}

// Report flags a message for moderation.
func (c *Client) Report(ctx context.Context, path, reason string) error {
	return c.doJSON(ctx, http.MethodPost, path, map[string]string{"reason": reason}, nil)
}

// Receipt is one user's acknowledgment of a message.
type Receipt struct {
	UserID string    `json:"userId"`
	Name   string    `json:"name,omitempty"`
	At     time.Time `json:"at"`
}

// MessageInfo lists who received and read a message.
type MessageInfo struct {
	MessageID   string    `json:"messageId"`
	DeliveredTo []Receipt `json:"deliveredTo"`
	ReadBy      []Receipt `json:"readBy"`
}

// MessageInfo fetches receipt details for a message.
func (c *Client) MessageInfo(ctx context.Context, path string) (MessageInfo, error) {
	var info MessageInfo
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &info); err != nil {
		return MessageInfo{}, err
	}
	return info, nil
}

// MarkBatch acknowledges a set of messages in one request.
func (c *Client) MarkBatch(ctx context.Context, path, threadID string, ids []string) error {
	body := struct {
		ThreadID   string   `json:"threadId,omitempty"`
		MessageIDs []string `json:"messageIds"`
	}{ThreadID: threadID, MessageIDs: ids}
	return c.doJSON(ctx, http.MethodPost, path, body, nil)
}

// MarkRead marks the whole thread read up to lastID.
func (c *Client) MarkRead(ctx context.Context, path, lastID string) error {
	return c.doJSON(ctx, http.MethodPost, path, map[string]string{"lastMessageId": lastID}, nil)
}
