package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adamavenir/threadline/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, "tok", 5*time.Second)
	require.NoError(t, err)
	return c
}

func TestNormalizeBaseURL(t *testing.T) {
	got, err := NormalizeBaseURL(" https://chat.example.com/ ")
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com", got)

	_, err = NormalizeBaseURL("chat.example.com")
	require.Error(t, err)
	_, err = NormalizeBaseURL("")
	require.Error(t, err)
}

func TestFetchPageObjectWithNextURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "c1", r.URL.Query().Get("cursor"))
		_, _ = io.WriteString(w, `{"results":[{"id":"m1"}],"next":"https://chat/x/?cursor=c2"}`)
	})

	page, err := c.FetchPage(context.Background(), "/x/?cursor=c1")
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":"m1"}]`, string(page.Messages))
	require.Equal(t, "c2", page.Next)
	require.True(t, page.HasMore)
}

func TestFetchPageBareArray(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"m1"},{"id":"m2"}]`)
	})

	page, err := c.FetchPage(context.Background(), "/x/")
	require.NoError(t, err)
	require.Empty(t, page.Next)
	require.False(t, page.HasMore)
}

func TestAPIErrorAndPermanence(t *testing.T) {
	status := http.StatusForbidden
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":"forbidden","message":"not a member"}`)
	})

	_, err := c.FetchPage(context.Background(), "/x/")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.Status)
	require.Equal(t, "forbidden", apiErr.Code)
	require.Equal(t, "not a member", apiErr.Message)
	require.True(t, IsPermanent(err))

	status = http.StatusTooManyRequests
	_, err = c.FetchPage(context.Background(), "/x/")
	require.False(t, IsPermanent(err))

	status = http.StatusBadGateway
	_, err = c.FetchPage(context.Background(), "/x/")
	require.False(t, IsPermanent(err))
}

func TestSendMessageAndMarkBatch(t *testing.T) {
	var gotSend types.SendPayload
	var gotBatch struct {
		MessageIDs []string `json:"messageIds"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/send/":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotSend))
			_, _ = io.WriteString(w, `{"id":"srv-1","clientTempId":"tmp-1"}`)
		case "/seen/":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBatch))
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	raw, err := c.SendMessage(context.Background(), "/send/", types.SendPayload{ClientTempID: "tmp-1", MessageType: types.MessageTypeText, Text: "hi"})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"srv-1","clientTempId":"tmp-1"}`, string(raw))
	require.Equal(t, "hi", gotSend.Text)

	require.NoError(t, c.MarkBatch(context.Background(), "/seen/", "c1", []string{"a", "b"}))
	require.Equal(t, []string{"a", "b"}, gotBatch.MessageIDs)
}

func TestUploadChunk(t *testing.T) {
	var offsets []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		offsets = append(offsets, r.FormValue("offset"))
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, _ := io.ReadAll(file)
		require.Equal(t, "abc", string(data))
		if r.FormValue("final") == "true" {
			_, _ = io.WriteString(w, `{"attachment":{"id":"att-1","type":"image","url":"https://cdn/a.png"}}`)
			return
		}
		_, _ = io.WriteString(w, `{"received":3}`)
	})

	att, err := c.UploadChunk(context.Background(), "/up/", Chunk{JobID: "j", FileName: "a.png", Offset: 0, TotalSize: 6, Data: []byte("abc")})
	require.NoError(t, err)
	require.Nil(t, att)

	att, err = c.UploadChunk(context.Background(), "/up/", Chunk{JobID: "j", FileName: "a.png", Offset: 3, TotalSize: 6, Final: true, Data: []byte("abc")})
	require.NoError(t, err)
	require.Equal(t, "att-1", att.ID)
	require.Equal(t, []string{"0", "3"}, offsets)
}
