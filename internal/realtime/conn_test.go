package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adamavenir/threadline/internal/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type server struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	authSeen chan string
}

func newServer(t *testing.T) *server {
	t.Helper()
	s := &server{conns: make(chan *websocket.Conn, 1), authSeen: make(chan string, 1)}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.authSeen <- r.Header.Get("Authorization")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- ws
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *server) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/threads/t1/"
}

func dial(t *testing.T, s *server) (*Conn, *websocket.Conn) {
	t.Helper()
	c, err := Dial(context.Background(), Options{URL: s.url(), Token: "tok"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	peer := <-s.conns
	t.Cleanup(func() { _ = peer.Close() })
	require.Equal(t, "Bearer tok", <-s.authSeen)
	return c, peer
}

func TestInboundEventsSkipMalformedFrames(t *testing.T) {
	s := newServer(t)
	c, peer := dial(t, s)

	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, peer.WriteMessage(websocket.TextMessage, []byte(`{"payload":{}}`)))
	require.NoError(t, peer.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"message:seen","payload":{"messageId":"m1","userId":"u2"}}`)))

	select {
	case env := <-c.Events():
		require.Equal(t, EventMessageSeen, env.Type)
		var ev SeenEvent
		require.NoError(t, env.Decode(&ev))
		require.Equal(t, SeenEvent{MessageID: "m1", UserID: "u2"}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
}

func TestOutboundFrames(t *testing.T) {
	s := newServer(t)
	c, peer := dial(t, s)
	ctx := context.Background()

	require.NoError(t, c.SendMessage(ctx, types.SendPayload{
		ClientTempID: "tmp-1",
		MessageType:  types.MessageTypeText,
		Text:         "hi",
	}))
	require.NoError(t, c.Typing(ctx, "t1", true))

	var env Envelope
	require.NoError(t, peer.ReadJSON(&env))
	require.Equal(t, FrameMessageSend, env.Type)
	var p types.SendPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	require.Equal(t, "tmp-1", p.ClientTempID)
	require.Equal(t, "hi", p.Text)

	require.NoError(t, peer.ReadJSON(&env))
	require.Equal(t, FrameTypingStart, env.Type)
	require.JSONEq(t, `{"threadId":"t1"}`, string(env.Payload))
}

func TestRemoteCloseEndsConnection(t *testing.T) {
	s := newServer(t)
	c, peer := dial(t, s)

	require.NoError(t, peer.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "restart"), time.Now().Add(time.Second)))

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection still open")
	}
	require.Error(t, c.Err())
	_, open := <-c.Events()
	require.False(t, open)
	require.ErrorIs(t, c.SendMessage(context.Background(), types.SendPayload{ClientTempID: "x"}), ErrClosed)
}

func TestLocalCloseHasNoError(t *testing.T) {
	s := newServer(t)
	c, _ := dial(t, s)
	require.NoError(t, c.Close())
	<-c.Done()
	require.NoError(t, c.Err())
}

func TestDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	_, err := Dial(context.Background(), Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http")})
	require.ErrorContains(t, err, "404")
}
