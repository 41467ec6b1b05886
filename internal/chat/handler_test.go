package chat_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dmchat/internal/chat"
	"dmchat/internal/middleware"
	"dmchat/internal/obs"
	"dmchat/internal/storage/memory"
	"dmchat/internal/user"
)

type testServer struct {
	*httptest.Server
	hub   *chat.Hub
	users *user.Service
	store *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New()
	users := user.NewService(store, "test-secret", time.Hour)
	hub := chat.NewHub(store, chat.Options{
		HeartbeatInterval: time.Hour,
		OfflineGrace:      20 * time.Millisecond,
		Logger:            obs.Discard(),
	})
	h := chat.NewHandler(hub, store, obs.Discard())
	auth := middleware.NewAuthMiddleware(users)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		r.Get("/ws", h.ServeWs)
		r.Post("/api/conversations", h.StartConversation)
		r.Get("/api/conversations", h.ListConversations)
		r.Get("/api/conversations/{id}/messages", h.GetChatHistory)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
	})
	return &testServer{Server: srv, hub: hub, users: users, store: store}
}

func (ts *testServer) newUser(t *testing.T, name string) (int64, string) {
	t.Helper()
	u, err := ts.users.Register(context.Background(), &user.RegisterRequest{
		Name: name, Email: name + "@example.com", Password: "password123",
	})
	require.NoError(t, err)
	token, err := ts.users.IssueToken(u)
	require.NoError(t, err)
	return u.ID, token
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func writeEvent(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(chat.Envelope{Event: event, Data: raw}))
}

// readEvent reads frames until one named event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string, out any) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env chat.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Event != event {
			continue
		}
		if out != nil {
			require.NoError(t, json.Unmarshal(env.Data, out))
		}
		return
	}
}

func TestWebSocketConversationFlow(t *testing.T) {
	ts := newTestServer(t)
	aliceID, aliceToken := ts.newUser(t, "alice")
	bobID, bobToken := ts.newUser(t, "bob")

	alice := ts.dial(t, aliceToken)
	bob := ts.dial(t, bobToken)
	require.Eventually(t, func() bool { return ts.hub.Registry.Len() == 2 }, time.Second, 5*time.Millisecond)

	writeEvent(t, alice, chat.EventSendMessage, chat.SendMessagePayload{Content: "hello bob", ReceiverID: bobID})

	var conv chat.Conversation
	readEvent(t, bob, chat.EventNewConversation, &conv)
	var msg chat.Message
	readEvent(t, bob, chat.EventNewMessage, &msg)
	assert.Equal(t, "hello bob", msg.Content)
	assert.Equal(t, aliceID, msg.SenderID)
	assert.NotNil(t, msg.DeliveredAt)
	readEvent(t, alice, chat.EventMessageSent, nil)

	writeEvent(t, bob, chat.EventMarkMessageRead, chat.MarkMessageReadPayload{MessageID: msg.ID, ConversationID: conv.ID})
	var read chat.MessageReadEvent
	readEvent(t, alice, chat.EventMessageRead, &read)
	assert.Equal(t, bobID, read.ReadBy)

	// History over HTTP.
	resp := ts.do(t, http.MethodGet, "/api/conversations", bobToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []chat.ConversationSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 1)
	assert.Zero(t, list[0].UnreadCount)
	require.NotNil(t, list[0].LastMessage)
	assert.Equal(t, msg.ID, list[0].LastMessage.ID)

	resp = ts.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), aliceToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var msgs []chat.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msgs))
	require.Len(t, msgs, 1)
	assert.NotNil(t, msgs[0].ReadAt)

	// Closing the socket takes bob offline after the grace delay.
	require.NoError(t, bob.Close())
	var status chat.UserStatusEvent
	for status.UserID != bobID || status.IsOnline {
		readEvent(t, alice, chat.EventUserStatusChanged, &status)
	}
	u, err := ts.store.FindUser(context.Background(), bobID)
	require.NoError(t, err)
	assert.False(t, u.IsOnline)
}

func TestWebSocketRequiresToken(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=forged", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, ts.hub.Registry.Len())
}

func TestWebSocketTokenFromCookie(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.newUser(t, "carol")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Cookie", middleware.CookieName+"="+token)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	var status chat.UserStatusEvent
	readEvent(t, conn, chat.EventUserStatusChanged, &status)
	assert.True(t, status.IsOnline)
}

func TestConversationEndpoints(t *testing.T) {
	ts := newTestServer(t)
	_, aliceToken := ts.newUser(t, "alice")
	bobID, _ := ts.newUser(t, "bob")
	_, malloryToken := ts.newUser(t, "mallory")

	resp := ts.do(t, http.MethodPost, "/api/conversations", aliceToken, map[string]int64{"targetId": bobID})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var conv chat.Conversation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conv))
	require.NotNil(t, conv.UserTwo)

	resp = ts.do(t, http.MethodGet, fmt.Sprintf("/api/conversations/%d/messages", conv.ID), malloryToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var errBody chat.MessageErrorEvent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, "unauthorized", errBody.Code)

	resp = ts.do(t, http.MethodGet, "/api/conversations/999/messages", aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/conversations/abc/messages", aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/conversations", aliceToken, map[string]int64{"targetId": 999})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/conversations", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/conversations", malloryToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var empty []chat.ConversationSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&empty))
	assert.Empty(t, empty)
}
