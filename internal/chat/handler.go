package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"dmchat/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin is enforced by the auth cookie/token, not here.
	},
}

type Handler struct {
	hub     *Hub
	history History
	logger  *slog.Logger
}

func NewHandler(hub *Hub, history History, logger *slog.Logger) *Handler {
	return &Handler{
		hub:     hub,
		history: history,
		logger:  logger,
	}
}

// ServeWs upgrades an authenticated request and starts its pumps. The auth
// middleware runs first, so an unauthenticated request never gets here.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	session, err := h.hub.Connect(r.Context(), userID)
	if err != nil {
		h.logger.Error("connect failed", "user_id", userID, "error", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		conn.Close()
		return
	}

	client := newClient(h.hub, conn, session)
	go client.WritePump()
	go client.ReadPump()
}

type startConversationRequest struct {
	TargetID int64 `json:"targetId"`
}

// StartConversation finds or creates the conversation with targetId.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, invalid("bad request body"))
		return
	}
	conv, err := h.hub.Dispatcher.StartConversation(r.Context(), userID, req.TargetID)
	if err != nil {
		h.logFailure("start conversation", userID, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// ListConversations returns the caller's conversations, most recent first.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	items, err := h.history.ListConversations(r.Context(), userID)
	if err != nil {
		err = storageErr("list conversations", err)
		h.logFailure("list conversations", userID, err)
		writeError(w, err)
		return
	}
	if items == nil {
		items = []ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, items)
}

// GetChatHistory pages through a conversation's messages, newest first.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	conversationID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || conversationID <= 0 {
		writeError(w, invalid("bad conversation id"))
		return
	}
	if _, err := h.hub.Conversations.Counterpart(r.Context(), conversationID, userID); err != nil {
		writeError(w, err)
		return
	}
	limit := queryInt(r, "limit", 50)
	before := int64(queryInt(r, "before", 0))

	msgs, err := h.history.ListMessages(r.Context(), conversationID, limit, before)
	if err != nil {
		err = storageErr("list messages", err)
		h.logFailure("list messages", userID, err)
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) logFailure(op string, userID int64, err error) {
	if isClientError(err) {
		return
	}
	h.logger.Error(op+" failed", "user_id", userID, "error", err)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := ErrStorageFailure.Error()
	switch {
	case errors.Is(err, ErrValidationFailed):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, ErrUnauthorized):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, ErrAuthenticationFailed):
		status, msg = http.StatusUnauthorized, err.Error()
	}
	writeJSON(w, status, MessageErrorEvent{Error: msg, Code: Code(err)})
}
