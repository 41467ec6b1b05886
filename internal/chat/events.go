package chat

import (
	"encoding/json"
	"time"
)

// Event names on the wire.
const (
	EventSendMessage       = "sendMessage"
	EventNewMessage        = "newMessage"
	EventMessageSent       = "messageSent"
	EventNewConversation   = "newConversation"
	EventEditMessage       = "editMessage"
	EventMessageEdited     = "messageEdited"
	EventDeleteMessage     = "deleteMessage"
	EventMessageDeleted    = "messageDeleted"
	EventMarkMessageRead   = "markMessageRead"
	EventMessageRead       = "messageRead"
	EventTyping            = "typing"
	EventUserTyping        = "userTyping"
	EventHeartbeat         = "heartbeat"
	EventHeartbeatRequest  = "heartbeatRequest"
	EventUserStatusChanged = "userStatusChanged"
	EventMessageError      = "messageError"
)

// Envelope is the frame every event travels in, both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// ---------------------------------------------
// ⬆️ Client -> Server payloads
// ---------------------------------------------

type SendMessagePayload struct {
	Content          string      `json:"content"`
	MessageType      MessageType `json:"messageType"`
	ReceiverID       int64       `json:"receiverId"`
	ReplyToMessageID *int64      `json:"replyToMessageId,omitempty"`
}

type EditMessagePayload struct {
	MessageID      int64  `json:"messageId"`
	Content        string `json:"content"`
	ConversationID int64  `json:"conversationId"`
}

type DeleteMessagePayload struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
}

type MarkMessageReadPayload struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
}

type TypingPayload struct {
	ConversationID int64 `json:"conversationId"`
	IsTyping       bool  `json:"isTyping"`
}

// ---------------------------------------------
// ⬇️ Server -> Client payloads
// ---------------------------------------------

type MessageDeletedEvent struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
}

type MessageReadEvent struct {
	MessageID int64     `json:"messageId"`
	ReadBy    int64     `json:"readBy"`
	ReadAt    time.Time `json:"readAt"`
}

type UserTypingEvent struct {
	ConversationID int64 `json:"conversationId"`
	UserID         int64 `json:"userId"`
	IsTyping       bool  `json:"isTyping"`
}

type UserStatusEvent struct {
	UserID   int64     `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

type MessageErrorEvent struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
