package chat

import "time"

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

// DeletedPlaceholder replaces the content of a soft-deleted message.
const DeletedPlaceholder = "This message was deleted"

func (t MessageType) Valid() bool {
	return t == MessageText || t == MessageImage
}

// User is the slice of a user row the real-time layer reads and writes.
type User struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	Email    string    `json:"email,omitempty"`
	ImageURL string    `json:"imageUrl,omitempty"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// Conversation is a two-party thread. UserOneID is always the smaller id so a
// pair maps to exactly one row.
type Conversation struct {
	ID                 int64     `json:"id"`
	UserOneID          int64     `json:"userOneId"`
	UserTwoID          int64     `json:"userTwoId"`
	LastMessageAt      time.Time `json:"lastMessageAt"`
	UserOneUnreadCount int       `json:"userOneUnreadCount"`
	UserTwoUnreadCount int       `json:"userTwoUnreadCount"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`

	UserOne *User `json:"userOne,omitempty"`
	UserTwo *User `json:"userTwo,omitempty"`
}

// OrderedPair returns the pair with the smaller id first.
func OrderedPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

func (c *Conversation) Has(userID int64) bool {
	return userID == c.UserOneID || userID == c.UserTwoID
}

// Counterpart returns the other participant, or 0 if userID is not one.
func (c *Conversation) Counterpart(userID int64) int64 {
	switch userID {
	case c.UserOneID:
		return c.UserTwoID
	case c.UserTwoID:
		return c.UserOneID
	}
	return 0
}

func (c *Conversation) UnreadFor(userID int64) int {
	switch userID {
	case c.UserOneID:
		return c.UserOneUnreadCount
	case c.UserTwoID:
		return c.UserTwoUnreadCount
	}
	return 0
}

func (c *Conversation) setUnread(userID int64, n int) bool {
	switch userID {
	case c.UserOneID:
		c.UserOneUnreadCount = n
	case c.UserTwoID:
		c.UserTwoUnreadCount = n
	default:
		return false
	}
	return true
}

func (c *Conversation) clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

type Message struct {
	ID               int64       `json:"id"`
	ConversationID   int64       `json:"conversationId"`
	SenderID         int64       `json:"senderId"`
	Content          string      `json:"content"`
	MessageType      MessageType `json:"messageType"`
	ReplyToMessageID *int64      `json:"replyToMessageId"`
	DeliveredAt      *time.Time  `json:"deliveredAt"`
	ReadAt           *time.Time  `json:"readAt"`
	IsEdited         bool        `json:"isEdited"`
	EditedAt         *time.Time  `json:"editedAt"`
	IsDeleted        bool        `json:"isDeleted"`
	DeletedAt        *time.Time  `json:"deletedAt"`
	CreatedAt        time.Time   `json:"createdAt"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

// Editable reports whether the message may still be edited at now.
func (m *Message) Editable(now time.Time, window time.Duration) bool {
	return !m.IsDeleted && now.Sub(m.CreatedAt) <= window
}

func (m *Message) clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

// ConversationSummary is a conversation as listed for one of its participants.
type ConversationSummary struct {
	Conversation
	UnreadCount int      `json:"unreadCount"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}
