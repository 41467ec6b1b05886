package chat

import (
	"context"
	"time"
)

// Store is the persistence collaborator of the real-time core. Every method
// is atomic for the single row it touches; nothing here spans rows.
// Missing rows are reported as ErrNotFound.
type Store interface {
	CreateMessage(ctx context.Context, msg *Message) error
	UpdateMessage(ctx context.Context, msg *Message) error
	FindMessage(ctx context.Context, id int64) (*Message, error)

	FindConversation(ctx context.Context, id int64) (*Conversation, error)
	FindConversationByPair(ctx context.Context, userA, userB int64) (*Conversation, error)
	CreateConversation(ctx context.Context, userA, userB int64, at time.Time) (*Conversation, error)
	UpdateConversationCounters(ctx context.Context, conv *Conversation) error
	// DeleteConversation removes a conversation that never got a message.
	DeleteConversation(ctx context.Context, id int64) error

	FindUser(ctx context.Context, id int64) (*User, error)
	SetUserPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error
}

// History serves the read-only listing endpoints.
type History interface {
	ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error)
	ListMessages(ctx context.Context, conversationID int64, limit int, before int64) ([]*Message, error)
}
