package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type pairKey struct{ a, b int64 }

// Conversations owns the per-conversation last-message time and unread
// counters. Every read-modify-write runs under that conversation's lock, so
// a send and a read racing on the same row never lose an update.
type Conversations struct {
	store Store
	now   func() time.Time

	rows  *keyedMutex[int64]
	pairs *keyedMutex[pairKey]

	// participants never change once a conversation exists.
	participants sync.Map // int64 -> [2]int64
}

func NewConversations(store Store, now func() time.Time) *Conversations {
	if now == nil {
		now = time.Now
	}
	return &Conversations{
		store: store,
		now:   now,
		rows:  newKeyedMutex[int64](),
		pairs: newKeyedMutex[pairKey](),
	}
}

// FindOrCreate returns the conversation between a and b, creating it if
// needed. created reports whether this call made it.
func (c *Conversations) FindOrCreate(ctx context.Context, a, b int64) (conv *Conversation, created bool, err error) {
	return c.Open(ctx, a, b, nil)
}

// Open is FindOrCreate with fn run under the pair lock against the result.
// When fn fails on a conversation this call created, the conversation is
// removed again and fn's error is returned.
func (c *Conversations) Open(ctx context.Context, a, b int64, fn func(conv *Conversation, created bool) error) (*Conversation, bool, error) {
	if a == b {
		return nil, false, invalid("cannot start a conversation with yourself")
	}
	one, two := OrderedPair(a, b)
	unlock := c.pairs.Lock(pairKey{one, two})
	defer unlock()

	conv, created, err := c.findOrCreateLocked(ctx, one, two)
	if err != nil {
		return nil, false, err
	}
	if fn == nil {
		return conv, created, nil
	}
	if err := fn(conv, created); err != nil {
		if created {
			c.participants.Delete(conv.ID)
			if derr := c.store.DeleteConversation(context.WithoutCancel(ctx), conv.ID); derr != nil {
				return nil, false, fmt.Errorf("%w (conversation %d not removed: %v)", err, conv.ID, derr)
			}
		}
		return nil, false, err
	}
	return conv, created, nil
}

func (c *Conversations) findOrCreateLocked(ctx context.Context, one, two int64) (*Conversation, bool, error) {
	conv, err := c.store.FindConversationByPair(ctx, one, two)
	if err == nil {
		c.remember(conv)
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, storageErr("find conversation", err)
	}
	conv, err = c.store.CreateConversation(ctx, one, two, c.now())
	if err != nil {
		return nil, false, storageErr("create conversation", err)
	}
	c.remember(conv)
	return conv, true, nil
}

func (c *Conversations) Get(ctx context.Context, id int64) (*Conversation, error) {
	conv, err := c.store.FindConversation(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("conversation", id)
		}
		return nil, storageErr("find conversation", err)
	}
	c.remember(conv)
	return conv, nil
}

// Counterpart resolves the other participant of conversationID. It fails
// with ErrUnauthorized when userID is not a participant.
func (c *Conversations) Counterpart(ctx context.Context, conversationID, userID int64) (int64, error) {
	pair, ok := c.participants.Load(conversationID)
	if !ok {
		conv, err := c.Get(ctx, conversationID)
		if err != nil {
			return 0, err
		}
		pair = [2]int64{conv.UserOneID, conv.UserTwoID}
	}
	p := pair.([2]int64)
	switch userID {
	case p[0]:
		return p[1], nil
	case p[1]:
		return p[0], nil
	}
	return 0, notParticipant(userID, conversationID)
}

func (c *Conversations) IncrementUnread(ctx context.Context, conversationID, forUserID int64) (*Conversation, error) {
	return c.mutate(ctx, conversationID, func(conv *Conversation) error {
		if !conv.setUnread(forUserID, conv.UnreadFor(forUserID)+1) {
			return notParticipant(forUserID, conversationID)
		}
		return nil
	})
}

func (c *Conversations) ResetUnread(ctx context.Context, conversationID, forUserID int64) (*Conversation, error) {
	return c.mutate(ctx, conversationID, func(conv *Conversation) error {
		if !conv.setUnread(forUserID, 0) {
			return notParticipant(forUserID, conversationID)
		}
		return nil
	})
}

func (c *Conversations) TouchLastMessageTime(ctx context.Context, conversationID int64) (*Conversation, error) {
	return c.mutate(ctx, conversationID, func(conv *Conversation) error {
		conv.LastMessageAt = c.now()
		return nil
	})
}

// RecordMessage applies the effects of a new message in one write: the
// last-message time moves to at and the receiver's counter goes up by one.
func (c *Conversations) RecordMessage(ctx context.Context, conversationID, receiverID int64, at time.Time) (*Conversation, error) {
	return c.mutate(ctx, conversationID, func(conv *Conversation) error {
		if !conv.setUnread(receiverID, conv.UnreadFor(receiverID)+1) {
			return notParticipant(receiverID, conversationID)
		}
		if at.After(conv.LastMessageAt) {
			conv.LastMessageAt = at
		}
		return nil
	})
}

func (c *Conversations) mutate(ctx context.Context, id int64, fn func(*Conversation) error) (*Conversation, error) {
	unlock := c.rows.Lock(id)
	defer unlock()

	conv, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(conv); err != nil {
		return nil, err
	}
	conv.UpdatedAt = c.now()
	if err := c.store.UpdateConversationCounters(ctx, conv); err != nil {
		return nil, storageErr("update conversation counters", err)
	}
	return conv, nil
}

func (c *Conversations) remember(conv *Conversation) {
	c.participants.Store(conv.ID, [2]int64{conv.UserOneID, conv.UserTwoID})
}

func notParticipant(userID, conversationID int64) error {
	return fmt.Errorf("%w: user %d is not in conversation %d", ErrUnauthorized, userID, conversationID)
}
