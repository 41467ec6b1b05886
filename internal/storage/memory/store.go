// Package memory is an in-process store for development and tests. It
// satisfies chat.Store, chat.History and user.Store over one set of maps.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"dmchat/internal/chat"
	"dmchat/internal/user"
)

type pair struct{ one, two int64 }

type Store struct {
	mu sync.RWMutex

	users         map[int64]*user.User
	emails        map[string]int64
	conversations map[int64]*chat.Conversation
	pairs         map[pair]int64
	messages      map[int64]*chat.Message
	byConv        map[int64][]int64

	nextUser, nextConv, nextMsg int64
}

func New() *Store {
	return &Store{
		users:         make(map[int64]*user.User),
		emails:        make(map[string]int64),
		conversations: make(map[int64]*chat.Conversation),
		pairs:         make(map[pair]int64),
		messages:      make(map[int64]*chat.Message),
		byConv:        make(map[int64][]int64),
	}
}

var (
	_ chat.Store   = (*Store)(nil)
	_ chat.History = (*Store)(nil)
	_ user.Store   = (*Store)(nil)
)

// ---- user.Store ----

func (s *Store) CreateUser(_ context.Context, u *user.User) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(u.Email)
	if _, ok := s.emails[email]; ok {
		return nil, user.ErrEmailTaken
	}
	s.nextUser++
	now := time.Now()
	u.ID = s.nextUser
	u.Email = email
	u.LastSeen = now
	u.CreatedAt = now
	cp := *u
	s.users[u.ID] = &cp
	s.emails[email] = u.ID
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return nil, user.ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *Store) GetUserByID(_ context.Context, id int64) (*user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) SearchUsers(_ context.Context, query string, excludeID int64) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	var out []user.User
	for _, u := range s.users {
		if u.ID == excludeID {
			continue
		}
		if strings.Contains(strings.ToLower(u.Name), q) || strings.Contains(u.Email, q) {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if len(out) > 10 {
		out = out[:10]
	}
	return out, nil
}

func (s *Store) SetRefreshToken(_ context.Context, id int64, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return user.ErrNotFound
	}
	u.RefreshToken = token
	return nil
}

func (s *Store) UpdateImage(_ context.Context, id int64, imageURL string) (*user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	u.ImageURL = imageURL
	cp := *u
	return &cp, nil
}

// ---- chat.Store ----

func (s *Store) FindUser(_ context.Context, id int64) (*chat.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: user %d", chat.ErrNotFound, id)
	}
	return chatUser(u), nil
}

func (s *Store) SetUserPresence(_ context.Context, userID int64, online bool, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %d", chat.ErrNotFound, userID)
	}
	u.IsOnline = online
	u.LastSeen = lastSeen
	return nil
}

func (s *Store) CreateMessage(_ context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return fmt.Errorf("%w: conversation %d", chat.ErrNotFound, msg.ConversationID)
	}
	s.nextMsg++
	msg.ID = s.nextMsg
	cp := *msg
	s.messages[msg.ID] = &cp
	s.byConv[msg.ConversationID] = append(s.byConv[msg.ConversationID], msg.ID)
	return nil
}

func (s *Store) UpdateMessage(_ context.Context, msg *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[msg.ID]; !ok {
		return fmt.Errorf("%w: message %d", chat.ErrNotFound, msg.ID)
	}
	cp := *msg
	s.messages[msg.ID] = &cp
	return nil
}

func (s *Store) FindMessage(_ context.Context, id int64) (*chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: message %d", chat.ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *Store) FindConversation(_ context.Context, id int64) (*chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %d", chat.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) FindConversationByPair(_ context.Context, userA, userB int64) (*chat.Conversation, error) {
	one, two := chat.OrderedPair(userA, userB)
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pairs[pair{one, two}]
	if !ok {
		return nil, fmt.Errorf("%w: conversation %d/%d", chat.ErrNotFound, one, two)
	}
	cp := *s.conversations[id]
	return &cp, nil
}

// CreateConversation returns the existing row when the pair is already taken.
func (s *Store) CreateConversation(_ context.Context, userA, userB int64, at time.Time) (*chat.Conversation, error) {
	one, two := chat.OrderedPair(userA, userB)
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pairs[pair{one, two}]; ok {
		cp := *s.conversations[id]
		return &cp, nil
	}
	for _, id := range []int64{one, two} {
		if _, ok := s.users[id]; !ok {
			return nil, fmt.Errorf("%w: user %d", chat.ErrNotFound, id)
		}
	}
	s.nextConv++
	c := &chat.Conversation{
		ID:            s.nextConv,
		UserOneID:     one,
		UserTwoID:     two,
		LastMessageAt: at,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
	s.conversations[c.ID] = c
	s.pairs[pair{one, two}] = c.ID
	cp := *c
	return &cp, nil
}

func (s *Store) UpdateConversationCounters(_ context.Context, conv *chat.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conv.ID]
	if !ok {
		return fmt.Errorf("%w: conversation %d", chat.ErrNotFound, conv.ID)
	}
	if conv.UserOneUnreadCount < 0 || conv.UserTwoUnreadCount < 0 {
		return fmt.Errorf("negative unread count on conversation %d", conv.ID)
	}
	c.UserOneUnreadCount = conv.UserOneUnreadCount
	c.UserTwoUnreadCount = conv.UserTwoUnreadCount
	c.LastMessageAt = conv.LastMessageAt
	c.UpdatedAt = conv.UpdatedAt
	return nil
}

// DeleteConversation only removes conversations without messages.
func (s *Store) DeleteConversation(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || len(s.byConv[id]) > 0 {
		return fmt.Errorf("%w: empty conversation %d", chat.ErrNotFound, id)
	}
	delete(s.pairs, pair{c.UserOneID, c.UserTwoID})
	delete(s.conversations, id)
	return nil
}

// ---- chat.History ----

func (s *Store) ListConversations(_ context.Context, userID int64) ([]chat.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.ConversationSummary
	for _, c := range s.conversations {
		if !c.Has(userID) {
			continue
		}
		sum := chat.ConversationSummary{Conversation: *c, UnreadCount: c.UnreadFor(userID)}
		if u, ok := s.users[c.UserOneID]; ok {
			sum.UserOne = chatUser(u)
		}
		if u, ok := s.users[c.UserTwoID]; ok {
			sum.UserTwo = chatUser(u)
		}
		if ids := s.byConv[c.ID]; len(ids) > 0 {
			last := *s.messages[ids[len(ids)-1]]
			sum.LastMessage = &last
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) ListMessages(_ context.Context, conversationID int64, limit int, before int64) ([]*chat.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byConv[conversationID]
	out := make([]*chat.Message, 0, min(limit, len(ids)))
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		if before > 0 && ids[i] >= before {
			continue
		}
		cp := *s.messages[ids[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func chatUser(u *user.User) *chat.User {
	return &chat.User{
		ID:       u.ID,
		Name:     u.Name,
		Email:    u.Email,
		ImageURL: u.ImageURL,
		IsOnline: u.IsOnline,
		LastSeen: u.LastSeen,
	}
}
