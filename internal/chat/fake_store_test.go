package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dmchat/internal/obs"
)

var errDiskOnFire = errors.New("disk on fire")

type presenceWrite struct {
	userID   int64
	online   bool
	lastSeen time.Time
}

// fakeStore is an in-package Store. The fail* switches inject storage errors.
type fakeStore struct {
	mu            sync.Mutex
	users         map[int64]*User
	conversations map[int64]*Conversation
	messages      map[int64]*Message
	presence      []presenceWrite
	nextConv      int64
	nextMsg       int64

	failCreateMessage bool
	failCounters      bool
	failFindUser      bool
	// blockFindConversation makes FindConversation wait for ctx to end.
	blockFindConversation bool
}

func newFakeStore(userIDs ...int64) *fakeStore {
	fs := &fakeStore{
		users:         make(map[int64]*User),
		conversations: make(map[int64]*Conversation),
		messages:      make(map[int64]*Message),
	}
	for _, id := range userIDs {
		fs.users[id] = &User{ID: id, Name: "user"}
	}
	return fs
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreateMessage {
		return errDiskOnFire
	}
	f.nextMsg++
	msg.ID = f.nextMsg
	f.messages[msg.ID] = msg.clone()
	return nil
}

func (f *fakeStore) UpdateMessage(_ context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.messages[msg.ID]; !ok {
		return notFound("message", msg.ID)
	}
	f.messages[msg.ID] = msg.clone()
	return nil
}

func (f *fakeStore) FindMessage(_ context.Context, id int64) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[id]
	if !ok {
		return nil, notFound("message", id)
	}
	return m.clone(), nil
}

func (f *fakeStore) FindConversation(ctx context.Context, id int64) (*Conversation, error) {
	f.mu.Lock()
	if f.blockFindConversation {
		f.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer f.mu.Unlock()
	c, ok := f.conversations[id]
	if !ok {
		return nil, notFound("conversation", id)
	}
	return c.clone(), nil
}

func (f *fakeStore) FindConversationByPair(_ context.Context, a, b int64) (*Conversation, error) {
	one, two := OrderedPair(a, b)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conversations {
		if c.UserOneID == one && c.UserTwoID == two {
			return c.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeStore) CreateConversation(_ context.Context, a, b int64, at time.Time) (*Conversation, error) {
	one, two := OrderedPair(a, b)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextConv++
	c := &Conversation{ID: f.nextConv, UserOneID: one, UserTwoID: two, LastMessageAt: at, CreatedAt: at, UpdatedAt: at}
	f.conversations[c.ID] = c
	return c.clone(), nil
}

func (f *fakeStore) UpdateConversationCounters(_ context.Context, conv *Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCounters {
		return errDiskOnFire
	}
	if _, ok := f.conversations[conv.ID]; !ok {
		return notFound("conversation", conv.ID)
	}
	f.conversations[conv.ID] = conv.clone()
	return nil
}

func (f *fakeStore) DeleteConversation(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.conversations[id]; !ok {
		return notFound("conversation", id)
	}
	delete(f.conversations, id)
	return nil
}

func (f *fakeStore) conversationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conversations)
}

func (f *fakeStore) FindUser(_ context.Context, id int64) (*User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFindUser {
		return nil, errDiskOnFire
	}
	u, ok := f.users[id]
	if !ok {
		return nil, notFound("user", id)
	}
	cp := *u
	return &cp, nil
}

func (f *fakeStore) SetUserPresence(_ context.Context, userID int64, online bool, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, presenceWrite{userID, online, lastSeen})
	if u, ok := f.users[userID]; ok {
		u.IsOnline = online
		u.LastSeen = lastSeen
	}
	return nil
}

func (f *fakeStore) conversation(id int64) *Conversation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conversations[id].clone()
}

func (f *fakeStore) message(id int64) *Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages[id].clone()
}

func (f *fakeStore) presenceFor(userID int64) []presenceWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []presenceWrite
	for _, w := range f.presence {
		if w.userID == userID {
			out = append(out, w)
		}
	}
	return out
}

func (f *fakeStore) set(fn func(*fakeStore)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestHub builds a hub with long timers unless opts overrides them.
func newTestHub(t *testing.T, store Store, opts Options) *Hub {
	t.Helper()
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = obs.Discard()
	}
	h := NewHub(store, opts)
	t.Cleanup(h.Close)
	return h
}

func connect(t *testing.T, h *Hub, userID int64) *Session {
	t.Helper()
	s, err := h.Connect(context.Background(), userID)
	require.NoError(t, err)
	return s
}

func send(t *testing.T, h *Hub, s *Session, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	frame, err := json.Marshal(Envelope{Event: event, Data: raw})
	require.NoError(t, err)
	h.Dispatch(s, frame)
}

// next waits for the next frame named event on s, skipping others, and
// decodes its payload into out (when non-nil).
func next(t *testing.T, s *Session, event string, out any) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-s.Outbound():
			require.True(t, ok, "session closed while waiting for %s", event)
			var env Envelope
			require.NoError(t, json.Unmarshal(frame, &env))
			if env.Event != event {
				continue
			}
			if out != nil {
				require.NoError(t, json.Unmarshal(env.Data, out))
			}
			return
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// pending lists the names of the frames queued on s without blocking.
func pending(s *Session) []string {
	var names []string
	for {
		select {
		case frame, ok := <-s.Outbound():
			if !ok {
				return names
			}
			var env Envelope
			if json.Unmarshal(frame, &env) == nil {
				names = append(names, env.Event)
			}
		default:
			return names
		}
	}
}

// drain discards everything queued on s.
func drain(s *Session) {
	pending(s)
}
