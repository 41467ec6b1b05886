package chat

import (
	"sync"
	"time"
)

// DefaultTypingTimeout is how long a typing flag stays up without a refresh.
const DefaultTypingTimeout = 3 * time.Second

// TypingNotifier is told about every typing transition.
type TypingNotifier func(userID, conversationID int64, isTyping bool)

type typingKey struct {
	userID         int64
	conversationID int64
}

type typingState struct {
	typing bool
	timer  *time.Timer
	// gen invalidates expiry callbacks that lost the race with a newer Set.
	gen uint64
}

// Typing tracks the ephemeral typing flag of each (user, conversation) pair.
type Typing struct {
	// keys serializes transition and notification per pair; mu guards states.
	keys    *keyedMutex[typingKey]
	mu      sync.Mutex
	states  map[typingKey]*typingState
	timeout time.Duration
	notify  TypingNotifier
}

func NewTyping(timeout time.Duration, notify TypingNotifier) *Typing {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &Typing{
		keys:    newKeyedMutex[typingKey](),
		states:  make(map[typingKey]*typingState),
		timeout: timeout,
		notify:  notify,
	}
}

// Set records a typing update. Any pending expiry for the pair is cancelled
// first; isTyping=true arms a fresh one. The notifier only hears about real
// transitions, so a burst of keystrokes yields one start and one stop.
func (t *Typing) Set(userID, conversationID int64, isTyping bool) {
	key := typingKey{userID, conversationID}
	unlock := t.keys.Lock(key)
	defer unlock()

	t.mu.Lock()
	st, ok := t.states[key]
	if !ok {
		st = &typingState{}
		t.states[key] = st
	}
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
	changed := st.typing != isTyping
	st.typing = isTyping

	if isTyping {
		gen := st.gen
		st.timer = time.AfterFunc(t.timeout, func() { t.expire(key, gen) })
	} else {
		delete(t.states, key)
	}
	t.mu.Unlock()

	if changed {
		t.notify(userID, conversationID, isTyping)
	}
}

func (t *Typing) IsTyping(userID, conversationID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[typingKey{userID, conversationID}]
	return ok && st.typing
}

func (t *Typing) expire(key typingKey, gen uint64) {
	unlock := t.keys.Lock(key)
	defer unlock()

	t.mu.Lock()
	st, ok := t.states[key]
	if !ok || st.gen != gen || !st.typing {
		t.mu.Unlock()
		return
	}
	delete(t.states, key)
	t.mu.Unlock()

	t.notify(key.userID, key.conversationID, false)
}

// ClearUser drops every typing flag of userID, notifying for those that were
// up. Called when the user's connection goes away.
func (t *Typing) ClearUser(userID int64) {
	var keys []typingKey
	t.mu.Lock()
	for key := range t.states {
		if key.userID == userID {
			keys = append(keys, key)
		}
	}
	t.mu.Unlock()

	for _, key := range keys {
		t.clear(key)
	}
}

func (t *Typing) clear(key typingKey) {
	unlock := t.keys.Lock(key)
	defer unlock()

	t.mu.Lock()
	st, ok := t.states[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(t.states, key)
	t.mu.Unlock()

	if st.typing {
		t.notify(key.userID, key.conversationID, false)
	}
}

// Close cancels every pending expiry without notifying anyone.
func (t *Typing) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, st := range t.states {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(t.states, key)
	}
}
