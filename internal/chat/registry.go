package chat

import "sync"

// Registry maps a user to their live session. At most one entry exists per
// user: registering again replaces the previous session.
type Registry struct {
	mu    sync.RWMutex
	conns map[int64]*Session
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[int64]*Session)}
}

// Register stores s for userID and returns the session it replaced, if any.
func (r *Registry) Register(userID int64, s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.conns[userID]
	r.conns[userID] = s
	return prev
}

func (r *Registry) Unregister(userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, userID)
}

// UnregisterSession removes the entry for s.UserID only while it still points
// at s, so a stale connection going away cannot evict its replacement.
func (r *Registry) UnregisterSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[s.UserID]; ok && cur == s {
		delete(r.conns, s.UserID)
		return true
	}
	return false
}

func (r *Registry) Lookup(userID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.conns[userID]
	return s, ok
}

// Sessions returns a snapshot of every registered session.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.conns))
	for _, s := range r.conns {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
