package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type SessionState int32

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Session is the per-connection state created at connect time and handed to
// every handler. The transport drains Outbound; everything else talks to the
// session through Emit.
type Session struct {
	ID          string
	UserID      int64
	ConnectedAt time.Time

	state   atomic.Int32
	beat    atomic.Bool
	limiter *rate.Limiter

	mu     sync.Mutex
	send   chan []byte
	closed bool
	done   chan struct{}

	// stopHeartbeat cancels the heartbeat loop owned by this session.
	// Guarded by mu.
	stopHeartbeat context.CancelFunc
}

func NewSession(userID int64, buffer int, limiter *rate.Limiter) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	return &Session{
		ID:          uuid.NewString(),
		UserID:      userID,
		ConnectedAt: time.Now(),
		limiter:     limiter,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) transition(from, to SessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// Outbound is the queue of encoded frames waiting to be written. It is
// closed when the session closes.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Emit encodes and queues an event. It reports false if the session is
// closed or its buffer is full; a full buffer closes the session.
func (s *Session) Emit(event string, data any) bool {
	frame, err := encodeEvent(event, data)
	if err != nil {
		return false
	}
	return s.enqueue(frame)
}

func (s *Session) enqueue(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.closeLocked()
		return false
	}
}

func (s *Session) setHeartbeatStop(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopHeartbeat = cancel
}

func (s *Session) stopHeartbeatLoop() {
	s.mu.Lock()
	cancel := s.stopHeartbeat
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Session) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
	close(s.done)
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}
