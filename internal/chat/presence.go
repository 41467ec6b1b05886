package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dmchat/internal/obs"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultOfflineGrace      = 5 * time.Second

	// missedHeartbeatLimit consecutive silent intervals drop the connection.
	missedHeartbeatLimit = 2
)

// Presence runs the connection lifecycle: register on connect, heartbeat
// while connected, and the offline transition on timeout or disconnect.
type Presence struct {
	store       Store
	registry    *Registry
	broadcaster Broadcaster
	logger      *slog.Logger
	metrics     *obs.Metrics

	interval     time.Duration
	grace        time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	// onDisconnect runs once a session has left the registry.
	onDisconnect func(userID int64)

	users *keyedMutex[int64]

	mu      sync.Mutex
	pending map[int64]*pendingOffline
}

type pendingOffline struct {
	timer *time.Timer
}

func (p *Presence) Connect(ctx context.Context, s *Session) error {
	if !s.transition(StateConnecting, StateConnected) {
		return fmt.Errorf("%w: session %s is %s", ErrValidationFailed, s.ID, s.State())
	}
	uid := s.UserID
	unlock := p.users.Lock(uid)
	defer unlock()

	// Everything the session carries is set before it becomes visible.
	at := p.now()
	s.ConnectedAt = at
	hbCtx, cancel := context.WithCancel(context.Background())
	s.setHeartbeatStop(cancel)

	p.cancelPending(uid)
	if prev := p.registry.Register(uid, s); prev != nil && prev != s {
		p.logger.Info("replacing stale session", "user_id", uid, "old_session", prev.ID, "session_id", s.ID)
	}
	p.metrics.ConnectionOpened()
	p.setPresence(ctx, uid, true, at)

	go p.heartbeat(hbCtx, s)
	return nil
}

// Heartbeat records a liveness reply from s.
func (p *Presence) Heartbeat(s *Session) {
	s.beat.Store(true)
}

// Disconnect handles a connection that went away on its own. The session
// leaves the registry at once; the persisted offline flag follows after the
// grace delay unless the user reconnects first.
func (p *Presence) Disconnect(s *Session) {
	if !s.transition(StateConnected, StateDisconnected) {
		return
	}
	p.release(s)
	if !p.registry.UnregisterSession(s) {
		return
	}
	if p.onDisconnect != nil {
		p.onDisconnect(s.UserID)
	}
	p.scheduleOffline(s.UserID)
}

func (p *Presence) heartbeat(ctx context.Context, s *Session) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	missed := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		case <-ticker.C:
			if s.beat.Swap(false) {
				missed = 0
			} else {
				missed++
			}
			if missed >= missedHeartbeatLimit {
				p.timeout(s, p.now())
				return
			}
			s.Emit(EventHeartbeatRequest, nil)
		}
	}
}

// timeout force-closes a silent connection and takes the user offline
// immediately, with lastSeen pinned to the moment the timeout was detected.
func (p *Presence) timeout(s *Session, at time.Time) {
	if !s.transition(StateConnected, StateDisconnected) {
		return
	}
	p.metrics.HeartbeatTimedOut()
	p.logger.Info("heartbeat timeout", "user_id", s.UserID, "session_id", s.ID)
	p.release(s)
	if !p.registry.UnregisterSession(s) {
		return
	}
	if p.onDisconnect != nil {
		p.onDisconnect(s.UserID)
	}
	p.goOffline(s.UserID, at)
}

func (p *Presence) release(s *Session) {
	s.stopHeartbeatLoop()
	s.Close()
	p.metrics.ConnectionClosed()
}

func (p *Presence) scheduleOffline(uid int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.pending[uid]; ok {
		old.timer.Stop()
	}
	po := &pendingOffline{}
	po.timer = time.AfterFunc(p.grace, func() {
		p.mu.Lock()
		if p.pending[uid] != po {
			p.mu.Unlock()
			return
		}
		delete(p.pending, uid)
		p.mu.Unlock()
		p.goOffline(uid, p.now())
	})
	p.pending[uid] = po
}

func (p *Presence) cancelPending(uid int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if po, ok := p.pending[uid]; ok {
		po.timer.Stop()
		delete(p.pending, uid)
	}
}

// goOffline persists the offline state unless the user has a live session
// again by the time it runs.
func (p *Presence) goOffline(uid int64, at time.Time) {
	unlock := p.users.Lock(uid)
	defer unlock()
	if _, live := p.registry.Lookup(uid); live {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.storeTimeout)
	defer cancel()
	p.setPresence(ctx, uid, false, at)
}

func (p *Presence) setPresence(ctx context.Context, uid int64, online bool, at time.Time) {
	if err := p.store.SetUserPresence(ctx, uid, online, at); err != nil {
		p.logger.Error("persist presence failed", "user_id", uid, "online", online, "error", err)
	}
	p.metrics.PresenceChanged(online)

	frame, err := encodeEvent(EventUserStatusChanged, UserStatusEvent{UserID: uid, IsOnline: online, LastSeen: at})
	if err != nil {
		return
	}
	if err := p.broadcaster.Broadcast(ctx, frame); err != nil {
		p.logger.Warn("presence broadcast failed", "user_id", uid, "error", err)
	}
}

// PendingOffline reports whether an offline transition is scheduled for uid.
func (p *Presence) PendingOffline(uid int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[uid]
	return ok
}

// Close cancels every scheduled offline transition.
func (p *Presence) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for uid, po := range p.pending {
		po.timer.Stop()
		delete(p.pending, uid)
	}
}
