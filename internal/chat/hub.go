package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"dmchat/internal/obs"
)

// Options tunes the hub. Zero values fall back to the defaults.
type Options struct {
	HeartbeatInterval time.Duration
	OfflineGrace      time.Duration
	TypingTimeout     time.Duration
	EditWindow        time.Duration
	StoreTimeout      time.Duration

	// EventRate and EventBurst throttle inbound events per connection.
	// A zero rate disables throttling.
	EventRate  float64
	EventBurst int
	SendBuffer int

	Now         func() time.Time
	Registry    *Registry
	Broadcaster Broadcaster
	Logger      *slog.Logger
	Metrics     *obs.Metrics
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.OfflineGrace <= 0 {
		o.OfflineGrace = DefaultOfflineGrace
	}
	if o.TypingTimeout <= 0 {
		o.TypingTimeout = DefaultTypingTimeout
	}
	if o.EditWindow <= 0 {
		o.EditWindow = DefaultEditWindow
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 5 * time.Second
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	if o.Broadcaster == nil {
		o.Broadcaster = NewLocalBroadcaster(o.Registry)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Hub wires the registry, presence tracker, typing coordinator, conversation
// state and dispatcher around one Store.
type Hub struct {
	opts Options

	Registry      *Registry
	Presence      *Presence
	Typing        *Typing
	Conversations *Conversations
	Dispatcher    *Dispatcher

	logger *slog.Logger
}

func NewHub(store Store, opts Options) *Hub {
	opts = opts.withDefaults()
	h := &Hub{
		opts:          opts,
		Registry:      opts.Registry,
		Conversations: NewConversations(store, opts.Now),
		logger:        opts.Logger,
	}
	h.Presence = &Presence{
		store:        store,
		registry:     h.Registry,
		broadcaster:  opts.Broadcaster,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		interval:     opts.HeartbeatInterval,
		grace:        opts.OfflineGrace,
		storeTimeout: opts.StoreTimeout,
		now:          opts.Now,
		users:        newKeyedMutex[int64](),
		pending:      make(map[int64]*pendingOffline),
	}
	h.Dispatcher = &Dispatcher{
		store:         store,
		registry:      h.Registry,
		conversations: h.Conversations,
		presence:      h.Presence,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		editWindow:    opts.EditWindow,
		storeTimeout:  opts.StoreTimeout,
		now:           opts.Now,
		messages:      newKeyedMutex[int64](),
	}
	h.Typing = NewTyping(opts.TypingTimeout, h.Dispatcher.notifyTyping)
	h.Dispatcher.typing = h.Typing
	h.Presence.onDisconnect = h.Typing.ClearUser
	return h
}

// Connect opens a session for an authenticated user. userID must come from
// a verified credential; a zero id is refused.
func (h *Hub) Connect(ctx context.Context, userID int64) (*Session, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("%w: no user on connection", ErrAuthenticationFailed)
	}
	var limiter *rate.Limiter
	if h.opts.EventRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.opts.EventRate), h.opts.EventBurst)
	}
	s := NewSession(userID, h.opts.SendBuffer, limiter)
	if err := h.Presence.Connect(ctx, s); err != nil {
		return nil, err
	}
	h.logger.Debug("session connected", "user_id", userID, "session_id", s.ID)
	return s, nil
}

// Dispatch runs one inbound frame with its own deadline. In-flight work
// finishes even if the session closes; its output is simply dropped.
func (h *Hub) Dispatch(s *Session, raw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.StoreTimeout)
	defer cancel()
	h.Dispatcher.Dispatch(ctx, s, raw)
}

func (h *Hub) Disconnect(s *Session) {
	h.Presence.Disconnect(s)
	h.logger.Debug("session disconnected", "user_id", s.UserID, "session_id", s.ID)
}

// Close stops every timer and closes every live session.
func (h *Hub) Close() {
	h.Typing.Close()
	h.Presence.Close()
	for _, s := range h.Registry.Sessions() {
		s.stopHeartbeatLoop()
		s.Close()
	}
}
