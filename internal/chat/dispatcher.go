package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"dmchat/internal/obs"
)

// DefaultEditWindow bounds how long after creation a message can be edited.
const DefaultEditWindow = 15 * time.Minute

// Dispatcher validates inbound actions, persists them, advances conversation
// state, and routes the resulting events. Errors never leave Dispatch: they
// go back to the originating session as messageError.
type Dispatcher struct {
	store         Store
	registry      *Registry
	conversations *Conversations
	typing        *Typing
	presence      *Presence
	logger        *slog.Logger
	metrics       *obs.Metrics

	editWindow   time.Duration
	storeTimeout time.Duration
	now          func() time.Time

	messages *keyedMutex[int64]
}

// Dispatch decodes one inbound frame from s and runs it.
func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		d.fail(s, "malformed", invalid("malformed frame"))
		return
	}
	if env.Event == EventHeartbeat {
		d.presence.Heartbeat(s)
		d.metrics.ObserveEvent(env.Event, "ok")
		return
	}
	if !s.allow() {
		d.fail(s, env.Event, fmt.Errorf("%w: slow down", ErrRateLimited))
		return
	}

	var err error
	switch env.Event {
	case EventSendMessage:
		var p SendMessagePayload
		if err = decode(env.Data, &p); err == nil {
			_, err = d.Send(ctx, s, p)
		}
	case EventEditMessage:
		var p EditMessagePayload
		if err = decode(env.Data, &p); err == nil {
			_, err = d.Edit(ctx, s, p)
		}
	case EventDeleteMessage:
		var p DeleteMessagePayload
		if err = decode(env.Data, &p); err == nil {
			err = d.Delete(ctx, s, p)
		}
	case EventMarkMessageRead:
		var p MarkMessageReadPayload
		if err = decode(env.Data, &p); err == nil {
			err = d.MarkRead(ctx, s, p)
		}
	case EventTyping:
		var p TypingPayload
		if err = decode(env.Data, &p); err == nil {
			err = d.Typing(ctx, s, p)
		}
	default:
		err = invalid("unknown event %q", env.Event)
	}
	if err != nil {
		d.fail(s, env.Event, err)
		return
	}
	d.metrics.ObserveEvent(env.Event, "ok")
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return invalid("missing payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return invalid("bad payload: %v", err)
	}
	return nil
}

func (d *Dispatcher) fail(s *Session, event string, err error) {
	code := Code(err)
	d.metrics.ObserveEvent(event, code)

	msg := err.Error()
	if isClientError(err) {
		d.logger.Warn("action rejected", "event", event, "user_id", s.UserID, "session_id", s.ID, "error", err)
	} else {
		d.logger.Error("action failed", "event", event, "user_id", s.UserID, "session_id", s.ID, "error", err)
		msg = ErrStorageFailure.Error()
	}
	s.Emit(EventMessageError, MessageErrorEvent{Error: msg, Code: code})
}

// Send persists a new message from s to p.ReceiverID, creating the
// conversation on first contact.
func (d *Dispatcher) Send(ctx context.Context, s *Session, p SendMessagePayload) (*Message, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, invalid("content is required")
	}
	if p.MessageType == "" {
		p.MessageType = MessageText
	}
	if !p.MessageType.Valid() {
		return nil, invalid("unsupported message type %q", p.MessageType)
	}
	if p.MessageType == MessageImage && !isImageRef(p.Content) {
		return nil, invalid("image messages must carry an http(s) URL")
	}
	if p.ReceiverID <= 0 {
		return nil, invalid("receiverId is required")
	}
	if p.ReceiverID == s.UserID {
		return nil, invalid("cannot message yourself")
	}
	if _, err := d.store.FindUser(ctx, p.ReceiverID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid("receiver %d does not exist", p.ReceiverID)
		}
		return nil, storageErr("find receiver", err)
	}

	if p.ReplyToMessageID != nil {
		if err := d.checkReplyTarget(ctx, s.UserID, p.ReceiverID, *p.ReplyToMessageID); err != nil {
			return nil, err
		}
	}

	var (
		now      = d.now()
		msg      *Message
		receiver *Session
		live     bool
	)
	// A conversation created for this message disappears again if the
	// message cannot be stored.
	conv, created, err := d.conversations.Open(ctx, s.UserID, p.ReceiverID, func(conv *Conversation, _ bool) error {
		msg = &Message{
			ConversationID:   conv.ID,
			SenderID:         s.UserID,
			Content:          p.Content,
			MessageType:      p.MessageType,
			ReplyToMessageID: p.ReplyToMessageID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		receiver, live = d.registry.Lookup(p.ReceiverID)
		if live {
			delivered := now
			msg.DeliveredAt = &delivered
		}
		if err := d.store.CreateMessage(ctx, msg); err != nil {
			return storageErr("create message", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The message row is the commit point; counters follow it.
	if _, err := d.conversations.RecordMessage(ctx, conv.ID, p.ReceiverID, now); err != nil {
		d.logger.Error("conversation counters not updated", "conversation_id", conv.ID, "message_id", msg.ID, "error", err)
	}

	if live {
		if created {
			receiver.Emit(EventNewConversation, d.withUsers(ctx, conv))
		}
		if receiver.Emit(EventNewMessage, msg) {
			d.metrics.Delivered()
		}
	}
	s.Emit(EventMessageSent, msg)
	return msg, nil
}

// Edit replaces the content of one of the requester's own messages.
func (d *Dispatcher) Edit(ctx context.Context, s *Session, p EditMessagePayload) (*Message, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, invalid("content is required")
	}
	unlock := d.messages.Lock(p.MessageID)
	defer unlock()

	msg, err := d.loadMessage(ctx, p.MessageID, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != s.UserID {
		return nil, fmt.Errorf("%w: only the sender can edit message %d", ErrUnauthorized, msg.ID)
	}
	now := d.now()
	if !msg.Editable(now, d.editWindow) {
		return nil, fmt.Errorf("%w: message %d can no longer be edited", ErrEditWindowExpired, msg.ID)
	}

	updated := msg.clone()
	updated.Content = p.Content
	updated.IsEdited = true
	updated.EditedAt = &now
	updated.UpdatedAt = now
	if err := d.store.UpdateMessage(ctx, updated); err != nil {
		return nil, storageErr("update message", err)
	}

	s.Emit(EventMessageEdited, updated)
	d.emitToCounterpart(ctx, updated.ConversationID, s.UserID, EventMessageEdited, updated)
	return updated, nil
}

// Delete soft-deletes one of the requester's own messages.
func (d *Dispatcher) Delete(ctx context.Context, s *Session, p DeleteMessagePayload) error {
	unlock := d.messages.Lock(p.MessageID)
	defer unlock()

	msg, err := d.loadMessage(ctx, p.MessageID, p.ConversationID)
	if err != nil {
		return err
	}
	if msg.SenderID != s.UserID {
		return fmt.Errorf("%w: only the sender can delete message %d", ErrUnauthorized, msg.ID)
	}
	if msg.IsDeleted {
		return invalid("message %d is already deleted", msg.ID)
	}

	now := d.now()
	updated := msg.clone()
	updated.IsDeleted = true
	updated.DeletedAt = &now
	updated.Content = DeletedPlaceholder
	updated.UpdatedAt = now
	if err := d.store.UpdateMessage(ctx, updated); err != nil {
		return storageErr("update message", err)
	}

	ev := MessageDeletedEvent{MessageID: updated.ID, ConversationID: updated.ConversationID}
	s.Emit(EventMessageDeleted, ev)
	d.emitToCounterpart(ctx, updated.ConversationID, s.UserID, EventMessageDeleted, ev)
	return nil
}

// MarkRead marks a message read by the requester and clears their unread
// counter. Reading your own message, or one already read, does nothing.
func (d *Dispatcher) MarkRead(ctx context.Context, s *Session, p MarkMessageReadPayload) error {
	unlock := d.messages.Lock(p.MessageID)
	defer unlock()

	msg, err := d.loadMessage(ctx, p.MessageID, p.ConversationID)
	if err != nil {
		return err
	}
	if _, err := d.conversations.Counterpart(ctx, msg.ConversationID, s.UserID); err != nil {
		return err
	}
	if msg.SenderID == s.UserID || msg.ReadAt != nil {
		return nil
	}

	now := d.now()
	updated := msg.clone()
	updated.ReadAt = &now
	if updated.DeliveredAt == nil {
		updated.DeliveredAt = &now
	}
	updated.UpdatedAt = now
	if err := d.store.UpdateMessage(ctx, updated); err != nil {
		return storageErr("update message", err)
	}
	if _, err := d.conversations.ResetUnread(ctx, updated.ConversationID, s.UserID); err != nil {
		d.logger.Error("unread counter not reset", "conversation_id", updated.ConversationID, "user_id", s.UserID, "error", err)
	}

	d.emitTo(updated.SenderID, EventMessageRead, MessageReadEvent{
		MessageID: updated.ID,
		ReadBy:    s.UserID,
		ReadAt:    now,
	})
	return nil
}

// Typing forwards a typing update after checking the requester belongs to
// the conversation.
func (d *Dispatcher) Typing(ctx context.Context, s *Session, p TypingPayload) error {
	if p.ConversationID <= 0 {
		return invalid("conversationId is required")
	}
	if _, err := d.conversations.Counterpart(ctx, p.ConversationID, s.UserID); err != nil {
		return err
	}
	d.typing.Set(s.UserID, p.ConversationID, p.IsTyping)
	return nil
}

// StartConversation is the explicit creation action. The target hears about
// a conversation only when this call created it.
func (d *Dispatcher) StartConversation(ctx context.Context, userID, targetID int64) (*Conversation, error) {
	if targetID <= 0 {
		return nil, invalid("targetId is required")
	}
	if _, err := d.store.FindUser(ctx, targetID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid("user %d does not exist", targetID)
		}
		return nil, storageErr("find user", err)
	}
	conv, created, err := d.conversations.FindOrCreate(ctx, userID, targetID)
	if err != nil {
		return nil, err
	}
	conv = d.withUsers(ctx, conv)
	if created {
		d.emitTo(targetID, EventNewConversation, conv)
	}
	return conv, nil
}

// checkReplyTarget requires the parent message to sit in the conversation
// between sender and receiver. With no conversation yet there is nothing to
// reply to.
func (d *Dispatcher) checkReplyTarget(ctx context.Context, senderID, receiverID, parentID int64) error {
	rejected := invalid("reply target %d is not in this conversation", parentID)
	conv, err := d.store.FindConversationByPair(ctx, senderID, receiverID)
	if errors.Is(err, ErrNotFound) {
		return rejected
	}
	if err != nil {
		return storageErr("find conversation", err)
	}
	parent, err := d.store.FindMessage(ctx, parentID)
	if errors.Is(err, ErrNotFound) || (err == nil && parent.ConversationID != conv.ID) {
		return rejected
	}
	if err != nil {
		return storageErr("find reply target", err)
	}
	return nil
}

func (d *Dispatcher) loadMessage(ctx context.Context, messageID, conversationID int64) (*Message, error) {
	if messageID <= 0 {
		return nil, invalid("messageId is required")
	}
	msg, err := d.store.FindMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("message", messageID)
		}
		return nil, storageErr("find message", err)
	}
	if conversationID != 0 && msg.ConversationID != conversationID {
		return nil, fmt.Errorf("%w: message %d in conversation %d", ErrNotFound, messageID, conversationID)
	}
	return msg, nil
}

func (d *Dispatcher) withUsers(ctx context.Context, conv *Conversation) *Conversation {
	out := conv.clone()
	for _, slot := range []struct {
		id  int64
		dst **User
	}{{out.UserOneID, &out.UserOne}, {out.UserTwoID, &out.UserTwo}} {
		u, err := d.store.FindUser(ctx, slot.id)
		if err != nil {
			d.logger.Warn("load conversation user failed", "user_id", slot.id, "error", err)
			continue
		}
		*slot.dst = u
	}
	return out
}

func (d *Dispatcher) emitTo(userID int64, event string, data any) bool {
	s, ok := d.registry.Lookup(userID)
	if !ok {
		return false
	}
	return s.Emit(event, data)
}

func (d *Dispatcher) emitToCounterpart(ctx context.Context, conversationID, userID int64, event string, data any) {
	other, err := d.conversations.Counterpart(ctx, conversationID, userID)
	if err != nil {
		d.logger.Warn("counterpart lookup failed", "conversation_id", conversationID, "error", err)
		return
	}
	d.emitTo(other, event, data)
}

// notifyTyping is the Typing coordinator's sink: point-to-point to the
// counterpart, if live.
func (d *Dispatcher) notifyTyping(userID, conversationID int64, isTyping bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d.storeTimeout)
	defer cancel()
	other, err := d.conversations.Counterpart(ctx, conversationID, userID)
	if err != nil {
		d.logger.Warn("typing counterpart lookup failed", "conversation_id", conversationID, "error", err)
		return
	}
	d.emitTo(other, EventUserTyping, UserTypingEvent{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
}

func isImageRef(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
