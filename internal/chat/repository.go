package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository is the Postgres implementation of Store and History.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, message_type, reply_to_message_id,
	delivered_at, read_at, is_edited, edited_at, is_deleted, deleted_at, created_at, updated_at`

const conversationColumns = `id, user_one_id, user_two_id, last_message_at,
	user_one_unread_count, user_two_unread_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *Repository) CreateMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (conversation_id, sender_id, content, message_type, reply_to_message_id,
			delivered_at, read_at, is_edited, edited_at, is_deleted, deleted_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`
	return r.db.QueryRowContext(ctx, query,
		msg.ConversationID, msg.SenderID, msg.Content, string(msg.MessageType), nullInt(msg.ReplyToMessageID),
		nullTime(msg.DeliveredAt), nullTime(msg.ReadAt), msg.IsEdited, nullTime(msg.EditedAt),
		msg.IsDeleted, nullTime(msg.DeletedAt), msg.CreatedAt, msg.UpdatedAt,
	).Scan(&msg.ID)
}

func (r *Repository) UpdateMessage(ctx context.Context, msg *Message) error {
	query := `
		UPDATE messages SET content = $2, delivered_at = $3, read_at = $4, is_edited = $5,
			edited_at = $6, is_deleted = $7, deleted_at = $8, updated_at = $9
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query,
		msg.ID, msg.Content, nullTime(msg.DeliveredAt), nullTime(msg.ReadAt), msg.IsEdited,
		nullTime(msg.EditedAt), msg.IsDeleted, nullTime(msg.DeletedAt), msg.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return expectOne(res, "message", msg.ID)
}

func (r *Repository) FindMessage(ctx context.Context, id int64) (*Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("message", id)
	}
	return msg, err
}

func (r *Repository) FindConversation(ctx context.Context, id int64) (*Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("conversation", id)
	}
	return conv, err
}

func (r *Repository) FindConversationByPair(ctx context.Context, userA, userB int64) (*Conversation, error) {
	one, two := OrderedPair(userA, userB)
	row := r.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE user_one_id = $1 AND user_two_id = $2`, one, two)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %d/%d", ErrNotFound, one, two)
	}
	return conv, err
}

// CreateConversation inserts the pair, or returns the existing row if another
// writer got there first.
func (r *Repository) CreateConversation(ctx context.Context, userA, userB int64, at time.Time) (*Conversation, error) {
	one, two := OrderedPair(userA, userB)
	query := `
		INSERT INTO conversations (user_one_id, user_two_id, last_message_at, created_at, updated_at)
		VALUES ($1, $2, $3, $3, $3)
		ON CONFLICT (user_one_id, user_two_id) DO UPDATE SET user_one_id = EXCLUDED.user_one_id
		RETURNING ` + conversationColumns
	return scanConversation(r.db.QueryRowContext(ctx, query, one, two, at))
}

func (r *Repository) UpdateConversationCounters(ctx context.Context, conv *Conversation) error {
	query := `
		UPDATE conversations SET user_one_unread_count = $2, user_two_unread_count = $3,
			last_message_at = $4, updated_at = $5
		WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query,
		conv.ID, conv.UserOneUnreadCount, conv.UserTwoUnreadCount, conv.LastMessageAt, conv.UpdatedAt)
	if err != nil {
		return err
	}
	return expectOne(res, "conversation", conv.ID)
}

func (r *Repository) DeleteConversation(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM messages WHERE conversation_id = $1)`, id)
	if err != nil {
		return err
	}
	return expectOne(res, "conversation", id)
}

func (r *Repository) FindUser(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	var image sql.NullString
	query := `SELECT id, name, email, image_url, is_online, last_seen FROM users WHERE id = $1`
	err := r.db.QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Name, &u.Email, &image, &u.IsOnline, &u.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("user", id)
	}
	if err != nil {
		return nil, err
	}
	u.ImageURL = image.String
	return u, nil
}

func (r *Repository) SetUserPresence(ctx context.Context, userID int64, online bool, lastSeen time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_online = $2, last_seen = $3 WHERE id = $1`, userID, online, lastSeen)
	if err != nil {
		return err
	}
	return expectOne(res, "user", userID)
}

func (r *Repository) ListConversations(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE user_one_id = $1 OR user_two_id = $1
		ORDER BY last_message_at DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ConversationSummary{Conversation: *conv, UnreadCount: conv.UnreadFor(userID)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		c := &out[i]
		if c.UserOne, err = r.FindUser(ctx, c.UserOneID); err != nil {
			return nil, err
		}
		if c.UserTwo, err = r.FindUser(ctx, c.UserTwoID); err != nil {
			return nil, err
		}
		last, err := scanMessage(r.db.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, c.ID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, err
		default:
			c.LastMessage = last
		}
	}
	return out, nil
}

// ListMessages returns up to limit messages older than before (0 = newest),
// newest first.
func (r *Repository) ListMessages(ctx context.Context, conversationID int64, limit int, before int64) ([]*Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1 AND ($2::BIGINT = 0 OR id < $2::BIGINT)
		ORDER BY id DESC
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	var (
		msgType                              string
		replyTo                              sql.NullInt64
		delivered, read, edited, deletedTime sql.NullTime
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msgType, &replyTo,
		&delivered, &read, &msg.IsEdited, &edited, &msg.IsDeleted, &deletedTime, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	msg.MessageType = MessageType(msgType)
	if replyTo.Valid {
		id := replyTo.Int64
		msg.ReplyToMessageID = &id
	}
	msg.DeliveredAt = timePtr(delivered)
	msg.ReadAt = timePtr(read)
	msg.EditedAt = timePtr(edited)
	msg.DeletedAt = timePtr(deletedTime)
	return msg, nil
}

func scanConversation(row rowScanner) (*Conversation, error) {
	c := &Conversation{}
	err := row.Scan(&c.ID, &c.UserOneID, &c.UserTwoID, &c.LastMessageAt,
		&c.UserOneUnreadCount, &c.UserTwoUnreadCount, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func expectOne(res sql.Result, what string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(what, id)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
