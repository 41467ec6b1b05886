package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// Migrations is the schema, applied in order. Every statement is idempotent.
var Migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
        id BIGSERIAL PRIMARY KEY,
        name VARCHAR(100) NOT NULL,
        email VARCHAR(255) UNIQUE NOT NULL,
        password VARCHAR(255) NOT NULL,
        refresh_token TEXT,
        image_url TEXT,
        is_online BOOLEAN NOT NULL DEFAULT FALSE,
        last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,

	`ALTER TABLE users ADD COLUMN IF NOT EXISTS refresh_token TEXT`,

	`CREATE TABLE IF NOT EXISTS conversations (
        id BIGSERIAL PRIMARY KEY,
        user_one_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        user_two_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        last_message_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        user_one_unread_count INT NOT NULL DEFAULT 0 CHECK (user_one_unread_count >= 0),
        user_two_unread_count INT NOT NULL DEFAULT 0 CHECK (user_two_unread_count >= 0),
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        CHECK (user_one_id < user_two_id),
        UNIQUE (user_one_id, user_two_id)
    )`,

	`CREATE INDEX IF NOT EXISTS conversations_user_two_idx ON conversations (user_two_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
        id BIGSERIAL PRIMARY KEY,
        conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
        sender_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        content TEXT NOT NULL,
        message_type VARCHAR(10) NOT NULL DEFAULT 'text' CHECK (message_type IN ('text', 'image')),
        reply_to_message_id BIGINT REFERENCES messages(id) ON DELETE SET NULL,
        delivered_at TIMESTAMPTZ,
        read_at TIMESTAMPTZ,
        is_edited BOOLEAN NOT NULL DEFAULT FALSE,
        edited_at TIMESTAMPTZ,
        is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
        deleted_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`,

	`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, id DESC)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range Migrations {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
