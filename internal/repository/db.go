package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"metachat/messaging-service/internal/config"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrAlreadyMember   = errors.New("user is already a member of this chat")
	ErrNotMember       = errors.New("user is not a participant in this chat")
	ErrDuplicateUser   = errors.New("username or email already taken")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// validID reports whether every id can be compared against a UUID column. Postgres rejects
// the cast of anything else, so callers answer as if no row matched.
func validID(ids ...string) bool {
	for _, id := range ids {
		if uuid.Validate(id) != nil {
			return false
		}
	}
	return true
}

// Open connects to Postgres through lib/pq and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func InitializeTables(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		username VARCHAR(64) NOT NULL UNIQUE,
		email VARCHAR(320) UNIQUE,
		password_hash TEXT NOT NULL,
		display_name VARCHAR(128) NOT NULL,
		bio TEXT,
		avatar_url TEXT,
		status VARCHAR(16) NOT NULL DEFAULT 'offline' CHECK (status IN ('online', 'offline', 'away')),
		last_seen TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS chats (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name VARCHAR(128),
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		admin_id UUID REFERENCES users(id),
		latest_message_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK ((is_group AND admin_id IS NOT NULL) OR (NOT is_group AND admin_id IS NULL))
	);

	CREATE TABLE IF NOT EXISTS chat_members (
		chat_id UUID NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES users(id),
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (chat_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		chat_id UUID NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
		sender_id UUID NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS read_receipts (
		message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id UUID NOT NULL REFERENCES users(id),
		read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (message_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		sid VARCHAR NOT NULL PRIMARY KEY,
		sess JSON NOT NULL,
		expire TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_members_user_id ON chat_members(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_id_created_at ON messages(chat_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_read_receipts_user_id ON read_receipts(user_id);
	CREATE INDEX IF NOT EXISTS idx_chats_updated_at ON chats(updated_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_expire ON sessions(expire);
	`

	_, err := db.ExecContext(ctx, query)
	return err
}

// withTx runs fn in a transaction, rolling back on any error.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
