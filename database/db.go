package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"dolabb/models"
	"dolabb/protocol"
)

// Store is the local snapshot cache of conversations and confirmed messages
type Store struct {
	db *sql.DB
}

// Open sets up the SQLite file at path and creates tables
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database: cache path required")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// SQLite serializes writers anyway
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database: create tables: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	tables := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		other_user_id TEXT NOT NULL DEFAULT '',
		other_username TEXT NOT NULL DEFAULT '',
		other_profile_image TEXT NOT NULL DEFAULT '',
		last_message TEXT NOT NULL DEFAULT '',
		last_message_at TEXT NOT NULL DEFAULT '',
		unread_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sort_key INTEGER NOT NULL DEFAULT 0,
		payload TEXT NOT NULL,
		cached_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, sort_key);
	`

	_, err := s.db.Exec(tables)
	return err
}

// Conversation queries

// SaveConversations replaces the cached conversation list
func (s *Store) SaveConversations(ctx context.Context, convs []models.Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations"); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO conversations
		(id, conversation_id, other_user_id, other_username, other_profile_image, last_message, last_message_at, unread_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range convs {
		lastAt := ""
		if !c.LastMessageAt.IsZero() {
			lastAt = protocol.FormatTimestamp(c.LastMessageAt)
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, c.ChannelID(), c.OtherUser.ID, c.OtherUser.Username, c.OtherUser.ProfileImage,
			c.LastMessage, lastAt, c.UnreadCount,
		); err != nil {
			return fmt.Errorf("cache conversation %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// LoadConversations returns the cached list, most recent first.
// Online flags are not cached.
func (s *Store) LoadConversations(ctx context.Context) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, other_user_id, other_username, other_profile_image, last_message, last_message_at, unread_count
		FROM conversations
		ORDER BY last_message_at DESC, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []models.Conversation
	for rows.Next() {
		var c models.Conversation
		var lastAt string
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.OtherUser.ID, &c.OtherUser.Username,
			&c.OtherUser.ProfileImage, &c.LastMessage, &lastAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.LastMessageAt, _ = protocol.ParseTimestamp(lastAt)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Message queries

// SaveMessages upserts confirmed entries of one conversation. Optimistic
// entries are skipped.
func (s *Store) SaveMessages(ctx context.Context, conversationID string, msgs []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO messages (id, conversation_id, sort_key, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sort_key = excluded.sort_key,
			payload = excluded.payload,
			cached_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range msgs {
		if m.ID == "" || m.IsOptimistic() {
			continue
		}
		payload, err := json.Marshal(m)
		if err != nil {
			return err
		}
		var sortKey int64
		if !m.Timestamp.IsZero() {
			sortKey = m.Timestamp.UnixMilli()
		}
		if _, err := stmt.ExecContext(ctx, m.ID, conversationID, sortKey, string(payload)); err != nil {
			return fmt.Errorf("cache message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// LoadMessages returns up to limit of the newest cached entries, oldest first.
// A non-positive limit returns everything.
func (s *Store) LoadMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM messages
		WHERE conversation_id = ?
		ORDER BY sort_key DESC, id DESC
		LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var m models.Message
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("decode cached message: %w", err)
		}
		m.Timestamp, _ = protocol.ParseTimestamp(m.RawTimestamp)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// DeleteMessages drops every cached entry of one conversation
func (s *Store) DeleteMessages(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID)
	return err
}
