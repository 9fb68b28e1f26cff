package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const upsertConversationSQL = `
	INSERT INTO conversations (id, counterpart_id, counterpart_name, counterpart_avatar,
		last_message_preview, last_message_at, unread_count, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		counterpart_id = CASE WHEN excluded.counterpart_id != 0 THEN excluded.counterpart_id ELSE conversations.counterpart_id END,
		counterpart_name = CASE WHEN excluded.counterpart_name != '' THEN excluded.counterpart_name ELSE conversations.counterpart_name END,
		counterpart_avatar = CASE WHEN excluded.counterpart_avatar != '' THEN excluded.counterpart_avatar ELSE conversations.counterpart_avatar END,
		last_message_preview = excluded.last_message_preview,
		last_message_at = excluded.last_message_at,
		unread_count = excluded.unread_count,
		updated_at = excluded.updated_at`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsertConversation(x execer, c *Conversation, now int64) error {
	_, err := x.Exec(upsertConversationSQL,
		c.ID, c.CounterpartID, c.CounterpartName, c.CounterpartAvatar,
		c.LastMessagePreview, c.LastMessageAt, c.UnreadCount, now)
	return err
}

// UpsertConversation inserts or updates a conversation. Empty counterpart
// fields never overwrite known ones.
func (db *DB) UpsertConversation(c *Conversation) error {
	return upsertConversation(db, c, time.Now().UnixMilli())
}

// ReplaceConversations makes the table match list: every entry is upserted
// and conversations missing from it are deleted along with their messages.
func (db *DB) ReplaceConversations(list []Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	ids := make([]any, 0, len(list))
	for i := range list {
		if err := upsertConversation(tx, &list[i], now); err != nil {
			return fmt.Errorf("upsert conversation %d: %w", list[i].ID, err)
		}
		ids = append(ids, list[i].ID)
	}

	pruneMessages, pruneConversations := `DELETE FROM messages`, `DELETE FROM conversations`
	if len(ids) > 0 {
		in := "(?" + strings.Repeat(",?", len(ids)-1) + ")"
		pruneMessages += " WHERE conversation_id NOT IN " + in
		pruneConversations += " WHERE id NOT IN " + in
	}
	if _, err := tx.Exec(pruneMessages, ids...); err != nil {
		return fmt.Errorf("prune messages: %w", err)
	}
	if _, err := tx.Exec(pruneConversations, ids...); err != nil {
		return fmt.Errorf("prune conversations: %w", err)
	}
	return tx.Commit()
}

// ListConversations returns conversations, most recent activity first.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, counterpart_id, counterpart_name, counterpart_avatar,
			last_message_preview, last_message_at, unread_count
		FROM conversations
		ORDER BY last_message_at DESC, id DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.CounterpartID, &c.CounterpartName, &c.CounterpartAvatar,
			&c.LastMessagePreview, &c.LastMessageAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetConversation returns a single conversation, or nil when it is not cached.
func (db *DB) GetConversation(id int64) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, counterpart_id, counterpart_name, counterpart_avatar,
			last_message_preview, last_message_at, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.CounterpartID, &c.CounterpartName, &c.CounterpartAvatar,
			&c.LastMessagePreview, &c.LastMessageAt, &c.UnreadCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteConversation removes a conversation and its messages.
func (db *DB) DeleteConversation(id int64) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return tx.Commit()
}
