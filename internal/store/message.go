package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type queryExecer interface {
	execer
	QueryRow(query string, args ...any) *sql.Row
}

// upsertMessage stores m, merging with an existing row that shares its key,
// server id or client id. This is how a confirmed send replaces its
// optimistic row even when the confirmation arrives without the client id.
func upsertMessage(x queryExecer, m *Message, now int64) error {
	key := m.Key()
	var rowID int64
	err := x.QueryRow(`
		SELECT id FROM messages
		WHERE conversation_id = ?
		  AND (msg_key = ? OR (? != '' AND server_id = ?) OR (? != '' AND local_id = ?))
		ORDER BY id LIMIT 1`,
		m.ConversationID, key, m.ServerID, m.ServerID, m.LocalID, m.LocalID).Scan(&rowID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = x.Exec(`
			INSERT INTO messages (conversation_id, msg_key, server_id, local_id, sender_id, receiver_id,
				sender_name, content, content_type, status, sent_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ConversationID, key, m.ServerID, m.LocalID, m.SenderID, m.ReceiverID,
			m.SenderName, m.Content, m.ContentType, m.Status, m.SentAt, now)
		return err
	case err != nil:
		return err
	}
	_, err = x.Exec(`
		UPDATE messages SET
			server_id = CASE WHEN ? != '' THEN ? ELSE server_id END,
			local_id = CASE WHEN ? != '' THEN ? ELSE local_id END,
			receiver_id = CASE WHEN ? != 0 THEN ? ELSE receiver_id END,
			sender_name = CASE WHEN ? != '' THEN ? ELSE sender_name END,
			content = ?,
			status = ?,
			sent_at = ?
		WHERE id = ?`,
		m.ServerID, m.ServerID, m.LocalID, m.LocalID, m.ReceiverID, m.ReceiverID,
		m.SenderName, m.SenderName, m.Content, m.Status, m.SentAt, rowID)
	return err
}

// UpsertMessage inserts or updates a message (idempotent per conversation and key).
func (db *DB) UpsertMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessage(tx, m, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return tx.Commit()
}

// IngestHistory stores a batch of messages in one transaction.
func (db *DB) IngestHistory(msgs []Message) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i := range msgs {
		if err := upsertMessage(tx, &msgs[i], now); err != nil {
			return 0, fmt.Errorf("upsert message in batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return len(msgs), nil
}

// ListMessages returns messages of a conversation using keyset pagination by
// sent time, newest first.
func (db *DB) ListMessages(conversationID int64, beforeMs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeMs <= 0 {
		beforeMs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND sent_at < ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`, conversationID, beforeMs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(messageDest(&m)...); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

const messageColumns = `id, conversation_id, server_id, local_id, sender_id, receiver_id,
	sender_name, content, content_type, status, sent_at`

func messageDest(m *Message) []any {
	return []any{&m.ID, &m.ConversationID, &m.ServerID, &m.LocalID, &m.SenderID, &m.ReceiverID,
		&m.SenderName, &m.Content, &m.ContentType, &m.Status, &m.SentAt}
}
