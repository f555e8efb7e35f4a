package store

import (
	"time"

	"github.com/pmoura/chirp/internal/wire"
)

// SaveMessage inserts or updates a message (idempotent on conv_key + msg_id).
// Implements the message store's cache collaborator.
func (db *DB) SaveMessage(convKey string, m wire.ChatMessage) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conv_key, msg_id, correlation_id, sender_email, receiver_email, content, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_key, msg_id) DO UPDATE SET
			correlation_id = excluded.correlation_id,
			content = excluded.content,
			status = excluded.status,
			timestamp = excluded.timestamp`,
		convKey, m.ID, m.CorrelationID, m.SenderEmail, m.ReceiverEmail, m.Content, m.Status, m.Timestamp, now)
	return err
}

// DeleteMessage removes one message from a conversation. Used when an
// optimistic echo is superseded by its server-confirmed copy.
func (db *DB) DeleteMessage(convKey, id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conv_key = ? AND msg_id = ?`, convKey, id)
	return err
}

// LoadConversation returns the full cached conversation, oldest first.
func (db *DB) LoadConversation(convKey string) ([]wire.ChatMessage, error) {
	rows, err := db.Query(`
		SELECT msg_id, correlation_id, sender_email, receiver_email, content, status, timestamp
		FROM messages
		WHERE conv_key = ?
		ORDER BY timestamp ASC, id ASC`, convKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []wire.ChatMessage
	for rows.Next() {
		var m wire.ChatMessage
		if err := rows.Scan(&m.ID, &m.CorrelationID, &m.SenderEmail, &m.ReceiverEmail, &m.Content, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(convKey string, beforeTs int64, limit int) ([]wire.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT msg_id, correlation_id, sender_email, receiver_email, content, status, timestamp
		FROM messages
		WHERE conv_key = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, convKey, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []wire.ChatMessage
	for rows.Next() {
		var m wire.ChatMessage
		if err := rows.Scan(&m.ID, &m.CorrelationID, &m.SenderEmail, &m.ReceiverEmail, &m.Content, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
