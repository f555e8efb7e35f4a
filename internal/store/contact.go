package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pmoura/chirp/internal/contacts"
)

// UpsertContact inserts or updates a contact. Empty incoming names never
// clobber a known name.
func (db *DB) UpsertContact(c *contacts.Contact) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO contacts (email, name, avatar_url, last_message, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE contacts.avatar_url END,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.Email, c.Name, c.AvatarURL, c.LastMessage, c.LastMessageTime, c.UnreadCount, now)
	return err
}

// BulkUpsertContacts inserts or updates multiple contacts in a single
// transaction. Used when seeding from the server's contact book.
func (db *DB) BulkUpsertContacts(list []contacts.Contact) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range list {
		if _, err := tx.Exec(`
			INSERT INTO contacts (email, name, avatar_url, last_message, last_message_at, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(email) DO UPDATE SET
				name = CASE WHEN excluded.name != '' THEN excluded.name ELSE contacts.name END,
				avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE contacts.avatar_url END,
				updated_at = excluded.updated_at`,
			c.Email, c.Name, c.AvatarURL, c.LastMessage, c.LastMessageTime, c.UnreadCount, now); err != nil {
			return fmt.Errorf("upsert contact %q: %w", c.Email, err)
		}
	}
	return tx.Commit()
}

// GetContact returns a contact by email, nil when unknown.
func (db *DB) GetContact(email string) (*contacts.Contact, error) {
	var c contacts.Contact
	err := db.QueryRow(`
		SELECT email, name, avatar_url, last_message, last_message_at, unread_count
		FROM contacts WHERE email = ?`, email).
		Scan(&c.Email, &c.Name, &c.AvatarURL, &c.LastMessage, &c.LastMessageTime, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListContacts returns all cached contacts, most recent conversation first.
func (db *DB) ListContacts() ([]contacts.Contact, error) {
	rows, err := db.Query(`
		SELECT email, name, avatar_url, last_message, last_message_at, unread_count
		FROM contacts
		ORDER BY last_message_at DESC, email ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contacts.Contact
	for rows.Next() {
		var c contacts.Contact
		if err := rows.Scan(&c.Email, &c.Name, &c.AvatarURL, &c.LastMessage, &c.LastMessageTime, &c.UnreadCount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
