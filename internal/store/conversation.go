package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/codec"
	"github.com/matheus3301/convsync/internal/model"
)

// UpsertConversation inserts or updates conversation metadata.
func (db *DB) UpsertConversation(ns string, c model.Conversation) error {
	members, err := codec.Marshal(c.Members)
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (namespace, key, display_name, is_group, members, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(namespace, key) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
			is_group = excluded.is_group,
			members = excluded.members,
			updated_at = excluded.updated_at`,
		ns, c.Key, c.DisplayName, c.IsGroup, members, now)
	return err
}

// ListConversations returns all conversations stored for ns.
func (db *DB) ListConversations(ns string) ([]model.Conversation, error) {
	rows, err := db.Query(`
		SELECT key, display_name, is_group, members
		FROM conversations
		WHERE namespace = ?
		ORDER BY key`, ns)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var members []byte
		if err := rows.Scan(&c.Key, &c.DisplayName, &c.IsGroup, &members); err != nil {
			return nil, err
		}
		if len(members) > 0 {
			if err := codec.Unmarshal(members, &c.Members); err != nil {
				return nil, fmt.Errorf("decode members of %q: %w", c.Key, err)
			}
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// DeleteConversations removes all conversations and their messages for ns.
func (db *DB) DeleteConversations(ns string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE namespace = ?`, ns); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM conversations WHERE namespace = ?`, ns); err != nil {
		return fmt.Errorf("delete conversations: %w", err)
	}
	return tx.Commit()
}
