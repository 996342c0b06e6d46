package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/convsync/internal/codec"
	"github.com/matheus3301/convsync/internal/model"
)

// ReplaceMessages swaps the stored message list of one conversation for msgs
// in a single transaction. The cache never patches rows in place, it writes
// the whole snapshot.
func (db *DB) ReplaceMessages(ns, conversationKey string, msgs []model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE namespace = ? AND conversation_key = ?`, ns, conversationKey); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for _, m := range msgs {
		var attachment []byte
		if m.Attachment != nil {
			if attachment, err = codec.Marshal(m.Attachment); err != nil {
				return fmt.Errorf("encode attachment of %q: %w", m.ID, err)
			}
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (namespace, conversation_key, msg_id, client_id, sender_id, receiver_id, content, attachment, created_at, state, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ns, conversationKey, m.ID, m.ClientID, m.SenderID, m.ReceiverID, m.Content, attachment,
			m.CreatedAt.UnixMilli(), string(m.State), m.Seq); err != nil {
			return fmt.Errorf("insert message %q: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in display order.
func (db *DB) ListMessages(ns, conversationKey string) ([]model.Message, error) {
	rows, err := db.Query(`
		SELECT msg_id, client_id, sender_id, receiver_id, content, attachment, created_at, state, seq
		FROM messages
		WHERE namespace = ? AND conversation_key = ?
		ORDER BY created_at ASC, seq ASC`, ns, conversationKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		var (
			m          model.Message
			attachment []byte
			createdAt  int64
			state      string
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &m.SenderID, &m.ReceiverID, &m.Content, &attachment, &createdAt, &state, &m.Seq); err != nil {
			return nil, err
		}
		if len(attachment) > 0 {
			m.Attachment = &model.Attachment{}
			if err := codec.Unmarshal(attachment, m.Attachment); err != nil {
				return nil, fmt.Errorf("decode attachment of %q: %w", m.ID, err)
			}
		}
		m.ConversationKey = conversationKey
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		m.State = model.DeliveryState(state)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
