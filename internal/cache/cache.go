package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parleyapp/parley/internal/chat"
)

// UpsertChat inserts or updates a conversation record.
func (db *DB) UpsertChat(c chat.Chat, unread int) error {
	otherUser, err := json.Marshal(c.OtherUser)
	if err != nil {
		return fmt.Errorf("encode other user: %w", err)
	}
	var lastMessage any
	if c.LastMessage != nil {
		buf, err := json.Marshal(c.LastMessage)
		if err != nil {
			return fmt.Errorf("encode last message: %w", err)
		}
		lastMessage = string(buf)
	}
	_, err = db.Exec(`
		INSERT INTO chats (id, other_user, last_message, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			other_user = excluded.other_user,
			last_message = excluded.last_message,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, string(otherUser), lastMessage, unread, time.Now().UnixMilli())
	return err
}

// Chats returns cached conversations ordered by most recent activity.
func (db *DB) Chats() ([]chat.Chat, error) {
	rows, err := db.Query(`
		SELECT id, other_user, last_message, unread_count
		FROM chats
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []chat.Chat
	for rows.Next() {
		var (
			c           chat.Chat
			otherUser   string
			lastMessage sql.NullString
			unread      int
		)
		if err := rows.Scan(&c.ID, &otherUser, &lastMessage, &unread); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(otherUser), &c.OtherUser); err != nil {
			return nil, fmt.Errorf("decode other user for %s: %w", c.ID, err)
		}
		if lastMessage.Valid {
			var lm chat.LastMessage
			if err := json.Unmarshal([]byte(lastMessage.String), &lm); err != nil {
				return nil, fmt.Errorf("decode last message for %s: %w", c.ID, err)
			}
			c.LastMessage = &lm
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// UpsertMessages replaces the cached page for a conversation in one
// transaction. Placeholders are skipped; they are never confirmed state.
func (db *DB) UpsertMessages(chatID string, msgs []chat.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	stmt, err := tx.Prepare(`
		INSERT INTO messages (chat_id, msg_id, sender_id, body, message_type, media, reply,
			is_forwarded, is_edited, aspect_ratio, reactions, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, m := range msgs {
		if m.IsPlaceholder() {
			continue
		}
		media, reply, reactions, err := encodeParts(m)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(chatID, m.ID, m.SenderID, m.Text, string(m.Type),
			media, reply, m.IsForwarded, m.IsEdited, m.AspectRatio, reactions,
			m.Timestamp.UnixMilli(), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Messages returns the cached page for a conversation, newest first.
func (db *DB) Messages(chatID string) ([]chat.Message, error) {
	rows, err := db.Query(`
		SELECT msg_id, sender_id, body, message_type, media, reply,
			is_forwarded, is_edited, aspect_ratio, reactions, timestamp
		FROM messages
		WHERE chat_id = ?
		ORDER BY timestamp DESC`, chatID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m        chat.Message
			msgType  string
			media    sql.NullString
			reply    sql.NullString
			reacts   sql.NullString
			tsMillis int64
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.Text, &msgType, &media, &reply,
			&m.IsForwarded, &m.IsEdited, &m.AspectRatio, &reacts, &tsMillis); err != nil {
			return nil, err
		}
		m.Type = chat.MessageType(msgType)
		m.Timestamp = time.UnixMilli(tsMillis).UTC()
		if err := decodeParts(&m, media, reply, reacts); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", m.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes one message from the cache.
func (db *DB) DeleteMessage(chatID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ? AND msg_id = ?`, chatID, msgID)
	return err
}

// ClearChat removes all cached messages for a conversation.
func (db *DB) ClearChat(chatID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID)
	return err
}

func encodeParts(m chat.Message) (media, reply, reactions any, err error) {
	if !m.MediaURL.IsZero() {
		buf, err := json.Marshal(m.MediaURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode media: %w", err)
		}
		media = string(buf)
	}
	if m.ReplyTo != nil {
		buf, err := json.Marshal(m.ReplyTo)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode reply: %w", err)
		}
		reply = string(buf)
	}
	if len(m.Reactions) > 0 {
		buf, err := json.Marshal(m.Reactions)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode reactions: %w", err)
		}
		reactions = string(buf)
	}
	return media, reply, reactions, nil
}

func decodeParts(m *chat.Message, media, reply, reactions sql.NullString) error {
	if media.Valid {
		if err := json.Unmarshal([]byte(media.String), &m.MediaURL); err != nil {
			return err
		}
	}
	if reply.Valid {
		var r chat.ReplyRef
		if err := json.Unmarshal([]byte(reply.String), &r); err != nil {
			return err
		}
		m.ReplyTo = &r
	}
	if reactions.Valid {
		if err := json.Unmarshal([]byte(reactions.String), &m.Reactions); err != nil {
			return err
		}
	}
	return nil
}
