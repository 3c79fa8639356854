package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flashclaw/flashclaw/internal/store"
)

func (s *Store) StoreMessage(ctx context.Context, msg store.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, bot_name, sender_id, role, content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, chat_id) DO NOTHING`,
		msg.ID, msg.ChatID, msg.BotName, msg.SenderID, msg.Role, msg.Content, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	return nil
}

func (s *Store) MessageExists(ctx context.Context, id, chatID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM messages WHERE id = ? AND chat_id = ?`, id, chatID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) GetMessagesSince(ctx context.Context, chatID string, sinceTs int64, botName string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, bot_name, sender_id, role, content, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp > ? AND (? = '' OR bot_name = ?)
		ORDER BY timestamp ASC`, chatID, sinceTs, botName, botName)
	if err != nil {
		return nil, fmt.Errorf("get messages since: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) GetChatHistory(ctx context.Context, chatID string, limit int, sinceTs int64) ([]store.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, bot_name, sender_id, role, content, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, sinceTs, limit)
	if err != nil {
		return nil, fmt.Errorf("get chat history: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// reverse to chronological order
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) StoreChatMetadata(ctx context.Context, chatID string, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (chat_id, last_message_at) VALUES (?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET last_message_at = excluded.last_message_at`,
		chatID, ts)
	if err != nil {
		return fmt.Errorf("store chat metadata: %w", err)
	}
	return nil
}

func (s *Store) GetAllChats(ctx context.Context) ([]store.Chat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, last_message_at FROM chats ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("get all chats: %w", err)
	}
	defer rows.Close()

	var out []store.Chat
	for rows.Next() {
		var c store.Chat
		if err := rows.Scan(&c.ChatID, &c.LastMessage); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		var m store.Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.BotName, &m.SenderID, &m.Role, &m.Content, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
