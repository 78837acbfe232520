package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/octoforge/octogate/internal/types"
)

// GetOrCreateConversation resolves the conversation for a (bot, channel, user)
// triple, creating it on first use. The UNIQUE index on the triple makes
// concurrent creation race-safe: losers of the race re-read the winner's row.
func (s *Store) GetOrCreateConversation(ctx context.Context, botID, channelID, userID string) (*Conversation, error) {
	conv, err := s.lookupConversation(ctx, botID, channelID, userID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, bot_instance_id, channel_id, user_id, created_at, last_message_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bot_instance_id, channel_id, user_id) DO NOTHING`,
		uuid.NewString(), botID, channelID, userID, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return s.lookupConversation(ctx, botID, channelID, userID)
}

func (s *Store) lookupConversation(ctx context.Context, botID, channelID, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot_instance_id, channel_id, user_id, title, created_at, last_message_at
		 FROM conversations
		 WHERE bot_instance_id = ? AND channel_id = ? AND user_id = ?`,
		botID, channelID, userID)
	return scanConversation(row)
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, bot_instance_id, channel_id, user_id, title, created_at, last_message_at
		 FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var (
		c             Conversation
		createdAt     int64
		lastMessageAt int64
	)
	err := row.Scan(&c.ID, &c.BotInstanceID, &c.ChannelID, &c.UserID, &c.Title, &createdAt, &lastMessageAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation: %w", types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.CreatedAt = time.Unix(0, createdAt).UTC()
	c.LastMessageAt = time.Unix(0, lastMessageAt).UTC()
	return &c, nil
}

// AddMessage appends a message and advances the conversation's
// last_message_at. The advance is monotonic: an out-of-order append with an
// earlier timestamp never regresses the conversation clock.
func (s *Store) AddMessage(ctx context.Context, conversationID string, msg types.ChatMessage) (*Message, error) {
	m := &Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Metadata:       msg.Metadata,
		CreatedAt:      msg.Timestamp.UTC(),
	}

	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE conversations SET last_message_at = MAX(last_message_at, ?) WHERE id = ?`,
			m.CreatedAt.UnixNano(), conversationID)
		if err != nil {
			return fmt.Errorf("advance conversation clock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("conversation %s: %w", conversationID, types.ErrNotFound)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.ConversationID, string(m.Role), m.Content,
			marshalSettings(m.Metadata), m.CreatedAt.UnixNano())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// GetHistory returns the most recent limit messages of a conversation in
// chronological (oldest-first) order, ready to thread into a model prompt.
func (s *Store) GetHistory(ctx context.Context, conversationID string, limit int) ([]types.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, metadata, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	defer rows.Close()

	var reversed []types.ChatMessage
	for rows.Next() {
		var (
			role      string
			content   string
			metadata  string
			createdAt int64
		)
		if err := rows.Scan(&role, &content, &metadata, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg := types.ChatMessage{
			Role:      types.Role(role),
			Content:   content,
			Timestamp: time.Unix(0, createdAt).UTC(),
		}
		if md := unmarshalSettings(metadata); len(md) > 0 {
			msg.Metadata = md
		}
		reversed = append(reversed, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest-first; flip to chronological order.
	out := make([]types.ChatMessage, len(reversed))
	for i, m := range reversed {
		out[len(reversed)-1-i] = m
	}
	return out, nil
}

// ClearHistory deletes all messages of a conversation. The conversation row
// itself survives.
func (s *Store) ClearHistory(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}
