// Package memory resolves conversations and their bounded history windows.
package memory

import (
	"context"
	"log/slog"

	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/types"
)

// DefaultHistoryLimit is the bounded window of prior messages threaded into
// each model prompt. Keeping this low prevents unbounded context growth.
const DefaultHistoryLimit = 50

// Memory is the single writer of conversation and message state. Concurrent
// writers to the same conversation are serialized at the storage-transaction
// level.
type Memory struct {
	store  *store.Store
	logger *slog.Logger
}

// New creates a conversation memory over the given store.
func New(s *store.Store, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		store:  s,
		logger: logger.With("component", "memory"),
	}
}

// GetOrCreate resolves the conversation for a (bot, channel, user) triple,
// creating it lazily on first message. At most one conversation exists per
// triple; the store's uniqueness constraint closes concurrent-creation races.
func (m *Memory) GetOrCreate(ctx context.Context, botID, channelID, userID string) (*store.Conversation, error) {
	conv, err := m.store.GetOrCreateConversation(ctx, botID, channelID, userID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// AddMessage appends a message to a conversation and advances its
// last-message time monotonically.
func (m *Memory) AddMessage(ctx context.Context, conversationID string, msg types.ChatMessage) error {
	if _, err := m.store.AddMessage(ctx, conversationID, msg); err != nil {
		return err
	}
	m.logger.Debug("message appended",
		"conversation", conversationID,
		"role", msg.Role,
		"length", len(msg.Content))
	return nil
}

// GetHistory returns the most recent limit messages in chronological
// (oldest-first) order, ready to thread into a model prompt.
func (m *Memory) GetHistory(ctx context.Context, conversationID string, limit int) ([]types.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return m.store.GetHistory(ctx, conversationID, limit)
}

// ClearHistory deletes all messages of a conversation; the conversation
// record itself survives.
func (m *Memory) ClearHistory(ctx context.Context, conversationID string) error {
	return m.store.ClearHistory(ctx, conversationID)
}
