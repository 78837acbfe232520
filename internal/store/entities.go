package store

import (
	"time"

	"github.com/octoforge/octogate/internal/types"
)

// BotInstance is one configured chatbot tenant. The runtime treats it as a
// read-only snapshot; changes require agent re-construction via eviction.
type BotInstance struct {
	ID            string
	Name          string
	Description   string
	SystemPrompt  string
	ModelConfigID string
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time

	// Loaded by GetBotInstance.
	ModelConfig    *ModelConfig
	PluginConfigs  []PluginConfig
	ChannelConfigs []ChannelConfig
}

// ModelConfig is an immutable snapshot of a model-provider binding.
type ModelConfig struct {
	ID          string
	Name        string
	Provider    string
	ModelID     string
	APIKey      string
	Endpoint    string
	MaxTokens   int
	Temperature float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PluginConfig enables one plugin for a bot, with optional settings.
type PluginConfig struct {
	ID            string
	BotInstanceID string
	PluginID      string
	Enabled       bool
	Settings      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChannelConfig holds the stored settings for one channel type of a bot.
type ChannelConfig struct {
	ID            string
	BotInstanceID string
	ChannelType   string
	Enabled       bool
	Settings      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Conversation is the message thread for one (bot, channel, user) triple.
type Conversation struct {
	ID            string
	BotInstanceID string
	ChannelID     string
	UserID        string
	Title         string
	CreatedAt     time.Time
	LastMessageAt time.Time
}

// Message is one persisted turn of a conversation. Append-only.
type Message struct {
	ID             string
	ConversationID string
	Role           types.Role
	Content        string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// ScheduledJob is a cron-triggered synthetic message definition.
type ScheduledJob struct {
	ID            string
	BotInstanceID string
	Name          string
	Description   string
	Instructions  string
	CronExpr      string
	Enabled       bool
	LastRunAt     *time.Time
	NextRunAt     *time.Time
	LastRunStatus string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// JobExecution records one run of a scheduled job.
type JobExecution struct {
	ID           string
	JobID        string
	StartedAt    time.Time
	CompletedAt  *time.Time
	Status       string
	Output       string
	ErrorMessage string
}

// Job execution statuses.
const (
	ExecRunning = "running"
	ExecSuccess = "success"
	ExecFailed  = "failed"
)
