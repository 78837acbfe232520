// Package types provides shared message and value types used across
// octogate packages to avoid import cycles between channels, gateway,
// agent, and scheduler.
package types

import "time"

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// MessageFormat hints how a channel should render outgoing content.
type MessageFormat string

const (
	FormatPlain    MessageFormat = "plain"
	FormatMarkdown MessageFormat = "markdown"
	FormatHTML     MessageFormat = "html"
)

// IncomingMessage is a message arriving from any channel, the direct API,
// or a scheduled-job trigger.
type IncomingMessage struct {
	ChannelType string            `json:"channel_type"`
	ChannelID   string            `json:"channel_id"`
	UserID      string            `json:"user_id"`
	UserName    string            `json:"user_name,omitempty"`
	Content     string            `json:"content"`
	Timestamp   time.Time         `json:"timestamp"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// OutgoingMessage is a message sent back through a channel adapter.
type OutgoingMessage struct {
	ChannelID   string            `json:"channel_id"`
	UserID      string            `json:"user_id"`
	Content     string            `json:"content"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	Format      MessageFormat     `json:"format,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Attachment is a file or media item carried by a message.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	FileName string `json:"file_name,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// ChatMessage is a single turn in a conversation history, as threaded
// into a model prompt.
type ChatMessage struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ChannelStatus is the lifecycle state of a running channel adapter.
type ChannelStatus string

const (
	StatusStopped      ChannelStatus = "stopped"
	StatusStarting     ChannelStatus = "starting"
	StatusConnected    ChannelStatus = "connected"
	StatusReconnecting ChannelStatus = "reconnecting"
	StatusError        ChannelStatus = "error"
)

// StreamChunk is one fragment of a streamed model response. A chunk with
// Err set terminates the stream; no further chunks follow it.
type StreamChunk struct {
	Text string
	Err  error
}
