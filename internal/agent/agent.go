// Package agent binds one bot instance to its model client, tool set and
// conversation memory, and drives message turns against the model.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/octoforge/octogate/internal/memory"
	"github.com/octoforge/octogate/internal/models"
	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/tools"
	"github.com/octoforge/octogate/internal/types"
)

// Agent is the runtime for one bot instance. It is immutable after
// construction; configuration changes take effect by evicting the agent
// from the directory and rebuilding it.
type Agent struct {
	botID        string
	name         string
	systemPrompt string
	client       models.ChatClient
	toolDefs     []models.ToolDef
	memory       *memory.Memory
	historyLimit int
	logger       *slog.Logger
}

// Options carries the shared collaborators agents are built from.
type Options struct {
	Factory      *models.Factory
	Registry     *tools.Registry
	Memory       *memory.Memory
	HistoryLimit int
	Logger       *slog.Logger
}

// New constructs an agent from a loaded bot snapshot. A bot without a model
// configuration cannot hold a conversation, so that is a configuration
// error. Enabled plugins that are not present in the registry are skipped
// with a warning rather than failing the whole bot.
func New(bot *store.BotInstance, opts Options) (*Agent, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "agent", "bot", bot.ID)

	if bot.ModelConfig == nil {
		return nil, fmt.Errorf("bot %s has no model configuration: %w", bot.ID, types.ErrConfigInvalid)
	}
	client, err := opts.Factory.Create(*bot.ModelConfig)
	if err != nil {
		return nil, fmt.Errorf("build model client for bot %s: %w", bot.ID, err)
	}

	historyLimit := opts.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = memory.DefaultHistoryLimit
	}

	a := &Agent{
		botID:        bot.ID,
		name:         bot.Name,
		systemPrompt: bot.SystemPrompt,
		client:       client,
		memory:       opts.Memory,
		historyLimit: historyLimit,
		logger:       logger,
	}

	for _, pc := range bot.PluginConfigs {
		if !pc.Enabled {
			continue
		}
		tool, err := opts.Registry.Resolve(pc.PluginID)
		if err != nil {
			logger.Warn("configured plugin not available, skipping", "plugin", pc.PluginID)
			continue
		}
		if configurable, ok := tool.(tools.Configurable); ok {
			if err := configurable.Configure(bot.ID, pc.Settings); err != nil {
				return nil, fmt.Errorf("configure plugin %s: %w", pc.PluginID, err)
			}
		}
		a.toolDefs = append(a.toolDefs, bindTool(tool, bot.ID))
	}

	return a, nil
}

// bindTool adapts a registry plugin to a model-facing tool definition,
// fixing the bot identity so per-bot settings apply.
func bindTool(t tools.Tool, botID string) models.ToolDef {
	return models.ToolDef{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return t.Execute(ctx, botID, args)
		},
	}
}

// BotID returns the bot instance this agent serves.
func (a *Agent) BotID() string { return a.botID }

// Name returns the bot's display name.
func (a *Agent) Name() string { return a.name }

// Tools returns the names of the bound tools.
func (a *Agent) Tools() []string {
	out := make([]string, len(a.toolDefs))
	for i, t := range a.toolDefs {
		out[i] = t.Name
	}
	return out
}

// Process runs one full conversation turn: resolve the conversation,
// thread the bounded history into a prompt, complete against the model,
// and persist the user and assistant messages. Nothing is persisted when
// the model call fails, so a retry of the same message sees unchanged
// history.
func (a *Agent) Process(ctx context.Context, msg types.IncomingMessage) (string, error) {
	if a.client == nil {
		return "", fmt.Errorf("agent %s: %w", a.botID, types.ErrNotInitialized)
	}

	conv, history, err := a.prepare(ctx, msg)
	if err != nil {
		return "", err
	}

	reply, err := a.client.Complete(ctx, a.buildRequest(history, msg))
	if err != nil {
		return "", err
	}

	a.persistTurn(ctx, conv.ID, msg, reply)
	return reply, nil
}

// ProcessStream is the streaming form of Process. Chunks are relayed to
// the caller as they arrive; the turn is persisted only after the stream
// drains cleanly. A cancelled or failed stream persists nothing.
func (a *Agent) ProcessStream(ctx context.Context, msg types.IncomingMessage) (<-chan types.StreamChunk, error) {
	if a.client == nil {
		return nil, fmt.Errorf("agent %s: %w", a.botID, types.ErrNotInitialized)
	}

	conv, history, err := a.prepare(ctx, msg)
	if err != nil {
		return nil, err
	}

	upstream, err := a.client.Stream(ctx, a.buildRequest(history, msg))
	if err != nil {
		return nil, err
	}

	out := make(chan types.StreamChunk)
	go func() {
		defer close(out)

		var full string
		for chunk := range upstream {
			if chunk.Err != nil {
				a.logger.Error("stream failed mid-turn", "error", chunk.Err)
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
				return
			}
			full += chunk.Text
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		a.persistTurn(ctx, conv.ID, msg, full)
	}()
	return out, nil
}

func (a *Agent) prepare(ctx context.Context, msg types.IncomingMessage) (*store.Conversation, []types.ChatMessage, error) {
	conv, err := a.memory.GetOrCreate(ctx, a.botID, msg.ChannelID, msg.UserID)
	if err != nil {
		return nil, nil, err
	}
	history, err := a.memory.GetHistory(ctx, conv.ID, a.historyLimit)
	if err != nil {
		return nil, nil, err
	}
	return conv, history, nil
}

func (a *Agent) buildRequest(history []types.ChatMessage, msg types.IncomingMessage) models.ChatRequest {
	prompt := make([]types.ChatMessage, 0, len(history)+1)
	prompt = append(prompt, history...)
	prompt = append(prompt, types.ChatMessage{
		Role:      types.RoleUser,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	return models.ChatRequest{
		SystemPrompt: a.systemPrompt,
		Messages:     prompt,
		Tools:        a.toolDefs,
	}
}

// persistTurn appends the user message with its original receive time and
// the assistant reply stamped at completion. Persistence failures are
// logged, not surfaced; the reply has already been produced.
func (a *Agent) persistTurn(ctx context.Context, conversationID string, msg types.IncomingMessage, reply string) {
	userMsg := types.ChatMessage{
		Role:      types.RoleUser,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
		Metadata: map[string]string{
			"channel_type": msg.ChannelType,
			"user_name":    msg.UserName,
		},
	}
	if err := a.memory.AddMessage(ctx, conversationID, userMsg); err != nil {
		a.logger.Error("persist user message", "error", err)
		return
	}
	assistantMsg := types.ChatMessage{
		Role:      types.RoleAssistant,
		Content:   reply,
		Timestamp: time.Now(),
	}
	if err := a.memory.AddMessage(ctx, conversationID, assistantMsg); err != nil {
		a.logger.Error("persist assistant message", "error", err)
	}
}
