// Package models binds model configurations to chat-capable clients.
// Each client owns its provider's function-calling protocol: tool calls
// issued by the model are executed and fed back until a final text
// response is produced.
package models

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/types"
)

// maxToolRounds bounds the tool-execution loop so a misbehaving model
// cannot spin forever.
const maxToolRounds = 10

// ToolDef is one callable function exposed to the model.
type ToolDef struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
	// Execute runs the tool. Errors are reported back to the model as
	// tool output, not propagated to the caller.
	Execute func(ctx context.Context, args map[string]any) (string, error)
}

// ChatRequest is one full prompt: system instructions, windowed history
// ending with the new user message, and the bound tool set.
type ChatRequest struct {
	SystemPrompt string
	Messages     []types.ChatMessage
	Tools        []ToolDef
}

// ChatClient is a chat-capable binding to one model configuration.
type ChatClient interface {
	// Complete runs one request/response turn, executing any tool calls
	// the model issues, and returns the final text.
	Complete(ctx context.Context, req ChatRequest) (string, error)

	// Stream produces text fragments as they arrive. The returned channel
	// is closed when the response is complete; a chunk with Err set
	// terminates the stream early. The sequence is finite and
	// non-restartable.
	Stream(ctx context.Context, req ChatRequest) (<-chan types.StreamChunk, error)
}

// Builder constructs a ChatClient from an immutable model configuration
// snapshot.
type Builder func(cfg store.ModelConfig, logger *slog.Logger) (ChatClient, error)

// Factory maps provider names to client builders.
type Factory struct {
	mu       sync.RWMutex
	builders map[string]Builder
	logger   *slog.Logger
}

// NewFactory creates an empty factory.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		builders: make(map[string]Builder),
		logger:   logger.With("component", "models"),
	}
}

// DefaultFactory returns a factory with the built-in providers registered.
func DefaultFactory(logger *slog.Logger) *Factory {
	f := NewFactory(logger)
	f.Register("openai", NewOpenAIClient)
	f.Register("anthropic", NewAnthropicClient)
	f.Register("ollama", NewOllamaClient)
	return f
}

// Register adds a builder for a provider name, replacing any previous one.
func (f *Factory) Register(provider string, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[provider] = b
	f.logger.Debug("provider registered", "provider", provider)
}

// Create builds a client for the given configuration. An unknown provider
// name is a configuration error, not a runtime one.
func (f *Factory) Create(cfg store.ModelConfig) (ChatClient, error) {
	f.mu.RLock()
	b, ok := f.builders[cfg.Provider]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model provider %q: %w", cfg.Provider, types.ErrConfigInvalid)
	}
	return b(cfg, f.logger)
}

// Providers lists the registered provider names.
func (f *Factory) Providers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.builders))
	for name := range f.builders {
		out = append(out, name)
	}
	return out
}

// sendChunk delivers a chunk unless the consumer has gone away. It reports
// whether the chunk was delivered. Terminal error chunks go through it too,
// so an abandoned stream never blocks the producing goroutine.
func sendChunk(ctx context.Context, out chan<- types.StreamChunk, chunk types.StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// findTool returns the tool with the given name, or nil.
func findTool(tools []ToolDef, name string) *ToolDef {
	for i := range tools {
		if tools[i].Name == name {
			return &tools[i]
		}
	}
	return nil
}

// runTool executes one tool call, converting execution failures into
// model-visible output per the function-calling protocol.
func runTool(ctx context.Context, tools []ToolDef, name string, args map[string]any) (output string, isErr bool) {
	tool := findTool(tools, name)
	if tool == nil {
		return fmt.Sprintf("error: unknown tool %q", name), true
	}
	out, err := tool.Execute(ctx, args)
	if err != nil {
		return fmt.Sprintf("error: %v", err), true
	}
	return out, false
}
