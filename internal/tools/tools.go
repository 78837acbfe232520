// Package tools defines the plugin contract and the registry bots draw
// their tool sets from. A plugin is registered once at startup and shared
// across bots; per-bot settings are applied through the Configurable
// capability.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/octoforge/octogate/internal/types"
)

// Tool is one callable function a bot can expose to its model.
type Tool interface {
	// Name is the stable plugin identifier bots reference in their
	// configuration.
	Name() string
	Description() string
	// Schema is a JSON-schema object describing the arguments.
	Schema() map[string]any
	// Execute runs the tool on behalf of the given bot.
	Execute(ctx context.Context, botID string, args map[string]any) (string, error)
}

// Configurable is implemented by plugins that accept per-bot settings.
type Configurable interface {
	Tool
	// Configure applies one bot's settings. It is called once per bot at
	// agent construction and replaces any previous settings for that bot.
	Configure(botID string, settings map[string]string) error
}

// Testable is implemented by plugins that can verify their upstream
// connectivity without side effects.
type Testable interface {
	Tool
	TestConnection(ctx context.Context, botID string) error
}

// Registry holds all available plugins by name.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

// NewRegistry creates an empty plugin registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With("component", "tools"),
	}
}

// Register adds a plugin, replacing any previous plugin with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
	r.logger.Debug("plugin registered", "plugin", t.Name())
}

// Resolve returns the plugin with the given name.
func (r *Registry) Resolve(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w", name, types.ErrUnknownPlugin)
	}
	return t, nil
}

// List returns the registered plugin names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RegisterBuiltins adds the plugins every deployment ships with.
func RegisterBuiltins(r *Registry) {
	r.Register(NewDateTimeTool())
	r.Register(NewMathTool())
	r.Register(NewWebSearchTool(r.logger))
}
