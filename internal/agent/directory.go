package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/types"
)

// Directory hands out at most one live agent per bot instance. Concurrent
// first requests for the same bot collapse into a single construction.
type Directory struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	group  singleflight.Group
	store  *store.Store
	opts   Options
	logger *slog.Logger
}

// NewDirectory creates an empty agent directory.
func NewDirectory(s *store.Store, opts Options) *Directory {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		agents: make(map[string]*Agent),
		store:  s,
		opts:   opts,
		logger: logger.With("component", "directory"),
	}
}

// GetOrCreate returns the retained agent for a bot, constructing it on
// first use. An unknown bot id yields ErrNotFound; construction failures
// are not cached, so a later call retries.
func (d *Directory) GetOrCreate(ctx context.Context, botID string) (*Agent, error) {
	d.mu.RLock()
	a, ok := d.agents[botID]
	d.mu.RUnlock()
	if ok {
		return a, nil
	}

	v, err, _ := d.group.Do(botID, func() (any, error) {
		d.mu.RLock()
		a, ok := d.agents[botID]
		d.mu.RUnlock()
		if ok {
			return a, nil
		}

		bot, err := d.store.GetBotInstance(ctx, botID)
		if err != nil {
			return nil, err
		}
		if !bot.Enabled {
			return nil, fmt.Errorf("bot %s is disabled: %w", botID, types.ErrNotFound)
		}

		built, err := New(bot, d.opts)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.agents[botID] = built
		d.mu.Unlock()
		d.logger.Info("agent constructed", "bot", botID, "tools", built.Tools())
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Agent), nil
}

// Remove evicts the retained agent for a bot. The next GetOrCreate rebuilds
// it from current configuration. Removing an absent bot is a no-op.
func (d *Directory) Remove(botID string) {
	d.mu.Lock()
	_, ok := d.agents[botID]
	delete(d.agents, botID)
	d.mu.Unlock()
	if ok {
		d.logger.Info("agent evicted", "bot", botID)
	}
}

// Has reports whether an agent is currently retained for the bot.
func (d *Directory) Has(botID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.agents[botID]
	return ok
}

// List returns the bot ids of all retained agents.
func (d *Directory) List() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.agents))
	for id := range d.agents {
		out = append(out, id)
	}
	return out
}
