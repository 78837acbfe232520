// Package channels contains the adapters that connect bots to messaging
// platforms. Adapters communicate with the gateway exclusively through
// channels: inbound messages on Receive, transport failures on Errors.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/octoforge/octogate/internal/types"
)

// inboxSize bounds the per-adapter inbound queue.
const inboxSize = 100

// Adapter is one live connection between a bot and a messaging platform.
type Adapter interface {
	// Name is the channel type identifier, e.g. "telegram".
	Name() string

	// Start opens the connection and begins delivering inbound messages.
	// The adapter stops when Stop is called or ctx is cancelled.
	Start(ctx context.Context) error

	// Stop shuts the adapter down and closes the Receive channel.
	Stop() error

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg types.OutgoingMessage) error

	// Receive is the inbound message stream. Closed on Stop.
	Receive() <-chan types.IncomingMessage

	// Errors reports transport failures that the adapter could not
	// recover from on its own. Closed on Stop.
	Errors() <-chan error

	// Status reports the current connection state.
	Status() types.ChannelStatus
}

// Factory builds an adapter for one bot from its stored channel settings.
type Factory func(botID string, settings map[string]string, logger *slog.Logger) (Adapter, error)

// FactoryRegistry maps channel type names to adapter factories.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *slog.Logger
}

// NewFactoryRegistry creates an empty registry.
func NewFactoryRegistry(logger *slog.Logger) *FactoryRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &FactoryRegistry{
		factories: make(map[string]Factory),
		logger:    logger.With("component", "channels"),
	}
}

// Register adds a factory for a channel type, replacing any previous one.
func (r *FactoryRegistry) Register(channelType string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[channelType] = f
	r.logger.Debug("channel factory registered", "type", channelType)
}

// Resolve returns the factory for a channel type.
func (r *FactoryRegistry) Resolve(channelType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[channelType]
	if !ok {
		return nil, fmt.Errorf("channel type %q: %w", channelType, types.ErrUnknownChannelType)
	}
	return f, nil
}

// Types returns the registered channel type names, sorted.
func (r *FactoryRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RegisterDefaults adds the adapters every deployment ships with.
func (r *FactoryRegistry) RegisterDefaults() {
	r.Register("telegram", func(botID string, settings map[string]string, logger *slog.Logger) (Adapter, error) {
		return NewTelegram(settings, logger)
	})
	r.Register("mqtt", func(botID string, settings map[string]string, logger *slog.Logger) (Adapter, error) {
		return NewMQTT(botID, settings, logger)
	})
	r.Register("websocket", func(botID string, settings map[string]string, logger *slog.Logger) (Adapter, error) {
		return NewWebSocket(settings, logger)
	})
}

// statusState is the shared connection-state tracker adapters embed.
type statusState struct {
	mu     sync.RWMutex
	status types.ChannelStatus
}

func (s *statusState) setStatus(st types.ChannelStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *statusState) Status() types.ChannelStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return types.StatusStopped
	}
	return s.status
}

// reportErr delivers a transport error without blocking; if the gateway is
// not draining, the newest error is dropped rather than stalling the
// adapter.
func reportErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}
