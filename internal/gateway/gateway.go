// Package gateway supervises the live channel connections of all bots and
// routes messages between adapters and agents.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/octoforge/octogate/internal/agent"
	"github.com/octoforge/octogate/internal/channels"
	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/types"
)

// apologyText is sent to the user when a turn fails. Its delivery is best
// effort; a failing apology is only logged.
const apologyText = "Sorry, something went wrong while handling your message. Please try again."

// convQueueSize bounds the per-conversation backlog before the drain loop
// applies backpressure.
const convQueueSize = 16

// running tracks one live (bot, channel type) connection and its
// per-conversation worker queues.
type running struct {
	botID       string
	channelType string
	adapter     channels.Adapter
	startedAt   time.Time
	cancel      context.CancelFunc

	mu     sync.Mutex
	queues map[string]chan types.IncomingMessage
}

// RunningInfo is the externally visible state of one live connection.
type RunningInfo struct {
	BotID       string              `json:"bot_id"`
	ChannelType string              `json:"channel_type"`
	Status      types.ChannelStatus `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
}

// Gateway owns the set of running channel adapters. Start and Stop are
// idempotent per (bot, channel type) pair.
type Gateway struct {
	mu        sync.Mutex
	channels  map[string]*running
	store     *store.Store
	directory *agent.Directory
	factories *channels.FactoryRegistry
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// New creates a gateway with no running channels.
func New(s *store.Store, dir *agent.Directory, factories *channels.FactoryRegistry, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		channels:  make(map[string]*running),
		store:     s,
		directory: dir,
		factories: factories,
		logger:    logger.With("component", "gateway"),
	}
}

func key(botID, channelType string) string { return botID + ":" + channelType }

// Start brings up the channel connection for a bot. Starting an already
// running pair is a no-op. The bot must have a stored, enabled
// configuration for the channel type.
func (g *Gateway) Start(ctx context.Context, botID, channelType string) error {
	g.mu.Lock()
	if _, ok := g.channels[key(botID, channelType)]; ok {
		g.mu.Unlock()
		g.logger.Debug("channel already running", "bot", botID, "type", channelType)
		return nil
	}
	g.mu.Unlock()

	cfg, err := g.store.GetChannelConfig(ctx, botID, channelType)
	if err != nil {
		return err
	}
	if !cfg.Enabled {
		return fmt.Errorf("channel %s for bot %s is disabled: %w", channelType, botID, types.ErrConfigInvalid)
	}

	factory, err := g.factories.Resolve(channelType)
	if err != nil {
		return err
	}
	adapter, err := factory(botID, cfg.Settings, g.logger)
	if err != nil {
		return err
	}

	// The adapter outlives the Start call's context.
	runCtx, cancel := context.WithCancel(context.Background())
	if err := adapter.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start %s for bot %s: %w", channelType, botID, err)
	}

	rc := &running{
		botID:       botID,
		channelType: channelType,
		adapter:     adapter,
		startedAt:   time.Now(),
		cancel:      cancel,
		queues:      make(map[string]chan types.IncomingMessage),
	}

	g.mu.Lock()
	if _, ok := g.channels[key(botID, channelType)]; ok {
		// Lost a start race; keep the first one.
		g.mu.Unlock()
		cancel()
		adapter.Stop()
		return nil
	}
	g.channels[key(botID, channelType)] = rc
	g.mu.Unlock()

	g.wg.Add(2)
	go g.drainMessages(runCtx, rc)
	go g.drainErrors(runCtx, rc)

	g.logger.Info("channel started", "bot", botID, "type", channelType)
	return nil
}

// Stop tears down the channel connection for a bot. Stopping a pair that
// is not running is a no-op.
func (g *Gateway) Stop(botID, channelType string) error {
	g.mu.Lock()
	rc, ok := g.channels[key(botID, channelType)]
	if ok {
		delete(g.channels, key(botID, channelType))
	}
	g.mu.Unlock()
	if !ok {
		return nil
	}

	rc.cancel()
	if err := rc.adapter.Stop(); err != nil {
		g.logger.Error("adapter stop failed", "bot", botID, "type", channelType, "error", err)
	}
	g.logger.Info("channel stopped", "bot", botID, "type", channelType)
	return nil
}

// StopAll tears down every running channel and waits for the message
// drains to finish.
func (g *Gateway) StopAll() {
	g.mu.Lock()
	all := make([]*running, 0, len(g.channels))
	for _, rc := range g.channels {
		all = append(all, rc)
	}
	g.channels = make(map[string]*running)
	g.mu.Unlock()

	for _, rc := range all {
		rc.cancel()
		if err := rc.adapter.Stop(); err != nil {
			g.logger.Error("adapter stop failed", "bot", rc.botID, "type", rc.channelType, "error", err)
		}
	}
	g.wg.Wait()
	g.logger.Info("all channels stopped", "count", len(all))
}

// IsRunning reports whether the (bot, channel type) pair has a live
// connection.
func (g *Gateway) IsRunning(botID, channelType string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.channels[key(botID, channelType)]
	return ok
}

// ListRunning returns the state of all live connections, ordered by bot
// then channel type.
func (g *Gateway) ListRunning() []RunningInfo {
	g.mu.Lock()
	out := make([]RunningInfo, 0, len(g.channels))
	for _, rc := range g.channels {
		out = append(out, RunningInfo{
			BotID:       rc.botID,
			ChannelType: rc.channelType,
			Status:      rc.adapter.Status(),
			StartedAt:   rc.startedAt,
		})
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BotID != out[j].BotID {
			return out[i].BotID < out[j].BotID
		}
		return out[i].ChannelType < out[j].ChannelType
	})
	return out
}

// drainMessages fans the adapter's inbound stream out to one worker per
// conversation, so a slow model call stalls only its own conversation.
// Messages of the same (channel, user) pair are handled in arrival order.
func (g *Gateway) drainMessages(ctx context.Context, rc *running) {
	defer g.wg.Done()

	for msg := range rc.adapter.Receive() {
		g.dispatch(ctx, rc, msg)
	}

	rc.mu.Lock()
	for _, q := range rc.queues {
		close(q)
	}
	rc.queues = nil
	rc.mu.Unlock()
}

// dispatch routes a message to its conversation's worker, starting one on
// first contact. The worker exits when its queue is closed at teardown.
func (g *Gateway) dispatch(ctx context.Context, rc *running, msg types.IncomingMessage) {
	k := msg.ChannelID + ":" + msg.UserID
	rc.mu.Lock()
	q, ok := rc.queues[k]
	if !ok {
		q = make(chan types.IncomingMessage, convQueueSize)
		rc.queues[k] = q
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			for m := range q {
				g.handle(ctx, rc, m)
			}
		}()
	}
	rc.mu.Unlock()

	select {
	case q <- msg:
	case <-ctx.Done():
	}
}

// drainErrors logs transport failures. The adapter is responsible for its
// own reconnects; the gateway does not restart it.
func (g *Gateway) drainErrors(ctx context.Context, rc *running) {
	defer g.wg.Done()

	for err := range rc.adapter.Errors() {
		g.logger.Warn("channel transport error",
			"bot", rc.botID,
			"type", rc.channelType,
			"status", rc.adapter.Status(),
			"error", err)
	}
}

func (g *Gateway) handle(ctx context.Context, rc *running, msg types.IncomingMessage) {
	a, err := g.directory.GetOrCreate(ctx, rc.botID)
	if err != nil {
		g.logger.Error("agent unavailable", "bot", rc.botID, "error", err)
		g.apologize(ctx, rc, msg)
		return
	}

	reply, err := a.Process(ctx, msg)
	if err != nil {
		g.logger.Error("turn failed",
			"bot", rc.botID,
			"channel", msg.ChannelID,
			"user", msg.UserID,
			"error", err)
		g.apologize(ctx, rc, msg)
		return
	}

	if err := rc.adapter.Send(ctx, types.OutgoingMessage{
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		Content:   reply,
		ReplyToID: msg.Metadata["message_id"],
	}); err != nil {
		g.logger.Error("send reply failed", "bot", rc.botID, "channel", msg.ChannelID, "error", err)
	}
}

func (g *Gateway) apologize(ctx context.Context, rc *running, msg types.IncomingMessage) {
	err := rc.adapter.Send(ctx, types.OutgoingMessage{
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		Content:   apologyText,
	})
	if err != nil {
		g.logger.Error("apology delivery failed", "bot", rc.botID, "channel", msg.ChannelID, "error", err)
	}
}
