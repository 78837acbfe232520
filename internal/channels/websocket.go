package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/octoforge/octogate/internal/types"
)

// wsFrame is the wire format exchanged with the relay in both directions.
type wsFrame struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
	SentAt    int64  `json:"sent_at,omitempty"`
}

// WebSocketAdapter maintains a client connection to a message relay. The
// relay fans user messages in over the socket and fans replies back out.
type WebSocketAdapter struct {
	statusState
	url    string
	logger *slog.Logger
	inbox  chan types.IncomingMessage
	errs   chan error
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocket creates a websocket adapter from channel settings. The url
// setting is required.
func NewWebSocket(settings map[string]string, logger *slog.Logger) (*WebSocketAdapter, error) {
	u := settings["url"]
	if u == "" {
		return nil, fmt.Errorf("websocket: url setting required: %w", types.ErrConfigMissing)
	}
	return &WebSocketAdapter{
		url:    u,
		logger: logger.With("channel", "websocket"),
		inbox:  make(chan types.IncomingMessage, inboxSize),
		errs:   make(chan error, 8),
	}, nil
}

func (w *WebSocketAdapter) Name() string { return "websocket" }

func (w *WebSocketAdapter) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setStatus(types.StatusStarting)

	if err := w.connect(); err != nil {
		w.setStatus(types.StatusError)
		return err
	}
	w.setStatus(types.StatusConnected)

	w.wg.Add(1)
	go w.readLoop()

	w.logger.Info("websocket adapter started", "url", w.url)
	return nil
}

func (w *WebSocketAdapter) Stop() error {
	w.logger.Info("stopping websocket adapter")
	if w.cancel != nil {
		w.cancel()
	}

	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close(websocket.StatusNormalClosure, "shutting down")
	}
	w.mu.Unlock()

	w.wg.Wait()
	close(w.inbox)
	close(w.errs)
	w.setStatus(types.StatusStopped)
	return nil
}

func (w *WebSocketAdapter) Receive() <-chan types.IncomingMessage { return w.inbox }
func (w *WebSocketAdapter) Errors() <-chan error                  { return w.errs }

func (w *WebSocketAdapter) Send(ctx context.Context, msg types.OutgoingMessage) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return types.NewUpstreamError("websocket", fmt.Errorf("not connected"))
	}

	frame := wsFrame{
		ChannelID: msg.ChannelID,
		UserID:    msg.UserID,
		Content:   msg.Content,
		ReplyTo:   msg.ReplyToID,
		SentAt:    time.Now().Unix(),
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return types.NewUpstreamError("websocket", err)
	}
	w.logger.Debug("message sent", "channel", msg.ChannelID, "length", len(msg.Content))
	return nil
}

func (w *WebSocketAdapter) connect() error {
	dialCtx, cancel := context.WithTimeout(w.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, w.url, nil)
	if err != nil {
		return types.NewUpstreamError("websocket", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

// readLoop reads frames until the context ends, reconnecting with backoff
// when the relay drops the connection.
func (w *WebSocketAdapter) readLoop() {
	defer w.wg.Done()

	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()

		var frame wsFrame
		err := wsjson.Read(w.ctx, conn, &frame)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.setStatus(types.StatusReconnecting)
			w.logger.Warn("read failed, reconnecting", "error", err)
			reportErr(w.errs, types.NewUpstreamError("websocket", err))

			select {
			case <-w.ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			if err := w.connect(); err != nil {
				w.logger.Error("reconnect failed", "error", err)
				continue
			}
			w.setStatus(types.StatusConnected)
			continue
		}

		if frame.ChannelID == "" || frame.UserID == "" || frame.Content == "" {
			w.logger.Warn("frame missing fields, dropping")
			continue
		}

		ts := time.Now()
		if frame.SentAt > 0 {
			ts = time.Unix(frame.SentAt, 0)
		}
		msg := types.IncomingMessage{
			ChannelType: "websocket",
			ChannelID:   frame.ChannelID,
			UserID:      frame.UserID,
			UserName:    frame.UserName,
			Content:     frame.Content,
			ReplyToID:   frame.ReplyTo,
			Timestamp:   ts,
		}

		select {
		case w.inbox <- msg:
			w.logger.Debug("message received", "channel", msg.ChannelID, "user", msg.UserID)
		case <-w.ctx.Done():
			return
		}
	}
}
