package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/octoforge/octogate/internal/types"
)

const (
	telegramAPIURL      = "https://api.telegram.org/bot"
	telegramPollTimeout = 60 // long polling timeout in seconds
)

// TelegramAdapter connects a bot to the Telegram Bot API via long polling.
type TelegramAdapter struct {
	statusState
	botToken string
	baseURL  string
	logger   *slog.Logger
	inbox    chan types.IncomingMessage
	errs     chan error
	client   HTTPClient
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	offset   int64
}

// NewTelegram creates a Telegram adapter from channel settings. The
// bot_token setting is required.
func NewTelegram(settings map[string]string, logger *slog.Logger) (*TelegramAdapter, error) {
	token := settings["bot_token"]
	if token == "" {
		return nil, fmt.Errorf("telegram: bot_token setting required: %w", types.ErrConfigMissing)
	}
	return &TelegramAdapter{
		botToken: token,
		baseURL:  telegramAPIURL,
		logger:   logger.With("channel", "telegram"),
		inbox:    make(chan types.IncomingMessage, inboxSize),
		errs:     make(chan error, 8),
		client: &http.Client{
			// Slightly longer than the long-poll timeout.
			Timeout: time.Second * (telegramPollTimeout + 10),
		},
	}, nil
}

func (t *TelegramAdapter) Name() string { return "telegram" }

func (t *TelegramAdapter) Start(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.setStatus(types.StatusStarting)

	if err := t.verifyToken(); err != nil {
		t.setStatus(types.StatusError)
		return fmt.Errorf("verify token: %w", err)
	}
	t.setStatus(types.StatusConnected)

	t.wg.Add(1)
	go t.pollLoop()

	t.logger.Info("telegram adapter started")
	return nil
}

func (t *TelegramAdapter) Stop() error {
	t.logger.Info("stopping telegram adapter")
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	close(t.inbox)
	close(t.errs)
	t.setStatus(types.StatusStopped)
	return nil
}

func (t *TelegramAdapter) Receive() <-chan types.IncomingMessage { return t.inbox }
func (t *TelegramAdapter) Errors() <-chan error                  { return t.errs }

func (t *TelegramAdapter) Send(ctx context.Context, msg types.OutgoingMessage) error {
	params := url.Values{}
	params.Set("chat_id", msg.ChannelID)
	params.Set("text", msg.Content)
	if msg.ReplyToID != "" {
		params.Set("reply_to_message_id", msg.ReplyToID)
	}
	if msg.Format == types.FormatMarkdown {
		params.Set("parse_mode", "Markdown")
	} else if msg.Format == types.FormatHTML {
		params.Set("parse_mode", "HTML")
	}

	apiURL := fmt.Sprintf("%s%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.URL.RawQuery = params.Encode()

	resp, err := t.client.Do(req)
	if err != nil {
		return types.NewUpstreamError("telegram", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return types.NewUpstreamError("telegram",
			fmt.Errorf("sendMessage returned %d: %s", resp.StatusCode, body))
	}

	t.logger.Debug("message sent", "chat", msg.ChannelID, "length", len(msg.Content))
	return nil
}

func (t *TelegramAdapter) verifyToken() error {
	apiURL := fmt.Sprintf("%s%s/getMe", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return types.NewUpstreamError("telegram", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return types.NewUpstreamError("telegram",
			fmt.Errorf("invalid token: %s (status %d)", body, resp.StatusCode))
	}

	var result struct {
		OK     bool `json:"ok"`
		Result struct {
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode getMe: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram api returned ok=false")
	}

	t.logger.Info("bot verified", "username", result.Result.Username)
	return nil
}

func (t *TelegramAdapter) pollLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			if err := t.pollOnce(); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.setStatus(types.StatusReconnecting)
				t.logger.Error("poll error", "error", err)
				reportErr(t.errs, err)

				select {
				case <-t.ctx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			t.setStatus(types.StatusConnected)
		}
	}
}

func (t *TelegramAdapter) pollOnce() error {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(t.offset, 10))
	params.Set("timeout", strconv.Itoa(telegramPollTimeout))
	params.Set("allowed_updates", `["message"]`)

	apiURL := fmt.Sprintf("%s%s/getUpdates?%s", t.baseURL, t.botToken, params.Encode())
	req, err := http.NewRequestWithContext(t.ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return types.NewUpstreamError("telegram", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return types.NewUpstreamError("telegram",
			fmt.Errorf("getUpdates returned %d: %s", resp.StatusCode, body))
	}

	var result struct {
		OK     bool             `json:"ok"`
		Result []telegramUpdate `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode getUpdates: %w", err)
	}
	if !result.OK {
		return fmt.Errorf("telegram api returned ok=false")
	}

	for _, update := range result.Result {
		if int64(update.UpdateID) >= t.offset {
			t.offset = int64(update.UpdateID) + 1
		}
		// Only text messages are handled.
		if update.Message == nil || update.Message.Text == "" {
			continue
		}

		msg := types.IncomingMessage{
			ChannelType: "telegram",
			ChannelID:   strconv.FormatInt(update.Message.Chat.ID, 10),
			UserID:      strconv.FormatInt(update.Message.From.ID, 10),
			UserName:    update.Message.From.Username,
			Content:     update.Message.Text,
			Timestamp:   time.Unix(int64(update.Message.Date), 0),
			Metadata: map[string]string{
				"message_id": strconv.Itoa(update.Message.MessageID),
				"chat_type":  update.Message.Chat.Type,
			},
		}
		if msg.UserName == "" {
			msg.UserName = update.Message.From.FirstName
		}
		if update.Message.ReplyToMessage != nil {
			msg.ReplyToID = strconv.Itoa(update.Message.ReplyToMessage.MessageID)
		}

		select {
		case t.inbox <- msg:
			t.logger.Debug("message received", "from", msg.UserName, "chat", msg.ChannelID)
		case <-t.ctx.Done():
			return nil
		}
	}
	return nil
}

type telegramUpdate struct {
	UpdateID int              `json:"update_id"`
	Message  *telegramMessage `json:"message,omitempty"`
}

type telegramMessage struct {
	MessageID int `json:"message_id"`
	From      struct {
		ID        int64  `json:"id"`
		Username  string `json:"username,omitempty"`
		FirstName string `json:"first_name"`
	} `json:"from"`
	Chat struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	} `json:"chat"`
	Date           int              `json:"date"`
	Text           string           `json:"text,omitempty"`
	ReplyToMessage *telegramMessage `json:"reply_to_message,omitempty"`
}
