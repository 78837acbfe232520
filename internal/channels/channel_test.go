package channels

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/octoforge/octogate/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestFactoryRegistryResolveUnknown(t *testing.T) {
	r := NewFactoryRegistry(testLogger())
	_, err := r.Resolve("smoke-signals")
	if !errors.Is(err, types.ErrUnknownChannelType) {
		t.Fatalf("expected ErrUnknownChannelType, got %v", err)
	}
}

func TestFactoryRegistryDefaults(t *testing.T) {
	r := NewFactoryRegistry(testLogger())
	r.RegisterDefaults()

	got := r.Types()
	want := []string{"mqtt", "telegram", "websocket"}
	if len(got) != len(want) {
		t.Fatalf("got types %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got types %v, want %v", got, want)
		}
	}
}

func TestAdaptersRequireSettings(t *testing.T) {
	if _, err := NewTelegram(map[string]string{}, testLogger()); !errors.Is(err, types.ErrConfigMissing) {
		t.Errorf("telegram without token: %v", err)
	}
	if _, err := NewMQTT("bot-1", map[string]string{}, testLogger()); !errors.Is(err, types.ErrConfigMissing) {
		t.Errorf("mqtt without broker: %v", err)
	}
	if _, err := NewWebSocket(map[string]string{}, testLogger()); !errors.Is(err, types.ErrConfigMissing) {
		t.Errorf("websocket without url: %v", err)
	}
}

func TestMQTTRejectsBadPort(t *testing.T) {
	_, err := NewMQTT("bot-1", map[string]string{"broker": "localhost", "port": "nope"}, testLogger())
	if !errors.Is(err, types.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestStatusDefaultsToStopped(t *testing.T) {
	var s statusState
	if got := s.Status(); got != types.StatusStopped {
		t.Fatalf("got %s", got)
	}
	s.setStatus(types.StatusConnected)
	if got := s.Status(); got != types.StatusConnected {
		t.Fatalf("got %s", got)
	}
}

func TestTelegramReceiveAndSend(t *testing.T) {
	var sentText string
	polled := make(chan struct{}, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path,"/getMe"):
			w.Write([]byte(`{"ok":true,"result":{"username":"octobot"}}`))
		case strings.Contains(r.URL.Path,"/getUpdates"):
			select {
			case polled <- struct{}{}:
				w.Write([]byte(`{"ok":true,"result":[{"update_id":7,"message":{
					"message_id":12,
					"from":{"id":42,"username":"ada"},
					"chat":{"id":-100,"type":"group"},
					"date":1700000000,
					"text":"hello bot"
				}}]}`))
			default:
				// Later polls: hold briefly, then return nothing.
				time.Sleep(50 * time.Millisecond)
				w.Write([]byte(`{"ok":true,"result":[]}`))
			}
		case strings.Contains(r.URL.Path,"/sendMessage"):
			sentText = r.URL.Query().Get("text")
			w.Write([]byte(`{"ok":true}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	adapter, err := NewTelegram(map[string]string{"bot_token": "tok"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	adapter.baseURL = srv.URL + "/bot"

	if err := adapter.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer adapter.Stop()

	if got := adapter.Status(); got != types.StatusConnected {
		t.Fatalf("status %s after start", got)
	}

	select {
	case msg := <-adapter.Receive():
		if msg.ChannelType != "telegram" || msg.ChannelID != "-100" || msg.UserID != "42" {
			t.Fatalf("message fields wrong: %+v", msg)
		}
		if msg.Content != "hello bot" || msg.UserName != "ada" {
			t.Fatalf("content wrong: %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered")
	}

	if err := adapter.Send(context.Background(), types.OutgoingMessage{
		ChannelID: "-100", Content: "hi ada",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sentText != "hi ada" {
		t.Fatalf("sent %q", sentText)
	}
}

func TestTelegramStartRejectsBadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"ok":false}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	adapter, err := NewTelegram(map[string]string{"bot_token": "bad"}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	adapter.baseURL = srv.URL + "/bot"

	if err := adapter.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail")
	}
	if got := adapter.Status(); got != types.StatusError {
		t.Fatalf("status %s after failed start", got)
	}
}

