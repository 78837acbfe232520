package models

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestFactoryUnknownProvider(t *testing.T) {
	f := DefaultFactory(testLogger())
	_, err := f.Create(store.ModelConfig{Provider: "mystery", ModelID: "m"})
	if !errors.Is(err, types.ErrConfigInvalid) {
		t.Fatalf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestFactoryRegisterOverrides(t *testing.T) {
	f := NewFactory(testLogger())
	want := &OllamaClient{}
	f.Register("custom", func(cfg store.ModelConfig, logger *slog.Logger) (ChatClient, error) {
		return want, nil
	})
	got, err := f.Create(store.ModelConfig{Provider: "custom"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got != ChatClient(want) {
		t.Fatal("expected registered builder to be used")
	}
}

func TestDefaultFactoryRequiresAPIKeys(t *testing.T) {
	f := DefaultFactory(testLogger())
	for _, provider := range []string{"openai", "anthropic"} {
		_, err := f.Create(store.ModelConfig{Provider: provider, ModelID: "m"})
		if !errors.Is(err, types.ErrConfigInvalid) {
			t.Errorf("%s without key: expected ErrConfigInvalid, got %v", provider, err)
		}
	}
	// Ollama runs locally and needs no key.
	if _, err := f.Create(store.ModelConfig{Provider: "ollama", ModelID: "m"}); err != nil {
		t.Errorf("ollama without key: %v", err)
	}
}

func TestRunToolUnknownName(t *testing.T) {
	out, isErr := runTool(context.Background(), nil, "nope", nil)
	if !isErr {
		t.Fatal("expected error flag for unknown tool")
	}
	if out == "" {
		t.Fatal("expected model-visible error text")
	}
}

func TestRunToolExecutionFailure(t *testing.T) {
	tools := []ToolDef{{
		Name: "boom",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("exploded")
		},
	}}
	out, isErr := runTool(context.Background(), tools, "boom", nil)
	if !isErr {
		t.Fatal("expected error flag")
	}
	if out != "error: exploded" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestRunToolSuccess(t *testing.T) {
	tools := []ToolDef{{
		Name: "echo",
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return args["v"].(string), nil
		},
	}}
	out, isErr := runTool(context.Background(), tools, "echo", map[string]any{"v": "hi"})
	if isErr || out != "hi" {
		t.Fatalf("got (%q, %v)", out, isErr)
	}
}

func TestOpenAIBuildRequestRoles(t *testing.T) {
	client := &OpenAIClient{model: "gpt-test", maxTokens: 64, logger: testLogger()}
	req := client.buildRequest(ChatRequest{
		SystemPrompt: "be brief",
		Messages: []types.ChatMessage{
			{Role: types.RoleUser, Content: "hello"},
			{Role: types.RoleAssistant, Content: "hi"},
		},
		Tools: []ToolDef{{Name: "now", Description: "time", Parameters: map[string]any{"type": "object"}}},
	})

	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != "system" || req.Messages[0].Content != "be brief" {
		t.Fatalf("system prompt not threaded first: %+v", req.Messages[0])
	}
	if req.Messages[1].Role != "user" || req.Messages[2].Role != "assistant" {
		t.Fatalf("roles not mapped: %s, %s", req.Messages[1].Role, req.Messages[2].Role)
	}
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != "now" {
		t.Fatalf("tool not forwarded: %+v", req.Tools)
	}
}

func TestAnthropicBuildMessagesSkipsEmpty(t *testing.T) {
	msgs := buildAnthropicMessages([]types.ChatMessage{
		{Role: types.RoleUser, Content: "one"},
		{Role: types.RoleAssistant, Content: ""},
		{Role: types.RoleAssistant, Content: "two"},
	})
	if len(msgs) != 2 {
		t.Fatalf("expected empty turn skipped, got %d messages", len(msgs))
	}
}

func TestOllamaComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"message":{"role":"assistant","content":"pong"},"done":true}`))
	}))
	defer srv.Close()

	client, err := NewOllamaClient(store.ModelConfig{Provider: "ollama", ModelID: "m", Endpoint: srv.URL}, testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	got, err := client.Complete(context.Background(), ChatRequest{
		Messages: []types.ChatMessage{{Role: types.RoleUser, Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got != "pong" {
		t.Fatalf("got %q", got)
	}
}

func TestOllamaCompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	client, _ := NewOllamaClient(store.ModelConfig{Provider: "ollama", ModelID: "m", Endpoint: srv.URL}, testLogger())
	_, err := client.Complete(context.Background(), ChatRequest{})
	var upstream *types.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Upstream != "ollama" {
		t.Fatalf("unexpected upstream %q", upstream.Upstream)
	}
}

func TestOllamaStreamCancelReleasesStream(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"first"},"done":false}` + "\n"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer close(release)

	client, _ := NewOllamaClient(store.ModelConfig{Provider: "ollama", ModelID: "m", Endpoint: srv.URL}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := client.Stream(ctx, ChatRequest{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	select {
	case chunk := <-chunks:
		if chunk.Text != "first" {
			t.Fatalf("first chunk %+v", chunk)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no first chunk")
	}
	cancel()

	// The reader goroutine must finish and close the channel even though
	// the server is still holding the response open.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-chunks:
			if !open {
				return
			}
		case <-deadline:
			t.Fatal("stream not released after cancel")
		}
	}
}

func TestOllamaStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message":{"role":"assistant","content":"he"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":"llo"},"done":false}` + "\n"))
		w.Write([]byte(`{"message":{"role":"assistant","content":""},"done":true}` + "\n"))
	}))
	defer srv.Close()

	client, _ := NewOllamaClient(store.ModelConfig{Provider: "ollama", ModelID: "m", Endpoint: srv.URL}, testLogger())
	chunks, err := client.Stream(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	var got string
	deadline := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				if got != "hello" {
					t.Fatalf("assembled %q", got)
				}
				return
			}
			if chunk.Err != nil {
				t.Fatalf("chunk error: %v", chunk.Err)
			}
			got += chunk.Text
		case <-deadline:
			t.Fatal("stream did not complete")
		}
	}
}
