package models

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/types"
)

const defaultOllamaEndpoint = "http://localhost:11434"

// OllamaClient implements ChatClient against a local Ollama server's
// /api/chat endpoint. No API key is required.
type OllamaClient struct {
	endpoint    string
	model       string
	temperature float64
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOllamaClient builds a client from a model configuration snapshot.
func NewOllamaClient(cfg store.ModelConfig, logger *slog.Logger) (ChatClient, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultOllamaEndpoint
	}
	return &OllamaClient{
		endpoint:    endpoint,
		model:       cfg.ModelID,
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: 120 * time.Second},
		logger:      logger.With("provider", "ollama"),
	}, nil
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

func (c *OllamaClient) buildRequest(req ChatRequest, stream bool) ollamaChatRequest {
	msgs := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}

	out := ollamaChatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   stream,
	}
	if c.temperature > 0 {
		out.Options = map[string]any{"temperature": c.temperature}
	}
	return out
}

func (c *OllamaClient) post(ctx context.Context, body ollamaChatRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return resp, nil
}

// Complete runs one non-streaming chat turn. Local models rarely support
// function calling reliably, so tool definitions are not forwarded.
func (c *OllamaClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	if len(req.Tools) > 0 {
		c.logger.Debug("tools not supported, ignoring", "count", len(req.Tools))
	}
	resp, err := c.post(ctx, c.buildRequest(req, false))
	if err != nil {
		return "", types.NewUpstreamError("ollama", err)
	}
	defer resp.Body.Close()

	var parsed ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", types.NewUpstreamError("ollama", err)
	}
	if parsed.Error != "" {
		return "", types.NewUpstreamError("ollama", fmt.Errorf("%s", parsed.Error))
	}
	return parsed.Message.Content, nil
}

// Stream produces text fragments from the NDJSON response stream, one
// chunk per line until the server marks the turn done.
func (c *OllamaClient) Stream(ctx context.Context, req ChatRequest) (<-chan types.StreamChunk, error) {
	resp, err := c.post(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, types.NewUpstreamError("ollama", err)
	}

	out := make(chan types.StreamChunk)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var parsed ollamaChatResponse
			if err := json.Unmarshal(line, &parsed); err != nil {
				sendChunk(ctx, out, types.StreamChunk{Err: types.NewUpstreamError("ollama", err)})
				return
			}
			if parsed.Error != "" {
				sendChunk(ctx, out, types.StreamChunk{Err: types.NewUpstreamError("ollama", fmt.Errorf("%s", parsed.Error))})
				return
			}
			if parsed.Message.Content != "" {
				if !sendChunk(ctx, out, types.StreamChunk{Text: parsed.Message.Content}) {
					return
				}
			}
			if parsed.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			sendChunk(ctx, out, types.StreamChunk{Err: types.NewUpstreamError("ollama", err)})
		}
	}()
	return out, nil
}
