package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/types"
)

// OpenAIClient implements ChatClient over the OpenAI chat completions API.
// A custom endpoint makes it work against any OpenAI-compatible server.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
	logger      *slog.Logger
}

// NewOpenAIClient builds a client from a model configuration snapshot.
func NewOpenAIClient(cfg store.ModelConfig, logger *slog.Logger) (ChatClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key required: %w", types.ErrConfigInvalid)
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.ModelID,
		maxTokens:   cfg.MaxTokens,
		temperature: float32(cfg.Temperature),
		logger:      logger.With("provider", "openai"),
	}, nil
}

func (c *OpenAIClient) buildRequest(req ChatRequest) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openAIRole(m.Role),
			Content: m.Content,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func openAIRole(r types.Role) string {
	switch r {
	case types.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case types.RoleSystem:
		return openai.ChatMessageRoleSystem
	case types.RoleTool:
		return openai.ChatMessageRoleTool
	default:
		return openai.ChatMessageRoleUser
	}
}

// Complete runs the request, executing tool calls until the model returns
// plain text.
func (c *OpenAIClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	apiReq := c.buildRequest(req)

	for round := 0; round < maxToolRounds; round++ {
		resp, err := c.client.CreateChatCompletion(ctx, apiReq)
		if err != nil {
			return "", types.NewUpstreamError("openai", err)
		}
		if len(resp.Choices) == 0 {
			return "", types.NewUpstreamError("openai", errors.New("empty response"))
		}

		choice := resp.Choices[0]
		if len(choice.Message.ToolCalls) == 0 {
			return choice.Message.Content, nil
		}

		apiReq.Messages = append(apiReq.Messages, choice.Message)
		apiReq.Messages = append(apiReq.Messages, c.executeToolCalls(ctx, req.Tools, choice.Message.ToolCalls)...)
	}
	return "", types.NewUpstreamError("openai", fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds))
}

// executeToolCalls runs a batch of tool calls concurrently, preserving the
// call order in the returned messages.
func (c *OpenAIClient) executeToolCalls(ctx context.Context, tools []ToolDef, calls []openai.ToolCall) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(calls))
	g, ctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			var args map[string]any
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
				args = map[string]any{}
			}
			result, isErr := runTool(ctx, tools, call.Function.Name, args)
			if isErr {
				c.logger.Warn("tool call failed", "tool", call.Function.Name, "result", result)
			}
			out[i] = openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    result,
				ToolCallID: call.ID,
			}
			return nil
		})
	}
	g.Wait()
	return out
}

// Stream produces text deltas as they arrive. When the model issues tool
// calls mid-stream, they are executed and a follow-up streaming request
// continues the turn; only text deltas reach the caller.
func (c *OpenAIClient) Stream(ctx context.Context, req ChatRequest) (<-chan types.StreamChunk, error) {
	apiReq := c.buildRequest(req)
	out := make(chan types.StreamChunk)

	go func() {
		defer close(out)

		for round := 0; round < maxToolRounds; round++ {
			assistant, calls, err := c.streamOnce(ctx, apiReq, out)
			if err != nil {
				sendChunk(ctx, out, types.StreamChunk{Err: types.NewUpstreamError("openai", err)})
				return
			}
			if len(calls) == 0 {
				return
			}
			apiReq.Messages = append(apiReq.Messages, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   assistant,
				ToolCalls: calls,
			})
			apiReq.Messages = append(apiReq.Messages, c.executeToolCalls(ctx, req.Tools, calls)...)
		}
		sendChunk(ctx, out, types.StreamChunk{Err: types.NewUpstreamError("openai", fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds))})
	}()

	return out, nil
}

// streamOnce drives a single streaming completion, forwarding text deltas
// and accumulating any tool-call deltas by index.
func (c *OpenAIClient) streamOnce(ctx context.Context, apiReq openai.ChatCompletionRequest, out chan<- types.StreamChunk) (text string, calls []openai.ToolCall, err error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, apiReq)
	if err != nil {
		return "", nil, err
	}
	defer stream.Close()

	pending := make(map[int]*openai.ToolCall)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			text += delta.Content
			if !sendChunk(ctx, out, types.StreamChunk{Text: delta.Content}) {
				return "", nil, ctx.Err()
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := pending[idx]
			if !ok {
				acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
				pending[idx] = acc
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}

	for i := 0; i < len(pending); i++ {
		if acc, ok := pending[i]; ok {
			calls = append(calls, *acc)
		}
	}
	return text, calls, nil
}
