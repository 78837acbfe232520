package models

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/errgroup"

	"github.com/octoforge/octogate/internal/store"
	"github.com/octoforge/octogate/internal/types"
)

// defaultAnthropicMaxTokens applies when the model config leaves the limit
// unset; the Messages API requires one.
const defaultAnthropicMaxTokens = 4096

// AnthropicClient implements ChatClient over the Anthropic Messages API.
type AnthropicClient struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	logger      *slog.Logger
}

// NewAnthropicClient builds a client from a model configuration snapshot.
func NewAnthropicClient(cfg store.ModelConfig, logger *slog.Logger) (ChatClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key required: %w", types.ErrConfigInvalid)
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicClient{
		client:      anthropic.NewClient(opts...),
		model:       cfg.ModelID,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		logger:      logger.With("provider", "anthropic"),
	}, nil
}

func (c *AnthropicClient) buildParams(req ChatRequest) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if c.temperature > 0 {
		params.Temperature = anthropic.Float(c.temperature)
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	for _, t := range req.Tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := t.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if req, ok := t.Parameters["required"].([]string); ok {
			schema.Required = req
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParamOfTool(schema, t.Name))
	}
	return params
}

// buildAnthropicMessages converts history turns to Messages API params.
// The API rejects system-role turns inside the message list, so stray
// system turns are folded in as user content.
func buildAnthropicMessages(msgs []types.ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case types.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

// Complete runs the request, executing tool_use rounds until the model
// stops with a final text response.
func (c *AnthropicClient) Complete(ctx context.Context, req ChatRequest) (string, error) {
	params := c.buildParams(req)

	for round := 0; round < maxToolRounds; round++ {
		resp, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return "", types.NewUpstreamError("anthropic", err)
		}

		if resp.StopReason != anthropic.StopReasonToolUse {
			return collectText(resp), nil
		}

		params.Messages = append(params.Messages, resp.ToParam())
		params.Messages = append(params.Messages, c.toolResults(ctx, req.Tools, resp))
	}
	return "", types.NewUpstreamError("anthropic", fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds))
}

func collectText(msg *anthropic.Message) string {
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return text
}

// toolResults executes every tool_use block of a response concurrently and
// packs the outputs, in block order, into the single user message the
// protocol expects.
func (c *AnthropicClient) toolResults(ctx context.Context, tools []ToolDef, msg *anthropic.Message) anthropic.MessageParam {
	var uses []anthropic.ToolUseBlock
	for _, block := range msg.Content {
		if block.Type == "tool_use" {
			uses = append(uses, block.AsToolUse())
		}
	}

	blocks := make([]anthropic.ContentBlockParamUnion, len(uses))
	g, ctx := errgroup.WithContext(ctx)
	for i, tu := range uses {
		g.Go(func() error {
			var args map[string]any
			if raw, err := json.Marshal(tu.Input); err == nil {
				_ = json.Unmarshal(raw, &args)
			}
			result, isErr := runTool(ctx, tools, tu.Name, args)
			if isErr {
				c.logger.Warn("tool call failed", "tool", tu.Name, "result", result)
			}
			blocks[i] = anthropic.NewToolResultBlock(tu.ID, result, isErr)
			return nil
		})
	}
	g.Wait()
	return anthropic.NewUserMessage(blocks...)
}

// Stream produces text deltas as they arrive, running tool_use rounds with
// follow-up streaming requests until the turn completes.
func (c *AnthropicClient) Stream(ctx context.Context, req ChatRequest) (<-chan types.StreamChunk, error) {
	params := c.buildParams(req)
	out := make(chan types.StreamChunk)

	go func() {
		defer close(out)

		for round := 0; round < maxToolRounds; round++ {
			msg, err := c.streamOnce(ctx, params, out)
			if err != nil {
				sendChunk(ctx, out, types.StreamChunk{Err: types.NewUpstreamError("anthropic", err)})
				return
			}
			if msg.StopReason != anthropic.StopReasonToolUse {
				return
			}
			params.Messages = append(params.Messages, msg.ToParam())
			params.Messages = append(params.Messages, c.toolResults(ctx, req.Tools, msg))
		}
		sendChunk(ctx, out, types.StreamChunk{Err: types.NewUpstreamError("anthropic", fmt.Errorf("tool loop exceeded %d rounds", maxToolRounds))})
	}()

	return out, nil
}

func (c *AnthropicClient) streamOnce(ctx context.Context, params anthropic.MessageNewParams, out chan<- types.StreamChunk) (*anthropic.Message, error) {
	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var acc anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, err
		}

		if event.Type == "content_block_delta" {
			delta := event.AsContentBlockDelta().Delta
			if delta.Type == "text_delta" && delta.Text != "" {
				if !sendChunk(ctx, out, types.StreamChunk{Text: delta.Text}) {
					return nil, ctx.Err()
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &acc, nil
}
