package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/penguin/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// BaseURL overrides the API endpoint.
	BaseURL string

	// Model used for all requests. Default: claude-sonnet-4-20250514.
	Model string

	// MaxRetries bounds retry attempts for transient failures opening
	// the stream. Default 3.
	MaxRetries int

	// RetryDelay is the base backoff delay. Default 1s.
	RetryDelay time.Duration
}

// AnthropicGateway adapts Anthropic's Messages API to the Gateway
// contract. Safe for concurrent use.
type AnthropicGateway struct {
	client     anthropic.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// NewAnthropicGateway creates the adapter.
func NewAnthropicGateway(cfg AnthropicConfig) (*AnthropicGateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicGateway{
		client:     anthropic.NewClient(opts...),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (g *AnthropicGateway) Name() string { return "anthropic" }

// Chat runs one turn. Streaming requests deliver chunks to req.OnChunk
// as they arrive; reasoning deltas go to the reasoning channel.
func (g *AnthropicGateway) Chat(ctx context.Context, req *Request) (*Result, error) {
	params, err := g.buildParams(req)
	if err != nil {
		return nil, err
	}
	if !req.Stream {
		return g.chatOnce(ctx, params)
	}
	return g.chatStream(ctx, req, params)
}

func (g *AnthropicGateway) chatOnce(ctx context.Context, params anthropic.MessageNewParams) (*Result, error) {
	var msg *anthropic.Message
	var err error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		msg, err = g.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if !isRetryable(err) || attempt == g.maxRetries {
			return streamErrorResult(g.Name(), "", "", models.Usage{}, err), nil
		}
		backoff := g.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return streamErrorResult(g.Name(), "", "", models.Usage{}, ctx.Err()), nil
		case <-time.After(backoff):
		}
	}

	res := &Result{FinishReason: FinishStop}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			res.Text += block.Text
		case "tool_use":
			res.ToolCalls = append(res.ToolCalls, models.ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: json.RawMessage(block.Input),
			})
		}
	}
	res.Usage = models.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}
	switch string(msg.StopReason) {
	case "max_tokens":
		res.FinishReason = FinishLength
	case "tool_use":
		res.FinishReason = FinishToolCall
	}
	annotateLength(res)
	return res, nil
}

func (g *AnthropicGateway) chatStream(ctx context.Context, req *Request, params anthropic.MessageNewParams) (*Result, error) {
	stream := g.client.Messages.NewStreaming(ctx, params)

	res := &Result{FinishReason: FinishStop}
	var text, reasoning strings.Builder
	var currentCall *models.ToolCall
	var callInput strings.Builder

	emit := func(chunk string, channel models.StreamChannel) {
		if req.OnChunk != nil {
			req.OnChunk(chunk, channel)
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			res.Usage.PromptTokens = int(start.Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				callInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					emit(delta.Text, models.ChannelAssistant)
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					reasoning.WriteString(delta.Thinking)
					emit(delta.Thinking, models.ChannelReasoning)
				}
			case "input_json_delta":
				callInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentCall != nil {
				currentCall.Input = json.RawMessage(callInput.String())
				res.ToolCalls = append(res.ToolCalls, *currentCall)
				currentCall = nil
				if req.InterruptToolCalls {
					res.Text = text.String()
					res.ReasoningText = reasoning.String()
					res.FinishReason = FinishToolCall
					return res, nil
				}
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				res.Usage.CompletionTokens = int(delta.Usage.OutputTokens)
			}
			switch string(delta.Delta.StopReason) {
			case "max_tokens":
				res.FinishReason = FinishLength
			case "tool_use":
				res.FinishReason = FinishToolCall
			}

		case "message_stop":
			res.Text = text.String()
			res.ReasoningText = reasoning.String()
			annotateLength(res)
			return res, nil

		case "error":
			return streamErrorResult(g.Name(), text.String(), reasoning.String(), res.Usage,
				errors.New("anthropic stream error")), nil
		}
	}

	if err := stream.Err(); err != nil {
		return streamErrorResult(g.Name(), text.String(), reasoning.String(), res.Usage, err), nil
	}
	res.Text = text.String()
	res.ReasoningText = reasoning.String()
	annotateLength(res)
	return res, nil
}

func (g *AnthropicGateway) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	system, dialog := splitSystem(req.Messages)

	messages, err := convertAnthropicMessages(dialog)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if req.Reasoning {
		budget := int64(req.ReasoningBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

func convertAnthropicMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if len(msg.Parts) > 0 {
			for _, part := range msg.Parts {
				switch part.Type {
				case models.PartText:
					if part.Text != "" {
						content = append(content, anthropic.NewTextBlock(part.Text))
					}
				case models.PartImageRef:
					if mediaType, data, ok := parseDataURL(part.ImageRef); ok {
						content = append(content, anthropic.NewImageBlockBase64(mediaType, data))
					}
				}
			}
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, res := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(call.Input, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to user messages.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", spec.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", spec.Name)
		}
		param.OfTool.Description = anthropic.String(spec.Description)
		result = append(result, param)
	}
	return result, nil
}

func parseDataURL(raw string) (string, string, bool) {
	if !strings.HasPrefix(raw, "data:") {
		return "", "", false
	}
	parts := strings.SplitN(raw, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	meta := strings.TrimPrefix(parts[0], "data:")
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		return "", "", false
	}
	return mediaType, parts[1], true
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
