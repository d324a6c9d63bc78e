package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/penguin/pkg/models"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI adapter. BaseURL makes it work
// against any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIGateway adapts the chat completions API to the Gateway contract.
type OpenAIGateway struct {
	client *openai.Client
	model  string
}

// NewOpenAIGateway creates the adapter.
func NewOpenAIGateway(cfg OpenAIConfig) (*OpenAIGateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIGateway{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
	}, nil
}

func (g *OpenAIGateway) Name() string { return "openai" }

func (g *OpenAIGateway) Chat(ctx context.Context, req *Request) (*Result, error) {
	chatReq := g.buildRequest(req)
	if !req.Stream {
		return g.chatOnce(ctx, chatReq)
	}
	return g.chatStream(ctx, req, chatReq)
}

func (g *OpenAIGateway) chatOnce(ctx context.Context, chatReq openai.ChatCompletionRequest) (*Result, error) {
	resp, err := g.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return streamErrorResult(g.Name(), "", "", models.Usage{}, err), nil
	}
	res := &Result{FinishReason: FinishStop}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		res.Text = choice.Message.Content
		res.ReasoningText = choice.Message.ReasoningContent
		for _, call := range choice.Message.ToolCalls {
			res.ToolCalls = append(res.ToolCalls, models.ToolCall{
				ID:    call.ID,
				Name:  call.Function.Name,
				Input: json.RawMessage(call.Function.Arguments),
			})
		}
		res.FinishReason = mapOpenAIFinish(string(choice.FinishReason))
	}
	res.Usage = models.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	annotateLength(res)
	return res, nil
}

func (g *OpenAIGateway) chatStream(ctx context.Context, req *Request, chatReq openai.ChatCompletionRequest) (*Result, error) {
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := g.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return streamErrorResult(g.Name(), "", "", models.Usage{}, err), nil
	}
	defer stream.Close()

	res := &Result{FinishReason: FinishStop}
	var text, reasoning strings.Builder
	// Tool call deltas arrive keyed by index with partial arguments.
	calls := map[int]*models.ToolCall{}
	callArgs := map[int]*strings.Builder{}
	maxIndex := -1

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return streamErrorResult(g.Name(), text.String(), reasoning.String(), res.Usage, err), nil
		}
		if response.Usage != nil {
			res.Usage.PromptTokens = response.Usage.PromptTokens
			res.Usage.CompletionTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if req.OnChunk != nil {
				req.OnChunk(choice.Delta.Content, models.ChannelAssistant)
			}
		}
		if choice.Delta.ReasoningContent != "" {
			reasoning.WriteString(choice.Delta.ReasoningContent)
			if req.OnChunk != nil {
				req.OnChunk(choice.Delta.ReasoningContent, models.ChannelReasoning)
			}
		}
		for _, delta := range choice.Delta.ToolCalls {
			idx := 0
			if delta.Index != nil {
				idx = *delta.Index
			}
			if idx > maxIndex {
				maxIndex = idx
			}
			call, ok := calls[idx]
			if !ok {
				call = &models.ToolCall{}
				calls[idx] = call
				callArgs[idx] = &strings.Builder{}
			}
			if delta.ID != "" {
				call.ID = delta.ID
			}
			if delta.Function.Name != "" {
				call.Name = delta.Function.Name
			}
			callArgs[idx].WriteString(delta.Function.Arguments)
		}
		if choice.FinishReason != "" {
			res.FinishReason = mapOpenAIFinish(string(choice.FinishReason))
		}
	}

	for i := 0; i <= maxIndex; i++ {
		call, ok := calls[i]
		if !ok {
			continue
		}
		call.Input = json.RawMessage(callArgs[i].String())
		res.ToolCalls = append(res.ToolCalls, *call)
	}
	res.Text = text.String()
	res.ReasoningText = reasoning.String()
	annotateLength(res)
	return res, nil
}

func (g *OpenAIGateway) buildRequest(req *Request) openai.ChatCompletionRequest {
	system, dialog := splitSystem(req.Messages)

	messages := make([]openai.ChatCompletionMessage, 0, len(dialog)+1)
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range dialog {
		messages = append(messages, convertOpenAIMessages(msg)...)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxOutputTokens > 0 {
		chatReq.MaxTokens = req.MaxOutputTokens
	}
	for _, spec := range req.Tools {
		var schema map[string]any
		if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
			continue
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		})
	}
	return chatReq
}

// convertOpenAIMessages expands one internal message into the chat
// completions shape. Tool results become separate role=tool messages.
func convertOpenAIMessages(msg *models.Message) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage

	if msg.Role == models.RoleTool || len(msg.ToolResults) > 0 {
		for _, res := range msg.ToolResults {
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    res.Content,
				ToolCallID: res.ToolCallID,
			})
		}
		return out
	}

	oaiMsg := openai.ChatCompletionMessage{
		Role:    string(msg.Role),
		Content: msg.Content,
	}
	if len(msg.Parts) > 0 {
		oaiMsg.Content = ""
		for _, part := range msg.Parts {
			switch part.Type {
			case models.PartText:
				oaiMsg.MultiContent = append(oaiMsg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			case models.PartImageRef:
				oaiMsg.MultiContent = append(oaiMsg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    part.ImageRef,
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
		}
	}
	for _, call := range msg.ToolCalls {
		oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
			ID:   call.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.Name,
				Arguments: string(call.Input),
			},
		})
	}
	out = append(out, oaiMsg)
	return out
}

func mapOpenAIFinish(reason string) FinishReason {
	switch reason {
	case "length":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolCall
	case "", "stop":
		return FinishStop
	default:
		return FinishStop
	}
}
