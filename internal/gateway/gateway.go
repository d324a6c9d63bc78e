// Package gateway abstracts LLM providers behind a streaming chat
// contract. The engine depends only on the Gateway interface; adapters
// translate to provider SDKs.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/penguin/pkg/models"
)

// FinishReason classifies how a gateway turn ended.
type FinishReason string

const (
	FinishStop     FinishReason = "stop"
	FinishLength   FinishReason = "length"
	FinishToolCall FinishReason = "tool_call"
	FinishError    FinishReason = "error"
)

// StreamFunc receives chunks as they arrive. channel distinguishes
// assistant text from reasoning. Whitespace-only chunks are delivered;
// downstream consumers depend on them.
type StreamFunc func(chunk string, channel models.StreamChannel)

// ToolSpec advertises one tool to the provider.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one chat turn.
type Request struct {
	// Messages is the formatted, trimmed view: system first, ordered.
	Messages []*models.Message

	MaxOutputTokens int
	Temperature     float32

	// Stream enables per-chunk delivery via OnChunk.
	Stream  bool
	OnChunk StreamFunc

	// Reasoning enables the provider's reasoning channel when supported.
	Reasoning             bool
	ReasoningBudgetTokens int

	// InterruptToolCalls stops reading the provider stream as soon as the
	// first tool call is complete; accumulated text is kept.
	InterruptToolCalls bool

	Tools []ToolSpec
}

// Result is the outcome of a chat turn. Mid-stream provider failures are
// returned here with FinishError, never raised across the boundary.
type Result struct {
	Text          string
	ReasoningText string
	ToolCalls     []models.ToolCall
	FinishReason  FinishReason
	Usage         models.Usage
}

// Gateway is the provider contract. Chat returns an error only for
// request-construction failures; everything after the stream opens is
// reported through the Result.
type Gateway interface {
	Name() string
	Chat(ctx context.Context, req *Request) (*Result, error)
}

// annotateLength appends the user-visible truncation note when the
// provider stopped at the output token limit.
func annotateLength(res *Result) {
	if res.FinishReason == FinishLength {
		res.Text += "\n\n[Note: Response truncated at the output token limit.]"
	}
}

// streamErrorResult builds the error-tagged result for a mid-stream
// failure, attaching any partial content.
func streamErrorResult(provider, partial, reasoning string, usage models.Usage, err error) *Result {
	text := partial
	if text != "" {
		text += " "
	}
	text += fmt.Sprintf("[Error: Stream interrupted by %s: %v]", provider, err)
	return &Result{
		Text:          text,
		ReasoningText: reasoning,
		FinishReason:  FinishError,
		Usage:         usage,
	}
}

// splitSystem separates the leading system prompt from the dialog
// messages. Providers take the system prompt out of band.
func splitSystem(messages []*models.Message) (string, []*models.Message) {
	system := ""
	rest := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem && msg.Category == models.CategorySystemPrompt && system == "" {
			system = msg.Content
			continue
		}
		rest = append(rest, msg)
	}
	return system, rest
}
