package gateway

import (
	"context"
	"sync"

	"github.com/haasonsaas/penguin/internal/actions"
	"github.com/haasonsaas/penguin/pkg/models"
)

// InterruptConfig toggles the mid-stream interrupt policies.
type InterruptConfig struct {
	// OnActionTag cancels the provider stream once the assistant channel
	// accumulates a complete action tag.
	OnActionTag bool

	// OnToolCall asks the provider to stop streaming once the first
	// native tool call is complete.
	OnToolCall bool
}

// Interrupter wraps a Gateway and cuts streams short when the assistant
// output contains a complete action tag, so tools run without waiting
// for the model to finish narrating. The returned text has incomplete
// trailing tags stripped.
type Interrupter struct {
	inner  Gateway
	parser *actions.Parser
	cfg    InterruptConfig
}

// NewInterrupter wraps gw with the action-tag interrupt policy.
func NewInterrupter(gw Gateway, parser *actions.Parser, cfg InterruptConfig) *Interrupter {
	return &Interrupter{inner: gw, parser: parser, cfg: cfg}
}

func (g *Interrupter) Name() string { return g.inner.Name() }

func (g *Interrupter) Chat(ctx context.Context, req *Request) (*Result, error) {
	if req.Stream && g.cfg.OnToolCall {
		req.InterruptToolCalls = true
	}
	if !req.Stream || !g.cfg.OnActionTag {
		return g.inner.Chat(ctx, req)
	}

	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var accumulated string
	var reasoning string
	interrupted := false

	wrapped := *req
	wrapped.OnChunk = func(chunk string, channel models.StreamChannel) {
		mu.Lock()
		if interrupted {
			mu.Unlock()
			return
		}
		if channel == models.ChannelReasoning {
			reasoning += chunk
			mu.Unlock()
			if req.OnChunk != nil {
				req.OnChunk(chunk, channel)
			}
			return
		}
		accumulated += chunk
		hit := g.parser.ContainsCompleteAction(accumulated)
		if hit {
			interrupted = true
		}
		mu.Unlock()

		// Whitespace-only chunks are forwarded like any other.
		if req.OnChunk != nil {
			req.OnChunk(chunk, channel)
		}
		if hit {
			cancel()
		}
	}

	res, err := g.inner.Chat(innerCtx, &wrapped)

	mu.Lock()
	wasInterrupted := interrupted
	text := accumulated
	reasoningText := reasoning
	mu.Unlock()

	if !wasInterrupted {
		return res, err
	}

	// The provider saw a cancelled context; its error-shaped result is
	// replaced by the accumulated content up to the interrupt point.
	out := &Result{
		Text:          g.parser.StripIncompleteTags(text),
		ReasoningText: reasoningText,
		FinishReason:  FinishStop,
	}
	if res != nil {
		out.Usage = res.Usage
		out.ToolCalls = res.ToolCalls
	}
	return out, nil
}
