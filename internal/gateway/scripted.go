package gateway

import (
	"context"
	"sync"

	"github.com/haasonsaas/penguin/pkg/models"
)

// ScriptedTurn is one canned gateway response.
type ScriptedTurn struct {
	// Chunks are streamed one at a time to the assistant channel. When
	// empty, Text is streamed as a single chunk.
	Chunks []string

	// ReasoningChunks are streamed to the reasoning channel before the
	// assistant chunks.
	ReasoningChunks []string

	// Text overrides the joined chunks as the final text when set.
	Text string

	ToolCalls    []models.ToolCall
	FinishReason FinishReason
	Usage        models.Usage

	// Err simulates a mid-stream provider failure after the chunks.
	Err error
}

// Scripted is a deterministic in-memory gateway for tests. Turns are
// consumed in order; running past the script repeats the last turn.
type Scripted struct {
	mu    sync.Mutex
	turns []ScriptedTurn
	next  int

	// Requests records every request for assertions.
	Requests []*Request
}

// NewScripted builds a scripted gateway from the given turns.
func NewScripted(turns ...ScriptedTurn) *Scripted {
	return &Scripted{turns: turns}
}

func (g *Scripted) Name() string { return "scripted" }

func (g *Scripted) Chat(ctx context.Context, req *Request) (*Result, error) {
	g.mu.Lock()
	g.Requests = append(g.Requests, req)
	if len(g.turns) == 0 {
		g.mu.Unlock()
		return &Result{FinishReason: FinishStop}, nil
	}
	turn := g.turns[g.next]
	if g.next < len(g.turns)-1 {
		g.next++
	}
	g.mu.Unlock()

	var streamed string
	emit := func(chunk string, channel models.StreamChannel) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if req.Stream && req.OnChunk != nil {
			req.OnChunk(chunk, channel)
		}
		return ctx.Err() == nil
	}

	for _, chunk := range turn.ReasoningChunks {
		if !emit(chunk, models.ChannelReasoning) {
			break
		}
	}
	cancelled := false
	for _, chunk := range turn.Chunks {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		streamed += chunk
		if req.Stream && req.OnChunk != nil {
			req.OnChunk(chunk, models.ChannelAssistant)
		}
	}

	if cancelled || ctx.Err() != nil {
		return streamErrorResult(g.Name(), streamed, joined(turn.ReasoningChunks), turn.Usage, ctx.Err()), nil
	}
	if turn.Err != nil {
		return streamErrorResult(g.Name(), streamed, joined(turn.ReasoningChunks), turn.Usage, turn.Err), nil
	}

	text := turn.Text
	if text == "" {
		text = streamed
	}
	finish := turn.FinishReason
	if finish == "" {
		finish = FinishStop
	}
	res := &Result{
		Text:          text,
		ReasoningText: joined(turn.ReasoningChunks),
		ToolCalls:     turn.ToolCalls,
		FinishReason:  finish,
		Usage:         turn.Usage,
	}
	annotateLength(res)
	return res, nil
}

func joined(chunks []string) string {
	out := ""
	for _, c := range chunks {
		out += c
	}
	return out
}
