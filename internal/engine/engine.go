// Package engine orchestrates turns: prompt preparation, gateway calls,
// action dispatch, and the reason/act loop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/penguin/internal/actions"
	"github.com/haasonsaas/penguin/internal/contextwin"
	"github.com/haasonsaas/penguin/internal/conversation"
	"github.com/haasonsaas/penguin/internal/events"
	"github.com/haasonsaas/penguin/internal/gateway"
	"github.com/haasonsaas/penguin/internal/tools"
	"github.com/haasonsaas/penguin/pkg/models"
)

// Defaults for the reason/act loop.
const (
	DefaultMaxIterations = 10
)

// DefaultCompletionPhrases end a task loop when they appear in assistant
// output.
var DefaultCompletionPhrases = []string{"TASK_COMPLETE"}

// Options configure an Engine.
type Options struct {
	MaxIterations     int
	CompletionPhrases []string

	// TimeLimit bounds RunTask wall clock. Zero disables.
	TimeLimit time.Duration

	// MaxOutputTokens and Temperature are forwarded to the gateway.
	MaxOutputTokens int
	Temperature     float32

	// Reasoning enables the provider reasoning channel.
	Reasoning bool

	// ReasoningExclude keeps reasoning text out of the transcript while
	// still streaming it on the reasoning channel.
	ReasoningExclude bool

	Logger *slog.Logger
}

// ResourceHook receives per-turn resource snapshots.
type ResourceHook func(agentID string, snapshot models.ResourceSnapshot)

// TurnOptions configure one RunSingleTurn call.
type TurnOptions struct {
	ImageRef       string
	Streaming      bool
	StreamCallback gateway.StreamFunc
	AgentID        string
}

// TurnResult is the outcome of a single turn.
type TurnResult struct {
	AssistantResponse string
	ActionResults     []models.ToolResult
	Usage             models.Usage
	FinishReason      gateway.FinishReason
	Cancelled         bool
}

// TaskOptions configure a RunTask loop.
type TaskOptions struct {
	MaxIterations     int
	CompletionPhrases []string
	TimeLimit         time.Duration
	TaskContext       string
	AgentID           string
	StreamCallback    gateway.StreamFunc
}

// TaskResult is the outcome of a reason/act loop.
type TaskResult struct {
	Status            models.RunPhase
	AssistantResponse string
	Iterations        int
	ExecutionTime     time.Duration
}

// Engine drives conversations through the gateway and tool dispatcher.
type Engine struct {
	conv       *conversation.Manager
	gw         gateway.Gateway
	dispatcher *tools.Dispatcher
	parser     *actions.Parser
	emitter    *events.Emitter
	logger     *slog.Logger
	opts       Options
	hooks      []ResourceHook
}

// New creates an engine.
func New(conv *conversation.Manager, gw gateway.Gateway, dispatcher *tools.Dispatcher, parser *actions.Parser, emitter *events.Emitter, opts Options) *Engine {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if len(opts.CompletionPhrases) == 0 {
		opts.CompletionPhrases = DefaultCompletionPhrases
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		conv:       conv,
		gw:         gw,
		dispatcher: dispatcher,
		parser:     parser,
		emitter:    emitter,
		logger:     opts.Logger,
		opts:       opts,
	}
}

// OnResourceSnapshot registers a lifecycle hook for per-turn snapshots.
func (e *Engine) OnResourceSnapshot(hook ResourceHook) {
	e.hooks = append(e.hooks, hook)
}

// RunSingleTurn runs one prompt/response exchange, dispatching any
// actions the assistant requested. It never returns an error for
// gateway failures; those surface as error-tagged assistant content.
func (e *Engine) RunSingleTurn(ctx context.Context, prompt string, opts TurnOptions) (*TurnResult, error) {
	ctx, span := otel.Tracer("penguin/engine").Start(ctx, "engine.run_single_turn")
	defer span.End()

	start := time.Now()
	if opts.AgentID != "" {
		if err := e.conv.SetCurrentAgent(opts.AgentID); err != nil {
			return nil, err
		}
	}
	agentID := e.conv.CurrentAgent()
	span.SetAttributes(attribute.String("agent_id", agentID))

	if _, err := e.conv.Prepare(ctx, prompt, opts.ImageRef); err != nil {
		return nil, err
	}

	result, err := e.runExchange(ctx, agentID, opts.Streaming, opts.StreamCallback)
	if err != nil {
		return nil, err
	}

	snapshot := models.ResourceSnapshot{
		TokensPrompt:     result.Usage.PromptTokens,
		TokensCompletion: result.Usage.CompletionTokens,
		WallClock:        time.Since(start),
	}
	for _, hook := range e.hooks {
		hook(agentID, snapshot)
	}
	return result, nil
}

// RunTask runs the reason/act loop until a completion phrase, iteration
// bound, time limit, or cancellation ends it.
func (e *Engine) RunTask(ctx context.Context, prompt string, opts TaskOptions) (*TaskResult, error) {
	ctx, span := otel.Tracer("penguin/engine").Start(ctx, "engine.run_task")
	defer span.End()

	start := time.Now()
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = e.opts.MaxIterations
	}
	phrases := opts.CompletionPhrases
	if len(phrases) == 0 {
		phrases = e.opts.CompletionPhrases
	}
	timeLimit := opts.TimeLimit
	if timeLimit <= 0 {
		timeLimit = e.opts.TimeLimit
	}

	if opts.AgentID != "" {
		if err := e.conv.SetCurrentAgent(opts.AgentID); err != nil {
			return nil, err
		}
	}
	agentID := e.conv.CurrentAgent()
	span.SetAttributes(attribute.String("agent_id", agentID))

	if opts.TaskContext != "" {
		ctxMsg := &models.Message{
			Role:     models.RoleUser,
			Category: models.CategoryContext,
			Content:  opts.TaskContext,
		}
		if err := e.conv.Append(ctx, agentID, ctxMsg); err != nil {
			return nil, err
		}
	}
	if _, err := e.conv.Prepare(ctx, prompt, ""); err != nil {
		return nil, err
	}

	e.emitter.Status(agentID, models.PhaseRunning, "task started")

	task := &TaskResult{Status: models.PhaseRunning}
	var lastResponse string

	for task.Iterations < maxIter {
		if ctx.Err() != nil {
			return e.finishTask(agentID, task, models.PhaseCancelled, lastResponse, start), nil
		}
		if timeLimit > 0 && time.Since(start) > timeLimit {
			return e.finishTask(agentID, task, models.PhaseFailed, lastResponse, start), nil
		}

		turn, err := e.runExchange(ctx, agentID, true, opts.StreamCallback)
		if err != nil {
			if errors.Is(err, contextwin.ErrMinimumUnsatisfiable) {
				e.emitter.Error(agentID, "", &models.ErrorEventPayload{
					Kind: "context_overflow", Message: err.Error(), Err: err,
				})
				return e.finishTask(agentID, task, models.PhaseFailed, lastResponse, start), nil
			}
			return nil, err
		}
		task.Iterations++
		lastResponse = turn.AssistantResponse

		if turn.Cancelled {
			return e.finishTask(agentID, task, models.PhaseCancelled, lastResponse, start), nil
		}
		if containsAny(turn.AssistantResponse, phrases) {
			return e.finishTask(agentID, task, models.PhaseCompleted, lastResponse, start), nil
		}
		if len(turn.ActionResults) == 0 {
			// Nothing to react to; the exchange is over.
			return e.finishTask(agentID, task, models.PhaseCompleted, lastResponse, start), nil
		}
		e.emitter.Status(agentID, models.PhaseIterating, fmt.Sprintf("iteration %d", task.Iterations))
	}

	return e.finishTask(agentID, task, models.PhaseCompleted, lastResponse, start), nil
}

// Stream runs a single streaming turn, returning raw chunks on a
// channel. The channel closes when the turn completes.
func (e *Engine) Stream(ctx context.Context, prompt string, agentID string) (<-chan models.StreamChunkPayload, error) {
	out := make(chan models.StreamChunkPayload, 64)
	callback := func(chunk string, channel models.StreamChannel) {
		select {
		case out <- models.StreamChunkPayload{Chunk: chunk, Channel: channel}:
		case <-ctx.Done():
		}
	}
	go func() {
		defer close(out)
		if _, err := e.RunSingleTurn(ctx, prompt, TurnOptions{
			Streaming:      true,
			StreamCallback: callback,
			AgentID:        agentID,
		}); err != nil {
			e.logger.Error("stream turn failed", "agent_id", agentID, "error", err)
		}
	}()
	return out, nil
}

// runExchange does one gateway round trip plus action dispatch for the
// current agent. The prompt must already be in the session.
func (e *Engine) runExchange(ctx context.Context, agentID string, streaming bool, callback gateway.StreamFunc) (*TurnResult, error) {
	view, err := e.conv.FormatAgent(agentID)
	if err != nil {
		return nil, err
	}

	coal := newCoalescer(e.emitter, agentID)
	var rawAssistant strings.Builder
	onChunk := func(chunk string, channel models.StreamChannel) {
		if channel == models.ChannelAssistant {
			rawAssistant.WriteString(chunk)
		}
		coal.Add(chunk, channel)
		if callback != nil {
			callback(chunk, channel)
		}
	}

	req := &gateway.Request{
		Messages:        view,
		MaxOutputTokens: e.opts.MaxOutputTokens,
		Temperature:     e.opts.Temperature,
		Stream:          streaming,
		Reasoning:       e.opts.Reasoning,
		Tools:           e.toolSpecs(),
	}
	if streaming {
		req.OnChunk = onChunk
	}

	res, err := e.gw.Chat(ctx, req)
	if err != nil {
		// Request construction failure; surfaced as an error-tagged turn.
		e.emitter.Error(agentID, "", &models.ErrorEventPayload{Kind: "gateway", Message: err.Error(), Err: err})
		res = &gateway.Result{
			Text:         fmt.Sprintf("[Error: %v]", err),
			FinishReason: gateway.FinishError,
		}
	}

	cancelled := ctx.Err() != nil
	text := res.Text
	if cancelled {
		// Prefer the raw partial content over the provider's
		// cancellation-shaped error result.
		text = e.parser.StripIncompleteTags(rawAssistant.String())
	}

	assistant := &models.Message{
		Role:      models.RoleAssistant,
		Category:  models.CategoryDialog,
		Content:   text,
		ToolCalls: res.ToolCalls,
	}
	appendAssistant := true
	if cancelled {
		if text == "" {
			appendAssistant = false
		} else {
			assistant.SetMeta("partial", true)
		}
	}
	if text == "" && len(res.ToolCalls) == 0 && !cancelled {
		assistant.SetMeta("empty", true)
	}
	if appendAssistant {
		if err := e.conv.Append(ctx, agentID, assistant); err != nil {
			return nil, err
		}
	}
	if res.ReasoningText != "" && !e.opts.ReasoningExclude {
		reasoning := &models.Message{
			Role:     models.RoleAssistant,
			Category: models.CategoryReasoning,
			Content:  res.ReasoningText,
		}
		if err := e.conv.Append(ctx, agentID, reasoning); err != nil {
			return nil, err
		}
	}

	// One final chunk per appended assistant message.
	if streaming && appendAssistant {
		coal.Finish()
	}
	if res.FinishReason == gateway.FinishError && !cancelled {
		e.emitter.Error(agentID, "", &models.ErrorEventPayload{Kind: "gateway", Message: text})
	}
	e.emitTokenUpdate(agentID)

	turn := &TurnResult{
		AssistantResponse: text,
		Usage:             res.Usage,
		FinishReason:      res.FinishReason,
		Cancelled:         cancelled,
	}
	if cancelled {
		e.emitter.Status(agentID, models.PhaseCancelled, "turn cancelled")
		return turn, nil
	}

	turn.ActionResults = e.dispatchActions(ctx, agentID, text, res.ToolCalls)
	return turn, nil
}

// dispatchActions executes action tags and native tool calls, appending
// one TOOL_RESULT message per execution.
func (e *Engine) dispatchActions(ctx context.Context, agentID, text string, native []models.ToolCall) []models.ToolResult {
	var out []models.ToolResult

	type invocation struct {
		callID string
		name   string
		input  []byte
		side   tools.SideEffect
		berr   error
	}
	var invocations []invocation

	for _, action := range e.parser.Parse(text) {
		desc, _, ok := e.dispatcher.Registry().Get(action.Name)
		if !ok {
			invocations = append(invocations, invocation{
				callID: uuid.NewString(),
				name:   action.Name,
				berr:   fmt.Errorf("tool %s is not registered", action.Name),
			})
			continue
		}
		input, err := tools.BindPayload(desc, action.Payload)
		invocations = append(invocations, invocation{
			callID: uuid.NewString(),
			name:   action.Name,
			input:  input,
			side:   desc.SideEffects,
			berr:   err,
		})
	}
	for _, call := range native {
		inv := invocation{
			callID: call.ID,
			name:   call.Name,
			input:  call.Input,
		}
		if desc, _, ok := e.dispatcher.Registry().Get(call.Name); ok {
			inv.side = desc.SideEffects
		}
		invocations = append(invocations, inv)
	}

	for _, inv := range invocations {
		var toolRes models.ToolResult
		var ok bool
		var duration time.Duration
		var timedOut bool

		if inv.berr != nil {
			toolRes = models.ToolResult{
				ToolCallID: inv.callID,
				Content:    fmt.Sprintf("Tool error: %v", inv.berr),
				IsError:    true,
			}
		} else {
			result := e.dispatcher.Execute(ctx, inv.name, inv.input)
			toolRes = result.ToModel(inv.callID)
			ok = result.OK
			duration = result.Duration
			timedOut = result.TimedOut
		}

		msg := &models.Message{
			Role:        models.RoleTool,
			Category:    models.CategoryToolResult,
			Content:     toolRes.Content,
			ToolResults: []models.ToolResult{toolRes},
		}
		// The window trims re-derivable results ahead of mutation records.
		if inv.side != "" {
			msg.SetMeta("side_effects", string(inv.side))
		}
		if err := e.conv.Append(ctx, agentID, msg); err != nil {
			e.logger.Error("tool result append failed", "tool", inv.name, "error", err)
		}

		e.emitter.ToolInvocation(agentID, &models.ToolInvocationPayload{
			Name:         inv.name,
			InputSummary: summarize(string(inv.input)),
			OK:           ok,
			Duration:     duration,
			TimedOut:     timedOut,
			SideEffects:  string(inv.side),
		})
		if !ok {
			e.emitter.Error(agentID, inv.callID, &models.ErrorEventPayload{
				Kind:    "tool",
				Message: toolRes.Content,
			})
		}
		out = append(out, toolRes)
	}
	return out
}

func (e *Engine) finishTask(agentID string, task *TaskResult, phase models.RunPhase, response string, start time.Time) *TaskResult {
	task.Status = phase
	task.AssistantResponse = response
	task.ExecutionTime = time.Since(start)
	e.emitter.Status(agentID, phase, fmt.Sprintf("task %s after %d iterations", phase, task.Iterations))
	return task
}

func (e *Engine) emitTokenUpdate(agentID string) {
	conv, err := e.conv.AgentConversation(agentID)
	if err != nil {
		return
	}
	perCategory := make(map[string]int)
	for cat, budget := range conv.Window.Budgets() {
		perCategory[string(cat)] = budget.Used
	}
	e.emitter.TokenUpdate(agentID, &models.TokenUpdatePayload{
		Used:        conv.Window.TotalUsed(),
		Max:         conv.Window.MaxTokens(),
		PerCategory: perCategory,
	})
}

func (e *Engine) toolSpecs() []gateway.ToolSpec {
	var specs []gateway.ToolSpec
	for _, desc := range e.dispatcher.Registry().List() {
		specs = append(specs, gateway.ToolSpec{
			Name:        desc.Name,
			Description: desc.Description,
			InputSchema: desc.InputSchema,
		})
	}
	return specs
}

func containsAny(text string, phrases []string) bool {
	for _, phrase := range phrases {
		if phrase != "" && strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}

func summarize(input string) string {
	const max = 120
	if len(input) <= max {
		return input
	}
	return input[:max] + "..."
}
