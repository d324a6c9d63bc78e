package engine

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/penguin/internal/actions"
	"github.com/haasonsaas/penguin/internal/conversation"
	"github.com/haasonsaas/penguin/internal/events"
	"github.com/haasonsaas/penguin/internal/gateway"
	"github.com/haasonsaas/penguin/internal/sessions"
	"github.com/haasonsaas/penguin/internal/tools"
	"github.com/haasonsaas/penguin/pkg/models"
)

var actionNames = []string{"enhanced_read", "enhanced_write"}

type rig struct {
	conv    *conversation.Manager
	emitter *events.Emitter
	engine  *Engine

	mu     sync.Mutex
	events []*models.RuntimeEvent

	readInputs  []map[string]any
	writeInputs []map[string]any
}

func newRig(t *testing.T, gw gateway.Gateway) *rig {
	t.Helper()
	r := &rig{emitter: events.NewEmitter()}
	r.emitter.Subscribe(func(ev *models.RuntimeEvent) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
	})

	store := sessions.NewMemoryStore()
	r.conv = conversation.NewManager(store, nil, conversation.WithMessageHook(
		func(agentID string, msg *models.Message) {
			r.emitter.Message(agentID, &models.MessageEventPayload{
				Role:     msg.Role,
				Content:  msg.Content,
				Category: msg.Category,
			})
		},
	))

	ctx := context.Background()
	if _, err := r.conv.CreateAgentConversation(ctx, "main"); err != nil {
		t.Fatal(err)
	}
	system := &models.Message{
		Role:     models.RoleSystem,
		Category: models.CategorySystemPrompt,
		Content:  "You are helpful.",
	}
	if err := r.conv.Append(ctx, "main", system); err != nil {
		t.Fatal(err)
	}

	registry := tools.NewRegistry()
	readSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"show_line_numbers": {"type": "boolean"},
			"max_lines": {"type": "integer"}
		},
		"required": ["path"]
	}`)
	if err := registry.Register(tools.Descriptor{
		Name:        "enhanced_read",
		Description: "Read a file with optional line numbers.",
		InputSchema: readSchema,
		Positional:  []string{"path", "show_line_numbers", "max_lines"},
		SideEffects: tools.SideEffectNone,
	}, func(_ context.Context, input map[string]any) (string, error) {
		r.mu.Lock()
		r.readInputs = append(r.readInputs, input)
		r.mu.Unlock()
		return "1: hello", nil
	}); err != nil {
		t.Fatal(err)
	}
	writeSchema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string"},
			"content": {"type": "string"}
		},
		"required": ["path", "content"]
	}`)
	if err := registry.Register(tools.Descriptor{
		Name:        "enhanced_write",
		Description: "Write content to a file.",
		InputSchema: writeSchema,
		Positional:  []string{"path", "content"},
		SideEffects: tools.SideEffectWorkspace,
	}, func(_ context.Context, input map[string]any) (string, error) {
		r.mu.Lock()
		r.writeInputs = append(r.writeInputs, input)
		r.mu.Unlock()
		return "Wrote file", nil
	}); err != nil {
		t.Fatal(err)
	}

	dispatcher := tools.NewDispatcher(registry, nil)
	parser := actions.NewParser(actionNames)
	r.engine = New(r.conv, gw, dispatcher, parser, r.emitter, Options{})
	return r
}

func (r *rig) messages(t *testing.T) []*models.Message {
	t.Helper()
	conv, err := r.conv.AgentConversation("main")
	if err != nil {
		t.Fatal(err)
	}
	return conv.Session.Messages
}

// drain closes the emitter so every queued event reaches the collector.
func (r *rig) drain() []*models.RuntimeEvent {
	r.emitter.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events
}

func TestEngine_SingleTurnNonStreaming(t *testing.T) {
	r := newRig(t, gateway.NewScripted(gateway.ScriptedTurn{Text: "hello"}))

	res, err := r.engine.RunSingleTurn(context.Background(), "Repeat back: 'hello'.", TurnOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.AssistantResponse != "hello" {
		t.Errorf("assistant response = %q, want hello", res.AssistantResponse)
	}
	if len(res.ActionResults) != 0 {
		t.Errorf("action results = %d, want 0", len(res.ActionResults))
	}

	msgs := r.messages(t)
	if len(msgs) != 3 {
		t.Fatalf("session has %d messages, want 3 (system, user, assistant)", len(msgs))
	}
	wantRoles := []models.Role{models.RoleSystem, models.RoleUser, models.RoleAssistant}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, want)
		}
	}

	userEvents, assistantEvents := 0, 0
	for _, ev := range r.drain() {
		if ev.Type != models.EventMessage || ev.Message == nil {
			continue
		}
		switch ev.Message.Role {
		case models.RoleUser:
			userEvents++
		case models.RoleAssistant:
			assistantEvents++
		}
	}
	if userEvents != 1 || assistantEvents != 1 {
		t.Errorf("message events user=%d assistant=%d, want 1 each", userEvents, assistantEvents)
	}
}

func TestEngine_StreamingActionInterrupt(t *testing.T) {
	scripted := gateway.NewScripted(gateway.ScriptedTurn{Chunks: []string{
		"Reading... ",
		"<enhanced_read>/tmp/x.txt:true:10",
		"</enhanced_read>",
		" done",
	}})
	parser := actions.NewParser(actionNames)
	r := newRig(t, gateway.NewInterrupter(scripted, parser, gateway.InterruptConfig{OnActionTag: true}))

	res, err := r.engine.RunSingleTurn(context.Background(), "Read /tmp/x.txt", TurnOptions{Streaming: true})
	if err != nil {
		t.Fatal(err)
	}
	want := "Reading... <enhanced_read>/tmp/x.txt:true:10</enhanced_read>"
	if res.AssistantResponse != want {
		t.Errorf("assistant response = %q, want %q", res.AssistantResponse, want)
	}
	if len(res.ActionResults) != 1 {
		t.Fatalf("action results = %d, want 1", len(res.ActionResults))
	}
	if res.ActionResults[0].IsError {
		t.Errorf("action result errored: %s", res.ActionResults[0].Content)
	}

	r.mu.Lock()
	reads := r.readInputs
	r.mu.Unlock()
	if len(reads) != 1 {
		t.Fatalf("enhanced_read executed %d times, want 1", len(reads))
	}
	if reads[0]["path"] != "/tmp/x.txt" {
		t.Errorf("path = %v, want /tmp/x.txt", reads[0]["path"])
	}
	if reads[0]["show_line_numbers"] != true {
		t.Errorf("show_line_numbers = %v, want true", reads[0]["show_line_numbers"])
	}

	msgs := r.messages(t)
	last := msgs[len(msgs)-1]
	if last.Category != models.CategoryToolResult {
		t.Errorf("last message category = %s, want TOOL_RESULT", last.Category)
	}
	if got, _ := last.Metadata["side_effects"].(string); got != string(tools.SideEffectNone) {
		t.Errorf("result side_effects = %q, want %q", got, tools.SideEffectNone)
	}

	for _, ev := range r.drain() {
		if ev.Type == models.EventToolInvocation && ev.Tool != nil && ev.Tool.Name == "enhanced_read" {
			if ev.Tool.SideEffects != string(tools.SideEffectNone) {
				t.Errorf("tool event side_effects = %q, want %q", ev.Tool.SideEffects, tools.SideEffectNone)
			}
		}
	}
}

func TestEngine_TaskCompletionPhrase(t *testing.T) {
	r := newRig(t, gateway.NewScripted(
		gateway.ScriptedTurn{Text: "Writing now <enhanced_write>/tmp/h.txt:hello world</enhanced_write>"},
		gateway.ScriptedTurn{Text: "Done. TASK_COMPLETE"},
	))

	task, err := r.engine.RunTask(context.Background(), "Write hello world to /tmp/h.txt then report TASK_COMPLETE", TaskOptions{
		MaxIterations: 5,
	})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != models.PhaseCompleted {
		t.Errorf("status = %s, want completed", task.Status)
	}
	if task.Iterations > 5 {
		t.Errorf("iterations = %d, want at most 5", task.Iterations)
	}
	if !strings.Contains(task.AssistantResponse, "TASK_COMPLETE") {
		t.Errorf("final response = %q, want completion phrase", task.AssistantResponse)
	}

	r.mu.Lock()
	writes := r.writeInputs
	r.mu.Unlock()
	if len(writes) != 1 {
		t.Fatalf("enhanced_write executed %d times, want 1", len(writes))
	}
	if writes[0]["content"] != "hello world" {
		t.Errorf("content = %v, want hello world", writes[0]["content"])
	}

	toolEvents := 0
	var phases []models.RunPhase
	for _, ev := range r.drain() {
		switch ev.Type {
		case models.EventToolInvocation:
			if ev.Tool != nil && ev.Tool.Name == "enhanced_write" {
				toolEvents++
			}
		case models.EventStatus:
			if ev.Status != nil {
				phases = append(phases, ev.Status.Phase)
			}
		}
	}
	if toolEvents < 1 {
		t.Error("no tool_invocation event for the write tool")
	}
	if len(phases) < 2 || phases[0] != models.PhaseRunning || phases[len(phases)-1] != models.PhaseCompleted {
		t.Errorf("status phases = %v, want running first and completed last", phases)
	}
}

func TestEngine_TaskIterationBound(t *testing.T) {
	// Every turn requests another read, so only the bound stops the loop.
	r := newRig(t, gateway.NewScripted(
		gateway.ScriptedTurn{Text: "Again <enhanced_read>/tmp/x.txt:false:1</enhanced_read>"},
	))

	task, err := r.engine.RunTask(context.Background(), "loop forever", TaskOptions{MaxIterations: 3})
	if err != nil {
		t.Fatal(err)
	}
	if task.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", task.Iterations)
	}
}

func TestEngine_StreamCoalescingBurst(t *testing.T) {
	chunks := make([]string, 1000)
	for i := range chunks {
		chunks[i] = "x"
	}
	r := newRig(t, gateway.NewScripted(gateway.ScriptedTurn{Chunks: chunks}))

	res, err := r.engine.RunSingleTurn(context.Background(), "burst", TurnOptions{Streaming: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.AssistantResponse) != 1000 {
		t.Errorf("assistant response length = %d, want 1000", len(res.AssistantResponse))
	}

	nonfinal, finals := 0, 0
	for _, ev := range r.drain() {
		if ev.Type != models.EventStreamChunk || ev.Stream == nil {
			continue
		}
		if ev.Stream.IsFinal {
			finals++
		} else {
			nonfinal++
		}
	}
	if nonfinal < 1 {
		t.Error("no nonfinal stream_chunk events emitted")
	}
	if nonfinal >= 200 {
		t.Errorf("nonfinal stream_chunk events = %d, want fewer than 200", nonfinal)
	}
	if finals != 1 {
		t.Errorf("final stream_chunk events = %d, want exactly 1", finals)
	}
}

func TestEngine_EmptyStreamStillFinalizes(t *testing.T) {
	r := newRig(t, gateway.NewScripted(gateway.ScriptedTurn{}))

	res, err := r.engine.RunSingleTurn(context.Background(), "say nothing", TurnOptions{Streaming: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.AssistantResponse != "" {
		t.Errorf("assistant response = %q, want empty", res.AssistantResponse)
	}

	msgs := r.messages(t)
	last := msgs[len(msgs)-1]
	if last.Role != models.RoleAssistant || !last.MetaBool("empty") {
		t.Errorf("empty turn should append assistant message with empty=true, got role=%s meta=%v", last.Role, last.Metadata)
	}

	finals := 0
	for _, ev := range r.drain() {
		if ev.Type == models.EventStreamChunk && ev.Stream != nil && ev.Stream.IsFinal {
			finals++
			if ev.Stream.Chunk != "" {
				t.Errorf("final chunk content = %q, want empty", ev.Stream.Chunk)
			}
		}
	}
	if finals != 1 {
		t.Errorf("final stream_chunk events = %d, want 1", finals)
	}
}

func TestEngine_CancelledTaskReportsCancelled(t *testing.T) {
	r := newRig(t, gateway.NewScripted(
		gateway.ScriptedTurn{Text: "Again <enhanced_read>/tmp/x.txt:false:1</enhanced_read>"},
	))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task, err := r.engine.RunTask(ctx, "never starts", TaskOptions{MaxIterations: 5})
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != models.PhaseCancelled {
		t.Errorf("status = %s, want cancelled", task.Status)
	}
	if task.Iterations != 0 {
		t.Errorf("iterations = %d, want 0", task.Iterations)
	}
}

func TestEngine_StreamChannelDelivery(t *testing.T) {
	r := newRig(t, gateway.NewScripted(gateway.ScriptedTurn{Chunks: []string{"a", "b", "c"}}))

	out, err := r.engine.Stream(context.Background(), "stream it", "main")
	if err != nil {
		t.Fatal(err)
	}
	var text strings.Builder
	deadline := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-out:
			if !ok {
				if text.String() != "abc" {
					t.Errorf("streamed text = %q, want abc", text.String())
				}
				return
			}
			if chunk.Channel == models.ChannelAssistant {
				text.WriteString(chunk.Chunk)
			}
		case <-deadline:
			t.Fatal("stream did not close")
		}
	}
}

func TestStatsCollector_AggregatesFromEvents(t *testing.T) {
	r := newRig(t, gateway.NewScripted(
		gateway.ScriptedTurn{Text: "step <enhanced_read>/tmp/x.txt:false:1</enhanced_read>"},
		gateway.ScriptedTurn{Text: "TASK_COMPLETE"},
	))
	collector := NewStatsCollector(r.emitter, "run-1")

	if _, err := r.engine.RunTask(context.Background(), "go", TaskOptions{MaxIterations: 5}); err != nil {
		t.Fatal(err)
	}
	r.emitter.Close()
	stats := collector.Finish()

	if stats.ToolCalls != 1 {
		t.Errorf("tool calls = %d, want 1", stats.ToolCalls)
	}
	if stats.Iterations < 1 {
		t.Errorf("iterations = %d, want at least 1", stats.Iterations)
	}
	if stats.Cancelled {
		t.Error("run not cancelled")
	}
	if stats.WallTime <= 0 {
		t.Error("wall time not recorded")
	}
}
