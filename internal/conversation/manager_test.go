package conversation

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/penguin/internal/sessions"
	"github.com/haasonsaas/penguin/pkg/models"
)

func newManager(t *testing.T, opts ...ManagerOption) *Manager {
	t.Helper()
	return NewManager(sessions.NewMemoryStore(), nil, opts...)
}

func TestManager_PrepareAppendsDialog(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	if _, err := m.CreateAgentConversation(ctx, "main"); err != nil {
		t.Fatal(err)
	}

	msg, err := m.Prepare(ctx, "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Role != models.RoleUser || msg.Category != models.CategoryDialog {
		t.Errorf("prepared message role/category = %s/%s, want user/DIALOG", msg.Role, msg.Category)
	}

	conv, _ := m.AgentConversation("main")
	if len(conv.Session.Messages) != 1 {
		t.Errorf("session has %d messages, want 1", len(conv.Session.Messages))
	}
}

func TestManager_PrepareWithImageRef(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	if _, err := m.CreateAgentConversation(ctx, "main"); err != nil {
		t.Fatal(err)
	}

	msg, err := m.Prepare(ctx, "what is this", "file:///tmp/pic.png")
	if err != nil {
		t.Fatal(err)
	}
	if len(msg.Parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(msg.Parts))
	}
	if msg.Parts[1].Type != models.PartImageRef || msg.Parts[1].ImageRef == "" {
		t.Errorf("second part = %+v, want image_ref", msg.Parts[1])
	}
}

func TestManager_AttachContextFilePinned(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	if _, err := m.CreateAgentConversation(ctx, "main"); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("remember this"), 0o644); err != nil {
		t.Fatal(err)
	}
	msg, err := m.AttachContextFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Category != models.CategoryContext {
		t.Errorf("category = %s, want CONTEXT", msg.Category)
	}
	if !msg.MetaBool("pinned") {
		t.Error("context file message must be pinned")
	}
}

func TestManager_SubAgentClamp(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, WithMaxTokens(4096))
	if _, err := m.CreateAgentConversation(ctx, "parent"); err != nil {
		t.Fatal(err)
	}
	if err := m.Append(ctx, "parent", &models.Message{
		Role: models.RoleUser, Category: models.CategoryContext, Content: "Parent shared context",
	}); err != nil {
		t.Fatal(err)
	}

	rec, err := m.CreateSubAgent(ctx, "child", "parent", SubAgentOptions{
		ShareSession:       false,
		ShareContextWindow: false,
		SharedCWMaxTokens:  512,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ParentID != "parent" {
		t.Errorf("parent id = %s", rec.ParentID)
	}

	child, _ := m.AgentConversation("child")
	if got := child.Window.MaxTokens(); got != 512 {
		t.Errorf("child window max = %d, want 512", got)
	}

	// Parent CONTEXT cloned once at creation.
	found := false
	for _, msg := range child.Session.Messages {
		if msg.Category == models.CategoryContext && msg.Content == "Parent shared context" {
			found = true
		}
	}
	if !found {
		t.Error("child session missing cloned parent context")
	}

	// Parent session records exactly one clamp notice.
	parent, _ := m.AgentConversation("parent")
	notices := 0
	for _, msg := range parent.Session.Messages {
		if msg.MessageType == models.MessageTypeCWClampNotice {
			notices++
		}
	}
	if notices != 1 {
		t.Errorf("clamp notices = %d, want 1", notices)
	}

	// Later parent additions do not propagate.
	if err := m.Append(ctx, "parent", &models.Message{
		Role: models.RoleUser, Category: models.CategoryContext, Content: "later context",
	}); err != nil {
		t.Fatal(err)
	}
	for _, msg := range child.Session.Messages {
		if msg.Content == "later context" {
			t.Error("post-creation parent context leaked into child")
		}
	}
}

func TestManager_SharedSessionReferents(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	if _, err := m.CreateAgentConversation(ctx, "parent"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateSubAgent(ctx, "child", "parent", SubAgentOptions{ShareSession: true}); err != nil {
		t.Fatal(err)
	}

	parent, _ := m.AgentConversation("parent")
	child, _ := m.AgentConversation("child")
	if parent.Session != child.Session {
		t.Fatal("shared session must be the same instance")
	}
	if got := len(referentList(parent.Session)); got != 2 {
		t.Errorf("referents = %d, want 2", got)
	}

	// Child appends land in the shared transcript in order.
	if err := m.Append(ctx, "child", &models.Message{Role: models.RoleUser, Category: models.CategoryDialog, Content: "from child"}); err != nil {
		t.Fatal(err)
	}
	if len(parent.Session.Messages) != 1 {
		t.Errorf("shared transcript has %d messages, want 1", len(parent.Session.Messages))
	}

	if err := m.RemoveAgent(ctx, "child"); err != nil {
		t.Fatal(err)
	}
	if got := len(referentList(parent.Session)); got != 1 {
		t.Errorf("referents after removal = %d, want 1", got)
	}
}

func TestManager_CurrentAgentSwitching(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	if _, err := m.CreateAgentConversation(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.CreateAgentConversation(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if got := m.CurrentAgent(); got != "a" {
		t.Errorf("first created agent should be current, got %s", got)
	}
	if err := m.SetCurrentAgent("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Prepare(ctx, "hi b", ""); err != nil {
		t.Fatal(err)
	}
	b, _ := m.AgentConversation("b")
	if len(b.Session.Messages) != 1 {
		t.Error("prepare should target the current agent")
	}
	if err := m.SetCurrentAgent("nope"); err == nil {
		t.Error("switching to unknown agent should fail")
	}
}

func TestManager_TrimAppendsTruncationNotice(t *testing.T) {
	ctx := context.Background()
	var hooked []*models.Message
	m := newManager(t,
		WithMaxTokens(60),
		WithMessageHook(func(_ string, msg *models.Message) { hooked = append(hooked, msg) }),
	)
	conv, err := m.CreateAgentConversation(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}

	// Each 100-char DIALOG message estimates to 29 tokens; the third
	// append overflows the 60-token window and drops the oldest.
	var first *models.Message
	for i := 0; i < 3; i++ {
		msg := &models.Message{Role: models.RoleUser, Category: models.CategoryDialog, Content: strings.Repeat("a", 100)}
		if err := m.Append(ctx, "main", msg); err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = msg
		}
	}

	if !conv.Window.Dropped(first.ID) {
		t.Error("oldest dialog message should be trimmed")
	}

	var notices []*models.Message
	for _, msg := range conv.Session.Messages {
		if msg.MessageType == models.MessageTypeTruncation {
			notices = append(notices, msg)
		}
	}
	if len(notices) != 1 {
		t.Fatalf("truncation notices = %d, want 1", len(notices))
	}
	notice := notices[0]
	if notice.Category != models.CategoryStatus || notice.Role != models.RoleSystem {
		t.Errorf("notice role/category = %s/%s, want system/STATUS", notice.Role, notice.Category)
	}
	if dropped, _ := notice.Metadata["dropped_messages"].(int); dropped < 1 {
		t.Errorf("notice dropped_messages = %v, want >= 1", notice.Metadata["dropped_messages"])
	}

	// The message hook saw the notice, so subscribers get the event.
	seen := false
	for _, msg := range hooked {
		if msg.MessageType == models.MessageTypeTruncation {
			seen = true
		}
	}
	if !seen {
		t.Error("message hook never observed the truncation notice")
	}
}

func TestManager_FormatRepairsTranscript(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	if _, err := m.CreateAgentConversation(ctx, "main"); err != nil {
		t.Fatal(err)
	}

	if err := m.Append(ctx, "main", &models.Message{
		Role: models.RoleAssistant, Category: models.CategoryDialog,
		ToolCalls: []models.ToolCall{{ID: "c1", Name: "execute"}},
	}); err != nil {
		t.Fatal(err)
	}
	// Result for a call that never happened; c1 itself stays unanswered.
	if err := m.Append(ctx, "main", &models.Message{
		Role: models.RoleTool, Category: models.CategoryToolResult,
		ToolResults: []models.ToolResult{{ToolCallID: "ghost", Content: "??"}},
	}); err != nil {
		t.Fatal(err)
	}

	view, err := m.FormatAgent("main")
	if err != nil {
		t.Fatal(err)
	}

	sawSynthetic := false
	for _, msg := range view {
		for _, res := range msg.ToolResults {
			if res.ToolCallID == "ghost" {
				t.Error("dangling tool result survived formatting")
			}
			if res.ToolCallID == "c1" && res.IsError {
				sawSynthetic = true
			}
		}
	}
	if !sawSynthetic {
		t.Error("unanswered call c1 has no synthetic error result in the view")
	}
}

func TestManager_ReloadSessionAfterRollback(t *testing.T) {
	ctx := context.Background()
	store := sessions.NewMemoryStore()
	m := NewManager(store, nil)
	conv, err := m.CreateAgentConversation(ctx, "main")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := m.Append(ctx, "main", &models.Message{
			Role: models.RoleUser, Category: models.CategoryDialog, Content: strings.Repeat("x", 40),
		}); err != nil {
			t.Fatal(err)
		}
	}
	sessionID := conv.Session.ID

	// Rewind the persisted transcript behind the cached one.
	persisted, err := store.Load(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	persisted.Messages = persisted.Messages[:1]
	if err := store.Save(ctx, persisted); err != nil {
		t.Fatal(err)
	}

	if err := m.ReloadSession(ctx, sessionID); err != nil {
		t.Fatal(err)
	}
	if got := len(conv.Session.Messages); got != 1 {
		t.Errorf("cached transcript has %d messages after reload, want 1", got)
	}
	if used := conv.Window.TotalUsed(); used != conv.Window.EstimateMessage(conv.Session.Messages[0]) {
		t.Errorf("window usage = %d, want the single remaining message", used)
	}

	if err := m.ReloadSession(ctx, "no-such-session"); err == nil {
		t.Error("reloading an unknown session should fail")
	}
}

func TestRepairTranscript(t *testing.T) {
	session := &models.Session{ID: "s1"}
	session.Messages = []*models.Message{
		{ID: "m1", Role: models.RoleAssistant, Category: models.CategoryDialog,
			ToolCalls: []models.ToolCall{{ID: "call-1", Name: "execute"}}},
		// call-1 has no result; next assistant message arrives.
		{ID: "m2", Role: models.RoleAssistant, Category: models.CategoryDialog, Content: "moving on"},
		// dangling result for a call that never happened.
		{ID: "m3", Role: models.RoleTool, Category: models.CategoryToolResult,
			ToolResults: []models.ToolResult{{ToolCallID: "ghost", Content: "??"}}},
	}

	repairs := RepairTranscript(session)
	if repairs != 2 {
		t.Errorf("repairs = %d, want 2", repairs)
	}

	// Synthetic error result sits between the two assistant messages.
	if len(session.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(session.Messages))
	}
	synth := session.Messages[1]
	if synth.Category != models.CategoryToolResult || len(synth.ToolResults) != 1 {
		t.Fatalf("expected synthetic tool result, got %+v", synth)
	}
	if synth.ToolResults[0].ToolCallID != "call-1" || !synth.ToolResults[0].IsError {
		t.Errorf("synthetic result = %+v", synth.ToolResults[0])
	}
	for _, msg := range session.Messages {
		if msg.ID == "m3" {
			t.Error("dangling tool result should be dropped")
		}
	}
}

func TestRepairTranscript_CleanSessionUntouched(t *testing.T) {
	session := &models.Session{ID: "s1"}
	session.Messages = []*models.Message{
		{ID: "m1", Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c1", Name: "execute"}}},
		{ID: "m2", Role: models.RoleTool, Category: models.CategoryToolResult,
			ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "ok"}}},
		{ID: "m3", Role: models.RoleAssistant, Content: "done"},
	}
	if repairs := RepairTranscript(session); repairs != 0 {
		t.Errorf("repairs = %d, want 0", repairs)
	}
	if len(session.Messages) != 3 {
		t.Errorf("clean transcript length changed to %d", len(session.Messages))
	}
}
