package contextwin

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/penguin/pkg/models"
)

func newSession() *models.Session {
	return &models.Session{ID: "s1", AgentID: "a1", CreatedAt: time.Now()}
}

func appendMsg(t *testing.T, m *Manager, s *models.Session, cat models.Category, content string) *models.Message {
	t.Helper()
	msg := &models.Message{
		ID:        fmt.Sprintf("m%d", len(s.Messages)+1),
		Role:      models.RoleUser,
		Category:  cat,
		Content:   content,
		CreatedAt: time.Now(),
	}
	s.Messages = append(s.Messages, msg)
	m.OnAppend(s, msg)
	return msg
}

func TestCharCounter(t *testing.T) {
	c := CharCounter{}
	if got := c.Count(""); got != 0 {
		t.Errorf("Count(empty) = %d, want 0", got)
	}
	if got := c.Count("a"); got != 1 {
		t.Errorf("Count(single) = %d, want at least 1", got)
	}
	long := strings.Repeat("x", 400)
	if got := c.Count(long); got != 100 {
		t.Errorf("Count(400 chars) = %d, want 100", got)
	}
}

func TestManager_BudgetsReflectUsage(t *testing.T) {
	m := NewManager(1000)
	s := newSession()
	appendMsg(t, m, s, models.CategoryDialog, strings.Repeat("a", 80))

	budgets := m.Budgets()
	dialog := budgets[models.CategoryDialog]
	if dialog.Used == 0 {
		t.Error("dialog usage should be non-zero after append")
	}
	if dialog.Max != 550 {
		t.Errorf("dialog max = %d, want 550 (55%% of 1000)", dialog.Max)
	}
}

func TestManager_ReasoningTrimmedFirst(t *testing.T) {
	// Window of 50 tokens; fill with reasoning and dialog, then overflow.
	m := NewManager(50)
	s := newSession()

	reasoning := appendMsg(t, m, s, models.CategoryReasoning, strings.Repeat("r", 80))
	dialog := appendMsg(t, m, s, models.CategoryDialog, strings.Repeat("d", 80))
	appendMsg(t, m, s, models.CategoryDialog, strings.Repeat("e", 40))

	if !m.Dropped(reasoning.ID) {
		t.Error("reasoning message should be trimmed first")
	}
	if m.Dropped(dialog.ID) && !m.Dropped(reasoning.ID) {
		t.Error("dialog trimmed while reasoning kept")
	}
	if m.TotalUsed() > 50 {
		t.Errorf("TotalUsed = %d, want <= 50 after reconcile", m.TotalUsed())
	}
}

func TestManager_TrimOrder(t *testing.T) {
	m := NewManager(60)
	s := newSession()

	reasoning := appendMsg(t, m, s, models.CategoryReasoning, strings.Repeat("r", 60))
	toolRes := appendMsg(t, m, s, models.CategoryToolResult, strings.Repeat("t", 60))
	oldDialog := appendMsg(t, m, s, models.CategoryDialog, strings.Repeat("a", 60))
	appendMsg(t, m, s, models.CategoryDialog, strings.Repeat("b", 60))
	appendMsg(t, m, s, models.CategoryDialog, strings.Repeat("c", 60))
	appendMsg(t, m, s, models.CategoryDialog, strings.Repeat("d", 60))

	if !m.Dropped(reasoning.ID) {
		t.Error("REASONING should be dropped before anything else")
	}
	if !m.Dropped(toolRes.ID) {
		t.Error("TOOL_RESULT should be dropped before DIALOG")
	}
	if !m.Dropped(oldDialog.ID) {
		t.Error("oldest DIALOG should be dropped before newer DIALOG")
	}
	if m.TotalUsed() > 60 {
		t.Errorf("TotalUsed = %d, want <= 60", m.TotalUsed())
	}
}

func TestManager_RederivableToolResultsTrimFirst(t *testing.T) {
	m := NewManager(90)
	s := newSession()

	mutation := appendMsg(t, m, s, models.CategoryToolResult, strings.Repeat("w", 100))
	mutation.SetMeta("side_effects", "workspace")
	readable := appendMsg(t, m, s, models.CategoryToolResult, strings.Repeat("r", 100))
	readable.SetMeta("side_effects", "none")
	appendMsg(t, m, s, models.CategoryToolResult, strings.Repeat("x", 100))

	// Fourth result overflows; one of the older two must go. The
	// side-effect-free one is recreatable, so it goes first even though
	// the mutation record is older and the same size.
	appendMsg(t, m, s, models.CategoryToolResult, strings.Repeat("y", 100))

	if !m.Dropped(readable.ID) {
		t.Error("re-derivable tool result should be trimmed first")
	}
	if m.Dropped(mutation.ID) {
		t.Error("mutation record trimmed while a re-derivable result remained")
	}
	if m.TotalUsed() > 90 {
		t.Errorf("TotalUsed = %d, want <= 90", m.TotalUsed())
	}
}

func TestManager_TrimHookAndTrimRecords(t *testing.T) {
	var got []Trim
	m := NewManager(30, WithTrimHook(func(tr Trim) { got = append(got, tr) }))
	s := newSession()

	appendMsg(t, m, s, models.CategoryReasoning, strings.Repeat("r", 200))
	appendMsg(t, m, s, models.CategoryDialog, strings.Repeat("d", 40))

	if len(got) == 0 {
		t.Fatal("trim hook not invoked")
	}
	if got[0].Category != models.CategoryReasoning {
		t.Errorf("first trim category = %s, want REASONING", got[0].Category)
	}
	if got[0].DroppedTokens == 0 || got[0].DroppedMessages == 0 {
		t.Errorf("trim record empty: %+v", got[0])
	}
}

func TestManager_FormatViewSystemFirst(t *testing.T) {
	m := NewManager(10000)
	s := newSession()

	appendMsg(t, m, s, models.CategoryDialog, "hello")
	sys := &models.Message{ID: "sys", Role: models.RoleSystem, Category: models.CategorySystemPrompt, Content: "You are helpful."}
	s.Messages = append(s.Messages, sys)
	m.OnAppend(s, sys)
	appendMsg(t, m, s, models.CategoryDialog, "again")

	view, err := m.FormatView(s, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(view) != 3 {
		t.Fatalf("view has %d messages, want 3", len(view))
	}
	if view[0].Category != models.CategorySystemPrompt {
		t.Errorf("first view message category = %s, want SYSTEM_PROMPT", view[0].Category)
	}
}

func TestManager_FormatViewWithinBudget(t *testing.T) {
	m := NewManager(100)
	s := newSession()
	for i := 0; i < 30; i++ {
		appendMsg(t, m, s, models.CategoryDialog, strings.Repeat("x", 40))
	}

	view, err := m.FormatView(s, 0)
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, msg := range view {
		total += msg.TokensEstimate
	}
	if total > 100 {
		t.Errorf("view token sum = %d, want <= 100", total)
	}
}

func TestManager_PinnedContextSurvives(t *testing.T) {
	m := NewManager(60)
	s := newSession()

	pinned := &models.Message{ID: "pin", Role: models.RoleUser, Category: models.CategoryContext, Content: strings.Repeat("p", 80)}
	pinned.SetMeta("pinned", true)
	s.Messages = append(s.Messages, pinned)
	m.OnAppend(s, pinned)

	for i := 0; i < 10; i++ {
		appendMsg(t, m, s, models.CategoryDialog, strings.Repeat("d", 60))
	}

	if m.Dropped(pinned.ID) {
		t.Error("pinned context must never be trimmed")
	}
}

func TestManager_MinimumUnsatisfiable(t *testing.T) {
	m := NewManager(10)
	s := newSession()
	sys := &models.Message{ID: "sys", Role: models.RoleSystem, Category: models.CategorySystemPrompt, Content: strings.Repeat("s", 400)}
	s.Messages = append(s.Messages, sys)
	m.OnAppend(s, sys)

	if _, err := m.FormatView(s, 0); err != ErrMinimumUnsatisfiable {
		t.Errorf("FormatView error = %v, want ErrMinimumUnsatisfiable", err)
	}
}

func TestManager_ClampedViewNarrowsWithoutDropping(t *testing.T) {
	m := NewManager(10000)
	s := newSession()
	for i := 0; i < 20; i++ {
		appendMsg(t, m, s, models.CategoryDialog, strings.Repeat("x", 100))
	}

	clamped, err := m.FormatView(s, 60)
	if err != nil {
		t.Fatal(err)
	}
	full, err := m.FormatView(s, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(clamped) >= len(full) {
		t.Errorf("clamped view (%d) should be smaller than full view (%d)", len(clamped), len(full))
	}
	// Clamping is visibility only: nothing recorded as dropped.
	for _, msg := range s.Messages {
		if m.Dropped(msg.ID) {
			t.Errorf("clamped view dropped message %s from manager state", msg.ID)
		}
	}
}

func TestManager_AuthoritativeCountRetroactive(t *testing.T) {
	m := NewManager(1000)
	s := newSession()
	msg := appendMsg(t, m, s, models.CategoryDialog, "short")
	before := m.TotalUsed()
	origEst := msg.TokensEstimate

	m.SetAuthoritativeCount(s, msg, 500)
	if got, want := m.TotalUsed(), before-origEst+500; got != want {
		t.Errorf("TotalUsed after authoritative count = %d, want %d", got, want)
	}
	if msg.TokensEstimate != 500 {
		t.Errorf("TokensEstimate = %d, want 500", msg.TokensEstimate)
	}
}
