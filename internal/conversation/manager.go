// Package conversation owns per-agent conversational state: the session
// transcript, its context window, and checkpoint scheduling. It is the
// single facade the engine and coordinator go through to mutate a
// transcript.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/penguin/internal/contextwin"
	"github.com/haasonsaas/penguin/internal/sessions"
	"github.com/haasonsaas/penguin/pkg/models"
)

// Errors returned by the manager.
var (
	ErrAgentNotFound = errors.New("agent conversation not found")
	ErrAgentExists   = errors.New("agent conversation already exists")
	ErrNoCurrent     = errors.New("no current agent selected")
)

// MessageHook observes every message the manager appends, in session
// order. Used for message event emission.
type MessageHook func(agentID string, msg *models.Message)

// AgentConversation bundles one agent's session, context window, and
// clamp state.
type AgentConversation struct {
	AgentID string
	Session *models.Session
	Window  *contextwin.Manager

	// clampTokens narrows this agent's visible window below the window's
	// max. Zero means no clamp. Visibility only; nothing is dropped.
	clampTokens int
}

// Manager owns all agent conversations. All transcript mutations go
// through it so session, window, and checkpoint state stay consistent.
type Manager struct {
	store       sessions.Store
	checkpoints *sessions.CheckpointManager
	logger      *slog.Logger
	maxTokens   int
	windowOpts  []contextwin.Option
	onMessage   MessageHook

	mu      sync.RWMutex
	agents  map[string]*AgentConversation
	records map[string]*models.AgentRecord
	current string
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithCheckpoints attaches a checkpoint manager notified on every append.
func WithCheckpoints(cm *sessions.CheckpointManager) ManagerOption {
	return func(m *Manager) { m.checkpoints = cm }
}

// WithMaxTokens sets the default context window size for new agents.
func WithMaxTokens(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxTokens = n
		}
	}
}

// WithWindowOptions forwards options to every created context window.
func WithWindowOptions(opts ...contextwin.Option) ManagerOption {
	return func(m *Manager) { m.windowOpts = opts }
}

// WithMessageHook installs the append observer.
func WithMessageHook(hook MessageHook) ManagerOption {
	return func(m *Manager) { m.onMessage = hook }
}

// NewManager creates a conversation manager backed by the given store.
func NewManager(store sessions.Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:     store,
		logger:    logger,
		maxTokens: contextwin.DefaultMaxTokens,
		agents:    make(map[string]*AgentConversation),
		records:   make(map[string]*models.AgentRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateAgentConversation creates an agent with a fresh session and
// window and records it in the registry.
func (m *Manager) CreateAgentConversation(ctx context.Context, agentID string) (*AgentConversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[agentID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, agentID)
	}
	session := &models.Session{
		ID:      uuid.NewString(),
		AgentID: agentID,
		Metadata: map[string]any{
			sessions.MetaReferents: []string{agentID},
		},
	}
	if err := m.store.Create(ctx, session); err != nil {
		return nil, err
	}
	conv := &AgentConversation{
		AgentID: agentID,
		Session: session,
		Window:  contextwin.NewManager(m.maxTokens, m.windowOpts...),
	}
	m.agents[agentID] = conv
	if _, ok := m.records[agentID]; !ok {
		m.records[agentID] = &models.AgentRecord{ID: agentID, CreatedAt: time.Now().UTC()}
	}
	if m.current == "" {
		m.current = agentID
	}
	m.logger.Info("agent conversation created", "agent_id", agentID, "session_id", session.ID)
	return conv, nil
}

// SetCurrentAgent switches the default agent for Prepare and
// FormatForGateway.
func (m *Manager) SetCurrentAgent(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	m.current = agentID
	return nil
}

// CurrentAgent returns the current agent ID, empty when none selected.
func (m *Manager) CurrentAgent() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// AgentConversation returns the conversation for an agent.
func (m *Manager) AgentConversation(agentID string) (*AgentConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return conv, nil
}

// Record returns the agent's registry record.
func (m *Manager) Record(agentID string) (*models.AgentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return rec, nil
}

// Records returns all agent records.
func (m *Manager) Records() []*models.AgentRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.AgentRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	return out
}

// Prepare appends a user message in the DIALOG category to the current
// agent's session. An image reference becomes a parts-typed content list.
func (m *Manager) Prepare(ctx context.Context, userInput, imageRef string) (*models.Message, error) {
	conv, err := m.currentConv()
	if err != nil {
		return nil, err
	}
	msg := &models.Message{
		Role:     models.RoleUser,
		Category: models.CategoryDialog,
		Content:  userInput,
	}
	if imageRef != "" {
		msg.Parts = []models.ContentPart{
			{Type: models.PartText, Text: userInput},
			{Type: models.PartImageRef, ImageRef: imageRef},
		}
	}
	if err := m.Append(ctx, conv.AgentID, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// AttachContextFile reads a file and appends it as pinned CONTEXT to the
// current agent's session. Pinned context is never trimmed.
func (m *Manager) AttachContextFile(ctx context.Context, path string) (*models.Message, error) {
	conv, err := m.currentConv()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("attach context file: %w", err)
	}
	msg := &models.Message{
		Role:     models.RoleUser,
		Category: models.CategoryContext,
		Content:  fmt.Sprintf("Context file %s:\n%s", filepath.Base(path), data),
		Metadata: map[string]any{"pinned": true, "path": path},
	}
	if err := m.Append(ctx, conv.AgentID, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Append records a message on an agent's session: in-memory transcript,
// persistent store, context window accounting, and checkpoint
// scheduling, in that order.
func (m *Manager) Append(ctx context.Context, agentID string, msg *models.Message) error {
	m.mu.Lock()
	conv, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.AgentID == "" {
		msg.AgentID = agentID
	}
	msg.SessionID = conv.Session.ID
	conv.Session.Messages = append(conv.Session.Messages, msg)
	conv.Session.UpdatedAt = msg.CreatedAt
	window := conv.Window
	sessionID := conv.Session.ID
	session := conv.Session
	m.mu.Unlock()

	trims := window.OnAppend(session, msg)
	if err := m.store.AppendMessage(ctx, sessionID, msg); err != nil {
		// The in-memory transcript is authoritative; persistence retries
		// already happened inside the store.
		m.logger.Error("message persistence failed", "session_id", sessionID, "error", err)
	}
	if m.checkpoints != nil {
		m.checkpoints.NotifyAppend(sessionID)
	}
	if m.onMessage != nil {
		m.onMessage(agentID, msg)
	}
	if msg.MessageType != models.MessageTypeTruncation {
		m.recordTrims(ctx, agentID, trims)
	}
	return nil
}

// recordTrims appends one truncation notice per trim so the transcript
// records what the window dropped, and the message hook turns each
// notice into an event. Notices never produce further notices, so a
// tightly clamped window cannot recurse.
func (m *Manager) recordTrims(ctx context.Context, agentID string, trims []contextwin.Trim) {
	for _, trim := range trims {
		notice := &models.Message{
			Role:        models.RoleSystem,
			Category:    models.CategoryStatus,
			MessageType: models.MessageTypeTruncation,
			Content: fmt.Sprintf("Context window trimmed %d %s message(s), %d tokens",
				trim.DroppedMessages, trim.Category, trim.DroppedTokens),
			Metadata: map[string]any{
				"category":         string(trim.Category),
				"dropped_tokens":   trim.DroppedTokens,
				"dropped_messages": trim.DroppedMessages,
			},
		}
		if err := m.Append(ctx, agentID, notice); err != nil {
			m.logger.Error("truncation notice append failed", "agent_id", agentID, "error", err)
		}
	}
}

// FormatForGateway returns the current agent's formatted, trimmed
// message view.
func (m *Manager) FormatForGateway() ([]*models.Message, error) {
	conv, err := m.currentConv()
	if err != nil {
		return nil, err
	}
	return m.FormatAgent(conv.AgentID)
}

// FormatAgent returns one agent's formatted view, honoring its clamp.
// Tool-call pairing defects left by crashes are repaired first so the
// view always satisfies provider pairing rules.
func (m *Manager) FormatAgent(agentID string) ([]*models.Message, error) {
	m.mu.RLock()
	conv, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if repairs := RepairTranscript(conv.Session); repairs > 0 {
		m.logger.Warn("transcript repaired before formatting", "agent_id", agentID, "repairs", repairs)
		conv.Window.Reconcile(conv.Session)
	}
	return conv.Window.FormatView(conv.Session, conv.clampTokens)
}

// ReloadSession replaces the cached transcript for a session with the
// store's current state and re-derives window accounting. Called after a
// checkpoint rollback so live agents stop serving the stale transcript.
func (m *Manager) ReloadSession(ctx context.Context, sessionID string) error {
	loaded, err := m.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	var convs []*AgentConversation
	for _, conv := range m.agents {
		if conv.Session.ID == sessionID {
			convs = append(convs, conv)
		}
	}
	m.mu.Unlock()
	if len(convs) == 0 {
		return nil
	}

	// Sharing agents alias the same session instance; mutate it in place
	// so every referent observes the reload.
	session := convs[0].Session
	session.Messages = loaded.Messages
	session.UpdatedAt = loaded.UpdatedAt

	seen := make(map[*contextwin.Manager]struct{}, len(convs))
	for _, conv := range convs {
		if _, done := seen[conv.Window]; done {
			continue
		}
		seen[conv.Window] = struct{}{}
		conv.Window.Reconcile(session)
	}
	m.logger.Info("session reloaded", "session_id", sessionID, "messages", len(loaded.Messages))
	return nil
}

// SubAgentOptions configure a child agent's relationship to its parent.
type SubAgentOptions struct {
	// ShareSession makes the child write into the parent's session.
	ShareSession bool

	// ShareContextWindow makes the child use the parent's window
	// instance. SharedCWMaxTokens then clamps child visibility only.
	ShareContextWindow bool

	// SharedCWMaxTokens bounds the child's window. With an unshared
	// window the child's max becomes min(parent max, this).
	SharedCWMaxTokens int

	// Persona seeds the child's system prompt.
	Persona string

	// Role tags the child for role-based routing.
	Role string
}

// CreateSubAgent establishes a parent/child relationship with the
// requested sharing semantics. When the child's window is clamped below
// the parent's, a clamp notice is appended to the parent session.
func (m *Manager) CreateSubAgent(ctx context.Context, childID, parentID string, opts SubAgentOptions) (*models.AgentRecord, error) {
	m.mu.Lock()
	parent, ok := m.agents[parentID]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, parentID)
	}
	if _, exists := m.agents[childID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentExists, childID)
	}

	child := &AgentConversation{AgentID: childID}
	clamped := false

	if opts.ShareSession {
		child.Session = parent.Session
		addReferent(parent.Session, childID)
	} else {
		child.Session = &models.Session{
			ID:      uuid.NewString(),
			AgentID: childID,
			Metadata: map[string]any{
				sessions.MetaReferents: []string{childID},
			},
		}
		// Parent CONTEXT is cloned once at creation; later parent
		// changes do not propagate.
		for _, msg := range parent.Session.Messages {
			if msg.Category != models.CategoryContext {
				continue
			}
			clone := msg.Clone()
			clone.ID = uuid.NewString()
			clone.SessionID = child.Session.ID
			clone.AgentID = childID
			child.Session.Messages = append(child.Session.Messages, clone)
		}
	}

	if opts.ShareContextWindow {
		child.Window = parent.Window
		if opts.SharedCWMaxTokens > 0 && opts.SharedCWMaxTokens < parent.Window.MaxTokens() {
			child.clampTokens = opts.SharedCWMaxTokens
			clamped = true
		}
	} else {
		max := parent.Window.MaxTokens()
		if opts.SharedCWMaxTokens > 0 && opts.SharedCWMaxTokens < max {
			max = opts.SharedCWMaxTokens
			clamped = true
		}
		child.Window = contextwin.NewManager(max, m.windowOpts...)
		for _, msg := range child.Session.Messages {
			child.Window.OnAppend(child.Session, msg)
		}
	}

	record := &models.AgentRecord{
		ID:                 childID,
		Role:               opts.Role,
		ParentID:           parentID,
		Persona:            opts.Persona,
		ShareSession:       opts.ShareSession,
		ShareContextWindow: opts.ShareContextWindow,
		SharedCWMaxTokens:  opts.SharedCWMaxTokens,
		CreatedAt:          time.Now().UTC(),
	}
	m.agents[childID] = child
	m.records[childID] = record
	if parentRec, ok := m.records[parentID]; ok {
		parentRec.Children = append(parentRec.Children, childID)
	}
	m.mu.Unlock()

	if !opts.ShareSession {
		if err := m.store.Create(ctx, child.Session); err != nil {
			return nil, err
		}
	} else if err := m.store.Save(ctx, parent.Session); err != nil {
		m.logger.Error("shared session referent update failed", "session_id", parent.Session.ID, "error", err)
	}

	if opts.Persona != "" && !opts.ShareSession {
		persona := &models.Message{
			Role:     models.RoleSystem,
			Category: models.CategorySystemPrompt,
			Content:  opts.Persona,
		}
		if err := m.Append(ctx, childID, persona); err != nil {
			return nil, err
		}
	}

	if clamped {
		notice := &models.Message{
			Role:        models.RoleSystem,
			Category:    models.CategoryStatus,
			MessageType: models.MessageTypeCWClampNotice,
			Content:     fmt.Sprintf("Sub-agent %s context window clamped to %d tokens", childID, opts.SharedCWMaxTokens),
			Metadata:    map[string]any{"child_id": childID, "max_tokens": opts.SharedCWMaxTokens},
		}
		if err := m.Append(ctx, parentID, notice); err != nil {
			return nil, err
		}
	}

	m.logger.Info("sub-agent created",
		"child_id", childID,
		"parent_id", parentID,
		"share_session", opts.ShareSession,
		"share_context_window", opts.ShareContextWindow,
	)
	return record, nil
}

// RemoveAgent drops the agent from the registry. Its session persists;
// shared sessions lose one referent.
func (m *Manager) RemoveAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	conv, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(m.agents, agentID)
	rec := m.records[agentID]
	delete(m.records, agentID)
	if rec != nil && rec.ParentID != "" {
		if parentRec, ok := m.records[rec.ParentID]; ok {
			parentRec.Children = removeString(parentRec.Children, agentID)
		}
	}
	if m.current == agentID {
		m.current = ""
	}
	removeReferent(conv.Session, agentID)
	session := conv.Session
	m.mu.Unlock()

	if err := m.store.Save(ctx, session); err != nil {
		m.logger.Error("session save failed on agent removal", "session_id", session.ID, "error", err)
	}
	return nil
}

func (m *Manager) currentConv() (*AgentConversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return nil, ErrNoCurrent
	}
	conv, ok := m.agents[m.current]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, m.current)
	}
	return conv, nil
}

func addReferent(session *models.Session, agentID string) {
	if session.Metadata == nil {
		session.Metadata = map[string]any{}
	}
	refs := referentList(session)
	for _, r := range refs {
		if r == agentID {
			return
		}
	}
	session.Metadata[sessions.MetaReferents] = append(refs, agentID)
}

func removeReferent(session *models.Session, agentID string) {
	if session.Metadata == nil {
		return
	}
	session.Metadata[sessions.MetaReferents] = removeString(referentList(session), agentID)
}

func referentList(session *models.Session) []string {
	switch v := session.Metadata[sessions.MetaReferents].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
