// Package models provides domain types for the Penguin runtime core.
package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Category classifies a message for context-window budgeting.
type Category string

const (
	// CategorySystemPrompt is the agent's system prompt. At most one per
	// session, always formatted first.
	CategorySystemPrompt Category = "SYSTEM_PROMPT"

	// CategoryContext holds pinned context such as attached files.
	CategoryContext Category = "CONTEXT"

	// CategoryDialog is the user/assistant conversation body.
	CategoryDialog Category = "DIALOG"

	// CategoryToolResult holds tool execution output.
	CategoryToolResult Category = "TOOL_RESULT"

	// CategoryStatus holds runtime status notices (clamp notices, errors).
	CategoryStatus Category = "STATUS"

	// CategoryReasoning holds model reasoning tokens; trimmed first on
	// overflow and never mixed into DIALOG.
	CategoryReasoning Category = "REASONING"
)

// Well-known MessageType values.
const (
	MessageTypeDelegation    = "delegation"
	MessageTypeHumanReply    = "human_reply"
	MessageTypeCWClampNotice = "cw_clamp_notice"
	MessageTypeTruncation    = "cw_truncation"
)

// PartType discriminates structured content parts.
type PartType string

const (
	PartText       PartType = "text"
	PartImageRef   PartType = "image_ref"
	PartToolResult PartType = "tool_result"
)

// ContentPart is one element of a structured message body.
// Exactly one payload field is set for a given Type.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text is set when Type is PartText.
	Text string `json:"text,omitempty"`

	// ImageRef is an opaque image reference resolved by the gateway.
	ImageRef string `json:"image_ref,omitempty"`

	// ToolResult is set when Type is PartToolResult.
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Message is a single entry in a session transcript.
//
// Messages are append-only: producers create them, and the only permitted
// mutation afterwards is attaching post-hoc fields such as authoritative
// token counts.
type Message struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id,omitempty"`
	Role      Role     `json:"role"`
	Category  Category `json:"category"`

	// Content is the plain-text body. When Parts is non-empty, Content
	// holds the concatenated text parts for display and token estimation.
	Content string `json:"content"`

	// Parts holds structured content (text, image refs, tool results).
	Parts []ContentPart `json:"parts,omitempty"`

	// AgentID identifies the producing agent.
	AgentID string `json:"agent_id,omitempty"`

	// RecipientID identifies the target agent for routed messages.
	RecipientID string `json:"recipient_id,omitempty"`

	// MessageType labels special messages (delegation, human_reply,
	// cw_clamp_notice).
	MessageType string `json:"message_type,omitempty"`

	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// Metadata carries arbitrary provenance (channel, paused, partial).
	Metadata map[string]any `json:"metadata,omitempty"`

	// TokensEstimate is the estimated token cost; updated retroactively
	// when the gateway reports authoritative usage.
	TokensEstimate int `json:"tokens_estimate,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the message. Stores and the bus hand out
// clones so readers never alias writer-owned state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Parts != nil {
		clone.Parts = make([]ContentPart, len(m.Parts))
		copy(clone.Parts, m.Parts)
	}
	if m.ToolCalls != nil {
		clone.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(clone.ToolCalls, m.ToolCalls)
	}
	if m.ToolResults != nil {
		clone.ToolResults = make([]ToolResult, len(m.ToolResults))
		copy(clone.ToolResults, m.ToolResults)
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// SetMeta attaches a metadata key, allocating the map on first use.
func (m *Message) SetMeta(key string, value any) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any, 1)
	}
	m.Metadata[key] = value
}

// MetaBool reads a boolean metadata key, defaulting to false.
func (m *Message) MetaBool(key string) bool {
	if m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata[key].(bool)
	return ok && v
}

// ToolCall represents a model request to execute a tool, either from a
// provider tool-call block or parsed from an action tag.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`

	// ReturnCode is the process exit status for shell-like tools.
	ReturnCode int `json:"return_code,omitempty"`
}

// Session is an ordered, persisted sequence of messages for one
// conversation thread.
type Session struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Messages  []*Message     `json:"messages"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of the session and its messages.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Metadata != nil {
		clone.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	clone.Messages = make([]*Message, len(s.Messages))
	for i, m := range s.Messages {
		clone.Messages[i] = m.Clone()
	}
	return &clone
}

// SystemPrompt returns the session's SYSTEM_PROMPT message, if present.
func (s *Session) SystemPrompt() *Message {
	for _, m := range s.Messages {
		if m.Category == CategorySystemPrompt {
			return m
		}
	}
	return nil
}

// SessionSummary is the listing projection of a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	MessageCount int       `json:"message_count"`
}
