package models

import "time"

// RuntimeEvent is the unified event model consumed by UIs and hooks.
//
// Design principles:
//   - Versioned and forward-compatible (add fields, don't rename/remove)
//   - Single Type discriminator with optional payload pointers
//   - Monotonic Sequence for ordering guarantees across goroutines
type RuntimeEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type RuntimeEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within an emitter for ordering guarantees.
	Sequence uint64 `json:"seq"`

	// AgentID identifies the agent the event concerns, when applicable.
	AgentID string `json:"agent_id,omitempty"`

	// CorrelationID ties related events together (a tool call and its
	// error, a bus envelope and its dead-letter).
	CorrelationID string `json:"correlation_id,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Message    *MessageEventPayload    `json:"message,omitempty"`
	Stream     *StreamChunkPayload     `json:"stream,omitempty"`
	Tokens     *TokenUpdatePayload     `json:"tokens,omitempty"`
	Status     *StatusEventPayload     `json:"status,omitempty"`
	Error      *ErrorEventPayload      `json:"error,omitempty"`
	Tool       *ToolInvocationPayload  `json:"tool,omitempty"`
	Checkpoint *CheckpointEventPayload `json:"checkpoint,omitempty"`
	Human      *HumanMessagePayload    `json:"human,omitempty"`
}

// RuntimeEventType identifies the kind of runtime event.
type RuntimeEventType string

const (
	EventMessage        RuntimeEventType = "message"
	EventStreamChunk    RuntimeEventType = "stream_chunk"
	EventTokenUpdate    RuntimeEventType = "token_update"
	EventStatus         RuntimeEventType = "status"
	EventError          RuntimeEventType = "error"
	EventToolInvocation RuntimeEventType = "tool_invocation"
	EventCheckpoint     RuntimeEventType = "checkpoint"
	EventHumanMessage   RuntimeEventType = "human_message"
)

// StreamChannel classifies stream content.
type StreamChannel string

const (
	ChannelAssistant StreamChannel = "assistant"
	ChannelReasoning StreamChannel = "reasoning"
)

// MessageEventPayload announces a message appended to a session.
type MessageEventPayload struct {
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Category  Category       `json:"category,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// StreamChunkPayload is an incremental model output delta.
type StreamChunkPayload struct {
	Chunk   string        `json:"chunk"`
	Channel StreamChannel `json:"channel"`
	IsFinal bool          `json:"is_final"`
}

// TokenUpdatePayload reports context-window occupancy.
type TokenUpdatePayload struct {
	Used        int            `json:"used"`
	Max         int            `json:"max"`
	PerCategory map[string]int `json:"per_category,omitempty"`
}

// RunPhase labels engine lifecycle phases carried by status events.
type RunPhase string

const (
	PhaseRunning   RunPhase = "running"
	PhaseCompleted RunPhase = "completed"
	PhaseCancelled RunPhase = "cancelled"
	PhaseFailed    RunPhase = "failed"
	PhaseIterating RunPhase = "iterating"
)

// StatusEventPayload reports an engine phase transition.
type StatusEventPayload struct {
	Phase  RunPhase `json:"phase"`
	Detail string   `json:"detail,omitempty"`
}

// ErrorEventPayload standardizes errors for streaming and hooks.
type ErrorEventPayload struct {
	// Kind is the error classification (gateway, tool, routing,
	// persistence, context_overflow, cancelled, config).
	Kind string `json:"kind"`

	// Message is the error description (required).
	Message string `json:"message"`

	// Retriable indicates if the operation can be retried.
	Retriable bool `json:"retriable,omitempty"`

	// Err is the original error (runtime only, not serialized).
	// Preserved for errors.Is/errors.As.
	Err error `json:"-"`
}

// ToolInvocationPayload summarizes one tool dispatch.
type ToolInvocationPayload struct {
	Name         string        `json:"name"`
	InputSummary string        `json:"input_summary,omitempty"`
	OK           bool          `json:"ok"`
	Duration     time.Duration `json:"duration_ms"`
	TimedOut     bool          `json:"timed_out,omitempty"`
	SideEffects  string        `json:"side_effects,omitempty"`
}

// CheckpointEventPayload announces a checkpoint lifecycle event.
type CheckpointEventPayload struct {
	CheckpointID string         `json:"checkpoint_id"`
	SessionID    string         `json:"session_id"`
	Kind         CheckpointKind `json:"kind"`

	// Action is the lifecycle transition ("created", "rollback").
	Action string `json:"action,omitempty"`
}

// HumanMessagePayload carries agent-to-human output.
type HumanMessagePayload struct {
	Text string `json:"text"`
	Type string `json:"type,omitempty"`
}
