package models

import "time"

// CheckpointKind identifies how a checkpoint was produced.
type CheckpointKind string

const (
	CheckpointAuto   CheckpointKind = "auto"
	CheckpointManual CheckpointKind = "manual"
	CheckpointBranch CheckpointKind = "branch"
)

// Checkpoint is an immutable snapshot of a session at a point in time.
// Parent links form a DAG rooted at a session's initial checkpoints.
type Checkpoint struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"session_id"`
	ParentCheckpointID string         `json:"parent_checkpoint_id,omitempty"`
	Kind               CheckpointKind `json:"kind"`
	Name               string         `json:"name,omitempty"`
	Description        string         `json:"description,omitempty"`

	// MessageCount is the session head position the snapshot captured.
	MessageCount int `json:"message_count"`

	// SnapshotRef is the opaque location of the snapshot payload,
	// interpreted by the checkpoint store that issued it.
	SnapshotRef string `json:"snapshot_ref"`

	CreatedAt time.Time `json:"created_at"`
}

// AgentRecord describes a conversational actor in the agent forest.
type AgentRecord struct {
	ID       string   `json:"id"`
	Role     string   `json:"role,omitempty"`
	ParentID string   `json:"parent_id,omitempty"`
	Children []string `json:"children,omitempty"`
	Paused   bool     `json:"paused"`
	Persona  string   `json:"persona,omitempty"`

	// ShareSession makes the child write into its parent's session.
	ShareSession bool `json:"share_session"`

	// ShareContextWindow makes the child use the parent's context window
	// instance, clamped by SharedCWMaxTokens.
	ShareContextWindow bool `json:"share_context_window"`

	// SharedCWMaxTokens clamps the child's context window visibility.
	// Zero means no clamp.
	SharedCWMaxTokens int `json:"shared_cw_max_tokens,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a deep copy of the agent record.
func (a *AgentRecord) Clone() *AgentRecord {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Children != nil {
		clone.Children = make([]string, len(a.Children))
		copy(clone.Children, a.Children)
	}
	return &clone
}
