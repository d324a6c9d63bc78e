package models

import "time"

// Usage is the token accounting a gateway reports for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Add accumulates another usage record.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// ResourceSnapshot summarizes one engine turn for lifecycle hooks.
type ResourceSnapshot struct {
	TokensPrompt     int           `json:"tokens_prompt"`
	TokensCompletion int           `json:"tokens_completion"`
	WallClock        time.Duration `json:"wall_clock"`
}

// RunStats is an aggregated summary of an engine run, derived from the
// event stream for observability.
type RunStats struct {
	RunID string `json:"run_id,omitempty"`

	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	WallTime   time.Duration `json:"wall_time,omitempty"`

	Iterations int `json:"iterations,omitempty"`

	ToolCalls    int           `json:"tool_calls,omitempty"`
	ToolWallTime time.Duration `json:"tool_wall_time,omitempty"`
	ToolTimeouts int           `json:"tool_timeouts,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	Trims         int  `json:"trims,omitempty"`
	DroppedTokens int  `json:"dropped_tokens,omitempty"`
	Cancelled     bool `json:"cancelled,omitempty"`
	Errors        int  `json:"errors,omitempty"`
}
