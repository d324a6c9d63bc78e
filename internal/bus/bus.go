// Package bus routes messages between agents and humans: directed
// delivery, role-based round-robin fan-out, role-chain workflows, and
// sub-agent lifecycle. Routing never raises; failures surface as
// dead-letter error events.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/penguin/internal/conversation"
	"github.com/haasonsaas/penguin/internal/events"
	"github.com/haasonsaas/penguin/pkg/models"
)

// ToHuman is the reserved recipient for agent-to-human output.
const ToHuman = "human"

// Envelope is one routed message. Exactly one of ToAgent, ToRole, or
// the ToHuman recipient applies.
type Envelope struct {
	FromAgent     string         `json:"from_agent"`
	ToAgent       string         `json:"to_agent,omitempty"`
	ToRole        string         `json:"to_role,omitempty"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// TurnRunner executes one turn for an agent and returns the assistant
// output. Injected so role chains can drive the engine without the
// coordinator depending on it.
type TurnRunner func(ctx context.Context, agentID, prompt string) (string, error)

// SpawnOptions configure a new agent.
type SpawnOptions struct {
	Role               string
	Persona            string
	ShareSession       bool
	ShareContextWindow bool
	SharedCWMaxTokens  int
	InitialPrompt      string
}

// Coordinator owns agent routing state on top of the conversation
// manager. All mutations of routing state happen under its lock.
type Coordinator struct {
	conv    *conversation.Manager
	emitter *events.Emitter
	logger  *slog.Logger
	runner  TurnRunner

	mu      sync.Mutex
	cursors map[string]int
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithTurnRunner installs the engine-backed turn executor used by role
// chains.
func WithTurnRunner(runner TurnRunner) CoordinatorOption {
	return func(c *Coordinator) { c.runner = runner }
}

// NewCoordinator creates a coordinator.
func NewCoordinator(conv *conversation.Manager, emitter *events.Emitter, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		conv:    conv,
		emitter: emitter,
		logger:  logger,
		cursors: make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send routes one envelope. It never returns an error; unroutable
// envelopes become dead-letter error events.
func (c *Coordinator) Send(ctx context.Context, env Envelope) {
	switch {
	case env.ToAgent == ToHuman:
		c.SendToHuman(env.FromAgent, env.Content, metaString(env.Metadata, "type"))
	case env.ToAgent != "":
		c.deliverDirected(ctx, env)
	case env.ToRole != "":
		c.deliverToRole(ctx, env)
	default:
		c.deadLetter(env, "envelope has no recipient")
	}
}

// deliverDirected appends the envelope to the target agent's session.
// Paused recipients still get the message recorded, tagged paused, so
// nothing is lost while they are suspended.
func (c *Coordinator) deliverDirected(ctx context.Context, env Envelope) {
	record, err := c.conv.Record(env.ToAgent)
	if err != nil {
		c.deadLetter(env, fmt.Sprintf("unknown recipient %s", env.ToAgent))
		return
	}
	c.deliver(ctx, env.ToAgent, env, record.Paused)
}

func (c *Coordinator) deliverToRole(ctx context.Context, env Envelope) {
	target, ok := c.nextForRole(env.ToRole)
	if !ok {
		c.deadLetter(env, fmt.Sprintf("no active agent with role %s", env.ToRole))
		return
	}
	c.deliver(ctx, target, env, false)
}

func (c *Coordinator) deliver(ctx context.Context, agentID string, env Envelope, paused bool) {
	meta := map[string]any{
		"from_agent": env.FromAgent,
	}
	for k, v := range env.Metadata {
		meta[k] = v
	}
	if env.CorrelationID != "" {
		meta["correlation_id"] = env.CorrelationID
	}
	if paused {
		meta["paused"] = true
	}

	msg := &models.Message{
		Role:        models.RoleUser,
		Category:    models.CategoryDialog,
		RecipientID: agentID,
		MessageType: metaString(env.Metadata, "type"),
		Content:     env.Content,
		Metadata:    meta,
	}
	if err := c.conv.Append(ctx, agentID, msg); err != nil {
		c.deadLetter(env, err.Error())
		return
	}
	c.recordProvenance(agentID, env)
	c.logger.Debug("envelope delivered",
		"from", env.FromAgent,
		"to", agentID,
		"channel", metaString(env.Metadata, "channel"),
		"paused", paused,
	)
}

// recordProvenance stamps channel and sender onto the recipient's
// session metadata.
func (c *Coordinator) recordProvenance(agentID string, env Envelope) {
	conv, err := c.conv.AgentConversation(agentID)
	if err != nil {
		return
	}
	if conv.Session.Metadata == nil {
		conv.Session.Metadata = make(map[string]any)
	}
	conv.Session.Metadata["last_sender"] = env.FromAgent
	if channel := metaString(env.Metadata, "channel"); channel != "" {
		conv.Session.Metadata["channel"] = channel
	}
}

// nextForRole picks the next active agent with the role, round-robin.
// Paused agents are skipped.
func (c *Coordinator) nextForRole(role string) (string, bool) {
	candidates := c.activeWithRole(role)
	if len(candidates) == 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.cursors[role] % len(candidates)
	c.cursors[role]++
	return candidates[idx], true
}

func (c *Coordinator) activeWithRole(role string) []string {
	var out []string
	for _, rec := range c.conv.Records() {
		if rec.Role == role && !rec.Paused {
			out = append(out, rec.ID)
		}
	}
	sort.Strings(out)
	return out
}

// RunRoleChain delivers input to the first role's agent, runs a turn,
// and feeds each agent's output to the next role in order. The final
// output is returned. Requires a turn runner.
func (c *Coordinator) RunRoleChain(ctx context.Context, roles []string, input string) (string, error) {
	if c.runner == nil {
		return "", fmt.Errorf("role chain requires a turn runner")
	}
	correlationID := uuid.NewString()
	current := input
	for _, role := range roles {
		target, ok := c.nextForRole(role)
		if !ok {
			c.deadLetter(Envelope{ToRole: role, Content: current, CorrelationID: correlationID},
				fmt.Sprintf("no active agent with role %s", role))
			return "", fmt.Errorf("role chain broken at role %s", role)
		}
		out, err := c.runner(ctx, target, current)
		if err != nil {
			return "", fmt.Errorf("role chain turn for %s: %w", target, err)
		}
		current = out
	}
	return current, nil
}

// SendToHuman emits a human_message event.
func (c *Coordinator) SendToHuman(fromAgent, text, messageType string) {
	c.emitter.HumanMessage(fromAgent, &models.HumanMessagePayload{
		Text: text,
		Type: messageType,
	})
}

// HumanReply posts a user-role reply into the target agent's session.
func (c *Coordinator) HumanReply(ctx context.Context, agentID, text string) {
	msg := &models.Message{
		Role:        models.RoleUser,
		Category:    models.CategoryDialog,
		MessageType: models.MessageTypeHumanReply,
		Content:     text,
	}
	if err := c.conv.Append(ctx, agentID, msg); err != nil {
		c.deadLetter(Envelope{FromAgent: ToHuman, ToAgent: agentID, Content: text}, err.Error())
	}
}

// Spawn creates an agent, as a root conversation or as a sub-agent of
// parent, and optionally seeds an initial delegated prompt.
func (c *Coordinator) Spawn(ctx context.Context, id, parent string, opts SpawnOptions) (*models.AgentRecord, error) {
	var record *models.AgentRecord
	if parent == "" {
		if _, err := c.conv.CreateAgentConversation(ctx, id); err != nil {
			return nil, err
		}
		rec, err := c.conv.Record(id)
		if err != nil {
			return nil, err
		}
		rec.Role = opts.Role
		rec.Persona = opts.Persona
		record = rec
	} else {
		rec, err := c.conv.CreateSubAgent(ctx, id, parent, conversation.SubAgentOptions{
			ShareSession:       opts.ShareSession,
			ShareContextWindow: opts.ShareContextWindow,
			SharedCWMaxTokens:  opts.SharedCWMaxTokens,
			Persona:            opts.Persona,
			Role:               opts.Role,
		})
		if err != nil {
			return nil, err
		}
		record = rec
	}

	if opts.InitialPrompt != "" {
		c.Send(ctx, Envelope{
			FromAgent: parent,
			ToAgent:   id,
			Content:   opts.InitialPrompt,
			Metadata:  map[string]any{"type": models.MessageTypeDelegation},
		})
	}
	c.logger.Info("agent spawned", "agent_id", id, "parent_id", parent, "role", opts.Role)
	return record, nil
}

// Pause suspends role routing for the agent. Directed deliveries are
// still recorded, tagged paused.
func (c *Coordinator) Pause(agentID string) error {
	rec, err := c.conv.Record(agentID)
	if err != nil {
		return err
	}
	rec.Paused = true
	c.logger.Info("agent paused", "agent_id", agentID)
	return nil
}

// Resume reactivates the agent for role routing.
func (c *Coordinator) Resume(agentID string) error {
	rec, err := c.conv.Record(agentID)
	if err != nil {
		return err
	}
	rec.Paused = false
	c.logger.Info("agent resumed", "agent_id", agentID)
	return nil
}

// Destroy removes the agent from the registry and routing. Its session
// persists.
func (c *Coordinator) Destroy(ctx context.Context, agentID string) error {
	return c.conv.RemoveAgent(ctx, agentID)
}

func (c *Coordinator) deadLetter(env Envelope, reason string) {
	c.logger.Warn("dead-letter", "from", env.FromAgent, "to", env.ToAgent, "role", env.ToRole, "reason", reason)
	c.emitter.Error(env.FromAgent, env.CorrelationID, &models.ErrorEventPayload{
		Kind:    "routing",
		Message: reason,
	})
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	if s, ok := meta[key].(string); ok {
		return s
	}
	return ""
}
