package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/penguin/pkg/models"
)

const checkpointsDir = "checkpoints"

// DefaultCheckpointFrequency is how many appended messages trigger an
// automatic checkpoint.
const DefaultCheckpointFrequency = 10

// CheckpointRetention bounds how long automatic checkpoints are kept.
// Manual and branch checkpoints are never swept.
type CheckpointRetention struct {
	// MaxAge drops auto checkpoints older than this. Zero disables
	// age-based sweeping.
	MaxAge time.Duration

	// MaxCount keeps at most this many auto checkpoints per session,
	// newest first. Zero disables count-based sweeping.
	MaxCount int
}

// Checkpoint lifecycle actions reported through CheckpointHook.
const (
	CheckpointActionCreated  = "created"
	CheckpointActionRollback = "rollback"
)

// CheckpointHook observes checkpoint lifecycle transitions (event
// emission, cache invalidation after rollback).
type CheckpointHook func(action string, cp *models.Checkpoint)

// snapshotRecord is the on-disk form of a checkpoint snapshot.
type snapshotRecord struct {
	Version    int                `json:"version"`
	Checkpoint *models.Checkpoint `json:"checkpoint"`
	Messages   []*models.Message  `json:"messages"`
}

// CheckpointManager snapshots session transcripts and restores or forks
// them. Automatic checkpoints run on a background worker so the engine's
// hot path never blocks on snapshot IO.
type CheckpointManager struct {
	store     Store
	root      string
	frequency int
	retention CheckpointRetention
	logger    *slog.Logger
	onEvent   CheckpointHook

	mu sync.Mutex
	// lastAuto tracks, per session, the transcript head at the last auto
	// checkpoint so repeats are deduped.
	lastAuto map[string]string

	queue  chan string
	done   chan struct{}
	closed sync.Once
}

// CheckpointOption configures a CheckpointManager.
type CheckpointOption func(*CheckpointManager)

// WithCheckpointFrequency sets the auto-checkpoint message interval.
func WithCheckpointFrequency(n int) CheckpointOption {
	return func(c *CheckpointManager) {
		if n > 0 {
			c.frequency = n
		}
	}
}

// WithCheckpointRetention sets the sweep policy for auto checkpoints.
func WithCheckpointRetention(r CheckpointRetention) CheckpointOption {
	return func(c *CheckpointManager) { c.retention = r }
}

// WithCheckpointHook installs a hook invoked on every checkpoint
// lifecycle transition.
func WithCheckpointHook(hook CheckpointHook) CheckpointOption {
	return func(c *CheckpointManager) { c.onEvent = hook }
}

// NewCheckpointManager creates the manager and starts its worker. Callers
// must Close it to stop the worker.
func NewCheckpointManager(store Store, root string, logger *slog.Logger, opts ...CheckpointOption) (*CheckpointManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(root, checkpointsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint layout: %w", err)
	}
	c := &CheckpointManager{
		store:     store,
		root:      root,
		frequency: DefaultCheckpointFrequency,
		logger:    logger,
		lastAuto:  make(map[string]string),
		queue:     make(chan string, 64),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.worker()
	return c, nil
}

// Close stops the background worker after draining queued work.
func (c *CheckpointManager) Close() {
	c.closed.Do(func() {
		close(c.queue)
		<-c.done
	})
}

// NotifyAppend schedules an auto-checkpoint check for the session. It
// never blocks: when the queue is full the notification is dropped and a
// later append will cover it.
func (c *CheckpointManager) NotifyAppend(sessionID string) {
	select {
	case c.queue <- sessionID:
	default:
		c.logger.Debug("auto-checkpoint queue full, dropping notification", "session_id", sessionID)
	}
}

// worker drains auto-checkpoint notifications in FIFO order.
func (c *CheckpointManager) worker() {
	defer close(c.done)
	for sessionID := range c.queue {
		if err := c.autoCheckpoint(context.Background(), sessionID); err != nil {
			c.logger.Warn("auto-checkpoint failed", "session_id", sessionID, "error", err)
		}
	}
}

// autoCheckpoint creates an automatic checkpoint when the transcript has
// grown past the frequency interval and the head changed since the last
// auto checkpoint.
func (c *CheckpointManager) autoCheckpoint(ctx context.Context, sessionID string) error {
	session, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	n := len(session.Messages)
	if n == 0 || n%c.frequency != 0 {
		return nil
	}
	head := transcriptHead(session)

	c.mu.Lock()
	if c.lastAuto[sessionID] == head {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if _, err := c.createFrom(session, models.CheckpointAuto, "", "", ""); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastAuto[sessionID] = head
	c.mu.Unlock()

	// Retention runs on the same worker so sweeping never races snapshot
	// creation.
	if c.retention.MaxAge > 0 || c.retention.MaxCount > 0 {
		if _, err := c.Sweep(ctx); err != nil {
			c.logger.Warn("retention sweep failed", "error", err)
		}
	}
	return nil
}

// Create snapshots the session's current transcript as a manual
// checkpoint.
func (c *CheckpointManager) Create(ctx context.Context, sessionID, name, description string) (*models.Checkpoint, error) {
	session, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return c.createFrom(session, models.CheckpointManual, name, description, "")
}

func (c *CheckpointManager) createFrom(session *models.Session, kind models.CheckpointKind, name, description, parentID string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{
		ID:                 uuid.NewString(),
		SessionID:          session.ID,
		ParentCheckpointID: parentID,
		Kind:               kind,
		Name:               name,
		Description:        description,
		MessageCount:       len(session.Messages),
		CreatedAt:          time.Now().UTC(),
	}
	cp.SnapshotRef = filepath.Join(checkpointsDir, session.ID, cp.ID+".json")

	record := snapshotRecord{
		Version:    RecordVersion,
		Checkpoint: cp,
		Messages:   session.Messages,
	}
	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", cp.ID, err)
	}
	dir := filepath.Join(c.root, checkpointsDir, session.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := atomicWrite(filepath.Join(c.root, cp.SnapshotRef), data); err != nil {
		return nil, fmt.Errorf("write checkpoint %s: %w", cp.ID, err)
	}

	c.logger.Info("checkpoint created",
		"session_id", session.ID,
		"checkpoint_id", cp.ID,
		"kind", cp.Kind,
		"messages", cp.MessageCount,
	)
	if c.onEvent != nil {
		c.onEvent(CheckpointActionCreated, cp)
	}
	return cp, nil
}

// List returns the session's checkpoints ordered oldest first.
func (c *CheckpointManager) List(_ context.Context, sessionID string) ([]*models.Checkpoint, error) {
	dir := filepath.Join(c.root, checkpointsDir, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list checkpoints for %s: %w", sessionID, err)
	}
	var out []*models.Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		record, err := c.readSnapshot(filepath.Join(dir, entry.Name()))
		if err != nil {
			c.logger.Warn("skipping unreadable checkpoint", "file", entry.Name(), "error", err)
			continue
		}
		out = append(out, record.Checkpoint)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Rollback restores the session transcript to the checkpoint's snapshot.
// Checkpoints created after the target remain listed until swept.
func (c *CheckpointManager) Rollback(ctx context.Context, sessionID, checkpointID string) error {
	record, err := c.loadCheckpoint(sessionID, checkpointID)
	if err != nil {
		return err
	}
	session, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Messages = record.Messages
	session.UpdatedAt = time.Now().UTC()
	if err := c.store.Save(ctx, session); err != nil {
		return fmt.Errorf("restore session %s: %w", sessionID, err)
	}
	c.mu.Lock()
	c.lastAuto[sessionID] = transcriptHead(session)
	c.mu.Unlock()
	c.logger.Info("session rolled back", "session_id", sessionID, "checkpoint_id", checkpointID, "messages", len(record.Messages))
	if c.onEvent != nil {
		c.onEvent(CheckpointActionRollback, record.Checkpoint)
	}
	return nil
}

// Branch forks a new session from a checkpoint. The original session is
// untouched; the new session records its lineage via the branch
// checkpoint's parent reference.
func (c *CheckpointManager) Branch(ctx context.Context, sessionID, checkpointID, name string) (*models.Session, *models.Checkpoint, error) {
	record, err := c.loadCheckpoint(sessionID, checkpointID)
	if err != nil {
		return nil, nil, err
	}
	source, err := c.store.Load(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	branched := &models.Session{
		ID:      uuid.NewString(),
		AgentID: source.AgentID,
		Title:   name,
		Metadata: map[string]any{
			"branched_from_session":    sessionID,
			"branched_from_checkpoint": checkpointID,
		},
	}
	for _, msg := range record.Messages {
		clone := msg.Clone()
		clone.SessionID = branched.ID
		branched.Messages = append(branched.Messages, clone)
	}
	if err := c.store.Create(ctx, branched); err != nil {
		return nil, nil, fmt.Errorf("create branched session: %w", err)
	}
	cp, err := c.createFrom(branched, models.CheckpointBranch, name, "", checkpointID)
	if err != nil {
		return nil, nil, err
	}
	return branched, cp, nil
}

// Sweep removes expired auto checkpoints per the retention policy.
// Checkpoints referenced as a branch parent are protected, as are manual
// and branch checkpoints.
func (c *CheckpointManager) Sweep(ctx context.Context) (int, error) {
	root := filepath.Join(c.root, checkpointsDir)
	sessions, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read checkpoint root: %w", err)
	}

	// First pass over all sessions: collect parent references so a
	// branch's source checkpoint is never swept out from under it.
	protected := make(map[string]struct{})
	perSession := make(map[string][]*models.Checkpoint)
	for _, entry := range sessions {
		if !entry.IsDir() {
			continue
		}
		cps, err := c.List(ctx, entry.Name())
		if err != nil {
			return 0, err
		}
		perSession[entry.Name()] = cps
		for _, cp := range cps {
			if cp.ParentCheckpointID != "" {
				protected[cp.ParentCheckpointID] = struct{}{}
			}
		}
	}

	removed := 0
	now := time.Now().UTC()
	for sessionID, cps := range perSession {
		var auto []*models.Checkpoint
		for _, cp := range cps {
			if cp.Kind != models.CheckpointAuto {
				continue
			}
			if _, keep := protected[cp.ID]; keep {
				continue
			}
			auto = append(auto, cp)
		}

		expired := make(map[string]struct{})
		if c.retention.MaxAge > 0 {
			for _, cp := range auto {
				if now.Sub(cp.CreatedAt) > c.retention.MaxAge {
					expired[cp.ID] = struct{}{}
				}
			}
		}
		if c.retention.MaxCount > 0 && len(auto) > c.retention.MaxCount {
			// auto is oldest first; everything before the newest MaxCount
			// goes.
			for _, cp := range auto[:len(auto)-c.retention.MaxCount] {
				expired[cp.ID] = struct{}{}
			}
		}

		for id := range expired {
			path := filepath.Join(c.root, checkpointsDir, sessionID, id+".json")
			if err := os.Remove(path); err != nil {
				c.logger.Warn("checkpoint sweep failed", "checkpoint_id", id, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		c.logger.Info("checkpoint sweep complete", "removed", removed)
	}
	return removed, nil
}

func (c *CheckpointManager) loadCheckpoint(sessionID, checkpointID string) (*snapshotRecord, error) {
	path := filepath.Join(c.root, checkpointsDir, sessionID, checkpointID+".json")
	record, err := c.readSnapshot(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %s not found for session %s", checkpointID, sessionID)
		}
		return nil, err
	}
	return record, nil
}

func (c *CheckpointManager) readSnapshot(path string) (*snapshotRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record snapshotRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", filepath.Base(path), err)
	}
	return &record, nil
}

// transcriptHead identifies the transcript's current tail for dedupe.
func transcriptHead(session *models.Session) string {
	if len(session.Messages) == 0 {
		return ""
	}
	last := session.Messages[len(session.Messages)-1]
	return fmt.Sprintf("%d:%s", len(session.Messages), last.ID)
}
