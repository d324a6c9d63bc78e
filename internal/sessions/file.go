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

const (
	conversationsDir = "conversations"
	indexDir         = "index"
	indexFile        = "conversations.json"

	// writeAttempts is how many times a failed persistence write is
	// retried with exponential backoff before the session is marked
	// dirty.
	writeAttempts = 3
	writeBackoff  = 50 * time.Millisecond
)

// sessionRecord is the versioned on-disk form of a session.
type sessionRecord struct {
	Version   int               `json:"version"`
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Title     string            `json:"title,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	Messages  []*models.Message `json:"messages"`
}

// FileStore persists one JSON record per session under a workspace
// directory, with a summary index. All writes are write-rename atomic.
type FileStore struct {
	root   string
	logger *slog.Logger

	mu sync.Mutex

	// dirty holds session IDs whose last write failed after retries;
	// the in-memory copy is authoritative until a later write succeeds.
	dirty map[string]struct{}
}

// NewFileStore creates the store rooted at dir, creating the layout if
// needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, sub := range []string{conversationsDir, indexDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create session store layout: %w", err)
		}
	}
	return &FileStore{
		root:   dir,
		logger: logger,
		dirty:  make(map[string]struct{}),
	}, nil
}

// Root returns the workspace directory the store writes under.
func (f *FileStore) Root() string { return f.root }

// Dirty reports whether a session's last persistence attempt failed.
func (f *FileStore) Dirty(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.dirty[id]
	return ok
}

func (f *FileStore) sessionPath(id string) string {
	return filepath.Join(f.root, conversationsDir, id+".json")
}

func (f *FileStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	stampNew(session, uuid.NewString)
	if _, err := os.Stat(f.sessionPath(session.ID)); err == nil {
		return fmt.Errorf("%w: %s", ErrSessionExists, session.ID)
	}
	return f.writeLocked(ctx, session)
}

func (f *FileStore) Load(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked(id)
}

func (f *FileStore) loadLocked(id string) (*models.Session, error) {
	data, err := os.ReadFile(f.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var record sessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &models.Session{
		ID:        record.ID,
		AgentID:   record.AgentID,
		Title:     record.Title,
		Metadata:  record.Metadata,
		Messages:  record.Messages,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}, nil
}

// Save persists the session as-is. It deliberately does not stamp
// UpdatedAt so that save/load/save round-trips are byte-identical for
// unchanged in-memory state.
func (f *FileStore) Save(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	stampNew(session, uuid.NewString)
	return f.writeLocked(ctx, session)
}

func (f *FileStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	session, err := f.loadLocked(sessionID)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID
	session.Messages = append(session.Messages, msg)
	session.UpdatedAt = time.Now().UTC()
	if session.Title == "" {
		session.Title = InferTitle(session)
	}
	return f.writeLocked(ctx, session)
}

func (f *FileStore) List(_ context.Context) ([]models.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(f.root, indexDir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session index: %w", err)
	}
	var summaries []models.SessionSummary
	if err := json.Unmarshal(data, &summaries); err != nil {
		return nil, fmt.Errorf("decode session index: %w", err)
	}
	return summaries, nil
}

func (f *FileStore) Delete(_ context.Context, id string) (DeleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	session, err := f.loadLocked(id)
	if err != nil {
		return DeleteResult{}, err
	}
	result, allowed := guardDelete(session)
	if !allowed {
		return result, nil
	}
	if err := os.Remove(f.sessionPath(id)); err != nil {
		return DeleteResult{}, fmt.Errorf("delete session %s: %w", id, err)
	}
	delete(f.dirty, id)
	if err := f.rebuildIndexLocked(); err != nil {
		f.logger.Warn("session index rebuild failed after delete", "session_id", id, "error", err)
	}
	return result, nil
}

// writeLocked persists the record and index with write-rename atomicity,
// retrying with backoff. After final failure the session is marked dirty.
func (f *FileStore) writeLocked(ctx context.Context, session *models.Session) error {
	record := sessionRecord{
		Version:   RecordVersion,
		ID:        session.ID,
		AgentID:   session.AgentID,
		CreatedAt: session.CreatedAt,
		UpdatedAt: session.UpdatedAt,
		Title:     session.Title,
		Metadata:  session.Metadata,
		Messages:  session.Messages,
	}
	data, err := json.MarshalIndent(&record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", session.ID, err)
	}

	var lastErr error
	backoff := writeBackoff
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if lastErr = atomicWrite(f.sessionPath(session.ID), data); lastErr == nil {
			delete(f.dirty, session.ID)
			if err := f.rebuildIndexLocked(); err != nil {
				f.logger.Warn("session index rebuild failed", "session_id", session.ID, "error", err)
			}
			return nil
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			attempt = writeAttempts
		}
	}

	f.dirty[session.ID] = struct{}{}
	f.logger.Error("session write failed after retries",
		"session_id", session.ID,
		"attempts", writeAttempts,
		"error", lastErr,
	)
	return fmt.Errorf("persist session %s: %w", session.ID, lastErr)
}

// rebuildIndexLocked regenerates index/conversations.json from the
// session records on disk.
func (f *FileStore) rebuildIndexLocked() error {
	entries, err := os.ReadDir(filepath.Join(f.root, conversationsDir))
	if err != nil {
		return err
	}
	var summaries []models.SessionSummary
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		id := entry.Name()[:len(entry.Name())-len(".json")]
		session, err := f.loadLocked(id)
		if err != nil {
			f.logger.Warn("skipping unreadable session record", "file", entry.Name(), "error", err)
			continue
		}
		summaries = append(summaries, models.SessionSummary{
			ID:           session.ID,
			AgentID:      session.AgentID,
			Title:        session.Title,
			CreatedAt:    session.CreatedAt,
			MessageCount: len(session.Messages),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAt.Before(summaries[j].CreatedAt) })
	data, err := json.MarshalIndent(summaries, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(f.root, indexDir, indexFile), data)
}

// atomicWrite writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial record.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
