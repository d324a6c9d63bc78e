package sessions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/penguin/pkg/models"
)

// MemoryStore provides an in-memory Store implementation for tests and
// ephemeral runs. Callers always receive deep copies.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: map[string]*models.Session{}}
}

func (m *MemoryStore) Create(_ context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	stampNew(session, uuid.NewString)
	if _, ok := m.sessions[session.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, session.ID)
	}
	m.sessions[session.ID] = session.Clone()
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := session.Clone()
	clone.UpdatedAt = time.Now().UTC()
	if clone.Title == "" {
		clone.Title = InferTitle(clone)
	}
	m.sessions[clone.ID] = clone
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID
	session.Messages = append(session.Messages, msg.Clone())
	session.UpdatedAt = time.Now().UTC()
	if session.Title == "" {
		session.Title = InferTitle(session)
	}
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]models.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, models.SessionSummary{
			ID:           s.ID,
			AgentID:      s.AgentID,
			Title:        s.Title,
			CreatedAt:    s.CreatedAt,
			MessageCount: len(s.Messages),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) (DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[id]
	if !ok {
		return DeleteResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	result, allowed := guardDelete(session)
	if !allowed {
		return result, nil
	}
	delete(m.sessions, id)
	return result, nil
}
