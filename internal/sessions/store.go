// Package sessions persists conversation transcripts and checkpoints.
//
// Three Store implementations are provided: a file store with atomic
// write-rename semantics (the workspace default), an in-memory store for
// tests and ephemeral runs, and a SQLite store for deployments that want
// a single queryable database file.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/penguin/pkg/models"
)

// RecordVersion is the current persisted session record version.
const RecordVersion = 1

// Store errors.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// MetaReferents is the session metadata key listing agent IDs that
// reference a shared session. Delete refuses while more than one remains.
const MetaReferents = "referents"

// DeleteResult reports the outcome of a guarded delete. A refused delete
// is a warning, not an error.
type DeleteResult struct {
	Deleted bool   `json:"deleted"`
	Warning string `json:"warning,omitempty"`
}

// Store is the interface for session persistence. Append is atomic per
// message: a crashed write never corrupts a session record.
type Store interface {
	// Create persists a new session, generating missing IDs/timestamps.
	Create(ctx context.Context, session *models.Session) error

	// Load returns a deep copy of the session.
	Load(ctx context.Context, id string) (*models.Session, error)

	// Save persists the full session record.
	Save(ctx context.Context, session *models.Session) error

	// AppendMessage atomically appends one message to a session.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// List returns summaries of all sessions.
	List(ctx context.Context) ([]models.SessionSummary, error)

	// Delete removes a session. Sessions referenced by multiple agents
	// are refused with a warning result until all referents are removed.
	Delete(ctx context.Context, id string) (DeleteResult, error)
}

// referentCount reads the shared-session referent count from metadata.
func referentCount(session *models.Session) int {
	if session == nil || session.Metadata == nil {
		return 0
	}
	switch v := session.Metadata[MetaReferents].(type) {
	case []string:
		return len(v)
	case []any:
		return len(v)
	}
	return 0
}

// guardDelete returns a refusal result when the session is still shared.
func guardDelete(session *models.Session) (DeleteResult, bool) {
	if n := referentCount(session); n > 1 {
		return DeleteResult{
			Deleted: false,
			Warning: fmt.Sprintf("session %s is referenced by %d agents; remove all referents before deleting", session.ID, n),
		}, false
	}
	return DeleteResult{Deleted: true}, true
}

// stampNew fills in generated fields on a freshly created session.
func stampNew(session *models.Session, newID func() string) {
	if session.ID == "" {
		session.ID = newID()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
}

// InferTitle derives a session title from its first user message.
func InferTitle(session *models.Session) string {
	if session.Title != "" {
		return session.Title
	}
	for _, msg := range session.Messages {
		if msg.Role != models.RoleUser || msg.Category != models.CategoryDialog {
			continue
		}
		title := msg.Content
		if len(title) > 64 {
			title = title[:64]
		}
		return title
	}
	return ""
}
