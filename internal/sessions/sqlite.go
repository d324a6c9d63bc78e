package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/penguin/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	agent_id   TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq        INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// SQLiteStore keeps sessions in a single SQLite database file. Messages
// are stored one row each so appends do not rewrite the transcript.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply session schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	stampNew(session, uuid.NewString)

	meta, err := json.Marshal(metaOrEmpty(session.Metadata))
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, title, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		session.ID, session.AgentID, session.Title, string(meta), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		if isConstraintErr(err) {
			return fmt.Errorf("%w: %s", ErrSessionExists, session.ID)
		}
		return fmt.Errorf("insert session %s: %w", session.ID, err)
	}
	return s.replaceMessages(ctx, session)
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (*models.Session, error) {
	session := &models.Session{ID: id}
	var meta string
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, title, metadata, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&session.AgentID, &session.Title, &meta, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &session.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata %s: %w", id, err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM messages WHERE session_id = ? ORDER BY seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		session.Messages = append(session.Messages, &msg)
	}
	return session, rows.Err()
}

func (s *SQLiteStore) Save(ctx context.Context, session *models.Session) error {
	if session == nil {
		return fmt.Errorf("session is required")
	}
	stampNew(session, uuid.NewString)
	if session.Title == "" {
		session.Title = InferTitle(session)
	}

	meta, err := json.Marshal(metaOrEmpty(session.Metadata))
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, agent_id, title, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET agent_id=excluded.agent_id, title=excluded.title,
		 metadata=excluded.metadata, updated_at=excluded.updated_at`,
		session.ID, session.AgentID, session.Title, string(meta), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", session.ID, err)
	}
	return s.replaceMessages(ctx, session)
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.SessionID = sessionID

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("check session %s: %w", sessionID, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, seq, payload, created_at)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?), ?, ?)`,
		msg.ID, sessionID, sessionID, string(payload), msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message to %s: %w", sessionID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), sessionID,
	); err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context) ([]models.SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.agent_id, s.title, s.created_at,
		        (SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id)
		 FROM sessions s ORDER BY s.created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionSummary
	for rows.Next() {
		var sum models.SessionSummary
		if err := rows.Scan(&sum.ID, &sum.AgentID, &sum.Title, &sum.CreatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (DeleteResult, error) {
	session, err := s.Load(ctx, id)
	if err != nil {
		return DeleteResult{}, err
	}
	result, allowed := guardDelete(session)
	if !allowed {
		return result, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return DeleteResult{}, fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return DeleteResult{}, fmt.Errorf("delete messages for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return DeleteResult{}, fmt.Errorf("delete session %s: %w", id, err)
	}
	return result, tx.Commit()
}

// replaceMessages rewrites the full transcript inside one transaction.
func (s *SQLiteStore) replaceMessages(ctx context.Context, session *models.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transcript write: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear transcript %s: %w", session.ID, err)
	}
	for i, msg := range session.Messages {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		msg.SessionID = session.ID
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, seq, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			msg.ID, session.ID, i+1, string(payload), msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("write message %d of %s: %w", i, session.ID, err)
		}
	}
	return tx.Commit()
}

func metaOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func isConstraintErr(err error) bool {
	// modernc.org/sqlite wraps constraint violations in its own error
	// type; matching the message keeps this driver-agnostic.
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed"))
}
