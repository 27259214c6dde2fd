package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/howardleegeek/opencrabs-sub001/internal/llm"
)

// ErrNotFound marks a missing session or message.
var ErrNotFound = errors.New("store: not found")

// Session is one persisted conversation.
type Session struct {
	ID           string
	Name         string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StoredMessage is one persisted conversation turn. Content keeps the
// full block structure so tool_use and tool_result pairs survive a
// restart.
type StoredMessage struct {
	ID           string
	SessionID    string
	Role         llm.Role
	Content      []llm.ContentBlock
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
}

// Store persists sessions and messages in sqlite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) a store at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenInMemory opens an in-memory store, used by tests and the REPL's
// throwaway sessions.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// CreateSession inserts a new session and returns it.
func (s *Store) CreateSession(name, model string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := &Session{
		ID:    uuid.NewString(),
		Name:  strings.TrimSpace(name),
		Model: strings.TrimSpace(model),
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, name, model) VALUES (?, ?, ?)
	`, session.ID, session.Name, session.Model)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.getSessionLocked(session.ID)
}

// GetSession fetches one session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getSessionLocked(id)
}

func (s *Store) getSessionLocked(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, name, model, input_tokens, output_tokens, cost, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	var session Session
	var created, updated string
	err := row.Scan(&session.ID, &session.Name, &session.Model,
		&session.InputTokens, &session.OutputTokens, &session.Cost, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	session.CreatedAt = parseTimestamp(created)
	session.UpdatedAt = parseTimestamp(updated)
	return &session, nil
}

// FindSessionByName returns the most recently updated session with the
// given name.
func (s *Store) FindSessionByName(name string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT id FROM sessions WHERE name = ? ORDER BY updated_at DESC LIMIT 1
	`, strings.TrimSpace(name))
	var id string
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return s.getSessionLocked(id)
}

// ListSessions returns sessions newest-first.
func (s *Store) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, name, model, input_tokens, output_tokens, cost, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := make([]Session, 0)
	for rows.Next() {
		var session Session
		var created, updated string
		if err := rows.Scan(&session.ID, &session.Name, &session.Model,
			&session.InputTokens, &session.OutputTokens, &session.Cost, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.CreatedAt = parseTimestamp(created)
		session.UpdatedAt = parseTimestamp(updated)
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	// FK cascade needs foreign_keys=ON, which the in-memory store may
	// not have. Delete explicitly.
	if _, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	return nil
}

// UpdateSessionUsage accumulates token usage and cost onto a session.
func (s *Store) UpdateSessionUsage(id string, usage llm.TokenUsage, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE sessions
		SET input_tokens = input_tokens + ?,
		    output_tokens = output_tokens + ?,
		    cost = cost + ?,
		    updated_at = datetime('now')
		WHERE id = ?
	`, usage.InputTokens, usage.OutputTokens, cost, id)
	if err != nil {
		return fmt.Errorf("update session usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateMessage appends one message to a session.
func (s *Store) CreateMessage(sessionID string, msg llm.Message, usage llm.TokenUsage) (*StoredMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := json.Marshal(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("encode message content: %w", err)
	}

	stored := &StoredMessage{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Role:         msg.Role,
		Content:      msg.Content,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = s.db.Exec(`
		INSERT INTO messages (id, session_id, role, content, input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?)
	`, stored.ID, sessionID, string(msg.Role), string(content), usage.InputTokens, usage.OutputTokens)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE sessions SET updated_at = datetime('now') WHERE id = ?`, sessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	return stored, nil
}

// ListMessages returns a session's messages oldest-first.
func (s *Store) ListMessages(sessionID string) ([]StoredMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, input_tokens, output_tokens, created_at
		FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	result := make([]StoredMessage, 0)
	for rows.Next() {
		var msg StoredMessage
		var role, content, created string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &content,
			&msg.InputTokens, &msg.OutputTokens, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = llm.Role(role)
		msg.CreatedAt = parseTimestamp(created)
		if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
			return nil, fmt.Errorf("decode message content: %w", err)
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return result, nil
}

// ReplaceMessages swaps a session's history in one transaction. Used
// after compaction rewrites the conversation.
func (s *Store) ReplaceMessages(sessionID string, msgs []llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	for _, msg := range msgs {
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return fmt.Errorf("encode message content: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (id, session_id, role, content)
			VALUES (?, ?, ?, ?)
		`, uuid.NewString(), sessionID, string(msg.Role), string(content)); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if _, err := tx.Exec(`UPDATE sessions SET updated_at = datetime('now') WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace: %w", err)
	}
	return nil
}

func parseTimestamp(raw string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339} {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts
		}
	}
	return time.Time{}
}
