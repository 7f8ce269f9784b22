// Package persistence keeps a SQLite log of finished Gemini CLI invocations
// so operators can see what ran, for how long, and how it ended.
//
// Conversation history itself is never persisted here; it lives in memory.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultListLimit caps ListInvocations when the caller passes no limit.
const DefaultListLimit = 100

// Invocation is one finished turn.
type Invocation struct {
	ID           int64     `json:"id"`
	Key          string    `json:"key"`
	SessionID    string    `json:"sessionId"`
	WorkingDir   string    `json:"workingDir"`
	Model        string    `json:"model,omitempty"`
	State        string    `json:"state"`
	ExitCode     int       `json:"exitCode"`
	IsNewSession bool      `json:"isNewSession"`
	ImageCount   int       `json:"imageCount"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
	FinishedAt   time.Time `json:"finishedAt"`
	DurationMS   int64     `json:"durationMs"`
}

// Store provides the invocation log backed by SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("Applying invocation log migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

// migrateV1 creates the invocations table.
func migrateV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS invocations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			invocation_key TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			working_dir TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			exit_code INTEGER NOT NULL DEFAULT 0,
			is_new_session INTEGER NOT NULL DEFAULT 0,
			image_count INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_invocations_session ON invocations(session_id);
	`)
	return err
}

// migrateV2 records which model a new session was started with.
func migrateV2(db *sql.DB) error {
	_, err := db.Exec(`ALTER TABLE invocations ADD COLUMN model TEXT NOT NULL DEFAULT ''`)
	return err
}

// RecordInvocation appends a finished invocation to the log.
func (s *Store) RecordInvocation(inv Invocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inv.FinishedAt.IsZero() {
		inv.FinishedAt = time.Now()
	}
	if inv.DurationMS == 0 && !inv.StartedAt.IsZero() {
		inv.DurationMS = inv.FinishedAt.Sub(inv.StartedAt).Milliseconds()
	}

	_, err := s.db.Exec(
		`INSERT INTO invocations
			(invocation_key, session_id, working_dir, model, state, exit_code, is_new_session, image_count, error, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.Key, inv.SessionID, inv.WorkingDir, inv.Model, inv.State, inv.ExitCode, inv.IsNewSession,
		inv.ImageCount, inv.Error, formatTime(inv.StartedAt), formatTime(inv.FinishedAt), inv.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("record invocation: %w", err)
	}
	return nil
}

// ListInvocations returns the most recent invocations, newest first. An empty
// sessionID lists across all sessions.
func (s *Store) ListInvocations(sessionID string, limit int) ([]Invocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT id, invocation_key, session_id, working_dir, model, state, exit_code, is_new_session,
			image_count, error, started_at, finished_at, duration_ms
		FROM invocations`
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		var started, finished string
		if err := rows.Scan(&inv.ID, &inv.Key, &inv.SessionID, &inv.WorkingDir, &inv.Model, &inv.State,
			&inv.ExitCode, &inv.IsNewSession, &inv.ImageCount, &inv.Error, &started, &finished, &inv.DurationMS); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.StartedAt = parseTime(started)
		inv.FinishedAt = parseTime(finished)
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocations: %w", err)
	}

	if out == nil {
		out = []Invocation{}
	}
	return out, nil
}

// DeleteSessionInvocations removes every logged invocation of a session.
func (s *Store) DeleteSessionInvocations(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("DELETE FROM invocations WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete session invocations: %w", err)
	}
	return nil
}

// InvocationCount returns the number of logged invocations.
func (s *Store) InvocationCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM invocations").Scan(&count); err != nil {
		return 0, fmt.Errorf("count invocations: %w", err)
	}
	return count, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
