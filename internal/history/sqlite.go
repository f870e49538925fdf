// ABOUTME: SQLite-backed session metadata store using modernc.org/sqlite.
// ABOUTME: Persists per-session config around identity assignment; auto schema.

package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/touwaeriol/claude-code-plus-sub005/internal/session"
)

// ErrNotFound is returned when no metadata exists for a session.
var ErrNotFound = errors.New("session metadata not found")

// SQLiteStore implements session.MetadataStore on a local SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the metadata database at path. Parent
// directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "history")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("history store initialized", "path", path)
	return s, nil
}

// createSchema creates the tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_metadata (
			session_id      TEXT NOT NULL,
			project_path    TEXT NOT NULL,
			tab_id          TEXT NOT NULL,
			model           TEXT NOT NULL DEFAULT '',
			permission_mode TEXT NOT NULL DEFAULT '',
			work_dir        TEXT NOT NULL DEFAULT '',
			completed_turns INTEGER NOT NULL DEFAULT 0,
			input_tokens    INTEGER NOT NULL DEFAULT 0,
			output_tokens   INTEGER NOT NULL DEFAULT 0,
			updated_at      DATETIME NOT NULL,
			PRIMARY KEY (session_id, project_path)
		);

		CREATE INDEX IF NOT EXISTS idx_session_metadata_project
			ON session_metadata(project_path, updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveSessionMetadata upserts the snapshot for a session within a project.
func (s *SQLiteStore) SaveSessionMetadata(ctx context.Context, sessionID string, snap session.Snapshot, projectPath string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_metadata
			(session_id, project_path, tab_id, model, permission_mode, work_dir, completed_turns, input_tokens, output_tokens, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, project_path) DO UPDATE SET
			tab_id = excluded.tab_id,
			model = excluded.model,
			permission_mode = excluded.permission_mode,
			work_dir = excluded.work_dir,
			completed_turns = excluded.completed_turns,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			updated_at = excluded.updated_at`,
		sessionID, projectPath, snap.TabID, snap.Model, snap.PermissionMode,
		snap.WorkDir, snap.CompletedTurns, snap.InputTokens, snap.OutputTokens, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving session metadata: %w", err)
	}
	return nil
}

// RestoreSessionConfig loads the persisted config for a session, or
// ErrNotFound when the session has never been saved.
func (s *SQLiteStore) RestoreSessionConfig(ctx context.Context, sessionID, projectPath string) (*session.Config, error) {
	var cfg session.Config
	err := s.db.QueryRowContext(ctx, `
		SELECT model, permission_mode, work_dir
		FROM session_metadata
		WHERE session_id = ? AND project_path = ?`,
		sessionID, projectPath).Scan(&cfg.Model, &cfg.PermissionMode, &cfg.WorkDir)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("restoring session config: %w", err)
	}
	return &cfg, nil
}

// SessionRecord is one persisted session's metadata row.
type SessionRecord struct {
	SessionID      string
	TabID          string
	Model          string
	PermissionMode string
	WorkDir        string
	CompletedTurns int
	InputTokens    int64
	OutputTokens   int64
	UpdatedAt      time.Time
}

// ListSessions returns the project's persisted sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, projectPath string) ([]*SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, tab_id, model, permission_mode, work_dir, completed_turns, input_tokens, output_tokens, updated_at
		FROM session_metadata
		WHERE project_path = ?
		ORDER BY updated_at DESC`,
		projectPath)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var records []*SessionRecord
	for rows.Next() {
		rec := &SessionRecord{}
		if err := rows.Scan(&rec.SessionID, &rec.TabID, &rec.Model, &rec.PermissionMode,
			&rec.WorkDir, &rec.CompletedTurns, &rec.InputTokens, &rec.OutputTokens, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
