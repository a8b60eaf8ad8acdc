// ABOUTME: SQLite-backed persistence for the gateway using modernc.org/sqlite
// ABOUTME: Creates the schema on open; WAL mode and foreign keys enabled

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore holds the database handle shared by all entity stores.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			default_channel TEXT,
			workspace TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bindings (
			binding_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			bot_id TEXT,
			channel TEXT NOT NULL,
			account_id TEXT,
			peer TEXT,
			priority INTEGER NOT NULL DEFAULT 100,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			created_by TEXT,
			FOREIGN KEY (agent_id) REFERENCES agents(agent_id)
		);

		CREATE INDEX IF NOT EXISTS idx_bindings_channel_active
			ON bindings(channel, active);

		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			subject TEXT,
			method TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			response TEXT,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_idempotency_expires
			ON idempotency_keys(expires_at);

		CREATE TABLE IF NOT EXISTS node_executions (
			execution_id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			command TEXT NOT NULL,
			params TEXT,
			working_dir TEXT,
			risk_level TEXT NOT NULL,
			status TEXT NOT NULL,
			requires_approval INTEGER NOT NULL DEFAULT 0,
			approval_reason TEXT,
			approved_by TEXT,
			exit_code INTEGER,
			stdout TEXT,
			stderr TEXT,
			error_message TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME
		);

		CREATE INDEX IF NOT EXISTS idx_executions_status
			ON node_executions(status);

		CREATE TABLE IF NOT EXISTS node_approval_queue (
			queue_id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			command TEXT NOT NULL,
			risk_level TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			expires_at DATETIME NOT NULL,
			resolved_by TEXT,
			resolution_reason TEXT,
			resolved_at DATETIME,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (execution_id) REFERENCES node_executions(execution_id)
		);

		CREATE INDEX IF NOT EXISTS idx_approvals_status_expires
			ON node_approval_queue(status, expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
