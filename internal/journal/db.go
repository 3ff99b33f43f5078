package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite command journal.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the journal database in configDir.
func Open(configDir string) (*DB, error) {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	return OpenPath(filepath.Join(configDir, "journal.db"))
}

// OpenPath opens (or creates) the journal database at dbPath.
func OpenPath(dbPath string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// The dispatcher and supervisor write from different goroutines.
	sqlDB.SetMaxOpenConns(1)
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	j := &DB{db: sqlDB, path: dbPath}
	if err := j.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database.
func (j *DB) Close() error {
	return j.db.Close()
}

// Path returns the path to the journal database file.
func (j *DB) Path() string {
	return j.path
}

func (j *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT 0,
		error_kind TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		executed_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target TEXT NOT NULL,
		banner TEXT NOT NULL DEFAULT '',
		connected_at INTEGER NOT NULL,
		ended_at INTEGER,
		end_reason TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_commands_executed ON commands(executed_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_connected ON sessions(connected_at);
	`
	if _, err := j.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
