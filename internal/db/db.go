package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hpungsan/consult/internal/config"
	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 1

// Init initializes the SQLite database at baseDir/consult.db.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.consult.
func Init(baseDir string) (*sql.DB, error) {
	// Create base directory with restricted permissions
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	// Explicit chmod (best-effort, may not work on all platforms)
	_ = os.Chmod(baseDir, 0700)

	// Create imports subdirectory (default pattern import root)
	importsDir := filepath.Join(baseDir, "imports")
	if err := os.MkdirAll(importsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create imports directory: %w", err)
	}
	_ = os.Chmod(importsDir, 0700)

	// Open database with pragmas in connection string (applies to all connections)
	dbPath := filepath.Join(baseDir, "consult.db")
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify WAL mode is active
	if err := verifyWALMode(db); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations (this creates the file if it doesn't exist)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	// Set file permissions after file exists (best-effort)
	_ = os.Chmod(dbPath, 0600)

	return db, nil
}

// ConfigurePool applies connection pool settings from config.
// Only sets limits if explicitly configured (non-zero values).
// Call after Init if you need to tune pool behavior for contention.
func ConfigurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}
	if cfg.DBMaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	}
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: Initial schema (v1)
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS conversations (
		  id                   TEXT PRIMARY KEY,
		  user_id              TEXT NOT NULL,
		  doctor_id            TEXT NOT NULL,
		  stage                TEXT NOT NULL,
		  start_time           INTEGER NOT NULL,
		  last_activity        INTEGER NOT NULL,
		  turn_count           INTEGER NOT NULL DEFAULT 0,
		  symptoms_json        TEXT NOT NULL DEFAULT '[]',
		  has_pending_result   INTEGER NOT NULL DEFAULT 0,
		  diagnosis_confidence REAL NOT NULL DEFAULT 0,
		  timeout_warnings     INTEGER NOT NULL DEFAULT 0,
		  active               INTEGER NOT NULL DEFAULT 1,
		  end_type             TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_ended
		ON conversations(last_activity)
		WHERE active = 0;

		CREATE TABLE IF NOT EXISTS stage_transitions (
		  conversation_id TEXT NOT NULL,
		  seq             INTEGER NOT NULL,
		  from_stage      TEXT,
		  to_stage        TEXT NOT NULL,
		  reason          TEXT NOT NULL,
		  confidence      REAL NOT NULL,
		  turn            INTEGER NOT NULL,
		  created_at      INTEGER NOT NULL,
		  PRIMARY KEY (conversation_id, seq)
		);

		CREATE TABLE IF NOT EXISTS conversation_summaries (
		  id               TEXT PRIMARY KEY,
		  conversation_id  TEXT NOT NULL,
		  end_type         TEXT NOT NULL,
		  reason           TEXT NOT NULL,
		  satisfaction     INTEGER,
		  duration_seconds INTEGER NOT NULL,
		  total_turns      INTEGER NOT NULL,
		  final_stage      TEXT NOT NULL,
		  symptoms_json    TEXT NOT NULL DEFAULT '[]',
		  created_at       INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_summaries_conversation
		ON conversation_summaries(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS cache_entries (
		  key              TEXT PRIMARY KEY,
		  doctor_id        TEXT NOT NULL,
		  stage_context    TEXT NOT NULL,
		  tokens_json      TEXT NOT NULL,
		  payload          TEXT NOT NULL,
		  aux_refs_json    TEXT,
		  created_at       INTEGER NOT NULL,
		  last_accessed_at INTEGER NOT NULL,
		  access_count     INTEGER NOT NULL DEFAULT 0,
		  rating           REAL
		);

		CREATE INDEX IF NOT EXISTS idx_cache_doctor_access
		ON cache_entries(doctor_id, access_count DESC);

		CREATE INDEX IF NOT EXISTS idx_cache_eviction
		ON cache_entries(access_count, last_accessed_at);

		CREATE INDEX IF NOT EXISTS idx_cache_created
		ON cache_entries(created_at);

		CREATE TABLE IF NOT EXISTS patterns (
		  id            TEXT PRIMARY KEY,
		  owner_id      TEXT,
		  disease_label TEXT NOT NULL,
		  narrative     TEXT NOT NULL,
		  nodes_json    TEXT NOT NULL DEFAULT '[]',
		  usage_count   INTEGER NOT NULL DEFAULT 0,
		  success_count INTEGER NOT NULL DEFAULT 0,
		  last_used_at  INTEGER,
		  created_at    INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_patterns_owner
		ON patterns(owner_id);

		CREATE TABLE IF NOT EXISTS pattern_feedback (
		  id         INTEGER PRIMARY KEY AUTOINCREMENT,
		  pattern_id TEXT NOT NULL,
		  success    INTEGER NOT NULL,
		  feedback   TEXT,
		  created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_feedback_pattern
		ON pattern_feedback(pattern_id, created_at);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Future migrations go here:
	// if version < 2 { ... }

	return nil
}

// verifyWALMode checks that WAL mode is active (set via connection string).
func verifyWALMode(db *sql.DB) error {
	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		return fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		return fmt.Errorf("expected WAL mode, got %s", journalMode)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
