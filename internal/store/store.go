package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/playwarden/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Enable WAL mode for concurrent read/write access and set a busy
	// timeout so writers retry instead of immediately returning SQLITE_BUSY.
	// synchronous=FULL keeps every session write durable across a crash.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Checkpoint truncates the WAL file back into the main database. Run this
// periodically so the WAL does not grow without bound between restarts.
func (s *Store) Checkpoint() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			identifier    TEXT PRIMARY KEY,
			display_name  TEXT NOT NULL,
			first_seen    INTEGER NOT NULL,
			last_seen     INTEGER NOT NULL,
			playtime_ms   INTEGER NOT NULL DEFAULT 0,
			session_count INTEGER NOT NULL DEFAULT 0,
			session_start INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_name ON accounts(display_name)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_open ON accounts(session_start) WHERE session_start IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS session_log (
			id          TEXT PRIMARY KEY,
			identifier  TEXT NOT NULL REFERENCES accounts(identifier),
			started_at  INTEGER NOT NULL,
			ended_at    INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			end_reason  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_log_account ON session_log(identifier, ended_at)`,
		`CREATE TABLE IF NOT EXISTS secrets (
			name       TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	return nil
}
