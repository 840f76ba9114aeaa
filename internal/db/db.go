// Package db provides SQLite database initialization and migration for the
// reference library's local index: the embeddings table, the per-item
// index_status bookkeeping, and the extracted-text cache.
package db

import (
	"bytes"
	"database/sql"
	"encoding/base64"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens a SQLite database connection at dbPath, enables WAL mode and
// foreign keys, and creates all required tables idempotently.
func InitDB(dbPath string) (*sql.DB, error) {
	database, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := database.Ping(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL mode allows concurrent readers with one writer. Use a small pool
	// so searches don't queue up behind an in-progress index write.
	database.SetMaxOpenConns(4)
	database.SetMaxIdleConns(4)
	database.SetConnMaxLifetime(0)

	if err := configurePragmas(database); err != nil {
		database.Close()
		return nil, err
	}

	if err := createTables(database); err != nil {
		database.Close()
		return nil, err
	}

	if err := migrateTables(database); err != nil {
		database.Close()
		return nil, err
	}

	if err := selfTestBase64(); err != nil {
		database.Close()
		return nil, err
	}

	if err := createIndexes(database); err != nil {
		database.Close()
		return nil, err
	}

	return database, nil
}

func configurePragmas(database *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=30000",
		"PRAGMA secure_delete=ON",
		"PRAGMA wal_autocheckpoint=1000",
	}
	for _, p := range pragmas {
		if _, err := database.Exec(p); err != nil {
			return fmt.Errorf("failed to set pragma %q: %w", p, err)
		}
	}
	return nil
}

// createTables creates the schema idempotently inside one transaction.
func createTables(database *sql.DB) error {
	tx, err := database.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS embeddings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			item_key TEXT NOT NULL,
			chunk_id INTEGER NOT NULL,
			chunk_text TEXT NOT NULL,
			language TEXT NOT NULL DEFAULT '',
			dimensions INTEGER NOT NULL,
			vector_f32 BLOB NOT NULL,
			vector_i8 TEXT,
			scale REAL NOT NULL DEFAULT 0,
			norm REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(item_key, chunk_id)
		)`,
		`CREATE TABLE IF NOT EXISTS index_status (
			item_key TEXT PRIMARY KEY,
			indexed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			version INTEGER NOT NULL DEFAULT 1,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			content_hash TEXT NOT NULL DEFAULT '',
			item_modified DATETIME,
			attachment_modified DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS content_cache (
			item_key TEXT PRIMARY KEY,
			full_content TEXT NOT NULL DEFAULT '',
			content_hash TEXT NOT NULL DEFAULT '',
			cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return tx.Commit()
}

// migration describes one additive column migration, applied only if the
// column does not already exist.
type migration struct {
	table  string
	column string
	ddl    string
}

// migrateTables applies additive column migrations for schema versions
// introduced after the initial release. Safe to run on every startup.
func migrateTables(database *sql.DB) error {
	migrations := []migration{
		{"embeddings", "vector_i8", "ALTER TABLE embeddings ADD COLUMN vector_i8 TEXT"},
		{"embeddings", "scale", "ALTER TABLE embeddings ADD COLUMN scale REAL NOT NULL DEFAULT 0"},
		{"embeddings", "norm", "ALTER TABLE embeddings ADD COLUMN norm REAL NOT NULL DEFAULT 0"},
	}

	for _, m := range migrations {
		exists, err := columnExists(database, m.table, m.column)
		if err != nil {
			return fmt.Errorf("failed to check column %s.%s: %w", m.table, m.column, err)
		}
		if exists {
			continue
		}
		if _, err := database.Exec(m.ddl); err != nil {
			return fmt.Errorf("failed to apply migration %s.%s: %w", m.table, m.column, err)
		}
	}
	return nil
}

// selfTestBase64 round-trips a known byte vector through the same
// base64 encoding internal/store uses for the vector_i8 column, aborting
// startup if the platform's encoder/decoder doesn't reproduce it exactly.
// Run once per InitDB call, right after migrateTables, so a bad build
// never gets the chance to persist silently-corrupted quantized vectors.
func selfTestBase64() error {
	known := []byte{0, 1, 2, 127, 128, 200, 255, 17, 42, 99}
	encoded := base64.StdEncoding.EncodeToString(known)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("base64 self-test: decode failed: %w", err)
	}
	if !bytes.Equal(known, decoded) {
		return fmt.Errorf("base64 self-test: round-trip mismatch: got %v, want %v", decoded, known)
	}
	return nil
}

// validTables whitelists the tables columnExists is allowed to inspect,
// since PRAGMA table_info cannot be parameterized.
var validTables = map[string]bool{
	"embeddings":    true,
	"index_status":  true,
	"content_cache": true,
}

func columnExists(database *sql.DB, table, column string) (bool, error) {
	if !validTables[table] {
		return false, fmt.Errorf("unknown table: %s", table)
	}
	rows, err := database.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notnull    int
			dfltValue  interface{}
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func createIndexes(database *sql.DB) error {
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_embeddings_item_key ON embeddings(item_key)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_language ON embeddings(language)`,
	}
	for _, stmt := range statements {
		if _, err := database.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}
