// Package storage implements the three-tier pipeline of SPEC_FULL §4.4:
// an L1 per-root buffer, an L2 process-wide overlay singleton, and an
// L3 single-writer SQLite+FTS queue.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the version migrate records in schema_version
// when that table is empty; an existing row is left unchanged and
// nothing reads it back.
const CurrentSchemaVersion = 1

// OpenDB opens the single global SQLite database at path with the
// single-writer pragmas of §4.1's database path policy
// (SetMaxOpenConns(1), WAL, busy_timeout, synchronous=NORMAL) via the
// pure-Go modernc.org/sqlite driver.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrate applies the staged table/index creation of §3's data model:
// idempotent CREATE ... IF NOT EXISTS statements, so repeated daemon
// starts against an existing database are safe no-ops, plus a schema
// version row written once.
func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS roots (
			root_id TEXT PRIMARY KEY,
			abs_path TEXT NOT NULL,
			real_path TEXT NOT NULL,
			label TEXT NOT NULL,
			config_json TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS files (
			root_id TEXT NOT NULL,
			path TEXT NOT NULL,
			repo TEXT NOT NULL,
			mtime INTEGER NOT NULL,
			size INTEGER NOT NULL,
			content BLOB,
			content_hash TEXT,
			fts_text TEXT,
			scan_ts INTEGER NOT NULL,
			deleted_ts INTEGER NOT NULL DEFAULT 0,
			parse_status TEXT,
			parse_reason TEXT,
			ast_status TEXT,
			ast_reason TEXT,
			is_binary INTEGER NOT NULL DEFAULT 0,
			is_minified INTEGER NOT NULL DEFAULT 0,
			sampled INTEGER NOT NULL DEFAULT 0,
			content_bytes INTEGER NOT NULL DEFAULT 0,
			lsp_dirty INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT,
			PRIMARY KEY (root_id, path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_deleted ON files(deleted_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_files_repo ON files(root_id, repo)`,

		// Not a contentless (content='') table: sari reads path back out
		// of files_fts directly (engine.go's Search join), which a
		// contentless table cannot support — the small duplication of
		// path/fts_text alongside the files table is the tradeoff.
		`CREATE VIRTUAL TABLE IF NOT EXISTS files_fts USING fts5(
			path, fts_text, root_id UNINDEXED, tokenize='porter unicode61'
		)`,

		`CREATE TABLE IF NOT EXISTS symbols (
			symbol_id TEXT PRIMARY KEY,
			root_id TEXT NOT NULL,
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			snippet TEXT,
			parent_qualname TEXT,
			qualname TEXT NOT NULL,
			docstring TEXT,
			importance REAL NOT NULL DEFAULT 0,
			metadata_json TEXT,
			FOREIGN KEY (root_id, path) REFERENCES files(root_id, path) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_path ON symbols(root_id, path)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(name)`,

		`CREATE TABLE IF NOT EXISTS relations (
			from_root_id TEXT NOT NULL,
			from_path TEXT NOT NULL,
			from_symbol_id TEXT,
			from_name TEXT NOT NULL,
			to_root_id TEXT,
			to_path TEXT,
			to_symbol_id TEXT,
			to_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			call_line INTEGER,
			metadata_json TEXT,
			PRIMARY KEY (from_root_id, from_path, from_name, to_name, kind, call_line)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_name)`,

		`CREATE TABLE IF NOT EXISTS snippets (
			tag TEXT NOT NULL,
			root_id TEXT NOT NULL,
			path TEXT NOT NULL,
			start_line INTEGER NOT NULL,
			end_line INTEGER NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			before_anchor TEXT,
			after_anchor TEXT,
			repo TEXT,
			note TEXT,
			commit_hash TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			metadata_json TEXT,
			PRIMARY KEY (tag, root_id, path, start_line, end_line)
		)`,

		`CREATE TABLE IF NOT EXISTS contexts (
			topic TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			tags_json TEXT,
			related_files_json TEXT,
			source TEXT,
			valid_from INTEGER,
			valid_until INTEGER,
			deprecated INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS failed_tasks (
			path TEXT PRIMARY KEY,
			root_id TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			error_text TEXT,
			created_at INTEGER NOT NULL,
			next_retry INTEGER NOT NULL,
			metadata_json TEXT
		)`,
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate: %s: %w", stmt, err)
		}
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		tx.Rollback()
		return err
	}
	if count == 0 {
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
			tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}
