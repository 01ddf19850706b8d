// Package index is the lazily maintained, disposable SQLite index over note
// heads: metadata pairs, full-text postings, per-note watermarks and
// deletion tombstones. Results are candidates only.
package index

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS notes (
	note_id    TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	tokens     INTEGER NOT NULL DEFAULT 0,
	indexed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS meta (
	note_id TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	UNIQUE(note_id, key, value)
);

CREATE INDEX IF NOT EXISTS idx_meta_kv ON meta(key, value);
CREATE INDEX IF NOT EXISTS idx_meta_value ON meta(value);

CREATE TABLE IF NOT EXISTS postings (
	token    TEXT NOT NULL,
	note_id  TEXT NOT NULL,
	position INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_postings_token ON postings(token);
CREATE INDEX IF NOT EXISTS idx_postings_note ON postings(note_id);

CREATE TABLE IF NOT EXISTS tombstones (
	note_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL,
	swept   INTEGER NOT NULL DEFAULT 0
);
`

// DB wraps a sql.DB with index-specific operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("index: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("index: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Reset drops every row. The index is disposable.
func (db *DB) Reset(ctx context.Context) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	for _, table := range []string{"postings", "meta", "tombstones", "notes"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return fmt.Errorf("index: reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}
