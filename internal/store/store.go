// Package store manages the SQLite database that caches feeds, entries,
// enclosure downloads, and sync preferences.
//
// Only this package may open or query the database. All other packages receive
// a [*Store] and call its methods. Every method that writes more than one row
// does so inside a single transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/njoerd114/feedsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS feeds (
    id                      TEXT    PRIMARY KEY,
    title                   TEXT    NOT NULL DEFAULT '',
    links                   TEXT    NOT NULL DEFAULT '[]',
    open_entries_in_browser INTEGER NOT NULL DEFAULT 0,
    blocked_words           TEXT    NOT NULL DEFAULT '',
    show_preview_images     INTEGER
);

CREATE TABLE IF NOT EXISTS entries (
    id                TEXT    PRIMARY KEY,
    feed_id           TEXT    NOT NULL,
    title             TEXT    NOT NULL DEFAULT '',
    content           TEXT    NOT NULL DEFAULT '',
    author            TEXT    NOT NULL DEFAULT '',
    published         TEXT    NOT NULL DEFAULT '',
    updated           TEXT    NOT NULL DEFAULT '',
    links             TEXT    NOT NULL DEFAULT '[]',
    ext_guid_hash     TEXT    NOT NULL DEFAULT '',
    read              INTEGER NOT NULL DEFAULT 0,
    read_synced       INTEGER NOT NULL DEFAULT 1,
    bookmarked        INTEGER NOT NULL DEFAULT 0,
    bookmarked_synced INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_entries_feed_id  ON entries (feed_id);
CREATE INDEX IF NOT EXISTS idx_entries_updated  ON entries (updated);
CREATE INDEX IF NOT EXISTS idx_entries_unsynced_read      ON entries (read_synced)       WHERE read_synced = 0;
CREATE INDEX IF NOT EXISTS idx_entries_unsynced_bookmarks ON entries (bookmarked_synced) WHERE bookmarked_synced = 0;

CREATE TABLE IF NOT EXISTS enclosure_downloads (
    entry_id         TEXT    PRIMARY KEY,
    download_percent INTEGER,
    cache_uri        TEXT    NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS preferences (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// timeLayout is fixed-width so that stored timestamps sort lexically in
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// maxBatchVars bounds the number of bound parameters in one IN (...) list.
const maxBatchVars = 500

// ErrNotFound is returned by updates that target a row that does not exist.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed local cache.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the database:
// ~/.local/share/feedsync/feedsync.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "feedsync", "feedsync.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema, and
// configures WAL mode for better concurrent read performance.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL. Sync and enclosure
	// downloads share this connection and queue behind each other.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies the schema DDL idempotently (CREATE IF NOT EXISTS).
func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// inTx runs fn inside a transaction, committing on success.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

// scanner matches both *sql.Row and *sql.Rows so scan helpers can be reused.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func encodeLinks(links []model.Link) (string, error) {
	if len(links) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(links)
	if err != nil {
		return "", fmt.Errorf("encoding links: %w", err)
	}
	return string(b), nil
}

func decodeLinks(s string) ([]model.Link, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var links []model.Link
	if err := json.Unmarshal([]byte(s), &links); err != nil {
		return nil, fmt.Errorf("decoding links: %w", err)
	}
	return links, nil
}

// chunk splits ids into slices of at most size elements.
func chunk(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
