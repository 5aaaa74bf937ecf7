package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/njoerd114/feedsync/internal/model"
)

const entryColumns = `id, feed_id, title, content, author, published, updated, links, ext_guid_hash,
	read, read_synced, bookmarked, bookmarked_synced`

// upsertEntrySQL refreshes content fields of an existing entry. A flag is
// taken from the payload only while the local copy is synced; an unsynced
// local flag always wins over incoming data.
const upsertEntrySQL = `
	INSERT INTO entries (` + entryColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
	    feed_id           = excluded.feed_id,
	    title             = excluded.title,
	    content           = excluded.content,
	    author            = excluded.author,
	    published         = excluded.published,
	    updated           = excluded.updated,
	    links             = excluded.links,
	    ext_guid_hash     = excluded.ext_guid_hash,
	    read              = CASE WHEN entries.read_synced = 1 THEN excluded.read ELSE entries.read END,
	    read_synced       = CASE WHEN entries.read_synced = 1 THEN excluded.read_synced ELSE 0 END,
	    bookmarked        = CASE WHEN entries.bookmarked_synced = 1 THEN excluded.bookmarked ELSE entries.bookmarked END,
	    bookmarked_synced = CASE WHEN entries.bookmarked_synced = 1 THEN excluded.bookmarked_synced ELSE 0 END`

// Entry returns the entry with the given id, or (nil, nil) if none exists.
func (s *Store) Entry(ctx context.Context, id string) (*model.Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM entries WHERE id = ?`
	return scanEntry(s.db.QueryRowContext(ctx, q, id))
}

// EntryExists reports whether an entry with the given id is cached.
func (s *Store) EntryExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries WHERE id = ?`, id).Scan(&n); err != nil {
		return false, fmt.Errorf("checking entry %q: %w", id, err)
	}
	return n > 0, nil
}

// EntriesByFeed returns a feed's entries, newest first.
func (s *Store) EntriesByFeed(ctx context.Context, feedID string) ([]model.Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM entries WHERE feed_id = ? ORDER BY published DESC, id`
	return s.queryEntries(ctx, q, feedID)
}

// CountEntries returns the number of cached entries.
func (s *Store) CountEntries(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting entries: %w", err)
	}
	return n, nil
}

// UpsertEntries inserts or refreshes entries in a single transaction. See
// upsertEntrySQL for how flags of existing entries are treated.
func (s *Store) UpsertEntries(ctx context.Context, entries []model.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, upsertEntrySQL)
		if err != nil {
			return fmt.Errorf("preparing entry upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i := range entries {
			e := &entries[i]
			links, err := encodeLinks(e.Links)
			if err != nil {
				return fmt.Errorf("entry %q: %w", e.ID, err)
			}
			if _, err := stmt.ExecContext(ctx,
				e.ID, e.FeedID, e.Title, e.Content, e.Author,
				formatTime(e.Published), formatTime(e.Updated), links, e.ExtGUIDHash,
				e.Read, e.ReadSynced, e.Bookmarked, e.BookmarkedSynced,
			); err != nil {
				return fmt.Errorf("upserting entry %q: %w", e.ID, err)
			}
		}
		return nil
	})
}

// SetRead changes the read flag of the given entries and clears their
// read_synced bit. Entries already holding the value are left untouched.
// It returns the number of entries changed.
func (s *Store) SetRead(ctx context.Context, ids []string, read bool) (int64, error) {
	return s.setFlag(ctx, "read", "read_synced", ids, read)
}

// SetBookmarked changes the bookmarked flag of the given entries and clears
// their bookmarked_synced bit. It returns the number of entries changed.
func (s *Store) SetBookmarked(ctx context.Context, ids []string, bookmarked bool) (int64, error) {
	return s.setFlag(ctx, "bookmarked", "bookmarked_synced", ids, bookmarked)
}

func (s *Store) setFlag(ctx context.Context, flag, syncedCol string, ids []string, value bool) (int64, error) {
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, batch := range chunk(ids, maxBatchVars) {
			q, args, err := sq.Update("entries").
				Set(flag, value).
				Set(syncedCol, false).
				Where(sq.Eq{"id": batch}).
				Where(sq.NotEq{flag: value}).
				ToSql()
			if err != nil {
				return fmt.Errorf("building %s update: %w", flag, err)
			}
			res, err := tx.ExecContext(ctx, q, args...)
			if err != nil {
				return fmt.Errorf("setting %s=%t: %w", flag, value, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("reading %s rows affected: %w", flag, err)
			}
			total += n
		}
		return nil
	})
	return total, err
}

// UnsyncedReadEntries returns entries whose read flag has not been pushed.
func (s *Store) UnsyncedReadEntries(ctx context.Context) ([]model.Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM entries WHERE read_synced = 0 ORDER BY id`
	return s.queryEntries(ctx, q)
}

// UnsyncedBookmarkedEntries returns entries whose bookmarked flag has not been
// pushed.
func (s *Store) UnsyncedBookmarkedEntries(ctx context.Context) ([]model.Entry, error) {
	q := `SELECT ` + entryColumns + ` FROM entries WHERE bookmarked_synced = 0 ORDER BY id`
	return s.queryEntries(ctx, q)
}

// MarkReadSynced sets read_synced for the given entries, but only where the
// current read value still equals the pushed one. An entry changed locally
// while its push was in flight stays dirty.
func (s *Store) MarkReadSynced(ctx context.Context, ids []string, read bool) error {
	return s.markSynced(ctx, "read", "read_synced", ids, read)
}

// MarkBookmarkSynced is the bookmarked-flag counterpart of [Store.MarkReadSynced].
func (s *Store) MarkBookmarkSynced(ctx context.Context, ids []string, bookmarked bool) error {
	return s.markSynced(ctx, "bookmarked", "bookmarked_synced", ids, bookmarked)
}

func (s *Store) markSynced(ctx context.Context, flag, syncedCol string, ids []string, pushed bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, batch := range chunk(ids, maxBatchVars) {
			q, args, err := sq.Update("entries").
				Set(syncedCol, true).
				Where(sq.Eq{"id": batch, flag: pushed}).
				ToSql()
			if err != nil {
				return fmt.Errorf("building %s update: %w", syncedCol, err)
			}
			if _, err := tx.ExecContext(ctx, q, args...); err != nil {
				return fmt.Errorf("marking %s: %w", syncedCol, err)
			}
		}
		return nil
	})
}

// MaxUpdated returns the newest updated timestamp in the cache, or the zero
// time when the cache is empty.
func (s *Store) MaxUpdated(ctx context.Context) (time.Time, error) {
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(updated) FROM entries WHERE updated != ''`).Scan(&raw); err != nil {
		return time.Time{}, fmt.Errorf("querying max updated: %w", err)
	}
	if !raw.Valid {
		return time.Time{}, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing max updated %q: %w", raw.String, err)
	}
	return t, nil
}

func (s *Store) queryEntries(ctx context.Context, q string, args ...any) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func scanEntry(s scanner) (*model.Entry, error) {
	var e model.Entry
	var published, updated, links string

	err := s.Scan(
		&e.ID, &e.FeedID, &e.Title, &e.Content, &e.Author,
		&published, &updated, &links, &e.ExtGUIDHash,
		&e.Read, &e.ReadSynced, &e.Bookmarked, &e.BookmarkedSynced,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning entry row: %w", err)
	}

	e.Published, _ = parseTime(published)
	e.Updated, _ = parseTime(updated)
	if e.Links, err = decodeLinks(links); err != nil {
		return nil, fmt.Errorf("entry %q: %w", e.ID, err)
	}
	return &e, nil
}
