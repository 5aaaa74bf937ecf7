package store

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/njoerd114/feedsync/internal/model"
)

const feedColumns = `id, title, links, open_entries_in_browser, blocked_words, show_preview_images`

// Feeds returns every cached feed ordered by title.
func (s *Store) Feeds(ctx context.Context) ([]model.Feed, error) {
	q := `SELECT ` + feedColumns + ` FROM feeds ORDER BY title COLLATE NOCASE, id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// Feed returns the feed with the given id, or (nil, nil) if it does not exist.
func (s *Store) Feed(ctx context.Context, id string) (*model.Feed, error) {
	q := `SELECT ` + feedColumns + ` FROM feeds WHERE id = ?`
	return scanFeed(s.db.QueryRowContext(ctx, q, id))
}

// InsertFeed inserts a feed, or refreshes the title and links of an existing
// one. Local-only overrides of an existing feed are left as they are.
func (s *Store) InsertFeed(ctx context.Context, f *model.Feed) error {
	const q = `
		INSERT INTO feeds (id, title, links, open_entries_in_browser, blocked_words, show_preview_images)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    title = excluded.title,
		    links = excluded.links`

	links, err := encodeLinks(f.Links)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, q,
		f.ID, f.Title, links, f.OpenEntriesInBrowser, f.BlockedWords, nullBool(f.ShowPreviewImages),
	); err != nil {
		return fmt.Errorf("inserting feed %q: %w", f.ID, err)
	}
	return nil
}

// UpdateFeedTitle renames a cached feed.
func (s *Store) UpdateFeedTitle(ctx context.Context, id, title string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE feeds SET title = ? WHERE id = ?`, title, id); err != nil {
		return fmt.Errorf("renaming feed %q: %w", id, err)
	}
	return nil
}

// UpdateFeedOverrides replaces the local-only fields of a feed.
func (s *Store) UpdateFeedOverrides(ctx context.Context, id string, o model.FeedOverrides) error {
	const q = `
		UPDATE feeds SET open_entries_in_browser = ?, blocked_words = ?, show_preview_images = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, q, o.OpenEntriesInBrowser, o.BlockedWords, nullBool(o.ShowPreviewImages), id)
	if err != nil {
		return fmt.Errorf("updating overrides of feed %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating overrides of feed %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("updating overrides of feed %q: %w", id, ErrNotFound)
	}
	return nil
}

// ReplaceFeeds makes the cached feed set equal to feeds in one transaction.
// Feeds absent from the new set are deleted together with their entries.
// The caller is responsible for carrying local-only overrides forward; the
// given records are written as-is.
func (s *Store) ReplaceFeeds(ctx context.Context, feeds []model.Feed) error {
	keep := make(map[string]bool, len(feeds))
	for _, f := range feeds {
		keep[f.ID] = true
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM feeds`)
		if err != nil {
			return fmt.Errorf("querying feed ids: %w", err)
		}
		var stale []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scanning feed id: %w", err)
			}
			if !keep[id] {
				stale = append(stale, id)
			}
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating feed ids: %w", err)
		}

		for _, ids := range chunk(stale, maxBatchVars) {
			if err := deleteFeedsTx(ctx, tx, ids); err != nil {
				return err
			}
		}

		const q = `
			INSERT INTO feeds (id, title, links, open_entries_in_browser, blocked_words, show_preview_images)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			    title                   = excluded.title,
			    links                   = excluded.links,
			    open_entries_in_browser = excluded.open_entries_in_browser,
			    blocked_words           = excluded.blocked_words,
			    show_preview_images     = excluded.show_preview_images`
		stmt, err := tx.PrepareContext(ctx, q)
		if err != nil {
			return fmt.Errorf("preparing feed upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for i := range feeds {
			f := &feeds[i]
			links, err := encodeLinks(f.Links)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx,
				f.ID, f.Title, links, f.OpenEntriesInBrowser, f.BlockedWords, nullBool(f.ShowPreviewImages),
			); err != nil {
				return fmt.Errorf("upserting feed %q: %w", f.ID, err)
			}
		}
		return nil
	})
}

// DeleteFeed removes a feed and all of its entries in one transaction.
func (s *Store) DeleteFeed(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return deleteFeedsTx(ctx, tx, []string{id})
	})
}

func deleteFeedsTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	q, args, err := sq.Delete("entries").Where(sq.Eq{"feed_id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("building entries delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("deleting entries of feeds: %w", err)
	}

	q, args, err = sq.Delete("feeds").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("building feeds delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("deleting feeds: %w", err)
	}
	return nil
}

func scanFeed(s scanner) (*model.Feed, error) {
	var f model.Feed
	var links string
	var preview sql.NullBool

	err := s.Scan(&f.ID, &f.Title, &links, &f.OpenEntriesInBrowser, &f.BlockedWords, &preview)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning feed row: %w", err)
	}

	if f.Links, err = decodeLinks(links); err != nil {
		return nil, fmt.Errorf("feed %q: %w", f.ID, err)
	}
	if preview.Valid {
		v := preview.Bool
		f.ShowPreviewImages = &v
	}
	return &f, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}
