package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/njoerd114/feedsync/internal/model"
)

// InsertEnclosureDownload creates a not-started download record for an
// entry. It reports false, without error, when a record already exists; the
// primary key makes the check and the insert a single atomic step.
func (s *Store) InsertEnclosureDownload(ctx context.Context, entryID, cacheURI string) (bool, error) {
	const q = `
		INSERT INTO enclosure_downloads (entry_id, download_percent, cache_uri)
		VALUES (?, NULL, ?)
		ON CONFLICT(entry_id) DO NOTHING`
	res, err := s.db.ExecContext(ctx, q, entryID, cacheURI)
	if err != nil {
		return false, fmt.Errorf("inserting enclosure download %q: %w", entryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("inserting enclosure download %q: %w", entryID, err)
	}
	return n == 1, nil
}

// UpdateEnclosureProgress stores the download percent of an entry's enclosure.
func (s *Store) UpdateEnclosureProgress(ctx context.Context, entryID string, percent int) error {
	const q = `UPDATE enclosure_downloads SET download_percent = ? WHERE entry_id = ?`
	if _, err := s.db.ExecContext(ctx, q, percent, entryID); err != nil {
		return fmt.Errorf("updating enclosure progress %q: %w", entryID, err)
	}
	return nil
}

// EnclosureDownload returns the download record for an entry, or (nil, nil).
func (s *Store) EnclosureDownload(ctx context.Context, entryID string) (*model.EnclosureDownload, error) {
	const q = `SELECT entry_id, download_percent, cache_uri FROM enclosure_downloads WHERE entry_id = ?`
	return scanEnclosure(s.db.QueryRowContext(ctx, q, entryID))
}

// EnclosureDownloads returns every download record.
func (s *Store) EnclosureDownloads(ctx context.Context) ([]model.EnclosureDownload, error) {
	const q = `SELECT entry_id, download_percent, cache_uri FROM enclosure_downloads ORDER BY entry_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying enclosure downloads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.EnclosureDownload
	for rows.Next() {
		d, err := scanEnclosure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// DeleteEnclosureDownload removes an entry's download record.
func (s *Store) DeleteEnclosureDownload(ctx context.Context, entryID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM enclosure_downloads WHERE entry_id = ?`, entryID); err != nil {
		return fmt.Errorf("deleting enclosure download %q: %w", entryID, err)
	}
	return nil
}

func scanEnclosure(s scanner) (*model.EnclosureDownload, error) {
	var d model.EnclosureDownload
	var pct sql.NullInt64
	err := s.Scan(&d.EntryID, &pct, &d.CacheURI)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning enclosure row: %w", err)
	}
	if pct.Valid {
		v := int(pct.Int64)
		d.DownloadPercent = &v
	}
	return &d, nil
}
