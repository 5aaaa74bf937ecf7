package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

const (
	prefInitialSyncCompleted    = "initial_sync_completed"
	prefLastEntriesSyncDateTime = "last_entries_sync_datetime"
)

// InitialSyncCompleted reports whether the one-time initial sync succeeded.
func (s *Store) InitialSyncCompleted(ctx context.Context) (bool, error) {
	v, ok, err := s.preference(ctx, prefInitialSyncCompleted)
	if err != nil || !ok {
		return false, err
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q: %w", prefInitialSyncCompleted, v, err)
	}
	return b, nil
}

// SetInitialSyncCompleted persists the initial-sync flag.
func (s *Store) SetInitialSyncCompleted(ctx context.Context, done bool) error {
	return s.setPreference(ctx, prefInitialSyncCompleted, strconv.FormatBool(done))
}

// LastEntriesSyncDateTime returns when entries were last fetched
// successfully, or the zero time if never.
func (s *Store) LastEntriesSyncDateTime(ctx context.Context) (time.Time, error) {
	v, ok, err := s.preference(ctx, prefLastEntriesSyncDateTime)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := parseTime(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s=%q: %w", prefLastEntriesSyncDateTime, v, err)
	}
	return t, nil
}

// SetLastEntriesSyncDateTime persists the last successful entry fetch time.
func (s *Store) SetLastEntriesSyncDateTime(ctx context.Context, t time.Time) error {
	return s.setPreference(ctx, prefLastEntriesSyncDateTime, formatTime(t))
}

func (s *Store) preference(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM preferences WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading preference %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) setPreference(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("writing preference %q: %w", key, err)
	}
	return nil
}
