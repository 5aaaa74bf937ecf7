// Package sync implements the feed sync engine. It keeps the local store
// consistent with a remote [Backend] while guaranteeing that at most one
// sync runs at a time.
//
// The package contains three main components:
//
//   - [Engine] serialises every sync behind one lock, sequences the phases
//     of a sync, and publishes progress through a [StateCell].
//   - [EntriesRepository] pushes dirty read/bookmark flags and pulls new and
//     updated entries.
//   - [FeedsRepository] mirrors the backend's feed list while keeping
//     local-only feed settings.
package sync

import (
	"context"
	"time"

	"github.com/njoerd114/feedsync/internal/backend"
	"github.com/njoerd114/feedsync/internal/model"
)

// Backend is a remote feed service. Implemented by the adapters under
// internal/backend.
type Backend interface {
	AddFeed(ctx context.Context, url string) (model.Feed, error)
	Feeds(ctx context.Context) ([]model.Feed, error)
	UpdateFeedTitle(ctx context.Context, feedID, title string) error
	DeleteFeed(ctx context.Context, feedID string) error

	// Entries streams the full entry set page by page. Used only by the
	// initial sync.
	Entries(ctx context.Context, includeRead bool, fn func(page []model.Entry) error) error
	NewAndUpdatedEntries(ctx context.Context, since backend.Since) ([]model.Entry, error)

	MarkEntriesAsRead(ctx context.Context, ids []string, read bool) error
	MarkEntriesAsBookmarked(ctx context.Context, refs []model.EntryRef, bookmarked bool) error
}

// Store provides access to the local cache.
// Implemented by [store.Store].
type Store interface {
	Feeds(ctx context.Context) ([]model.Feed, error)
	InsertFeed(ctx context.Context, f *model.Feed) error
	UpdateFeedTitle(ctx context.Context, id, title string) error
	UpdateFeedOverrides(ctx context.Context, id string, o model.FeedOverrides) error
	ReplaceFeeds(ctx context.Context, feeds []model.Feed) error
	DeleteFeed(ctx context.Context, id string) error

	UpsertEntries(ctx context.Context, entries []model.Entry) error
	SetRead(ctx context.Context, ids []string, read bool) (int64, error)
	SetBookmarked(ctx context.Context, ids []string, bookmarked bool) (int64, error)
	UnsyncedReadEntries(ctx context.Context) ([]model.Entry, error)
	UnsyncedBookmarkedEntries(ctx context.Context) ([]model.Entry, error)
	MarkReadSynced(ctx context.Context, ids []string, read bool) error
	MarkBookmarkSynced(ctx context.Context, ids []string, bookmarked bool) error
	MaxUpdated(ctx context.Context) (time.Time, error)

	InitialSyncCompleted(ctx context.Context) (bool, error)
	SetInitialSyncCompleted(ctx context.Context, done bool) error
	LastEntriesSyncDateTime(ctx context.Context) (time.Time, error)
	SetLastEntriesSyncDateTime(ctx context.Context, t time.Time) error
}

// Connectivity reports whether the backend can be reached.
// Implemented by [netcheck.Checker].
type Connectivity interface {
	Online(ctx context.Context) bool
}
