package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/feedsync/internal/backend"
	"github.com/njoerd114/feedsync/internal/model"
)

// entryPageSize is the number of entries written per transaction when an
// incremental fetch returns one large list.
const entryPageSize = 500

// EntriesRepository moves entries and their flags between the backend and
// the local store. It performs no locking; callers serialise it through the
// [Engine].
type EntriesRepository struct {
	backend Backend
	store   Store
	now     func() time.Time
	log     *slog.Logger
}

// NewEntriesRepository creates an EntriesRepository.
func NewEntriesRepository(b Backend, s Store, logger *slog.Logger) *EntriesRepository {
	return &EntriesRepository{backend: b, store: s, now: time.Now, log: logger}
}

// MarkAsRead sets the read flag of the given entries locally and marks them
// dirty. It returns the number of entries whose flag changed.
func (r *EntriesRepository) MarkAsRead(ctx context.Context, ids []string, read bool) (int64, error) {
	n, err := r.store.SetRead(ctx, ids, read)
	if err != nil {
		return 0, fmt.Errorf("marking entries read=%t: %w", read, err)
	}
	return n, nil
}

// SetBookmarked sets the bookmarked flag of one entry locally and marks it
// dirty. It reports whether the flag changed.
func (r *EntriesRepository) SetBookmarked(ctx context.Context, id string, bookmarked bool) (bool, error) {
	n, err := r.store.SetBookmarked(ctx, []string{id}, bookmarked)
	if err != nil {
		return false, fmt.Errorf("setting bookmark of entry %s: %w", id, err)
	}
	return n > 0, nil
}

// SyncReadFlags pushes every dirty read flag to the backend: one call for
// the entries marked read and one for those marked unread. A subset is
// marked synced as soon as its call succeeds, so a failure of the second
// call keeps the first one's progress. It returns the number of flags
// pushed.
func (r *EntriesRepository) SyncReadFlags(ctx context.Context) (int, error) {
	dirty, err := r.store.UnsyncedReadEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("selecting unsynced read flags: %w", err)
	}

	var subsets [2][]string // [0] unread, [1] read
	for i := range dirty {
		v := boolIndex(dirty[i].Read)
		subsets[v] = append(subsets[v], dirty[i].ID)
	}

	pushed := 0
	for _, read := range []bool{true, false} {
		ids := subsets[boolIndex(read)]
		if len(ids) == 0 {
			continue
		}
		if err := r.backend.MarkEntriesAsRead(ctx, ids, read); err != nil {
			return pushed, fmt.Errorf("pushing %d entries read=%t: %w", len(ids), read, err)
		}
		if err := r.store.MarkReadSynced(ctx, ids, read); err != nil {
			return pushed, fmt.Errorf("marking read flags synced: %w", err)
		}
		pushed += len(ids)
		r.log.Debug("pushed read flags", "read", read, "count", len(ids))
	}
	return pushed, nil
}

// SyncBookmarkFlags is the bookmark counterpart of [EntriesRepository.SyncReadFlags].
func (r *EntriesRepository) SyncBookmarkFlags(ctx context.Context) (int, error) {
	dirty, err := r.store.UnsyncedBookmarkedEntries(ctx)
	if err != nil {
		return 0, fmt.Errorf("selecting unsynced bookmarks: %w", err)
	}

	var subsets [2][]model.EntryRef
	for i := range dirty {
		v := boolIndex(dirty[i].Bookmarked)
		subsets[v] = append(subsets[v], dirty[i].Ref())
	}

	pushed := 0
	for _, bookmarked := range []bool{true, false} {
		refs := subsets[boolIndex(bookmarked)]
		if len(refs) == 0 {
			continue
		}
		if err := r.backend.MarkEntriesAsBookmarked(ctx, refs, bookmarked); err != nil {
			return pushed, fmt.Errorf("pushing %d entries bookmarked=%t: %w", len(refs), bookmarked, err)
		}
		ids := make([]string, len(refs))
		for i, ref := range refs {
			ids[i] = ref.ID
		}
		if err := r.store.MarkBookmarkSynced(ctx, ids, bookmarked); err != nil {
			return pushed, fmt.Errorf("marking bookmarks synced: %w", err)
		}
		pushed += len(refs)
		r.log.Debug("pushed bookmarks", "bookmarked", bookmarked, "count", len(refs))
	}
	return pushed, nil
}

func boolIndex(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SyncNewAndUpdated fetches entries changed since the newest entry in the
// store and writes them one page per transaction. It returns the number of
// entries stored.
func (r *EntriesRepository) SyncNewAndUpdated(ctx context.Context) (int, error) {
	mark, err := r.store.MaxUpdated(ctx)
	if err != nil {
		return 0, err
	}
	last, err := r.store.LastEntriesSyncDateTime(ctx)
	if err != nil {
		return 0, err
	}
	since := backend.Since{Updated: mark, LastSync: last}

	started := r.now()
	entries, err := r.backend.NewAndUpdatedEntries(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("fetching entries since %s: %w", since.Time().Format(time.RFC3339), err)
	}

	blocked, err := r.blockedWords(ctx)
	if err != nil {
		return 0, err
	}

	for start := 0; start < len(entries); start += entryPageSize {
		page := entries[start:min(start+entryPageSize, len(entries))]
		if err := r.storePage(ctx, page, blocked); err != nil {
			return start, err
		}
	}

	if err := r.store.SetLastEntriesSyncDateTime(ctx, started); err != nil {
		return len(entries), err
	}
	r.log.Debug("fetched new and updated entries", "count", len(entries), "since", since.Time())
	return len(entries), nil
}

// SyncAll streams the backend's unread and bookmarked entries into the
// store, one transaction per page, calling progress with the running total
// after each page. progress may be nil.
func (r *EntriesRepository) SyncAll(ctx context.Context, progress func(total int)) (int, error) {
	blocked, err := r.blockedWords(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	err = r.backend.Entries(ctx, false, func(page []model.Entry) error {
		if err := r.storePage(ctx, page, blocked); err != nil {
			return err
		}
		total += len(page)
		if progress != nil {
			progress(total)
		}
		return nil
	})
	if err != nil {
		return total, fmt.Errorf("fetching all entries: %w", err)
	}
	return total, nil
}

// storePage post-processes a page and writes it in one transaction.
func (r *EntriesRepository) storePage(ctx context.Context, page []model.Entry, blocked map[string]string) error {
	for i := range page {
		postProcess(&page[i], blocked[page[i].FeedID])
	}
	if err := r.store.UpsertEntries(ctx, page); err != nil {
		return fmt.Errorf("storing %d entries: %w", len(page), err)
	}
	return nil
}

// postProcess caps oversized content and forces entries whose title matches
// the feed's blocked words to read. A forced change is local, so the read
// flag is left dirty for the next push.
func postProcess(e *model.Entry, blockedWords string) {
	e.CapContent()
	if !e.Read && model.MatchesBlockedWords(e.Title, blockedWords) {
		e.Read = true
		e.ReadSynced = false
	}
}

// blockedWords maps feed ids to their blocked-words setting.
func (r *EntriesRepository) blockedWords(ctx context.Context) (map[string]string, error) {
	feeds, err := r.store.Feeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading feed settings: %w", err)
	}
	m := make(map[string]string, len(feeds))
	for _, f := range feeds {
		if f.BlockedWords != "" {
			m[f.ID] = f.BlockedWords
		}
	}
	return m, nil
}
