package sync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/njoerd114/feedsync/internal/model"
)

// FeedsRepository keeps the cached feed list in step with the backend.
type FeedsRepository struct {
	backend Backend
	store   Store
	log     *slog.Logger
}

// NewFeedsRepository creates a FeedsRepository.
func NewFeedsRepository(b Backend, s Store, logger *slog.Logger) *FeedsRepository {
	return &FeedsRepository{backend: b, store: s, log: logger}
}

// Sync replaces the cached feed list with the backend's when the two differ.
// Local-only settings of feeds that survive are carried over; feeds that
// disappeared are deleted together with their entries. It reports whether
// the cache changed.
func (r *FeedsRepository) Sync(ctx context.Context) (bool, error) {
	remote, err := r.backend.Feeds(ctx)
	if err != nil {
		return false, fmt.Errorf("fetching feeds: %w", err)
	}
	local, err := r.store.Feeds(ctx)
	if err != nil {
		return false, fmt.Errorf("loading cached feeds: %w", err)
	}

	byID := make(map[string]*model.Feed, len(local))
	for i := range local {
		byID[local[i].ID] = &local[i]
	}
	for i := range remote {
		if old, ok := byID[remote[i].ID]; ok {
			remote[i].ApplyOverrides(old.Overrides())
		}
	}

	if feedsEqual(local, remote) {
		r.log.Debug("feed list unchanged", "feeds", len(remote))
		return false, nil
	}
	if err := r.store.ReplaceFeeds(ctx, remote); err != nil {
		return false, fmt.Errorf("replacing cached feeds: %w", err)
	}
	r.log.Info("feed list updated", "before", len(local), "after", len(remote))
	return true, nil
}

// feedsEqual compares two feed lists by sorted id and then field by field.
func feedsEqual(a, b []model.Feed) bool {
	if len(a) != len(b) {
		return false
	}
	byID := func(x, y model.Feed) int { return strings.Compare(x.ID, y.ID) }
	a = slices.SortedFunc(slices.Values(a), byID)
	b = slices.SortedFunc(slices.Values(b), byID)
	return slices.EqualFunc(a, b, func(x, y model.Feed) bool {
		return x.ID == y.ID &&
			x.Title == y.Title &&
			slices.Equal(x.Links, y.Links) &&
			x.OpenEntriesInBrowser == y.OpenEntriesInBrowser &&
			x.BlockedWords == y.BlockedWords &&
			equalBoolPtr(x.ShowPreviewImages, y.ShowPreviewImages)
	})
}

func equalBoolPtr(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Add subscribes to url on the backend and caches the new feed.
func (r *FeedsRepository) Add(ctx context.Context, url string) (model.Feed, error) {
	feed, err := r.backend.AddFeed(ctx, url)
	if err != nil {
		return model.Feed{}, err
	}
	if err := r.store.InsertFeed(ctx, &feed); err != nil {
		return model.Feed{}, err
	}
	r.log.Info("feed added", "feed_id", feed.ID, "title", feed.Title)
	return feed, nil
}

// Rename changes a feed's title on the backend and in the cache.
func (r *FeedsRepository) Rename(ctx context.Context, id, title string) error {
	if err := r.backend.UpdateFeedTitle(ctx, id, title); err != nil {
		return err
	}
	return r.store.UpdateFeedTitle(ctx, id, title)
}

// Delete unsubscribes from a feed and removes it and its entries from the
// cache.
func (r *FeedsRepository) Delete(ctx context.Context, id string) error {
	if err := r.backend.DeleteFeed(ctx, id); err != nil {
		return err
	}
	if err := r.store.DeleteFeed(ctx, id); err != nil {
		return err
	}
	r.log.Info("feed deleted", "feed_id", id)
	return nil
}

// UpdateOverrides changes a feed's local-only settings. The backend is not
// involved.
func (r *FeedsRepository) UpdateOverrides(ctx context.Context, id string, o model.FeedOverrides) error {
	return r.store.UpdateFeedOverrides(ctx, id, o)
}
