package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/njoerd114/feedsync/internal/backend"
	"github.com/njoerd114/feedsync/internal/model"
	"github.com/njoerd114/feedsync/internal/store"
)

func TestFeedsSync_CarriesLocalOverrides(t *testing.T) {
	ctx := context.Background()
	b := newMockBackend()
	s := openTestStore(t)
	show := false
	if err := s.InsertFeed(ctx, &model.Feed{ID: "f1", Title: "Old title"}); err != nil {
		t.Fatalf("InsertFeed: %v", err)
	}
	overrides := model.FeedOverrides{OpenEntriesInBrowser: true, BlockedWords: "ads", ShowPreviewImages: &show}
	if err := s.UpdateFeedOverrides(ctx, "f1", overrides); err != nil {
		t.Fatalf("UpdateFeedOverrides: %v", err)
	}

	b.feeds = []model.Feed{
		{ID: "f1", Title: "New title"},
		{ID: "f2", Title: "Another"},
	}
	r := NewFeedsRepository(b, s, testLogger)
	changed, err := r.Sync(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !changed {
		t.Error("changed = false, want true")
	}

	got, err := s.Feeds(ctx)
	if err != nil {
		t.Fatalf("Feeds: %v", err)
	}
	want := []model.Feed{
		{ID: "f2", Title: "Another"},
		{ID: "f1", Title: "New title", OpenEntriesInBrowser: true, BlockedWords: "ads", ShowPreviewImages: &show},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("feeds mismatch (-want +got):\n%s", diff)
	}
}

func TestFeedsSync_DropsRemovedFeedsAndEntries(t *testing.T) {
	ctx := context.Background()
	b := newMockBackend()
	s := openTestStore(t)
	for _, id := range []string{"f1", "f2"} {
		if err := s.InsertFeed(ctx, &model.Feed{ID: id, Title: id}); err != nil {
			t.Fatalf("InsertFeed: %v", err)
		}
	}
	seed(t, b, s, newEntry("e1", "f1", false, false, baseTime), newEntry("e2", "f2", false, false, baseTime))

	b.feeds = []model.Feed{{ID: "f2", Title: "f2"}}
	if _, err := NewFeedsRepository(b, s, testLogger).Sync(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if e, _ := s.Entry(ctx, "e1"); e != nil {
		t.Error("entry of removed feed survived")
	}
	if e, _ := s.Entry(ctx, "e2"); e == nil {
		t.Error("entry of kept feed was removed")
	}
}

func TestFeedsSync_UnchangedListIsNotRewritten(t *testing.T) {
	ctx := context.Background()
	b := newMockBackend()
	s := openTestStore(t)
	b.feeds = []model.Feed{
		{ID: "f2", Title: "B", Links: []model.Link{{Href: "https://b.example.com/rss", Rel: model.RelSelf}}},
		{ID: "f1", Title: "A"},
	}
	r := NewFeedsRepository(b, s, testLogger)

	if changed, err := r.Sync(ctx); err != nil || !changed {
		t.Fatalf("first Sync = %v, %v; want true, nil", changed, err)
	}
	if err := s.UpdateFeedOverrides(ctx, "f1", model.FeedOverrides{BlockedWords: "x"}); err != nil {
		t.Fatalf("UpdateFeedOverrides: %v", err)
	}
	changed, err := r.Sync(ctx)
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if changed {
		t.Error("second Sync reported a change for an identical feed list")
	}
}

func TestFeedsSync_BackendFailureLeavesCache(t *testing.T) {
	ctx := context.Background()
	b := newMockBackend()
	b.failFeeds = errBackend
	s := openTestStore(t)
	if err := s.InsertFeed(ctx, &model.Feed{ID: "f1", Title: "Kept"}); err != nil {
		t.Fatalf("InsertFeed: %v", err)
	}

	if _, err := NewFeedsRepository(b, s, testLogger).Sync(ctx); !errors.Is(err, errBackend) {
		t.Fatalf("err = %v, want errBackend", err)
	}
	feeds, _ := s.Feeds(ctx)
	if len(feeds) != 1 {
		t.Errorf("cached feeds = %d, want 1", len(feeds))
	}
}

func TestFeedsRepository_AddRenameDelete(t *testing.T) {
	ctx := context.Background()
	b := newMockBackend()
	s := openTestStore(t)
	r := NewFeedsRepository(b, s, testLogger)

	feed, err := r.Add(ctx, "https://example.com/rss")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if cached, _ := s.Feed(ctx, feed.ID); cached == nil {
		t.Fatal("added feed not cached")
	}

	if err := r.Rename(ctx, feed.ID, "Renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if cached, _ := s.Feed(ctx, feed.ID); cached == nil || cached.Title != "Renamed" {
		t.Errorf("cached feed = %+v, want title Renamed", cached)
	}

	var httpErr *backend.HTTPError
	if err := r.Rename(ctx, "missing", "x"); !errors.As(err, &httpErr) {
		t.Errorf("Rename(missing) err = %v, want *backend.HTTPError", err)
	}

	seed(t, b, s, newEntry("e1", feed.ID, false, false, baseTime))
	if err := r.Delete(ctx, feed.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if cached, _ := s.Feed(ctx, feed.ID); cached != nil {
		t.Error("deleted feed still cached")
	}
	if e, _ := s.Entry(ctx, "e1"); e != nil {
		t.Error("entry of deleted feed still cached")
	}
}

func TestFeedsEqual(t *testing.T) {
	yes, no := true, false
	a := []model.Feed{{ID: "1", Title: "A"}, {ID: "2", Title: "B", ShowPreviewImages: &yes}}
	reordered := []model.Feed{{ID: "2", Title: "B", ShowPreviewImages: &yes}, {ID: "1", Title: "A"}}
	if !feedsEqual(a, reordered) {
		t.Error("feedsEqual is order-sensitive")
	}
	flipped := []model.Feed{{ID: "1", Title: "A"}, {ID: "2", Title: "B", ShowPreviewImages: &no}}
	if feedsEqual(a, flipped) {
		t.Error("feedsEqual ignores ShowPreviewImages")
	}
	if feedsEqual(a, a[:1]) {
		t.Error("feedsEqual ignores length")
	}
}

// feedsHookStore runs onFeeds once, right after the cached feed list is read.
type feedsHookStore struct {
	*store.Store
	once    sync.Once
	onFeeds func()
}

func (s *feedsHookStore) Feeds(ctx context.Context) ([]model.Feed, error) {
	feeds, err := s.Store.Feeds(ctx)
	s.once.Do(s.onFeeds)
	return feeds, err
}

func TestEngine_OverridesDuringFeedRefreshAreKept(t *testing.T) {
	ctx := context.Background()
	b := newMockBackend()
	s := openTestStore(t)
	markInitialSyncDone(t, s)
	if err := s.InsertFeed(ctx, &model.Feed{ID: "f1", Title: "Old title"}); err != nil {
		t.Fatalf("InsertFeed: %v", err)
	}
	b.feeds = []model.Feed{{ID: "f1", Title: "New title"}}

	hooked := &feedsHookStore{Store: s}
	e := NewEngine(b, hooked, &mockConnectivity{}, NewStateCell(), Options{SyncInterval: time.Hour}, testLogger)

	done := make(chan error, 1)
	hooked.onFeeds = func() {
		started := make(chan struct{})
		go func() {
			close(started)
			done <- e.UpdateFeedOverrides(ctx, "f1", model.FeedOverrides{BlockedWords: "sponsored"})
		}()
		<-started
		// Give an unguarded update the chance to land before the refresh writes.
		time.Sleep(50 * time.Millisecond)
	}

	if err := e.Sync(ctx, SyncArgs{SyncFeeds: true}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("UpdateFeedOverrides: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("UpdateFeedOverrides did not finish")
	}

	got, err := s.Feed(ctx, "f1")
	if err != nil || got == nil {
		t.Fatalf("Feed(f1) = %v, %v", got, err)
	}
	if got.Title != "New title" {
		t.Errorf("title = %q, want %q", got.Title, "New title")
	}
	if got.BlockedWords != "sponsored" {
		t.Errorf("blocked_words = %q, want %q", got.BlockedWords, "sponsored")
	}
}
