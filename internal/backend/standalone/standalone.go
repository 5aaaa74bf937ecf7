// Package standalone implements a serverless feed backend. Subscriptions
// live only in the local store; entries come from polling each feed
// document directly.
package standalone

import (
	"context"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/feedsync/internal/backend"
	"github.com/njoerd114/feedsync/internal/model"
)

const (
	// maxFeedBytes caps the size of a downloaded feed document.
	maxFeedBytes = 10 << 20

	// pollConcurrency is the number of feeds fetched in parallel.
	pollConcurrency = 4
)

// FeedStore is the subset of the local store the adapter reads.
type FeedStore interface {
	Feeds(ctx context.Context) ([]model.Feed, error)
	EntryExists(ctx context.Context, id string) (bool, error)
}

// Adapter polls feeds without a sync server. Create one with [New].
type Adapter struct {
	store  FeedStore
	client backend.HTTPClient
	now    func() time.Time
	log    *slog.Logger
}

// New creates an Adapter reading subscriptions from store.
func New(store FeedStore, hc backend.HTTPClient, logger *slog.Logger) *Adapter {
	return &Adapter{
		store:  store,
		client: hc,
		now:    time.Now,
		log:    logger,
	}
}

var stripPolicy = bluemonday.StrictPolicy()

// plainText removes markup from a title.
func plainText(s string) string {
	return strings.TrimSpace(html.UnescapeString(stripPolicy.Sanitize(s)))
}

// fetch downloads and parses one feed document.
func (a *Adapter) fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", backend.UserAgent)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := backend.CheckResponse(resp); err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("parse feed: %w", err)
	}
	return feed, nil
}

// --- feeds -------------------------------------------------------------------

// Feeds returns the locally stored subscriptions unchanged.
func (a *Adapter) Feeds(ctx context.Context) ([]model.Feed, error) {
	feeds, err := a.store.Feeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local feeds: %w", err)
	}
	return feeds, nil
}

// AddFeed fetches feedURL once to validate it and read its title. The URL
// becomes the feed id.
func (a *Adapter) AddFeed(ctx context.Context, feedURL string) (model.Feed, error) {
	parsed, err := a.fetch(ctx, feedURL)
	if err != nil {
		return model.Feed{}, fmt.Errorf("adding feed %q: %w", feedURL, err)
	}
	title := plainText(parsed.Title)
	if title == "" {
		title = feedURL
	}
	feed := model.Feed{
		ID:    feedURL,
		Title: title,
		Links: []model.Link{{Href: feedURL, Rel: model.RelSelf}},
	}
	if parsed.Link != "" {
		feed.Links = append(feed.Links, model.Link{Href: parsed.Link, Rel: model.RelAlternate})
	}
	return feed, nil
}

// UpdateFeedTitle is a no-op: titles exist only locally.
func (a *Adapter) UpdateFeedTitle(context.Context, string, string) error { return nil }

// DeleteFeed is a no-op: subscriptions exist only locally.
func (a *Adapter) DeleteFeed(context.Context, string) error { return nil }

// --- entries -----------------------------------------------------------------

// Entries polls every feed and streams one page per feed. Polled entries are
// always unread, so includeRead has no effect.
func (a *Adapter) Entries(ctx context.Context, _ bool, fn func([]model.Entry) error) error {
	pages, err := a.poll(ctx)
	if err != nil {
		return err
	}
	for _, page := range pages {
		if len(page) == 0 {
			continue
		}
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

// NewAndUpdatedEntries polls every feed and returns only entries that are
// not cached yet. Known entries are skipped so polling never resets their
// flags.
func (a *Adapter) NewAndUpdatedEntries(ctx context.Context, _ backend.Since) ([]model.Entry, error) {
	pages, err := a.poll(ctx)
	if err != nil {
		return nil, err
	}

	var fresh []model.Entry
	for _, page := range pages {
		for _, e := range page {
			exists, err := a.store.EntryExists(ctx, e.ID)
			if err != nil {
				return nil, err
			}
			if !exists {
				fresh = append(fresh, e)
			}
		}
	}
	return fresh, nil
}

// poll fetches all feeds concurrently. A feed that fails is logged and
// skipped; the first error is returned only when every feed failed.
func (a *Adapter) poll(ctx context.Context) ([][]model.Entry, error) {
	feeds, err := a.store.Feeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local feeds: %w", err)
	}
	if len(feeds) == 0 {
		return nil, nil
	}

	pages := make([][]model.Entry, len(feeds))
	errs := make([]error, len(feeds))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(pollConcurrency)
	for i := range feeds {
		g.Go(func() error {
			f := &feeds[i]
			feedURL := f.ID
			if self := f.SelfLink(); self != "" {
				feedURL = self
			}
			parsed, err := a.fetch(gCtx, feedURL)
			if err != nil {
				errs[i] = fmt.Errorf("polling %s: %w", feedURL, err)
				a.log.Warn("feed poll failed", "feed_id", f.ID, "error", err)
				return nil
			}
			pages[i] = a.convertItems(f.ID, parsed.Items)
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed == len(feeds) {
		return nil, firstErr
	}
	return pages, nil
}

func (a *Adapter) convertItems(feedID string, items []*gofeed.Item) []model.Entry {
	now := a.now().UTC()
	entries := make([]model.Entry, 0, len(items))
	for _, it := range items {
		e := model.Entry{
			ID:               model.EntryID(feedID, it.GUID, it.Link, it.Title),
			FeedID:           feedID,
			Title:            plainText(it.Title),
			Content:          it.Content,
			Author:           authorName(it),
			ReadSynced:       true,
			BookmarkedSynced: true,
		}
		if e.Content == "" {
			e.Content = it.Description
		}
		switch {
		case it.PublishedParsed != nil:
			e.Published = it.PublishedParsed.UTC()
		case it.UpdatedParsed != nil:
			e.Published = it.UpdatedParsed.UTC()
		default:
			e.Published = now
		}
		e.Updated = e.Published
		if it.UpdatedParsed != nil {
			e.Updated = it.UpdatedParsed.UTC()
		}

		if it.Link != "" {
			e.Links = append(e.Links, model.Link{Href: it.Link, Rel: model.RelAlternate})
		}
		for _, enc := range it.Enclosures {
			if enc == nil || enc.URL == "" {
				continue
			}
			e.Links = append(e.Links, model.Link{Href: enc.URL, Rel: model.RelEnclosure, Type: enc.Type})
		}
		entries = append(entries, e)
	}
	return entries
}

func authorName(it *gofeed.Item) string {
	for _, p := range it.Authors {
		if p != nil && p.Name != "" {
			return p.Name
		}
	}
	return ""
}

// --- flags -------------------------------------------------------------------

// MarkEntriesAsRead succeeds immediately: read state is purely local.
func (a *Adapter) MarkEntriesAsRead(context.Context, []string, bool) error { return nil }

// MarkEntriesAsBookmarked succeeds immediately: bookmarks are purely local.
func (a *Adapter) MarkEntriesAsBookmarked(context.Context, []model.EntryRef, bool) error {
	return nil
}
