// Package miniflux implements the feed backend for a Miniflux server, using
// its v1 REST API. Requests authenticate with an API token when one is
// configured and fall back to HTTP Basic otherwise.
package miniflux

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/feedsync/internal/backend"
	"github.com/njoerd114/feedsync/internal/model"
)

const (
	apiPath = "/v1"

	// pageLimit is the number of entries requested per page.
	pageLimit = 250

	// flagBatch bounds the number of ids sent in one status update.
	flagBatch = 250
)

// Credentials selects how requests authenticate.
type Credentials struct {
	APIToken string
	Username string
	Password string
}

// Adapter talks to a Miniflux server. Create one with [New].
type Adapter struct {
	client *backend.Client
	limit  int
	log    *slog.Logger
}

// New creates an Adapter for the Miniflux instance at serverURL.
func New(serverURL string, creds Credentials, hc backend.HTTPClient, logger *slog.Logger) *Adapter {
	return &Adapter{
		client: &backend.Client{
			BaseURL: strings.TrimRight(serverURL, "/") + apiPath,
			HTTP:    hc,
			Authorize: func(req *http.Request) {
				if creds.APIToken != "" {
					req.Header.Set("X-Auth-Token", creds.APIToken)
					return
				}
				req.SetBasicAuth(creds.Username, creds.Password)
			},
		},
		limit: pageLimit,
		log:   logger,
	}
}

// --- wire types --------------------------------------------------------------

type feedJSON struct {
	ID      int64  `json:"id"`
	FeedURL string `json:"feed_url"`
	SiteURL string `json:"site_url"`
	Title   string `json:"title"`
}

type enclosureJSON struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
}

type entryJSON struct {
	ID          int64           `json:"id"`
	FeedID      int64           `json:"feed_id"`
	Status      string          `json:"status"`
	Title       string          `json:"title"`
	URL         string          `json:"url"`
	PublishedAt time.Time       `json:"published_at"`
	ChangedAt   time.Time       `json:"changed_at"`
	Content     string          `json:"content"`
	Author      string          `json:"author"`
	Starred     bool            `json:"starred"`
	Enclosures  []enclosureJSON `json:"enclosures"`
}

type entriesResponse struct {
	Total   int         `json:"total"`
	Entries []entryJSON `json:"entries"`
}

type categoryJSON struct {
	ID int64 `json:"id"`
}

func (f *feedJSON) toModel() model.Feed {
	feed := model.Feed{ID: strconv.FormatInt(f.ID, 10), Title: f.Title}
	if f.FeedURL != "" {
		feed.Links = append(feed.Links, model.Link{Href: f.FeedURL, Rel: model.RelSelf})
	}
	if f.SiteURL != "" {
		feed.Links = append(feed.Links, model.Link{Href: f.SiteURL, Rel: model.RelAlternate})
	}
	return feed
}

func (e *entryJSON) toModel() model.Entry {
	entry := model.Entry{
		ID:               strconv.FormatInt(e.ID, 10),
		FeedID:           strconv.FormatInt(e.FeedID, 10),
		Title:            e.Title,
		Content:          e.Content,
		Author:           e.Author,
		Published:        e.PublishedAt.UTC(),
		Updated:          e.ChangedAt.UTC(),
		Read:             e.Status == "read",
		ReadSynced:       true,
		Bookmarked:       e.Starred,
		BookmarkedSynced: true,
	}
	if entry.Updated.IsZero() {
		entry.Updated = entry.Published
	}
	if e.URL != "" {
		entry.Links = append(entry.Links, model.Link{Href: e.URL, Rel: model.RelAlternate})
	}
	for _, enc := range e.Enclosures {
		if enc.URL == "" {
			continue
		}
		entry.Links = append(entry.Links, model.Link{Href: enc.URL, Rel: model.RelEnclosure, Type: enc.MimeType})
	}
	return entry
}

// --- feeds -------------------------------------------------------------------

// Feeds returns every subscribed feed.
func (a *Adapter) Feeds(ctx context.Context) ([]model.Feed, error) {
	var resp []feedJSON
	err := backend.Retry(ctx, backend.DefaultMaxAttempts, func() error {
		return a.client.Do(ctx, http.MethodGet, "/feeds", nil, nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching feeds: %w", err)
	}
	feeds := make([]model.Feed, 0, len(resp))
	for i := range resp {
		feeds = append(feeds, resp[i].toModel())
	}
	return feeds, nil
}

// AddFeed subscribes to feedURL in the user's first category and returns
// the created feed.
func (a *Adapter) AddFeed(ctx context.Context, feedURL string) (model.Feed, error) {
	var categories []categoryJSON
	if err := a.client.Do(ctx, http.MethodGet, "/categories", nil, nil, &categories); err != nil {
		return model.Feed{}, fmt.Errorf("fetching categories: %w", err)
	}
	body := map[string]any{"feed_url": feedURL}
	if len(categories) > 0 {
		body["category_id"] = categories[0].ID
	}

	var created struct {
		FeedID int64 `json:"feed_id"`
	}
	if err := a.client.Do(ctx, http.MethodPost, "/feeds", nil, body, &created); err != nil {
		return model.Feed{}, fmt.Errorf("adding feed %q: %w", feedURL, err)
	}

	var feed feedJSON
	path := "/feeds/" + strconv.FormatInt(created.FeedID, 10)
	if err := a.client.Do(ctx, http.MethodGet, path, nil, nil, &feed); err != nil {
		return model.Feed{}, fmt.Errorf("fetching added feed %d: %w", created.FeedID, err)
	}
	return feed.toModel(), nil
}

// UpdateFeedTitle renames a feed.
func (a *Adapter) UpdateFeedTitle(ctx context.Context, feedID, title string) error {
	path := "/feeds/" + url.PathEscape(feedID)
	err := backend.Retry(ctx, backend.DefaultMaxAttempts, func() error {
		return a.client.Do(ctx, http.MethodPut, path, nil, map[string]string{"title": title}, nil)
	})
	if err != nil {
		return fmt.Errorf("renaming feed %s: %w", feedID, err)
	}
	return nil
}

// DeleteFeed unsubscribes from a feed.
func (a *Adapter) DeleteFeed(ctx context.Context, feedID string) error {
	if err := a.client.Do(ctx, http.MethodDelete, "/feeds/"+url.PathEscape(feedID), nil, nil, nil); err != nil {
		return fmt.Errorf("deleting feed %s: %w", feedID, err)
	}
	return nil
}

// --- entries -----------------------------------------------------------------

// Entries streams unread entries, then starred ones, a page at a time. With
// includeRead every entry is streamed in a single pass. Entries already
// delivered are not repeated.
func (a *Adapter) Entries(ctx context.Context, includeRead bool, fn func([]model.Entry) error) error {
	seen := make(map[int64]bool)

	if includeRead {
		if err := a.streamEntries(ctx, url.Values{}, seen, fn); err != nil {
			return fmt.Errorf("fetching entries: %w", err)
		}
		return nil
	}

	if err := a.streamEntries(ctx, url.Values{"status": {"unread"}}, seen, fn); err != nil {
		return fmt.Errorf("fetching unread entries: %w", err)
	}
	if err := a.streamEntries(ctx, url.Values{"starred": {"true"}}, seen, fn); err != nil {
		return fmt.Errorf("fetching starred entries: %w", err)
	}
	return nil
}

// streamEntries walks /entries in ascending id order using offset paging.
func (a *Adapter) streamEntries(ctx context.Context, filter url.Values, seen map[int64]bool, fn func([]model.Entry) error) error {
	for offset := 0; ; {
		q := url.Values{}
		for k, v := range filter {
			q[k] = v
		}
		q.Set("limit", strconv.Itoa(a.limit))
		q.Set("offset", strconv.Itoa(offset))
		q.Set("order", "id")
		q.Set("direction", "asc")

		var resp entriesResponse
		err := backend.Retry(ctx, backend.DefaultMaxAttempts, func() error {
			return a.client.Do(ctx, http.MethodGet, "/entries", q, nil, &resp)
		})
		if err != nil {
			return err
		}

		page := make([]model.Entry, 0, len(resp.Entries))
		for i := range resp.Entries {
			e := &resp.Entries[i]
			if seen != nil {
				if seen[e.ID] {
					continue
				}
				seen[e.ID] = true
			}
			page = append(page, e.toModel())
		}
		offset += len(resp.Entries)
		a.log.Debug("fetched entry page", "filter", filter.Encode(), "entries", len(resp.Entries), "total", resp.Total)

		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}
		if len(resp.Entries) < a.limit || offset >= resp.Total {
			return nil
		}
	}
}

// NewAndUpdatedEntries returns every entry changed after the cursor,
// including read ones so remote flag changes propagate.
func (a *Adapter) NewAndUpdatedEntries(ctx context.Context, since backend.Since) ([]model.Entry, error) {
	var after int64
	if t := since.Time(); !t.IsZero() {
		after = t.Unix()
	}
	filter := url.Values{"changed_after": {strconv.FormatInt(after, 10)}}

	var entries []model.Entry
	err := a.streamEntries(ctx, filter, nil, func(page []model.Entry) error {
		entries = append(entries, page...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetching changed entries: %w", err)
	}
	return entries, nil
}

// --- flags -------------------------------------------------------------------

// MarkEntriesAsRead sets the status of the given entries.
func (a *Adapter) MarkEntriesAsRead(ctx context.Context, ids []string, read bool) error {
	entryIDs, err := parseIDs(ids)
	if err != nil {
		return err
	}
	status := "unread"
	if read {
		status = "read"
	}

	for start := 0; start < len(entryIDs); start += flagBatch {
		end := min(start+flagBatch, len(entryIDs))
		body := map[string]any{"entry_ids": entryIDs[start:end], "status": status}
		err := backend.Retry(ctx, backend.DefaultMaxAttempts, func() error {
			return a.client.Do(ctx, http.MethodPut, "/entries", nil, body, nil)
		})
		if err != nil {
			return fmt.Errorf("marking %d entries %s: %w", end-start, status, err)
		}
	}
	return nil
}

// MarkEntriesAsBookmarked stars or unstars the given entries. Miniflux only
// offers a toggle, so each entry is read first and toggled only when its
// current state differs.
func (a *Adapter) MarkEntriesAsBookmarked(ctx context.Context, refs []model.EntryRef, bookmarked bool) error {
	for _, r := range refs {
		path := "/entries/" + url.PathEscape(r.ID)

		var current entryJSON
		err := backend.Retry(ctx, backend.DefaultMaxAttempts, func() error {
			return a.client.Do(ctx, http.MethodGet, path, nil, nil, &current)
		})
		if err != nil {
			return fmt.Errorf("fetching entry %s: %w", r.ID, err)
		}
		if current.Starred == bookmarked {
			continue
		}
		if err := a.client.Do(ctx, http.MethodPut, path+"/bookmark", nil, nil, nil); err != nil {
			return fmt.Errorf("toggling bookmark of entry %s: %w", r.ID, err)
		}
	}
	return nil
}

func parseIDs(ids []string) ([]int64, error) {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid entry id %q: %w", id, err)
		}
		out = append(out, n)
	}
	return out, nil
}
