// Package nextcloud implements the feed backend for the Nextcloud News app,
// using its REST API v1-2 with HTTP Basic authentication.
package nextcloud

import (
	"bytes"
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

// apiPath is appended to the server URL to form the API root.
const apiPath = "/index.php/apps/news/api/v1-2"

// defaultBatchSize is the number of items requested per page.
const defaultBatchSize = 500

// Item query types.
const (
	typeStarred = 2
	typeAll     = 3
)

// Adapter talks to a Nextcloud News server. Create one with [New].
type Adapter struct {
	client    *backend.Client
	batchSize int
	log       *slog.Logger
}

// New creates an Adapter for the Nextcloud instance at serverURL.
func New(serverURL, username, password string, hc backend.HTTPClient, logger *slog.Logger) *Adapter {
	return &Adapter{
		client: &backend.Client{
			BaseURL: strings.TrimRight(serverURL, "/") + apiPath,
			HTTP:    hc,
			Authorize: func(req *http.Request) {
				req.SetBasicAuth(username, password)
			},
		},
		batchSize: defaultBatchSize,
		log:       logger,
	}
}

// --- wire types --------------------------------------------------------------

type feedJSON struct {
	ID    int64  `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
	Link  string `json:"link"`
}

type feedsResponse struct {
	Feeds []feedJSON `json:"feeds"`
}

type itemJSON struct {
	ID            int64    `json:"id"`
	GUID          string   `json:"guid"`
	GUIDHash      string   `json:"guidHash"`
	URL           string   `json:"url"`
	Title         string   `json:"title"`
	Author        string   `json:"author"`
	PubDate       unixTime `json:"pubDate"`
	Body          string   `json:"body"`
	EnclosureMime string   `json:"enclosureMime"`
	EnclosureLink string   `json:"enclosureLink"`
	FeedID        int64    `json:"feedId"`
	Unread        bool     `json:"unread"`
	Starred       bool     `json:"starred"`
	LastModified  unixTime `json:"lastModified"`
}

type itemsResponse struct {
	Items []itemJSON `json:"items"`
}

// unixTime decodes a Unix timestamp sent either as a number or as a string.
// Newer servers send lastModified in microseconds.
type unixTime struct {
	time.Time
}

func (u *unixTime) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		u.Time = time.Time{}
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parsing unix time %q: %w", s, err)
	}
	switch {
	case n == 0:
		u.Time = time.Time{}
	case n > 1e14:
		u.Time = time.UnixMicro(n).UTC()
	case n > 1e11:
		u.Time = time.UnixMilli(n).UTC()
	default:
		u.Time = time.Unix(n, 0).UTC()
	}
	return nil
}

func (u unixTime) MarshalJSON() ([]byte, error) {
	if u.IsZero() {
		return []byte("0"), nil
	}
	return strconv.AppendInt(nil, u.Unix(), 10), nil
}

func (f *feedJSON) toModel() model.Feed {
	feed := model.Feed{ID: strconv.FormatInt(f.ID, 10), Title: f.Title}
	if f.URL != "" {
		feed.Links = append(feed.Links, model.Link{Href: f.URL, Rel: model.RelSelf})
	}
	if f.Link != "" {
		feed.Links = append(feed.Links, model.Link{Href: f.Link, Rel: model.RelAlternate})
	}
	return feed
}

func (it *itemJSON) toModel() model.Entry {
	e := model.Entry{
		ID:               strconv.FormatInt(it.ID, 10),
		FeedID:           strconv.FormatInt(it.FeedID, 10),
		Title:            it.Title,
		Content:          it.Body,
		Author:           it.Author,
		Published:        it.PubDate.Time,
		Updated:          it.LastModified.Time,
		ExtGUIDHash:      it.GUIDHash,
		Read:             !it.Unread,
		ReadSynced:       true,
		Bookmarked:       it.Starred,
		BookmarkedSynced: true,
	}
	if e.Updated.IsZero() {
		e.Updated = e.Published
	}
	if it.URL != "" {
		e.Links = append(e.Links, model.Link{Href: it.URL, Rel: model.RelAlternate})
	}
	if it.EnclosureLink != "" {
		e.Links = append(e.Links, model.Link{Href: it.EnclosureLink, Rel: model.RelEnclosure, Type: it.EnclosureMime})
	}
	return e
}

// --- feeds -------------------------------------------------------------------

// Feeds returns every subscribed feed.
func (a *Adapter) Feeds(ctx context.Context) ([]model.Feed, error) {
	var resp feedsResponse
	err := backend.Retry(ctx, backend.DefaultMaxAttempts, func() error {
		return a.client.Do(ctx, http.MethodGet, "/feeds", nil, nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching feeds: %w", err)
	}
	feeds := make([]model.Feed, 0, len(resp.Feeds))
	for i := range resp.Feeds {
		feeds = append(feeds, resp.Feeds[i].toModel())
	}
	return feeds, nil
}

// AddFeed subscribes to the feed at feedURL in the root folder.
func (a *Adapter) AddFeed(ctx context.Context, feedURL string) (model.Feed, error) {
	body := map[string]any{"url": feedURL, "folderId": 0}
	var resp feedsResponse
	if err := a.client.Do(ctx, http.MethodPost, "/feeds", nil, body, &resp); err != nil {
		return model.Feed{}, fmt.Errorf("adding feed %q: %w", feedURL, err)
	}
	if len(resp.Feeds) == 0 {
		return model.Feed{}, fmt.Errorf("adding feed %q: server returned no feed", feedURL)
	}
	return resp.Feeds[0].toModel(), nil
}

// UpdateFeedTitle renames a feed.
func (a *Adapter) UpdateFeedTitle(ctx context.Context, feedID, title string) error {
	path := "/feeds/" + url.PathEscape(feedID) + "/rename"
	err := backend.Retry(ctx, backend.DefaultMaxAttempts, func() error {
		return a.client.Do(ctx, http.MethodPut, path, nil, map[string]string{"feedTitle": title}, nil)
	})
	if err != nil {
		return fmt.Errorf("renaming feed %s: %w", feedID, err)
	}
	return nil
}

// DeleteFeed unsubscribes from a feed. The server drops its items.
func (a *Adapter) DeleteFeed(ctx context.Context, feedID string) error {
	if err := a.client.Do(ctx, http.MethodDelete, "/feeds/"+url.PathEscape(feedID), nil, nil, nil); err != nil {
		return fmt.Errorf("deleting feed %s: %w", feedID, err)
	}
	return nil
}

// --- entries -----------------------------------------------------------------

// Entries streams every unread item, then every starred item, in pages of
// at most the batch size. Read items are included when includeRead is set.
// Items already delivered in an earlier pass are not repeated.
func (a *Adapter) Entries(ctx context.Context, includeRead bool, fn func([]model.Entry) error) error {
	seen := make(map[int64]bool)

	if err := a.streamItems(ctx, typeAll, includeRead, seen, fn); err != nil {
		return fmt.Errorf("fetching items: %w", err)
	}
	if includeRead {
		// Starred items are already covered by the full pass.
		return nil
	}
	if err := a.streamItems(ctx, typeStarred, true, seen, fn); err != nil {
		return fmt.Errorf("fetching starred items: %w", err)
	}
	return nil
}

// streamItems pages through /items newest first. The offset parameter is the
// lowest item id of the previous page.
func (a *Adapter) streamItems(ctx context.Context, typ int, getRead bool, seen map[int64]bool, fn func([]model.Entry) error) error {
	var offset int64
	for {
		q := url.Values{}
		q.Set("batchSize", strconv.Itoa(a.batchSize))
		q.Set("offset", strconv.FormatInt(offset, 10))
		q.Set("type", strconv.Itoa(typ))
		q.Set("id", "0")
		q.Set("getRead", strconv.FormatBool(getRead))
		q.Set("oldestFirst", "false")

		var resp itemsResponse
		err := backend.Retry(ctx, backend.DefaultMaxAttempts, func() error {
			return a.client.Do(ctx, http.MethodGet, "/items", q, nil, &resp)
		})
		if err != nil {
			return err
		}
		if len(resp.Items) == 0 {
			return nil
		}

		page := make([]model.Entry, 0, len(resp.Items))
		for i := range resp.Items {
			it := &resp.Items[i]
			if offset == 0 || it.ID < offset {
				offset = it.ID
			}
			if seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			page = append(page, it.toModel())
		}
		a.log.Debug("fetched item page", "type", typ, "items", len(resp.Items), "offset", offset)

		if len(page) > 0 {
			if err := fn(page); err != nil {
				return err
			}
		}
		if len(resp.Items) < a.batchSize {
			return nil
		}
	}
}

// NewAndUpdatedEntries returns every item modified after the cursor,
// including read ones so remote flag changes propagate.
func (a *Adapter) NewAndUpdatedEntries(ctx context.Context, since backend.Since) ([]model.Entry, error) {
	q := url.Values{}
	q.Set("lastModified", strconv.FormatInt(unixSeconds(since.Time()), 10))
	q.Set("type", strconv.Itoa(typeAll))
	q.Set("id", "0")

	var resp itemsResponse
	err := backend.Retry(ctx, backend.DefaultMaxAttempts, func() error {
		return a.client.Do(ctx, http.MethodGet, "/items/updated", q, nil, &resp)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching updated items: %w", err)
	}

	entries := make([]model.Entry, 0, len(resp.Items))
	for i := range resp.Items {
		entries = append(entries, resp.Items[i].toModel())
	}
	return entries, nil
}

func unixSeconds(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// --- flags -------------------------------------------------------------------

// MarkEntriesAsRead sets the read state of the given items.
func (a *Adapter) MarkEntriesAsRead(ctx context.Context, ids []string, read bool) error {
	items := make([]int64, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid item id %q: %w", id, err)
		}
		items = append(items, n)
	}

	path := "/items/unread/multiple"
	if read {
		path = "/items/read/multiple"
	}
	err := backend.Retry(ctx, backend.DefaultMaxAttempts, func() error {
		return a.client.Do(ctx, http.MethodPut, path, nil, map[string]any{"items": items}, nil)
	})
	if err != nil {
		return fmt.Errorf("marking %d items read=%t: %w", len(ids), read, err)
	}
	return nil
}

// MarkEntriesAsBookmarked stars or unstars the given items. Nextcloud
// addresses starred items by feed id and guid hash.
func (a *Adapter) MarkEntriesAsBookmarked(ctx context.Context, refs []model.EntryRef, bookmarked bool) error {
	type starRef struct {
		FeedID   int64  `json:"feedId"`
		GUIDHash string `json:"guidHash"`
	}
	items := make([]starRef, 0, len(refs))
	for _, r := range refs {
		feedID, err := strconv.ParseInt(r.FeedID, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid feed id %q of item %s: %w", r.FeedID, r.ID, err)
		}
		if r.GUIDHash == "" {
			return fmt.Errorf("item %s has no guid hash", r.ID)
		}
		items = append(items, starRef{FeedID: feedID, GUIDHash: r.GUIDHash})
	}

	path := "/items/unstar/multiple"
	if bookmarked {
		path = "/items/star/multiple"
	}
	err := backend.Retry(ctx, backend.DefaultMaxAttempts, func() error {
		return a.client.Do(ctx, http.MethodPut, path, nil, map[string]any{"items": items}, nil)
	})
	if err != nil {
		return fmt.Errorf("marking %d items starred=%t: %w", len(refs), bookmarked, err)
	}
	return nil
}
