package nextcloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/njoerd114/feedsync/internal/backend"
	"github.com/njoerd114/feedsync/internal/model"
)

var testLogger = slog.Default()

// fakeNews is a minimal in-memory Nextcloud News server.
type fakeNews struct {
	mu       sync.Mutex
	items    []itemJSON // newest (highest id) first
	requests []string
	bodies   map[string]json.RawMessage
}

func newFakeNews(t *testing.T, items []itemJSON) (*fakeNews, *Adapter) {
	t.Helper()
	f := &fakeNews{items: items, bodies: make(map[string]json.RawMessage)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, New(srv.URL, "alice", "secret", srv.Client(), testLogger)
}

func (f *fakeNews) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	user, pass, ok := r.BasicAuth()
	if !ok || user != "alice" || pass != "secret" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	path := r.URL.Path[len(apiPath):]
	f.requests = append(f.requests, r.Method+" "+path+"?"+r.URL.RawQuery)

	if r.Method == http.MethodPut || r.Method == http.MethodPost {
		var raw json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&raw)
		f.bodies[r.Method+" "+path] = raw
	}

	switch {
	case r.Method == http.MethodGet && path == "/feeds":
		writeJSON(w, feedsResponse{Feeds: []feedJSON{
			{ID: 1, URL: "https://blog.example.com/feed", Title: "Blog", Link: "https://blog.example.com"},
			{ID: 2, URL: "https://pod.example.com/rss", Title: "Pod"},
		}})
	case r.Method == http.MethodPost && path == "/feeds":
		writeJSON(w, feedsResponse{Feeds: []feedJSON{{ID: 9, URL: "https://new.example.com/feed", Title: "New"}}})
	case r.Method == http.MethodGet && path == "/items":
		f.serveItems(w, r)
	case r.Method == http.MethodGet && path == "/items/updated":
		writeJSON(w, itemsResponse{Items: f.items[:1]})
	case r.Method == http.MethodPut:
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete && path == "/feeds/404":
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Feed not found"}`))
	case r.Method == http.MethodDelete:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeNews) serveItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	batch, _ := strconv.Atoi(q.Get("batchSize"))
	offset, _ := strconv.ParseInt(q.Get("offset"), 10, 64)
	typ := q.Get("type")
	getRead := q.Get("getRead") == "true"

	var out []itemJSON
	for _, it := range f.items {
		if offset != 0 && it.ID >= offset {
			continue
		}
		if typ == "2" && !it.Starred {
			continue
		}
		if !getRead && !it.Unread {
			continue
		}
		out = append(out, it)
		if len(out) == batch {
			break
		}
	}
	writeJSON(w, itemsResponse{Items: out})
}

func (f *fakeNews) body(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return string(f.bodies[key])
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func makeItems(n int) []itemJSON {
	items := make([]itemJSON, 0, n)
	for id := n; id >= 1; id-- {
		items = append(items, itemJSON{
			ID:       int64(id),
			GUIDHash: fmt.Sprintf("hash-%d", id),
			Title:    fmt.Sprintf("Item %d", id),
			FeedID:   1,
			Unread:   id%2 == 0,
			Starred:  id%5 == 0,
		})
	}
	return items
}

func TestFeeds(t *testing.T) {
	_, a := newFakeNews(t, nil)

	got, err := a.Feeds(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []model.Feed{
		{ID: "1", Title: "Blog", Links: []model.Link{
			{Href: "https://blog.example.com/feed", Rel: model.RelSelf},
			{Href: "https://blog.example.com", Rel: model.RelAlternate},
		}},
		{ID: "2", Title: "Pod", Links: []model.Link{{Href: "https://pod.example.com/rss", Rel: model.RelSelf}}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("feeds mismatch (-want +got):\n%s", diff)
	}
}

func TestAddFeed(t *testing.T) {
	f, a := newFakeNews(t, nil)

	feed, err := a.AddFeed(context.Background(), "https://new.example.com/feed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if feed.ID != "9" || feed.Title != "New" {
		t.Errorf("feed = %+v, want id 9 titled New", feed)
	}
	if got, want := f.body("POST /feeds"), `{"folderId":0,"url":"https://new.example.com/feed"}`; got != want {
		t.Errorf("body = %s, want %s", got, want)
	}
}

func TestUpdateFeedTitle(t *testing.T) {
	f, a := newFakeNews(t, nil)

	if err := a.UpdateFeedTitle(context.Background(), "1", "Renamed"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := f.body("PUT /feeds/1/rename"), `{"feedTitle":"Renamed"}`; got != want {
		t.Errorf("body = %s, want %s", got, want)
	}
}

func TestDeleteFeed_NotFound(t *testing.T) {
	_, a := newFakeNews(t, nil)

	err := a.DeleteFeed(context.Background(), "404")
	var httpErr *backend.HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("err = %v, want *backend.HTTPError", err)
	}
	if httpErr.StatusCode != http.StatusNotFound || httpErr.Message != "Feed not found" {
		t.Errorf("HTTPError = %+v, want 404 Feed not found", httpErr)
	}
}

func TestEntries_PagesUnreadThenStarred(t *testing.T) {
	f, a := newFakeNews(t, makeItems(25))
	a.batchSize = 4

	var pages int
	ids := make(map[string]bool)
	err := a.Entries(context.Background(), false, func(page []model.Entry) error {
		pages++
		if len(page) > 4 {
			t.Errorf("page of %d entries exceeds batch size", len(page))
		}
		for _, e := range page {
			if ids[e.ID] {
				t.Errorf("entry %s delivered twice", e.ID)
			}
			ids[e.ID] = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 12 unread (even ids) plus the odd starred ones: 5, 15, 25.
	if len(ids) != 15 {
		t.Errorf("fetched %d distinct entries, want 15", len(ids))
	}
	for _, id := range []string{"5", "15", "25", "10", "2"} {
		if !ids[id] {
			t.Errorf("entry %s missing", id)
		}
	}
	if pages < 4 {
		t.Errorf("pages = %d, expected pagination", pages)
	}
	if len(f.requests) == 0 {
		t.Fatal("no requests recorded")
	}
}

func TestEntries_CallbackErrorStops(t *testing.T) {
	_, a := newFakeNews(t, makeItems(10))
	a.batchSize = 2

	sentinel := errors.New("disk full")
	calls := 0
	err := a.Entries(context.Background(), false, func([]model.Entry) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("callback called %d times, want 1", calls)
	}
}

func TestNewAndUpdatedEntries(t *testing.T) {
	items := []itemJSON{{
		ID: 7, GUIDHash: "h7", URL: "https://blog.example.com/7", Title: "Seven", FeedID: 1,
		Body: "<p>hi</p>", Author: "Bob", Unread: false, Starred: true,
		EnclosureLink: "https://cdn.example.com/7.mp3", EnclosureMime: "audio/mpeg",
		PubDate:      unixTime{time.Unix(1_700_000_000, 0).UTC()},
		LastModified: unixTime{time.Unix(1_700_000_100, 0).UTC()},
	}}
	f, a := newFakeNews(t, items)

	since := backend.Since{Updated: time.Unix(1_700_000_050, 0)}
	got, err := a.NewAndUpdatedEntries(context.Background(), since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []model.Entry{{
		ID: "7", FeedID: "1", Title: "Seven", Content: "<p>hi</p>", Author: "Bob",
		Published:   time.Unix(1_700_000_000, 0).UTC(),
		Updated:     time.Unix(1_700_000_100, 0).UTC(),
		ExtGUIDHash: "h7",
		Links: []model.Link{
			{Href: "https://blog.example.com/7", Rel: model.RelAlternate},
			{Href: "https://cdn.example.com/7.mp3", Rel: model.RelEnclosure, Type: "audio/mpeg"},
		},
		Read: true, ReadSynced: true, Bookmarked: true, BookmarkedSynced: true,
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}

	last := f.requests[len(f.requests)-1]
	if want := "GET /items/updated?id=0&lastModified=1700000050&type=3"; last != want {
		t.Errorf("request = %q, want %q", last, want)
	}
}

func TestMarkEntriesAsRead(t *testing.T) {
	f, a := newFakeNews(t, nil)

	if err := a.MarkEntriesAsRead(context.Background(), []string{"3", "4"}, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := f.body("PUT /items/read/multiple"), `{"items":[3,4]}`; got != want {
		t.Errorf("read body = %s, want %s", got, want)
	}

	if err := a.MarkEntriesAsRead(context.Background(), []string{"5"}, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := f.body("PUT /items/unread/multiple"), `{"items":[5]}`; got != want {
		t.Errorf("unread body = %s, want %s", got, want)
	}

	if err := a.MarkEntriesAsRead(context.Background(), []string{"abc"}, true); err == nil {
		t.Error("expected error for non-numeric id")
	}
}

func TestMarkEntriesAsBookmarked(t *testing.T) {
	f, a := newFakeNews(t, nil)

	refs := []model.EntryRef{{ID: "3", FeedID: "1", GUIDHash: "h3"}}
	if err := a.MarkEntriesAsBookmarked(context.Background(), refs, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := f.body("PUT /items/star/multiple"), `{"items":[{"feedId":1,"guidHash":"h3"}]}`; got != want {
		t.Errorf("star body = %s, want %s", got, want)
	}

	missing := []model.EntryRef{{ID: "4", FeedID: "1"}}
	if err := a.MarkEntriesAsBookmarked(context.Background(), missing, false); err == nil {
		t.Error("expected error for missing guid hash")
	}
}

func TestUnixTime_Units(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Time
	}{
		{`1700000000`, time.Unix(1_700_000_000, 0).UTC()},
		{`"1700000000"`, time.Unix(1_700_000_000, 0).UTC()},
		{`"1700000000123456"`, time.UnixMicro(1_700_000_000_123_456).UTC()},
		{`1700000000123`, time.UnixMilli(1_700_000_000_123).UTC()},
		{`null`, time.Time{}},
	}
	for _, tt := range tests {
		var u unixTime
		if err := json.Unmarshal([]byte(tt.raw), &u); err != nil {
			t.Errorf("Unmarshal(%s): %v", tt.raw, err)
			continue
		}
		if !u.Equal(tt.want) {
			t.Errorf("Unmarshal(%s) = %v, want %v", tt.raw, u.Time, tt.want)
		}
	}
}
