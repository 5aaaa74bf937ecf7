package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/njoerd114/feedsync/internal/backend"
	"github.com/njoerd114/feedsync/internal/model"
	"github.com/njoerd114/feedsync/internal/store"
)

var testLogger = slog.Default()

// --- Mock Backend ------------------------------------------------------------

type flagCall struct {
	IDs   []string
	Value bool
}

// mockBackend is an in-memory backend. Flag pushes update its own copy of
// the entries so later fetches reflect them, like a real server.
type mockBackend struct {
	mu sync.Mutex

	feeds    []model.Feed
	entries  map[string]model.Entry
	order    []string
	pageSize int

	// newAndUpdated, when non-nil, replaces the computed incremental result.
	newAndUpdated []model.Entry

	failFeeds    error
	failEntries  error
	failNew      error
	failRead     map[bool]error
	failBookmark map[bool]error

	// gate, when non-nil, blocks Feeds until it is closed.
	gate chan struct{}
	// entered receives a value each time Feeds starts.
	entered chan struct{}

	ops           []string
	readCalls     []flagCall
	bookmarkCalls []flagCall
	sinces        []backend.Since

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		entries:      make(map[string]model.Entry),
		pageSize:     200,
		failRead:     make(map[bool]error),
		failBookmark: make(map[bool]error),
	}
}

func (m *mockBackend) addEntries(entries ...model.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if _, ok := m.entries[e.ID]; !ok {
			m.order = append(m.order, e.ID)
		}
		m.entries[e.ID] = e
	}
}

// track records concurrent use of the backend.
func (m *mockBackend) track() func() {
	n := m.inFlight.Add(1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { m.inFlight.Add(-1) }
}

func (m *mockBackend) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
}

func (m *mockBackend) AddFeed(_ context.Context, url string) (model.Feed, error) {
	defer m.track()()
	m.record("add_feed")
	m.mu.Lock()
	defer m.mu.Unlock()
	f := model.Feed{ID: fmt.Sprintf("feed-%d", len(m.feeds)+1), Title: url, Links: []model.Link{{Href: url, Rel: model.RelSelf}}}
	m.feeds = append(m.feeds, f)
	return f, nil
}

func (m *mockBackend) Feeds(ctx context.Context) ([]model.Feed, error) {
	defer m.track()()
	m.record("feeds")
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFeeds != nil {
		return nil, m.failFeeds
	}
	return slices.Clone(m.feeds), nil
}

func (m *mockBackend) UpdateFeedTitle(_ context.Context, feedID, title string) error {
	defer m.track()()
	m.record("rename_feed")
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.feeds {
		if m.feeds[i].ID == feedID {
			m.feeds[i].Title = title
			return nil
		}
	}
	return &backend.HTTPError{StatusCode: 404, Status: "404 Not Found"}
}

func (m *mockBackend) DeleteFeed(_ context.Context, feedID string) error {
	defer m.track()()
	m.record("delete_feed")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.feeds = slices.DeleteFunc(m.feeds, func(f model.Feed) bool { return f.ID == feedID })
	return nil
}

func (m *mockBackend) Entries(_ context.Context, includeRead bool, fn func([]model.Entry) error) error {
	defer m.track()()
	m.record("entries")

	m.mu.Lock()
	if m.failEntries != nil {
		m.mu.Unlock()
		return m.failEntries
	}
	// Unread first, then starred; an entry that is both is sent twice.
	var all []model.Entry
	for _, id := range m.order {
		if e := m.entries[id]; includeRead || !e.Read {
			all = append(all, e)
		}
	}
	for _, id := range m.order {
		if e := m.entries[id]; e.Bookmarked {
			all = append(all, e)
		}
	}
	size := m.pageSize
	m.mu.Unlock()

	for start := 0; start < len(all); start += size {
		page := slices.Clone(all[start:min(start+size, len(all))])
		if err := fn(page); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockBackend) NewAndUpdatedEntries(_ context.Context, since backend.Since) ([]model.Entry, error) {
	defer m.track()()
	m.record("new_and_updated")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinces = append(m.sinces, since)
	if m.failNew != nil {
		return nil, m.failNew
	}
	if m.newAndUpdated != nil {
		return slices.Clone(m.newAndUpdated), nil
	}
	var out []model.Entry
	for _, id := range m.order {
		if e := m.entries[id]; e.Updated.After(since.Time()) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockBackend) MarkEntriesAsRead(_ context.Context, ids []string, read bool) error {
	defer m.track()()
	m.record("mark_read")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readCalls = append(m.readCalls, flagCall{IDs: slices.Clone(ids), Value: read})
	if err := m.failRead[read]; err != nil {
		return err
	}
	for _, id := range ids {
		e := m.entries[id]
		e.Read = read
		m.entries[id] = e
	}
	return nil
}

func (m *mockBackend) MarkEntriesAsBookmarked(_ context.Context, refs []model.EntryRef, bookmarked bool) error {
	defer m.track()()
	m.record("mark_bookmarked")
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(refs))
	for i, r := range refs {
		ids[i] = r.ID
	}
	m.bookmarkCalls = append(m.bookmarkCalls, flagCall{IDs: ids, Value: bookmarked})
	if err := m.failBookmark[bookmarked]; err != nil {
		return err
	}
	for _, id := range ids {
		e := m.entries[id]
		e.Bookmarked = bookmarked
		m.entries[id] = e
	}
	return nil
}

func (m *mockBackend) getOps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.ops)
}

func (m *mockBackend) getReadCalls() []flagCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.readCalls)
}

func (m *mockBackend) getBookmarkCalls() []flagCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.bookmarkCalls)
}

func (m *mockBackend) setFailBookmark(v bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failBookmark[v] = err
}

// --- Mock Connectivity -------------------------------------------------------

type mockConnectivity struct {
	offline atomic.Bool
}

func (c *mockConnectivity) Online(context.Context) bool { return !c.offline.Load() }

// --- Helpers -----------------------------------------------------------------

var errBackend = errors.New("backend exploded")

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "feedsync.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newEntry(id, feedID string, read, bookmarked bool, updated time.Time) model.Entry {
	return model.Entry{
		ID:               id,
		FeedID:           feedID,
		Title:            "Entry " + id,
		Content:          "<p>" + id + "</p>",
		Published:        updated,
		Updated:          updated,
		ExtGUIDHash:      "hash-" + id,
		Read:             read,
		ReadSynced:       true,
		Bookmarked:       bookmarked,
		BookmarkedSynced: true,
	}
}

// seed writes entries to both the backend and the store as if they had
// already been synced.
func seed(t *testing.T, b *mockBackend, s *store.Store, entries ...model.Entry) {
	t.Helper()
	b.addEntries(entries...)
	if err := s.UpsertEntries(context.Background(), entries); err != nil {
		t.Fatalf("UpsertEntries: %v", err)
	}
}

// markInitialSyncDone skips the initial sync in engine tests that focus on
// follow-up syncs.
func markInitialSyncDone(t *testing.T, s *store.Store) {
	t.Helper()
	if err := s.SetInitialSyncCompleted(context.Background(), true); err != nil {
		t.Fatalf("SetInitialSyncCompleted: %v", err)
	}
}

func mustEntry(t *testing.T, s *store.Store, id string) *model.Entry {
	t.Helper()
	e, err := s.Entry(context.Background(), id)
	if err != nil {
		t.Fatalf("Entry(%q): %v", id, err)
	}
	if e == nil {
		t.Fatalf("Entry(%q) = nil, want entry", id)
	}
	return e
}

func newTestEngine(t *testing.T) (*Engine, *mockBackend, *store.Store, *mockConnectivity) {
	t.Helper()
	b := newMockBackend()
	s := openTestStore(t)
	net := &mockConnectivity{}
	e := NewEngine(b, s, net, NewStateCell(), Options{SyncInterval: time.Hour}, testLogger)
	return e, b, s, net
}
