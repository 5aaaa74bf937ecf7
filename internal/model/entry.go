package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// MaxContentBytes is the largest entry content kept verbatim. Anything
// larger is replaced by [ContentTooLargePlaceholder] on ingest.
const MaxContentBytes = 200 * 1024

// ContentTooLargePlaceholder replaces oversized entry content.
const ContentTooLargePlaceholder = "<p>Content is too large to be stored offline.</p>"

// Entry is a single article or episode belonging to exactly one feed.
//
// Each user flag comes with a *Synced bit. A local change clears the bit;
// only a successful push to the backend sets it again.
type Entry struct {
	ID     string
	FeedID string

	Title   string
	Content string
	Author  string

	Published time.Time
	Updated   time.Time

	Links []Link

	// ExtGUIDHash is the Nextcloud News guid hash, needed to star items.
	// Empty for other backends.
	ExtGUIDHash string

	Read       bool
	ReadSynced bool

	Bookmarked       bool
	BookmarkedSynced bool
}

// EntryRef identifies an entry for bookmark pushes. Some backends address
// entries by feed and guid hash rather than by id.
type EntryRef struct {
	ID       string
	FeedID   string
	GUIDHash string
}

// Ref returns the entry's [EntryRef].
func (e *Entry) Ref() EntryRef {
	return EntryRef{ID: e.ID, FeedID: e.FeedID, GUIDHash: e.ExtGUIDHash}
}

// Enclosure returns the entry's enclosure link, if any.
func (e *Entry) Enclosure() (Link, bool) {
	for _, l := range e.Links {
		if l.Rel == RelEnclosure && l.Href != "" {
			return l, true
		}
	}
	return Link{}, false
}

// AlternateLink returns the entry's HTML page URL, if any.
func (e *Entry) AlternateLink() string {
	for _, l := range e.Links {
		if l.Rel == RelAlternate {
			return l.Href
		}
	}
	return ""
}

// CapContent replaces content larger than [MaxContentBytes] with
// [ContentTooLargePlaceholder]. It reports whether the content was replaced.
func (e *Entry) CapContent() bool {
	if len(e.Content) <= MaxContentBytes {
		return false
	}
	e.Content = ContentTooLargePlaceholder
	return true
}

// MatchesBlockedWords reports whether title contains any of the
// comma-separated words in blockedWords, ignoring case. Blank words are
// skipped.
func MatchesBlockedWords(title, blockedWords string) bool {
	if blockedWords == "" || title == "" {
		return false
	}
	lower := strings.ToLower(title)
	for _, w := range strings.Split(blockedWords, ",") {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

// EntryID derives a stable entry identifier. A non-empty guid is used
// as-is; otherwise a SHA-256 digest of feed, link, and title is returned so
// entries without a guid still dedupe across polls.
func EntryID(feedID, guid, link, title string) string {
	if guid != "" {
		return guid
	}
	h := sha256.New()
	h.Write([]byte(feedID))
	h.Write([]byte("|"))
	h.Write([]byte(link))
	h.Write([]byte("|"))
	h.Write([]byte(title))
	return "sha256:" + hex.EncodeToString(h.Sum(nil)[:16])
}
