package model

import (
	"strings"
	"testing"
)

func TestMatchesBlockedWords(t *testing.T) {
	tests := []struct {
		name    string
		title   string
		blocked string
		want    bool
	}{
		{"empty list", "Anything goes", "", false},
		{"empty title", "", "ads", false},
		{"exact match", "Sponsored post", "sponsored", true},
		{"case insensitive", "WEEKLY Roundup", "weekly", true},
		{"second word matches", "Crypto news", "ads, crypto", true},
		{"no match", "Go 1.24 released", "crypto,ads", false},
		{"blank words ignored", "Go 1.24 released", " , ,", false},
		{"substring inside word", "Podcasting tips", "cast", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesBlockedWords(tt.title, tt.blocked); got != tt.want {
				t.Errorf("MatchesBlockedWords(%q, %q) = %v, want %v", tt.title, tt.blocked, got, tt.want)
			}
		})
	}
}

func TestCapContent(t *testing.T) {
	small := &Entry{Content: "<p>hi</p>"}
	if small.CapContent() {
		t.Error("small content was replaced")
	}
	if small.Content != "<p>hi</p>" {
		t.Errorf("Content = %q, want unchanged", small.Content)
	}

	atLimit := &Entry{Content: strings.Repeat("a", MaxContentBytes)}
	if atLimit.CapContent() {
		t.Error("content at the limit was replaced")
	}

	big := &Entry{Content: strings.Repeat("a", MaxContentBytes+1)}
	if !big.CapContent() {
		t.Error("oversized content was not replaced")
	}
	if big.Content != ContentTooLargePlaceholder {
		t.Errorf("Content = %q, want placeholder", big.Content)
	}
}

func TestEntryID(t *testing.T) {
	if got := EntryID("feed", "guid-1", "https://x/1", "T"); got != "guid-1" {
		t.Errorf("EntryID with guid = %q, want guid-1", got)
	}

	a := EntryID("feed", "", "https://x/1", "T")
	b := EntryID("feed", "", "https://x/1", "T")
	if a != b {
		t.Errorf("EntryID not deterministic: %q vs %q", a, b)
	}
	if !strings.HasPrefix(a, "sha256:") {
		t.Errorf("EntryID = %q, want sha256: prefix", a)
	}
	if c := EntryID("other-feed", "", "https://x/1", "T"); c == a {
		t.Error("EntryID ignores feed id")
	}
}

func TestEntry_Enclosure(t *testing.T) {
	e := Entry{Links: []Link{
		{Href: "https://x/page", Rel: RelAlternate},
		{Href: "https://x/ep.mp3", Rel: RelEnclosure, Type: "audio/mpeg"},
	}}
	l, ok := e.Enclosure()
	if !ok {
		t.Fatal("Enclosure() found nothing")
	}
	if l.Href != "https://x/ep.mp3" || l.Type != "audio/mpeg" {
		t.Errorf("Enclosure() = %+v", l)
	}
	if e.AlternateLink() != "https://x/page" {
		t.Errorf("AlternateLink() = %q", e.AlternateLink())
	}

	none := Entry{Links: []Link{{Href: "https://x/page", Rel: RelAlternate}}}
	if _, ok := none.Enclosure(); ok {
		t.Error("Enclosure() found a link on an entry without one")
	}
}

func TestEnclosureDownload_Status(t *testing.T) {
	pct := func(v int) *int { return &v }
	tests := []struct {
		pct  *int
		want DownloadStatus
	}{
		{nil, DownloadNotStarted},
		{pct(0), DownloadInProgress},
		{pct(63), DownloadInProgress},
		{pct(100), DownloadCompleted},
	}
	for _, tt := range tests {
		d := EnclosureDownload{DownloadPercent: tt.pct}
		if got := d.Status(); got != tt.want {
			t.Errorf("Status() = %v, want %v", got, tt.want)
		}
	}
}
