// Package model defines the feed, entry, and enclosure types shared by the
// local store, the backend adapters, and the sync engine.
package model

// Link relation types used in [Link.Rel].
const (
	RelSelf      = "self"
	RelAlternate = "alternate"
	RelEnclosure = "enclosure"
)

// Link is a typed URL attached to a feed or an entry.
type Link struct {
	Href  string `json:"href"`
	Rel   string `json:"rel"`
	Type  string `json:"type,omitempty"`
	Title string `json:"title,omitempty"`
}

// Feed is a subscription. Title and Links come from the backend; the
// remaining fields are local-only overrides that no backend ever sets.
type Feed struct {
	// ID is the backend-assigned identifier. In standalone mode it is the
	// canonical feed URL.
	ID string

	Title string
	Links []Link

	// OpenEntriesInBrowser makes the reader open entry links externally
	// instead of rendering the content.
	OpenEntriesInBrowser bool

	// BlockedWords is a comma-separated list of substrings. Entries whose
	// title contains one of them (case-insensitive) are marked read on
	// ingest.
	BlockedWords string

	// ShowPreviewImages overrides the global preview-image setting.
	// Nil means "use the global setting".
	ShowPreviewImages *bool
}

// FeedOverrides holds the local-only fields of a [Feed].
type FeedOverrides struct {
	OpenEntriesInBrowser bool
	BlockedWords         string
	ShowPreviewImages    *bool
}

// Overrides returns the feed's local-only fields.
func (f *Feed) Overrides() FeedOverrides {
	return FeedOverrides{
		OpenEntriesInBrowser: f.OpenEntriesInBrowser,
		BlockedWords:         f.BlockedWords,
		ShowPreviewImages:    f.ShowPreviewImages,
	}
}

// ApplyOverrides copies o onto the feed's local-only fields.
func (f *Feed) ApplyOverrides(o FeedOverrides) {
	f.OpenEntriesInBrowser = o.OpenEntriesInBrowser
	f.BlockedWords = o.BlockedWords
	f.ShowPreviewImages = o.ShowPreviewImages
}

// SelfLink returns the URL of the feed document, falling back to the first
// link when no rel="self" link exists.
func (f *Feed) SelfLink() string {
	for _, l := range f.Links {
		if l.Rel == RelSelf {
			return l.Href
		}
	}
	if len(f.Links) > 0 {
		return f.Links[0].Href
	}
	return ""
}
