package model

// DownloadStatus is the state of an enclosure download.
type DownloadStatus int

const (
	// DownloadNotStarted means no bytes have arrived yet, or the size is unknown.
	DownloadNotStarted DownloadStatus = iota
	// DownloadInProgress means bytes are arriving.
	DownloadInProgress
	// DownloadCompleted means the file is fully written.
	DownloadCompleted
)

// String returns a lower-case label for the status.
func (s DownloadStatus) String() string {
	switch s {
	case DownloadInProgress:
		return "downloading"
	case DownloadCompleted:
		return "completed"
	default:
		return "not started"
	}
}

// EnclosureDownload tracks the download of one entry's enclosure. A failed
// download has no record at all.
type EnclosureDownload struct {
	EntryID string

	// DownloadPercent is 0..100, or nil when the download has not started.
	DownloadPercent *int

	// CacheURI is a file:// URI pointing at the downloaded binary.
	CacheURI string
}

// Status derives the download state from the percent value.
func (d *EnclosureDownload) Status() DownloadStatus {
	switch {
	case d.DownloadPercent == nil:
		return DownloadNotStarted
	case *d.DownloadPercent >= 100:
		return DownloadCompleted
	default:
		return DownloadInProgress
	}
}
