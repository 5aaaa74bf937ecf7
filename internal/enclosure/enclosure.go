// Package enclosure downloads entry enclosures (podcast episodes and other
// attached media) into a local cache directory and tracks their progress in
// the store.
//
// A download record exists only while a download is running or after it
// completed. Any failure, including cancellation, removes both the record
// and the partial file, so a half-written file is never reported as
// available.
package enclosure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/njoerd114/feedsync/internal/backend"
	"github.com/njoerd114/feedsync/internal/model"
)

const (
	otelScope        = "feedsync/enclosure"
	spanDownload     = "enclosure.download"
	metricCompleted  = "feedsync.enclosure.completed"
	metricFailed     = "feedsync.enclosure.failed"
	metricBytes      = "feedsync.enclosure.bytes"
	chunkSize        = 16 << 10
	percentComplete  = 100
	percentCeiling   = percentComplete - 1
	defaultExtension = ".bin"
)

// Sentinel errors returned by [Manager.Download].
var (
	ErrEntryNotFound = errors.New("entry not found")
	ErrNoEnclosure   = errors.New("entry has no enclosure")
)

// Store is the subset of the local store the manager needs.
// Implemented by [store.Store].
type Store interface {
	Entry(ctx context.Context, id string) (*model.Entry, error)
	InsertEnclosureDownload(ctx context.Context, entryID, cacheURI string) (bool, error)
	UpdateEnclosureProgress(ctx context.Context, entryID string, percent int) error
	EnclosureDownload(ctx context.Context, entryID string) (*model.EnclosureDownload, error)
	EnclosureDownloads(ctx context.Context) ([]model.EnclosureDownload, error)
	DeleteEnclosureDownload(ctx context.Context, entryID string) error
}

// Manager runs enclosure downloads. Downloads of different entries may run
// concurrently; a second download of the same entry is a no-op while the
// first one is recorded.
type Manager struct {
	store Store
	http  backend.HTTPClient
	dir   string
	log   *slog.Logger

	mu       sync.Mutex
	inFlight map[string]*running

	tracer       trace.Tracer
	cntCompleted metric.Int64Counter
	cntFailed    metric.Int64Counter
	cntBytes     metric.Int64Counter
}

// NewManager creates a Manager that stores files under cacheDir.
func NewManager(s Store, hc backend.HTTPClient, cacheDir string, logger *slog.Logger) *Manager {
	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Manager{
		store:    s,
		http:     hc,
		dir:      cacheDir,
		log:      logger,
		inFlight: make(map[string]*running),

		tracer:       otel.Tracer(otelScope),
		cntCompleted: mustCounter(metricCompleted, "Number of completed enclosure downloads"),
		cntFailed:    mustCounter(metricFailed, "Number of failed or cancelled enclosure downloads"),
		cntBytes:     mustCounter(metricBytes, "Bytes written to the enclosure cache"),
	}
}

// Download fetches the enclosure of entryID into the cache. It returns nil
// without doing anything when a download record for the entry already
// exists. On failure the record and any partial file are removed.
func (m *Manager) Download(ctx context.Context, entryID string) error {
	entry, err := m.store.Entry(ctx, entryID)
	if err != nil {
		return fmt.Errorf("loading entry %q: %w", entryID, err)
	}
	if entry == nil {
		return fmt.Errorf("%w: %q", ErrEntryNotFound, entryID)
	}
	link, ok := entry.Enclosure()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoEnclosure, entryID)
	}

	file := filepath.Join(m.dir, CacheFileName(entryID, link))
	inserted, err := m.store.InsertEnclosureDownload(ctx, entryID, fileURI(file))
	if err != nil {
		return err
	}
	if !inserted {
		m.log.Debug("enclosure download already recorded", "entry_id", entryID)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	run := &running{cancel: cancel, done: make(chan struct{})}
	m.track(entryID, run)
	defer m.untrack(entryID, run)
	defer cancel()

	ctx, span := m.tracer.Start(ctx, spanDownload, trace.WithAttributes(
		attribute.String("enclosure.entry_id", entryID),
		attribute.String("enclosure.type", link.Type),
	))
	defer span.End()

	m.log.Info("downloading enclosure", "entry_id", entryID, "url", link.Href)
	n, err := m.fetch(ctx, entryID, link.Href, file)
	m.cntBytes.Add(ctx, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		m.cntFailed.Add(ctx, 1)
		m.remove(context.WithoutCancel(ctx), entryID, file)
		m.log.Warn("enclosure download failed", "entry_id", entryID, "error", err)
		return fmt.Errorf("downloading enclosure of %q: %w", entryID, err)
	}

	m.cntCompleted.Add(ctx, 1)
	m.log.Info("enclosure downloaded", "entry_id", entryID, "bytes", n, "path", file)
	return nil
}

// fetch streams url into file, recording progress as it goes. It returns the
// number of bytes written.
func (m *Manager) fetch(ctx context.Context, entryID, rawURL, file string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", backend.UserAgent)

	resp, err := m.http.Do(req)
	if err != nil {
		return 0, ctxErr(ctx, err)
	}
	defer resp.Body.Close()
	if err := backend.CheckResponse(resp); err != nil {
		return 0, err
	}

	if err := m.store.UpdateEnclosureProgress(ctx, entryID, 0); err != nil {
		return 0, err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating cache dir: %w", err)
	}
	f, err := os.Create(file)
	if err != nil {
		return 0, fmt.Errorf("creating cache file: %w", err)
	}
	defer f.Close()

	var (
		written int64
		last    int
		buf     = make([]byte, chunkSize)
	)
	for {
		nr, rerr := resp.Body.Read(buf)
		if nr > 0 {
			if _, err := f.Write(buf[:nr]); err != nil {
				return written, fmt.Errorf("writing cache file: %w", err)
			}
			written += int64(nr)
			if pct := progress(written, resp.ContentLength); pct > last {
				if err := m.store.UpdateEnclosureProgress(ctx, entryID, pct); err != nil {
					return written, err
				}
				last = pct
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return written, ctxErr(ctx, fmt.Errorf("reading body: %w", rerr))
		}
	}

	if err := f.Sync(); err != nil {
		return written, fmt.Errorf("syncing cache file: %w", err)
	}
	if err := m.store.UpdateEnclosureProgress(ctx, entryID, percentComplete); err != nil {
		return written, err
	}
	return written, nil
}

// progress converts a byte count into a percent below 100. An unknown total
// keeps the percent at 0.
func progress(written, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(min(written*100/total, percentCeiling))
}

// ctxErr prefers the context's error so callers can match
// context.Canceled after a [Manager.Cancel].
func ctxErr(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return err
}

// running is an in-flight download. done is closed once its cleanup has
// finished.
type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the in-flight download of entryID. It reports whether a
// download was running.
func (m *Manager) Cancel(entryID string) bool {
	return m.stop(entryID) != nil
}

// stop cancels the in-flight download of entryID and returns a channel that
// is closed when it has cleaned up, or nil when none is running.
func (m *Manager) stop(entryID string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.inFlight[entryID]
	if !ok {
		return nil
	}
	run.cancel()
	return run.done
}

func (m *Manager) track(entryID string, run *running) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[entryID] = run
}

func (m *Manager) untrack(entryID string, run *running) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, entryID)
	close(run.done)
}

// Delete removes a downloaded enclosure and its record. A download of the
// entry that is still running is cancelled first. Deleting an entry with no
// record is not an error.
func (m *Manager) Delete(ctx context.Context, entryID string) error {
	if done := m.stop(entryID); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d, err := m.store.EnclosureDownload(ctx, entryID)
	if err != nil {
		return err
	}
	if d == nil {
		return nil
	}
	if err := removeFile(filePath(d.CacheURI)); err != nil {
		return err
	}
	return m.store.DeleteEnclosureDownload(ctx, entryID)
}

// DeleteIncompleteDownloads removes records left behind by an earlier
// process: records that are not complete, whose file is gone, or whose
// entry no longer exists. Call it at startup before any download begins.
// It returns the number of records removed.
func (m *Manager) DeleteIncompleteDownloads(ctx context.Context) (int, error) {
	downloads, err := m.store.EnclosureDownloads(ctx)
	if err != nil {
		return 0, err
	}

	var removed int
	for _, d := range downloads {
		reason, err := m.staleReason(ctx, &d)
		if err != nil {
			return removed, err
		}
		if reason == "" {
			continue
		}
		file := filePath(d.CacheURI)
		if err := removeFile(file); err != nil {
			return removed, err
		}
		if err := m.store.DeleteEnclosureDownload(ctx, d.EntryID); err != nil {
			return removed, err
		}
		removed++
		m.log.Info("removed stale enclosure download", "entry_id", d.EntryID, "reason", reason)
	}
	return removed, nil
}

func (m *Manager) staleReason(ctx context.Context, d *model.EnclosureDownload) (string, error) {
	if d.Status() != model.DownloadCompleted {
		return "incomplete", nil
	}
	if _, err := os.Stat(filePath(d.CacheURI)); errors.Is(err, os.ErrNotExist) {
		return "file missing", nil
	}
	entry, err := m.store.Entry(ctx, d.EntryID)
	if err != nil {
		return "", fmt.Errorf("loading entry %q: %w", d.EntryID, err)
	}
	if entry == nil {
		return "entry deleted", nil
	}
	return "", nil
}

// remove is the failure cleanup. Errors are logged because the download
// error is what the caller needs to see.
func (m *Manager) remove(ctx context.Context, entryID, file string) {
	if err := removeFile(file); err != nil {
		m.log.Error("removing partial enclosure", "entry_id", entryID, "error", err)
	}
	if err := m.store.DeleteEnclosureDownload(ctx, entryID); err != nil {
		m.log.Error("removing enclosure record", "entry_id", entryID, "error", err)
	}
}

func removeFile(file string) error {
	if file == "" {
		return nil
	}
	if err := os.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", file, err)
	}
	return nil
}

// CacheFileName returns the cache file name for an entry's enclosure: a
// name-based UUID of the entry id plus an extension taken from the mime type
// or, failing that, the URL path.
func CacheFileName(entryID string, link model.Link) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(entryID)).String() + extension(link)
}

func extension(link model.Link) string {
	if link.Type != "" {
		mediaType, _, err := mime.ParseMediaType(link.Type)
		if err == nil {
			if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
				return exts[0]
			}
		}
	}
	if u, err := url.Parse(link.Href); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 6 {
			return strings.ToLower(ext)
		}
	}
	return defaultExtension
}

func fileURI(file string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(file)}).String()
}

func filePath(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return ""
	}
	return filepath.FromSlash(u.Path)
}
