package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/njoerd114/feedsync/internal/model"
)

const (
	otelScope          = "feedsync/sync"
	spanSync           = "sync.sync"
	spanInitialSync    = "sync.initial"
	spanPhase          = "sync.phase"
	metricFetched      = "feedsync.sync.entries.fetched"
	metricFlagsPushed  = "feedsync.sync.flags.pushed"
	metricFeedsChanged = "feedsync.sync.feeds.replaced"
	metricErrors       = "feedsync.sync.errors"
)

// defaultSyncInterval is used when Options.SyncInterval is not positive.
const defaultSyncInterval = time.Hour

// SyncArgs selects the phases of a follow-up sync.
type SyncArgs struct {
	SyncFeeds                bool
	SyncEntriesFlags         bool
	SyncNewAndUpdatedEntries bool

	// Background marks syncs started by the scheduler rather than a user.
	Background bool
}

// DefaultSyncArgs enables every phase.
func DefaultSyncArgs() SyncArgs {
	return SyncArgs{SyncFeeds: true, SyncEntriesFlags: true, SyncNewAndUpdatedEntries: true}
}

// Options configures the daemon loop of an [Engine].
type Options struct {
	SyncInterval  time.Duration
	SyncOnStartup bool
}

// Engine serialises every sync operation behind a single lock and sequences
// the phases of a sync. Create one with [NewEngine]; run the periodic loop
// with [Engine.Run].
type Engine struct {
	store   Store
	net     Connectivity
	entries *EntriesRepository
	feeds   *FeedsRepository
	state   *StateCell
	opts    Options
	now     func() time.Time
	log     *slog.Logger

	// lock is a one-slot semaphore so that waiting for it honours ctx.
	lock chan struct{}

	// flagQueue coalesces requests to push dirty flags.
	flagQueue chan struct{}

	// OTel instruments, no-op when telemetry is disabled.
	tracer          trace.Tracer
	cntFetched      metric.Int64Counter
	cntFlagsPushed  metric.Int64Counter
	cntFeedsChanged metric.Int64Counter
	cntErrors       metric.Int64Counter
}

// NewEngine creates an Engine. A nil net is treated as always online; a nil
// state gets a fresh cell.
func NewEngine(b Backend, s Store, net Connectivity, state *StateCell, opts Options, logger *slog.Logger) *Engine {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	if state == nil {
		state = NewStateCell()
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}

	return &Engine{
		store:   s,
		net:     net,
		entries: NewEntriesRepository(b, s, logger),
		feeds:   NewFeedsRepository(b, s, logger),
		state:   state,
		opts:    opts,
		now:     time.Now,
		log:     logger,

		lock:      make(chan struct{}, 1),
		flagQueue: make(chan struct{}, 1),

		tracer:          tracer,
		cntFetched:      mustCounter(metricFetched, "Number of entries stored by sync"),
		cntFlagsPushed:  mustCounter(metricFlagsPushed, "Number of read/bookmark flags pushed to the backend"),
		cntFeedsChanged: mustCounter(metricFeedsChanged, "Number of times the cached feed list was replaced"),
		cntErrors:       mustCounter(metricErrors, "Number of failed syncs"),
	}
}

// State returns the cell the engine publishes its progress to.
func (e *Engine) State() *StateCell { return e.state }

// acquire takes the sync lock, giving up when ctx ends first.
func (e *Engine) acquire(ctx context.Context) error {
	select {
	case e.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() { <-e.lock }

// withLock runs fn holding the sync lock. Once the lock is held, fn runs to
// completion even if ctx is cancelled so that no write is abandoned halfway.
func (e *Engine) withLock(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := e.acquire(ctx); err != nil {
		return fmt.Errorf("waiting for sync lock: %w", err)
	}
	defer e.release()
	return fn(context.WithoutCancel(ctx))
}

// PerformInitialSync fetches the full feed list and all unread and
// bookmarked entries, once per installation. It returns immediately when
// the initial sync already completed. On failure nothing is marked
// complete, so the next call starts over.
func (e *Engine) PerformInitialSync(ctx context.Context) error {
	return e.withLock(ctx, func(ctx context.Context) error {
		ran, err := e.initialSyncLocked(ctx)
		if err != nil {
			e.fail(ctx, err)
			return err
		}
		if ran {
			e.state.set(State{Kind: StateIdle})
		}
		return nil
	})
}

// initialSyncLocked runs the initial sync if it has not completed yet. It
// reports whether any work was done. The caller holds the lock.
func (e *Engine) initialSyncLocked(ctx context.Context) (bool, error) {
	done, err := e.store.InitialSyncCompleted(ctx)
	if err != nil {
		return false, &PhaseError{Phase: PhaseInitialSync, Err: err}
	}
	if done {
		return false, nil
	}

	ctx, span := e.tracer.Start(ctx, spanInitialSync)
	defer span.End()

	e.log.Info("starting initial sync")
	e.state.set(State{Kind: StateInitialSync, Message: "Fetching feeds and entries"})
	started := e.now()

	var fetched int
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := e.feeds.Sync(gCtx)
		return err
	})
	g.Go(func() error {
		n, err := e.entries.SyncAll(gCtx, func(total int) {
			e.state.set(State{Kind: StateInitialSync, Message: fmt.Sprintf("Fetched %d entries", total)})
		})
		fetched = n
		return err
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "initial sync failed")
		return true, &PhaseError{Phase: PhaseInitialSync, Err: err}
	}

	if err := e.store.SetLastEntriesSyncDateTime(ctx, started); err != nil {
		return true, &PhaseError{Phase: PhaseInitialSync, Err: err}
	}
	if err := e.store.SetInitialSyncCompleted(ctx, true); err != nil {
		return true, &PhaseError{Phase: PhaseInitialSync, Err: err}
	}

	e.cntFetched.Add(ctx, int64(fetched))
	span.SetAttributes(attribute.Int("sync.entries.fetched", fetched))
	e.log.Info("initial sync complete", "entries", fetched, "duration", e.now().Sub(started).Round(time.Millisecond))
	return true, nil
}

// Sync runs a follow-up sync. The connectivity check happens before the
// lock is requested, so an offline call returns [ErrOffline] at once
// instead of queueing behind a running sync. If the initial sync has not
// completed it runs first. The enabled phases then run in a fixed order:
// read flags, bookmarks, feeds, new and updated entries. The first failing
// phase aborts the sync with a [*PhaseError].
func (e *Engine) Sync(ctx context.Context, args SyncArgs) error {
	if e.net != nil && !e.net.Online(ctx) {
		return ErrOffline
	}
	return e.withLock(ctx, func(ctx context.Context) error {
		ctx, span := e.tracer.Start(ctx, spanSync, trace.WithAttributes(
			attribute.Bool("sync.feeds", args.SyncFeeds),
			attribute.Bool("sync.flags", args.SyncEntriesFlags),
			attribute.Bool("sync.entries", args.SyncNewAndUpdatedEntries),
			attribute.Bool("sync.background", args.Background),
		))
		defer span.End()

		if err := e.syncLocked(ctx, args); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "sync failed")
			e.fail(ctx, err)
			return err
		}
		e.state.set(State{Kind: StateIdle})
		return nil
	})
}

// SyncEntriesFlags pushes dirty flags only.
func (e *Engine) SyncEntriesFlags(ctx context.Context) error {
	return e.Sync(ctx, SyncArgs{SyncEntriesFlags: true})
}

func (e *Engine) syncLocked(ctx context.Context, args SyncArgs) error {
	if _, err := e.initialSyncLocked(ctx); err != nil {
		return err
	}

	e.state.set(State{Kind: StateFollowUpSync, Args: args, Background: args.Background})
	start := e.now()

	if args.SyncEntriesFlags {
		if err := e.phase(ctx, PhaseReadState, func(ctx context.Context) (int, error) {
			n, err := e.entries.SyncReadFlags(ctx)
			e.cntFlagsPushed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("flag", "read")))
			return n, err
		}); err != nil {
			return err
		}
		if err := e.phase(ctx, PhaseBookmarks, func(ctx context.Context) (int, error) {
			n, err := e.entries.SyncBookmarkFlags(ctx)
			e.cntFlagsPushed.Add(ctx, int64(n), metric.WithAttributes(attribute.String("flag", "bookmarked")))
			return n, err
		}); err != nil {
			return err
		}
	}

	if args.SyncFeeds {
		if err := e.phase(ctx, PhaseFeeds, func(ctx context.Context) (int, error) {
			changed, err := e.feeds.Sync(ctx)
			if changed {
				e.cntFeedsChanged.Add(ctx, 1)
				return 1, err
			}
			return 0, err
		}); err != nil {
			return err
		}
	}

	if args.SyncNewAndUpdatedEntries {
		if err := e.phase(ctx, PhaseNewAndUpdated, func(ctx context.Context) (int, error) {
			n, err := e.entries.SyncNewAndUpdated(ctx)
			e.cntFetched.Add(ctx, int64(n))
			return n, err
		}); err != nil {
			return err
		}
	}

	e.log.Info("sync complete",
		"feeds", args.SyncFeeds,
		"flags", args.SyncEntriesFlags,
		"entries", args.SyncNewAndUpdatedEntries,
		"background", args.Background,
		"duration", e.now().Sub(start).Round(time.Millisecond),
	)
	return nil
}

// phase runs one sync step inside its own span and wraps a failure with the
// phase name.
func (e *Engine) phase(ctx context.Context, p Phase, fn func(ctx context.Context) (int, error)) error {
	ctx, span := e.tracer.Start(ctx, spanPhase, trace.WithAttributes(attribute.String("sync.phase", string(p))))
	defer span.End()

	n, err := fn(ctx)
	span.SetAttributes(attribute.Int("sync.items", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(p))
		return &PhaseError{Phase: p, Err: err}
	}
	e.log.Debug("sync phase done", "phase", string(p), "items", n)
	return nil
}

// fail publishes a failed state and counts the error.
func (e *Engine) fail(ctx context.Context, err error) {
	e.cntErrors.Add(ctx, 1)
	e.state.set(State{Kind: StateFailedToSync, Err: err})
}

// --- flag mutations ----------------------------------------------------------

// MarkEntriesAsRead changes read flags locally and queues a flag push.
func (e *Engine) MarkEntriesAsRead(ctx context.Context, ids []string, read bool) error {
	n, err := e.entries.MarkAsRead(ctx, ids, read)
	if err != nil {
		return err
	}
	if n > 0 {
		e.RequestFlagSync()
	}
	return nil
}

// SetEntryBookmarked changes a bookmark locally and queues a flag push.
func (e *Engine) SetEntryBookmarked(ctx context.Context, id string, bookmarked bool) error {
	changed, err := e.entries.SetBookmarked(ctx, id, bookmarked)
	if err != nil {
		return err
	}
	if changed {
		e.RequestFlagSync()
	}
	return nil
}

// RequestFlagSync asks [Engine.Run] to push dirty flags. Requests made
// while one is already pending are merged into it.
func (e *Engine) RequestFlagSync() {
	select {
	case e.flagQueue <- struct{}{}:
	default:
	}
}

// --- feed mutations ----------------------------------------------------------

// AddFeed subscribes to url. It holds the sync lock so a concurrent feed
// refresh cannot drop the new feed.
func (e *Engine) AddFeed(ctx context.Context, url string) (model.Feed, error) {
	var feed model.Feed
	err := e.withLock(ctx, func(ctx context.Context) error {
		var err error
		feed, err = e.feeds.Add(ctx, url)
		return err
	})
	return feed, err
}

// RenameFeed changes a feed's title.
func (e *Engine) RenameFeed(ctx context.Context, id, title string) error {
	return e.withLock(ctx, func(ctx context.Context) error {
		return e.feeds.Rename(ctx, id, title)
	})
}

// DeleteFeed unsubscribes from a feed and drops its entries.
func (e *Engine) DeleteFeed(ctx context.Context, id string) error {
	return e.withLock(ctx, func(ctx context.Context) error {
		return e.feeds.Delete(ctx, id)
	})
}

// UpdateFeedOverrides changes a feed's local-only settings. It holds the
// sync lock so a feed refresh cannot write back the previous values.
func (e *Engine) UpdateFeedOverrides(ctx context.Context, id string, o model.FeedOverrides) error {
	return e.withLock(ctx, func(ctx context.Context) error {
		return e.feeds.UpdateOverrides(ctx, id, o)
	})
}

// --- daemon loop -------------------------------------------------------------

// Run syncs on startup when configured, then every SyncInterval, and pushes
// flags whenever a flag push is requested. It blocks until ctx is
// cancelled. A sync already running when ctx ends completes first.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.SyncInterval)
	defer ticker.Stop()

	if e.opts.SyncOnStartup {
		e.runSync(ctx, DefaultSyncArgs())
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			return ctx.Err()
		case <-ticker.C:
			args := DefaultSyncArgs()
			args.Background = true
			e.runSync(ctx, args)
		case <-e.flagQueue:
			e.runSync(ctx, SyncArgs{SyncEntriesFlags: true, Background: true})
		}
	}
}

// runSync runs one sync from the daemon loop and logs its outcome.
func (e *Engine) runSync(ctx context.Context, args SyncArgs) {
	err := e.Sync(ctx, args)
	switch {
	case err == nil:
	case errors.Is(err, ErrOffline):
		e.log.Warn("skipping sync: backend unreachable")
	case ctx.Err() != nil:
	default:
		e.log.Error("sync failed", "error", err)
	}
}
