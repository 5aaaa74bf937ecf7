// feedsync keeps a local SQLite cache of RSS/Atom subscriptions in sync with
// a Nextcloud News or Miniflux server, or polls feeds directly in standalone
// mode, and downloads podcast enclosures for offline use.
//
// Usage:
//
//	feedsync setup                          # interactive first-run wizard
//	feedsync daemon [--config <path>]       # periodic sync + flag pushes
//	feedsync sync [--flags-only] [--no-feeds] [--no-entries]
//	feedsync initial-sync                   # full download, once per install
//	feedsync add-feed <url>
//	feedsync rename-feed <feed-id> <title>
//	feedsync delete-feed <feed-id>
//	feedsync mark-read [--unread] <entry-id>...
//	feedsync bookmark [--remove] <entry-id>
//	feedsync download <entry-id>            # fetch an entry's enclosure
//	feedsync status                         # show config and cache state
//	feedsync uninstall [--purge]            # remove the systemd service
//	feedsync version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/njoerd114/feedsync/internal/backend"
	"github.com/njoerd114/feedsync/internal/backend/miniflux"
	"github.com/njoerd114/feedsync/internal/backend/nextcloud"
	"github.com/njoerd114/feedsync/internal/backend/standalone"
	"github.com/njoerd114/feedsync/internal/config"
	"github.com/njoerd114/feedsync/internal/enclosure"
	"github.com/njoerd114/feedsync/internal/netcheck"
	"github.com/njoerd114/feedsync/internal/setup"
	"github.com/njoerd114/feedsync/internal/store"
	syncp "github.com/njoerd114/feedsync/internal/sync"
	"github.com/njoerd114/feedsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// backendWait bounds how long the daemon waits for the server at startup
// before it starts its loop anyway.
const backendWait = 2 * time.Minute

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the subcommand named by the first argument.
func run() error {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "setup":
		return runSetup(args)
	case "daemon":
		return runDaemon(args)
	case "sync":
		return runSyncCmd(args)
	case "initial-sync":
		return runInitialSync(args)
	case "add-feed":
		return runAddFeed(args)
	case "rename-feed":
		return runRenameFeed(args)
	case "delete-feed":
		return runDeleteFeed(args)
	case "mark-read":
		return runMarkRead(args)
	case "bookmark":
		return runBookmark(args)
	case "download":
		return runDownload(args)
	case "status":
		return runStatus(args)
	case "uninstall":
		return runUninstall(args)
	case "version":
		fmt.Println("feedsync", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'feedsync help' for usage", cmd)
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "feedsync: offline cache for Nextcloud News, Miniflux, or plain feeds")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  feedsync setup                            Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  feedsync daemon                           Run the periodic sync daemon")
	fmt.Fprintln(os.Stderr, "  feedsync sync [--flags-only] [--no-feeds] [--no-entries]")
	fmt.Fprintln(os.Stderr, "                                            Run one sync and exit")
	fmt.Fprintln(os.Stderr, "  feedsync initial-sync                     Run the first full download")
	fmt.Fprintln(os.Stderr, "  feedsync add-feed <url>                   Subscribe to a feed")
	fmt.Fprintln(os.Stderr, "  feedsync rename-feed <feed-id> <title>    Rename a feed")
	fmt.Fprintln(os.Stderr, "  feedsync delete-feed <feed-id>            Unsubscribe from a feed")
	fmt.Fprintln(os.Stderr, "  feedsync mark-read [--unread] <entry-id>...")
	fmt.Fprintln(os.Stderr, "  feedsync bookmark [--remove] <entry-id>")
	fmt.Fprintln(os.Stderr, "  feedsync download <entry-id>              Download an entry's enclosure")
	fmt.Fprintln(os.Stderr, "  feedsync status                           Show config and cache state")
	fmt.Fprintln(os.Stderr, "  feedsync uninstall [--purge]              Remove the systemd service")
	fmt.Fprintln(os.Stderr, "  feedsync version                          Print version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Every command except setup and version accepts --config <path> and --verbose.")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "No config file found. Run 'feedsync setup' to get started.")
	}
}

// --- Shared wiring -------------------------------------------------------------

// commonFlags holds the flags every command that opens the cache accepts.
type commonFlags struct {
	fs      *flag.FlagSet
	cfgPath *string
	verbose *bool
}

func newFlagSet(name string) commonFlags {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	return commonFlags{
		fs:      fs,
		cfgPath: fs.String("config", defaultCfg, "path to config.yaml"),
		verbose: fs.Bool("verbose", false, "enable debug logging"),
	}
}

// app bundles the components a command works with.
type app struct {
	cfg        *config.Config
	log        *slog.Logger
	store      *store.Store
	backend    syncp.Backend
	net        *netcheck.Checker
	engine     *syncp.Engine
	enclosures *enclosure.Manager

	closers []func()
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

// openApp loads the config and wires logger, telemetry, store, backend,
// connectivity check, sync engine, and enclosure manager. Call Close when
// done.
func openApp(flags commonFlags) (*app, error) {
	logger := newLogger(*flags.verbose)

	cfg, err := config.Load(*flags.cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w\n\nRun 'feedsync setup' to create one", *flags.cfgPath, err)
	}
	logger.Debug("config loaded",
		"backend", cfg.Backend,
		"server_url", cfg.ServerURL,
		"sync_interval", cfg.SyncInterval,
	)

	a := &app{cfg: cfg, log: logger}

	if cfg.Telemetry != nil {
		shutdownTel, err := telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
			ExportInterval: cfg.Telemetry.ExportInterval,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	dbPath, err := databasePath(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("opening database at %q: %w", dbPath, err)
	}
	a.store = st
	a.closers = append(a.closers, func() {
		if err := st.Close(); err != nil {
			logger.Error("closing database", "error", err)
		}
	})
	logger.Debug("database opened", "path", dbPath)

	hc := backend.NewHTTPClient(cfg.HTTPTimeout)
	a.backend, err = newBackend(cfg, st, hc, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Backend != config.BackendStandalone {
		a.net, err = netcheck.New(cfg.ServerURL, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	var conn syncp.Connectivity
	if a.net != nil {
		conn = a.net
	}
	a.engine = syncp.NewEngine(a.backend, st, conn, syncp.NewStateCell(), syncp.Options{
		SyncInterval:  cfg.SyncInterval,
		SyncOnStartup: cfg.SyncOnStartup,
	}, logger)

	cacheDir, err := cacheDir(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.enclosures = enclosure.NewManager(st, backend.NewHTTPClient(0), cacheDir, logger)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newBackend(cfg *config.Config, st *store.Store, hc backend.HTTPClient, logger *slog.Logger) (syncp.Backend, error) {
	switch cfg.Backend {
	case config.BackendNextcloud:
		return nextcloud.New(cfg.ServerURL, cfg.Username, cfg.Password, hc, logger), nil
	case config.BackendMiniflux:
		return miniflux.New(cfg.ServerURL, miniflux.Credentials{
			APIToken: cfg.APIToken,
			Username: cfg.Username,
			Password: cfg.Password,
		}, hc, logger), nil
	case config.BackendStandalone:
		return standalone.New(st, hc, logger), nil
	}
	return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
}

func databasePath(cfg *config.Config) (string, error) {
	if cfg.DatabasePath != "" {
		return cfg.DatabasePath, nil
	}
	p, err := store.DefaultDBPath()
	if err != nil {
		return "", fmt.Errorf("resolving database path: %w", err)
	}
	return p, nil
}

func cacheDir(cfg *config.Config) (string, error) {
	if cfg.CacheDir != "" {
		return cfg.CacheDir, nil
	}
	return config.DefaultCacheDir()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

// withApp parses args, opens the app, and runs fn with a signal-aware
// context. want is the number of positional arguments; -1 means at least
// one.
func withApp(name string, args []string, want int, fn func(ctx context.Context, a *app, args []string) error) error {
	flags := newFlagSet(name)
	return withFlags(flags, args, want, fn)
}

func withFlags(flags commonFlags, args []string, want int, fn func(ctx context.Context, a *app, args []string) error) error {
	if err := flags.fs.Parse(args); err != nil {
		return err
	}
	rest := flags.fs.Args()
	switch {
	case want < 0 && len(rest) == 0:
		return fmt.Errorf("%s: at least one argument required", flags.fs.Name())
	case want >= 0 && len(rest) != want:
		return fmt.Errorf("%s: expected %d argument(s), got %d", flags.fs.Name(), want, len(rest))
	}

	a, err := openApp(flags)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()
	return fn(ctx, a, rest)
}

// --- Subcommands ---------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup(args []string) error {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to write config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signalContext()
	defer stop()

	wiz := setup.NewWizard(os.Stdin, os.Stdout, logger, *cfgPath, verifyBackend(logger))
	return wiz.Run(ctx)
}

// verifyBackend checks the entered server by listing its feeds.
func verifyBackend(logger *slog.Logger) setup.VerifyFunc {
	return func(ctx context.Context, cfg *config.Config) error {
		ctx, cancel := context.WithTimeout(ctx, cfg.HTTPTimeout)
		defer cancel()
		b, err := newBackend(cfg, nil, backend.NewHTTPClient(cfg.HTTPTimeout), logger)
		if err != nil {
			return err
		}
		_, err = b.Feeds(ctx)
		return err
	}
}

// runDaemon reconciles enclosure downloads, runs the initial sync when
// needed, and then syncs on a timer until interrupted.
func runDaemon(args []string) error {
	return withApp("daemon", args, 0, func(ctx context.Context, a *app, _ []string) error {
		a.log.Info("daemon starting",
			"version", version,
			"backend", a.cfg.Backend,
			"sync_interval", a.cfg.SyncInterval,
		)

		removed, err := a.enclosures.DeleteIncompleteDownloads(ctx)
		if err != nil {
			return fmt.Errorf("reconciling enclosure downloads: %w", err)
		}
		if removed > 0 {
			a.log.Info("removed incomplete enclosure downloads", "count", removed)
		}

		if err := waitForBackend(ctx, a); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("backend still unreachable, starting anyway", "error", err)
		}

		if err := a.engine.PerformInitialSync(ctx); err != nil {
			// The next scheduled sync retries it from scratch.
			a.log.Error("initial sync failed", "error", err)
		}

		if err := a.engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("sync engine: %w", err)
		}
		a.log.Info("shutdown complete")
		return nil
	})
}

// waitForBackend polls connectivity with Fibonacci backoff for up to
// backendWait.
func waitForBackend(ctx context.Context, a *app) error {
	if a.net == nil {
		return nil
	}
	b := retry.WithMaxDuration(backendWait, retry.WithCappedDuration(30*time.Second, retry.NewFibonacci(time.Second)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if !a.net.Online(ctx) {
			a.log.Info("waiting for backend", "url", a.cfg.ServerURL)
			return retry.RetryableError(syncp.ErrOffline)
		}
		return nil
	})
}

// runSyncCmd runs a single follow-up sync.
func runSyncCmd(args []string) error {
	flags := newFlagSet("sync")
	flagsOnly := flags.fs.Bool("flags-only", false, "only push read and bookmark changes")
	noFeeds := flags.fs.Bool("no-feeds", false, "skip the feed list refresh")
	noEntries := flags.fs.Bool("no-entries", false, "skip fetching new and updated entries")

	return withFlags(flags, args, 0, func(ctx context.Context, a *app, _ []string) error {
		syncArgs := syncp.DefaultSyncArgs()
		if *flagsOnly {
			syncArgs = syncp.SyncArgs{SyncEntriesFlags: true}
		}
		if *noFeeds {
			syncArgs.SyncFeeds = false
		}
		if *noEntries {
			syncArgs.SyncNewAndUpdatedEntries = false
		}
		if err := a.engine.Sync(ctx, syncArgs); err != nil {
			return err
		}
		fmt.Println("Sync complete.")
		return nil
	})
}

// runInitialSync runs the initial sync if it has not completed yet.
func runInitialSync(args []string) error {
	return withApp("initial-sync", args, 0, func(ctx context.Context, a *app, _ []string) error {
		states, unsubscribe := a.engine.State().Subscribe()
		defer unsubscribe()
		go func() {
			for st := range states {
				if st.Kind == syncp.StateInitialSync {
					fmt.Fprintf(os.Stderr, "  %s\n", st.Message)
				}
			}
		}()

		if err := a.engine.PerformInitialSync(ctx); err != nil {
			return err
		}
		n, err := a.store.CountEntries(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Initial sync complete: %d entries cached.\n", n)
		return nil
	})
}

func runAddFeed(args []string) error {
	return withApp("add-feed", args, 1, func(ctx context.Context, a *app, rest []string) error {
		feed, err := a.engine.AddFeed(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Printf("Subscribed to %q (id %s).\n", feed.Title, feed.ID)
		return nil
	})
}

func runRenameFeed(args []string) error {
	return withApp("rename-feed", args, 2, func(ctx context.Context, a *app, rest []string) error {
		if err := a.engine.RenameFeed(ctx, rest[0], rest[1]); err != nil {
			return err
		}
		fmt.Printf("Renamed feed %s to %q.\n", rest[0], rest[1])
		return nil
	})
}

func runDeleteFeed(args []string) error {
	return withApp("delete-feed", args, 1, func(ctx context.Context, a *app, rest []string) error {
		if err := a.engine.DeleteFeed(ctx, rest[0]); err != nil {
			return err
		}
		fmt.Printf("Unsubscribed from feed %s.\n", rest[0])
		return nil
	})
}

// runMarkRead changes read flags locally and tries to push them at once.
// Offline, the flags stay dirty for the next sync.
func runMarkRead(args []string) error {
	flags := newFlagSet("mark-read")
	unread := flags.fs.Bool("unread", false, "mark as unread instead")
	return withFlags(flags, args, -1, func(ctx context.Context, a *app, rest []string) error {
		if err := a.engine.MarkEntriesAsRead(ctx, rest, !*unread); err != nil {
			return err
		}
		return pushFlags(ctx, a)
	})
}

func runBookmark(args []string) error {
	flags := newFlagSet("bookmark")
	remove := flags.fs.Bool("remove", false, "remove the bookmark instead")
	return withFlags(flags, args, 1, func(ctx context.Context, a *app, rest []string) error {
		if err := a.engine.SetEntryBookmarked(ctx, rest[0], !*remove); err != nil {
			return err
		}
		return pushFlags(ctx, a)
	})
}

func pushFlags(ctx context.Context, a *app) error {
	err := a.engine.SyncEntriesFlags(ctx)
	if errors.Is(err, syncp.ErrOffline) {
		fmt.Println("Saved locally; the backend is unreachable, changes will sync later.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Println("Saved and synced.")
	return nil
}

func runDownload(args []string) error {
	return withApp("download", args, 1, func(ctx context.Context, a *app, rest []string) error {
		if err := a.enclosures.Download(ctx, rest[0]); err != nil {
			return err
		}
		d, err := a.store.EnclosureDownload(ctx, rest[0])
		if err != nil {
			return err
		}
		if d != nil {
			fmt.Printf("Enclosure %s: %s\n", d.Status(), d.CacheURI)
		}
		return nil
	})
}

// runStatus prints the configuration and cache state.
func runStatus(args []string) error {
	flags := newFlagSet("status")
	return withFlags(flags, args, 0, func(ctx context.Context, a *app, _ []string) error {
		fmt.Println("feedsync status")
		fmt.Println("---------------")
		fmt.Printf("  Config:     %s\n", *flags.cfgPath)
		fmt.Printf("  Backend:    %s\n", a.cfg.Backend)
		if a.cfg.ServerURL != "" {
			online := "unreachable"
			if a.net.Online(ctx) {
				online = "reachable"
			}
			fmt.Printf("  Server:     %s (%s)\n", a.cfg.ServerURL, online)
		}
		if setup.IsServiceActive(ctx) {
			fmt.Println("  Daemon:     running (systemd)")
		} else {
			fmt.Println("  Daemon:     not running")
		}

		done, err := a.store.InitialSyncCompleted(ctx)
		if err != nil {
			return err
		}
		last, err := a.store.LastEntriesSyncDateTime(ctx)
		if err != nil {
			return err
		}
		feeds, err := a.store.Feeds(ctx)
		if err != nil {
			return err
		}
		entries, err := a.store.CountEntries(ctx)
		if err != nil {
			return err
		}
		dirtyRead, err := a.store.UnsyncedReadEntries(ctx)
		if err != nil {
			return err
		}
		dirtyBookmarks, err := a.store.UnsyncedBookmarkedEntries(ctx)
		if err != nil {
			return err
		}
		downloads, err := a.store.EnclosureDownloads(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("  Initial:    %s\n", yesNo(done, "completed", "pending"))
		if !last.IsZero() {
			fmt.Printf("  Last sync:  %s\n", last.Local().Format(time.RFC1123))
		}
		fmt.Printf("  Feeds:      %d\n", len(feeds))
		fmt.Printf("  Entries:    %d\n", entries)
		fmt.Printf("  Unsynced:   %d read, %d bookmark change(s)\n", len(dirtyRead), len(dirtyBookmarks))
		fmt.Printf("  Downloads:  %d\n", len(downloads))
		return nil
	})
}

func yesNo(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}

// runUninstall stops and removes the systemd service.
func runUninstall(args []string) error {
	fs := flag.NewFlagSet("uninstall", flag.ExitOnError)
	purge := fs.Bool("purge", false, "also remove config, database, and enclosure cache")
	if err := fs.Parse(args); err != nil {
		return err
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("resolving home directory: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	fmt.Println("Uninstalling feedsync...")

	if setup.IsServiceActive(ctx) {
		if err := setup.DisableService(ctx); err != nil {
			fmt.Printf("  warning: %v\n", err)
		} else {
			fmt.Println("  Service stopped")
		}
	}

	if err := setup.RemoveUnit(homeDir); err != nil {
		fmt.Printf("  warning: %v\n", err)
	} else {
		fmt.Println("  Unit file removed")
	}

	if *purge {
		if err := setup.PurgeUserData(homeDir); err != nil {
			fmt.Printf("  warning: %v\n", err)
		} else {
			fmt.Println("  Config, database, and cache removed")
		}
	} else {
		fmt.Println("")
		fmt.Println("  Config and database preserved.")
		fmt.Println("  Run with --purge to also remove them:")
		fmt.Println("    feedsync uninstall --purge")
	}
	return nil
}
