package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/njoerd114/feedsync/internal/config"
)

// VerifyFunc checks that the backend described by cfg is reachable and
// accepts its credentials.
type VerifyFunc func(ctx context.Context, cfg *config.Config) error

// Wizard guides the user through first-run configuration and installation.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string
	verify  VerifyFunc

	// homeDir and binary locate the service unit; empty values are resolved
	// from the running process.
	homeDir string
	binary  string
}

// NewWizard creates a Wizard that writes its result to cfgPath. verify may
// be nil to skip the connection check.
func NewWizard(r io.Reader, w io.Writer, logger *slog.Logger, cfgPath string, verify VerifyFunc) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
		verify:  verify,
	}
}

var backendChoices = []struct {
	name  string
	label string
}{
	{config.BackendNextcloud, "Nextcloud News"},
	{config.BackendMiniflux, "Miniflux"},
	{config.BackendStandalone, "Standalone (poll feeds directly, no server)"},
}

// Run executes the interactive setup wizard: backend choice, credentials,
// connection check, sync schedule, config file, and optional service
// install.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to feedsync setup!\n")
	fmt.Fprintf(wiz.w, "This wizard writes %s and can install the daemon.\n\n", wiz.cfgPath)

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.Confirm("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return wiz.offerServiceInstall(ctx)
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	fmt.Fprintf(wiz.w, "Step 1/4: Backend\n")
	labels := make([]string, len(backendChoices))
	for i, b := range backendChoices {
		labels[i] = b.label
	}
	idx, err := wiz.prompt.Select("Where do your subscriptions live", labels)
	if err != nil {
		return fmt.Errorf("selecting backend: %w", err)
	}
	cfg := &config.Config{
		Backend:     backendChoices[idx].name,
		HTTPTimeout: 30 * time.Second,
	}
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 2/4: Connection\n")
	wiz.askCredentials(cfg)
	if wiz.verify != nil && cfg.Backend != config.BackendStandalone {
		fmt.Fprintf(wiz.w, "  Connecting to %s...", cfg.ServerURL)
		if err := wiz.verify(ctx, cfg); err != nil {
			fmt.Fprintf(wiz.w, " failed\n")
			return fmt.Errorf("cannot reach %s: %w\n\n  Check the URL and credentials, then try again", cfg.ServerURL, err)
		}
		fmt.Fprintf(wiz.w, " ok\n")
	}
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 3/4: Schedule\n")
	cfg.SyncInterval = wiz.prompt.Duration("How often to sync", time.Hour, 15*time.Minute, 24*time.Hour)
	cfg.SyncOnStartup = wiz.prompt.Confirm("Sync when the daemon starts?", true)
	fmt.Fprintf(wiz.w, "\n")

	fmt.Fprintf(wiz.w, "Step 4/4: Save Configuration\n")
	if err := cfg.Write(wiz.cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	wiz.logger.Debug("config written", "path", wiz.cfgPath, "backend", cfg.Backend)
	fmt.Fprintf(wiz.w, "  Config written to %s\n\n", wiz.cfgPath)

	return wiz.offerServiceInstall(ctx)
}

func (wiz *Wizard) askCredentials(cfg *config.Config) {
	switch cfg.Backend {
	case config.BackendNextcloud:
		cfg.ServerURL = wiz.prompt.String("Nextcloud URL", "")
		cfg.Username = wiz.prompt.String("Username", "")
		cfg.Password = wiz.prompt.Secret("App password")
	case config.BackendMiniflux:
		cfg.ServerURL = wiz.prompt.String("Miniflux URL", "")
		cfg.APIToken = wiz.prompt.Optional("API token (leave empty for username/password)")
		if cfg.APIToken == "" {
			cfg.Username = wiz.prompt.String("Username", "")
			cfg.Password = wiz.prompt.Secret("Password")
		}
	default:
		fmt.Fprintf(wiz.w, "  Standalone mode needs no server. Add feeds with: feedsync add-feed <url>\n")
	}
}

// offerServiceInstall asks whether to run the daemon as a systemd user
// service.
func (wiz *Wizard) offerServiceInstall(ctx context.Context) error {
	if !wiz.prompt.Confirm("Install as a systemd user service (starts on login)?", false) {
		fmt.Fprintf(wiz.w, "\n  Skipping service install.\n")
		fmt.Fprintf(wiz.w, "  You can run manually with: feedsync daemon\n")
		fmt.Fprintf(wiz.w, "  Or install later with:     feedsync setup\n\n")
		return nil
	}

	homeDir, binary, err := wiz.locations()
	if err != nil {
		return err
	}

	if err := WriteUnit(homeDir, binary, wiz.cfgPath); err != nil {
		return err
	}
	fmt.Fprintf(wiz.w, "  Unit written to %s\n", UnitPath(homeDir))

	if err := EnableService(ctx); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}
	fmt.Fprintf(wiz.w, "  Service enabled, running now\n")

	fmt.Fprintf(wiz.w, "\nSetup complete! feedsync is syncing in the background.\n")
	fmt.Fprintf(wiz.w, "  Config:  %s\n", wiz.cfgPath)
	fmt.Fprintf(wiz.w, "  Logs:    journalctl --user -u %s\n", UnitName)
	fmt.Fprintf(wiz.w, "  Status:  feedsync status\n")
	fmt.Fprintf(wiz.w, "  Remove:  feedsync uninstall\n\n")
	return nil
}

func (wiz *Wizard) locations() (homeDir, binary string, err error) {
	homeDir, binary = wiz.homeDir, wiz.binary
	if homeDir == "" {
		if homeDir, err = os.UserHomeDir(); err != nil {
			return "", "", fmt.Errorf("resolving home directory: %w", err)
		}
	}
	if binary == "" {
		if binary, err = os.Executable(); err != nil {
			return "", "", fmt.Errorf("resolving current executable path: %w", err)
		}
		if binary, err = filepath.EvalSymlinks(binary); err != nil {
			return "", "", fmt.Errorf("resolving executable symlinks: %w", err)
		}
	}
	return homeDir, binary, nil
}
