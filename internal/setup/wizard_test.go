package setup

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/njoerd114/feedsync/internal/config"
)

var testLogger = slog.Default()

func readConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	var cfg config.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("parsing config: %v", err)
	}
	return &cfg
}

func runWizard(t *testing.T, cfgPath, input string, verify VerifyFunc) (string, error) {
	t.Helper()
	var out bytes.Buffer
	wiz := NewWizard(strings.NewReader(input), &out, testLogger, cfgPath, verify)
	err := wiz.Run(context.Background())
	return out.String(), err
}

func TestWizard_Nextcloud(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "feedsync", "config.yaml")
	var verified *config.Config
	verify := func(_ context.Context, cfg *config.Config) error {
		c := *cfg
		verified = &c
		return nil
	}

	input := strings.Join([]string{
		"1",                         // backend
		"https://cloud.example.com", // url
		"alice",                     // username
		"secret",                    // password
		"2h",                        // interval
		"n",                         // sync on startup
		"n",                         // install service
	}, "\n") + "\n"

	if _, err := runWizard(t, cfgPath, input, verify); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := &config.Config{
		Backend:      config.BackendNextcloud,
		ServerURL:    "https://cloud.example.com",
		Username:     "alice",
		Password:     "secret",
		SyncInterval: 2 * time.Hour,
		HTTPTimeout:  30 * time.Second,
	}
	if diff := cmp.Diff(want, readConfig(t, cfgPath)); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if verified == nil || verified.ServerURL != want.ServerURL || verified.Password != want.Password {
		t.Errorf("verify saw %+v, want the entered credentials", verified)
	}
}

func TestWizard_MinifluxToken(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	input := "2\nhttps://rss.example.com\ntok\n\n\n\n"

	if _, err := runWizard(t, cfgPath, input, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := readConfig(t, cfgPath)
	if cfg.Backend != config.BackendMiniflux || cfg.APIToken != "tok" || cfg.Username != "" {
		t.Errorf("config = %+v, want miniflux with token only", cfg)
	}
	if cfg.SyncInterval != time.Hour || !cfg.SyncOnStartup {
		t.Errorf("SyncInterval=%v SyncOnStartup=%v, want defaults 1h/true", cfg.SyncInterval, cfg.SyncOnStartup)
	}
}

func TestWizard_Standalone(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	called := false
	verify := func(context.Context, *config.Config) error {
		called = true
		return nil
	}

	out, err := runWizard(t, cfgPath, "3\n\n\n\n", verify)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("verify called for standalone backend")
	}
	if cfg := readConfig(t, cfgPath); cfg.Backend != config.BackendStandalone || cfg.ServerURL != "" {
		t.Errorf("config = %+v, want standalone without server", cfg)
	}
	if !strings.Contains(out, "add-feed") {
		t.Errorf("output lacks add-feed hint:\n%s", out)
	}
}

func TestWizard_VerifyFailure(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	verify := func(context.Context, *config.Config) error { return errors.New("401 Unauthorized") }

	_, err := runWizard(t, cfgPath, "1\nhttps://cloud.example.com\nalice\nwrong\n", verify)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("err = %v, want verify failure", err)
	}
	if _, statErr := os.Stat(cfgPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Error("config written despite failed verification")
	}
}

func TestWizard_KeepExistingConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("backend: standalone\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := runWizard(t, cfgPath, "n\nn\n", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, _ := os.ReadFile(cfgPath)
	if string(data) != "backend: standalone\n" {
		t.Errorf("config changed to %q", data)
	}
	if !strings.Contains(out, "Keeping existing config") {
		t.Errorf("output lacks keep message:\n%s", out)
	}
}
