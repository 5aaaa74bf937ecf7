// Package config loads and validates the feedsync YAML configuration.
package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Supported values of [Config.Backend].
const (
	BackendNextcloud  = "nextcloud"
	BackendMiniflux   = "miniflux"
	BackendStandalone = "standalone"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// Backend selects the feed service: nextcloud, miniflux, or standalone.
	Backend string `yaml:"backend"`

	// ServerURL is the base URL of the feed service
	// (e.g. "https://cloud.example.com"). Not used in standalone mode.
	ServerURL string `yaml:"server_url,omitempty"`

	// Username and Password are the Basic auth credentials. Nextcloud
	// requires them; Miniflux accepts them when no APIToken is set.
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// APIToken authenticates against Miniflux instead of Basic auth.
	APIToken string `yaml:"api_token,omitempty"`

	// DatabasePath overrides the SQLite cache location.
	// Defaults to ~/.local/share/feedsync/feedsync.db.
	DatabasePath string `yaml:"database_path,omitempty"`

	// CacheDir overrides the enclosure download directory.
	// Defaults to ~/.cache/feedsync/enclosures.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// SyncInterval controls how often the daemon runs a full sync.
	// Minimum 15m, maximum 24h. Defaults to 1h if unset.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// SyncOnStartup makes the daemon sync once right after starting.
	SyncOnStartup bool `yaml:"sync_on_startup"`

	// HTTPTimeout bounds every backend request.
	// Minimum 5s, maximum 5m. Defaults to 30s if unset.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "feedsync".
	ServiceName string `yaml:"service_name,omitempty"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`

	// ExportInterval is how often metrics are pushed. Defaults to 60s.
	ExportInterval time.Duration `yaml:"export_interval,omitempty"`
}

// envOverrides lists the settings that may come from the environment
// instead of the file, so secrets need not be written to disk.
type envOverrides struct {
	ServerURL string `env:"FEEDSYNC_SERVER_URL, overwrite"`
	Username  string `env:"FEEDSYNC_USERNAME, overwrite"`
	Password  string `env:"FEEDSYNC_PASSWORD, overwrite"`
	APIToken  string `env:"FEEDSYNC_API_TOKEN, overwrite"`
}

// DefaultPath returns the default config file path: ~/.config/feedsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "feedsync", "config.yaml"), nil
}

// DefaultCacheDir returns the default enclosure directory:
// ~/.cache/feedsync/enclosures.
func DefaultCacheDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving cache directory: %w", err)
	}
	return filepath.Join(dir, "feedsync", "enclosures"), nil
}

// Load reads the configuration file at the given path, applies FEEDSYNC_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	return load(path, envconfig.OsLookuper())
}

func load(path string, lookuper envconfig.Lookuper) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.applyEnv(lookuper); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyEnv(lookuper envconfig.Lookuper) error {
	env := envOverrides{
		ServerURL: c.ServerURL,
		Username:  c.Username,
		Password:  c.Password,
		APIToken:  c.APIToken,
	}
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &env,
		Lookuper: lookuper,
	}); err != nil {
		return fmt.Errorf("reading environment overrides: %w", err)
	}
	c.ServerURL = env.ServerURL
	c.Username = env.Username
	c.Password = env.Password
	c.APIToken = env.APIToken
	return nil
}

// Write stores the configuration at path with owner-only permissions,
// creating the parent directory if needed.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	switch c.Backend {
	case BackendNextcloud, BackendMiniflux, BackendStandalone:
	case "":
		return fmt.Errorf("backend is required")
	default:
		return fmt.Errorf("backend %q must be one of nextcloud, miniflux, standalone", c.Backend)
	}

	if c.Backend != BackendStandalone {
		if c.ServerURL == "" {
			return fmt.Errorf("server_url is required for the %s backend", c.Backend)
		}
		u, err := url.ParseRequestURI(c.ServerURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("server_url %q must be a valid http or https URL", c.ServerURL)
		}
	}

	switch c.Backend {
	case BackendNextcloud:
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("username and password are required for the nextcloud backend")
		}
	case BackendMiniflux:
		if c.APIToken == "" && (c.Username == "" || c.Password == "") {
			return fmt.Errorf("api_token or username and password are required for the miniflux backend")
		}
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = time.Hour
	}
	if c.SyncInterval < 15*time.Minute {
		return fmt.Errorf("sync_interval %v is too short (minimum 15m)", c.SyncInterval)
	}
	if c.SyncInterval > 24*time.Hour {
		return fmt.Errorf("sync_interval %v is too long (maximum 24h)", c.SyncInterval)
	}

	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.HTTPTimeout < 5*time.Second {
		return fmt.Errorf("http_timeout %v is too short (minimum 5s)", c.HTTPTimeout)
	}
	if c.HTTPTimeout > 5*time.Minute {
		return fmt.Errorf("http_timeout %v is too long (maximum 5m)", c.HTTPTimeout)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
		if c.Telemetry.ExportInterval < 0 {
			return fmt.Errorf("telemetry.export_interval must not be negative")
		}
	}

	return nil
}
