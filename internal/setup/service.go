package setup

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
)

const (
	// BinaryName is the name of the installed binary.
	BinaryName = "feedsync"

	// UnitName is the systemd user unit that runs the daemon.
	UnitName = "feedsync.service"
)

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=feedsync feed synchronisation daemon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.BinaryPath}} daemon --config {{.ConfigPath}}
Restart=on-failure
RestartSec=30

[Install]
WantedBy=default.target
`))

// unitData holds template values for the systemd unit.
type unitData struct {
	BinaryPath string
	ConfigPath string
}

// UnitPath returns the systemd user unit destination path.
func UnitPath(homeDir string) string {
	return filepath.Join(homeDir, ".config", "systemd", "user", UnitName)
}

// RenderUnit renders the systemd unit for the given binary and config file.
func RenderUnit(binaryPath, configPath string) ([]byte, error) {
	var buf bytes.Buffer
	if err := unitTemplate.Execute(&buf, unitData{BinaryPath: binaryPath, ConfigPath: configPath}); err != nil {
		return nil, fmt.Errorf("executing unit template: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteUnit renders the unit and writes it to ~/.config/systemd/user/.
func WriteUnit(homeDir, binaryPath, configPath string) error {
	data, err := RenderUnit(binaryPath, configPath)
	if err != nil {
		return err
	}
	dest := UnitPath(homeDir)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating systemd user directory: %w", err)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return fmt.Errorf("writing unit to %s: %w", dest, err)
	}
	return nil
}

// RemoveUnit deletes the unit file. A missing file is not an error.
func RemoveUnit(homeDir string) error {
	unit := UnitPath(homeDir)
	if err := os.Remove(unit); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit %s: %w", unit, err)
	}
	return nil
}

// EnableService reloads systemd and starts the daemon now and on login.
func EnableService(ctx context.Context) error {
	if err := systemctl(ctx, "daemon-reload"); err != nil {
		return err
	}
	return systemctl(ctx, "enable", "--now", UnitName)
}

// DisableService stops the daemon and removes it from login startup.
func DisableService(ctx context.Context) error {
	return systemctl(ctx, "disable", "--now", UnitName)
}

// IsServiceActive reports whether the daemon unit is running.
func IsServiceActive(ctx context.Context) bool {
	return exec.CommandContext(ctx, "systemctl", "--user", "is-active", "--quiet", UnitName).Run() == nil
}

// PurgeUserData removes config, database, and enclosure cache directories.
func PurgeUserData(homeDir string) error {
	dirs := []string{
		filepath.Join(homeDir, ".config", BinaryName),
		filepath.Join(homeDir, ".local", "share", BinaryName),
		filepath.Join(homeDir, ".cache", BinaryName),
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}

func systemctl(ctx context.Context, args ...string) error {
	//nolint:gosec // fixed command, unit name is a constant
	cmd := exec.CommandContext(ctx, "systemctl", append([]string{"--user"}, args...)...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(output)), err)
	}
	return nil
}
