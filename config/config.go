// Package config holds the device layout and updater settings. Values come
// from built-in defaults, then an optional TOML file, then CLI flags and
// their environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const DefaultFile = "/data/etc/fwupdate.toml"

type Config struct {
	Workspace string `toml:"workspace"`
	LockFile  string `toml:"lock_file"`

	Board       string `toml:"board"`
	BoardFile   string `toml:"board_file"`
	VersionFile string `toml:"version_file"`

	CatalogHelper string `toml:"catalog_helper"`
	Repo          string `toml:"repo"`
	Username      string `toml:"username"`
	Password      string `toml:"password"`
	Prereleases   bool   `toml:"prereleases"`

	MinFreeMB uint64 `toml:"min_free_mb"`

	BootMount    string   `toml:"boot_mount"`
	RebootPath   string   `toml:"reboot_path"`
	NoopPath     string   `toml:"noop_path"`
	SysrqTrigger string   `toml:"sysrq_trigger"`
	RebootGrace  Duration `toml:"reboot_grace"`

	PreUpgradeDir   string `toml:"pre_upgrade_dir"`
	MigrateBootHook string `toml:"migrate_boot_hook"`
	PrepareBootHook string `toml:"prepare_boot_hook"`
}

// Duration decodes TOML strings such as "10s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func Default() *Config {
	return &Config{
		Workspace:       "/data/.fwupdate",
		LockFile:        "/data/.fwupdate.lock",
		BoardFile:       "/etc/board",
		VersionFile:     "/etc/version",
		CatalogHelper:   "/usr/libexec/list-versions",
		MinFreeMB:       1024,
		BootMount:       "/boot",
		RebootPath:      "/sbin/reboot",
		NoopPath:        "/bin/true",
		SysrqTrigger:    "/proc/sysrq-trigger",
		RebootGrace:     Duration{10 * time.Second},
		PreUpgradeDir:   "/fwupdate/pre-upgrade",
		MigrateBootHook: "/usr/libexec/fw-migrate-boot",
		PrepareBootHook: "/usr/libexec/fw-prepare-boot",
	}
}

// Load returns the defaults overlaid with path. A missing file is not an
// error. The board is read from BoardFile when not configured.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if cfg.Board == "" {
		cfg.Board = readTrimmed(cfg.BoardFile)
	}
	return cfg, nil
}

// CurrentVersion reads os_version from the version file, a list of
// shell-style key="value" assignments.
func (c *Config) CurrentVersion() (string, error) {
	data, err := os.ReadFile(c.VersionFile)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if ok && key == "os_version" {
			return strings.Trim(value, `"'`), nil
		}
	}
	return "", fmt.Errorf("os_version not set in %s", c.VersionFile)
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
