/*
Copyright © 2025 Barqly

config.go implements application configuration for the vault core.

This module provides:
  - User-profile-scoped data and config directories
  - The TOML configuration file (tool paths, timeout budgets)
  - Startup resolution and verification of pinned external binaries

A missing required binary is a startup-time configuration error, never a
silent fallback.
*/
package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"

	berrors "github.com/Barqly/barqly-vault-sub014/internal/errors"
)

// appDirName is the directory name used under the user's config dir.
const appDirName = "barqly-vault"

// ToolClass selects the timeout budget for a bridge call. Hardware tools
// wait on a human (PIN entry, physical touch) and get a longer budget.
type ToolClass string

const (
	ClassSoftware ToolClass = "software"
	ClassHardware ToolClass = "hardware"
)

// Tool describes one pinned external binary.
type Tool struct {
	// Path is the resolved absolute path. When empty in the config file,
	// the per-platform bundled location is tried first, then $PATH.
	Path string `toml:"path"`
	// Class picks the timeout budget.
	Class ToolClass `toml:"class"`
	// Required tools fail startup when unresolvable.
	Required bool `toml:"required"`
}

// Timeouts holds per-class subprocess budgets in seconds.
type Timeouts struct {
	SoftwareSeconds int `toml:"software_seconds"`
	HardwareSeconds int `toml:"hardware_seconds"`
}

// Config is the persisted application configuration.
type Config struct {
	// DataDir holds the key registry and encrypted key files.
	DataDir string `toml:"data_dir"`
	// Tools maps logical tool names (e.g. "ykman") to their binaries.
	Tools map[string]Tool `toml:"tools"`
	// Timeouts are the subprocess budgets by tool class.
	Timeouts Timeouts `toml:"timeouts"`
}

// Default returns the configuration used when no file exists yet.
func Default() (*Config, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("resolve user config dir: %w", err)
	}
	return &Config{
		DataDir: filepath.Join(cfgDir, appDirName),
		Tools: map[string]Tool{
			"ykman": {Class: ClassHardware, Required: false},
		},
		Timeouts: Timeouts{SoftwareSeconds: 20, HardwareSeconds: 90},
	}, nil
}

// Path returns the location of the configuration file.
func Path() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfgDir, appDirName, "config.toml"), nil
}

// Load reads the configuration file, falling back to defaults when the
// file does not exist. A present-but-unreadable file is a configuration
// error: silently ignoring it could route secrets to the wrong tools.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	cfg, err := Default()
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, berrors.BadRegistryFile(path, err)
	}
	if cfg.Timeouts.SoftwareSeconds <= 0 {
		cfg.Timeouts.SoftwareSeconds = 20
	}
	if cfg.Timeouts.HardwareSeconds <= 0 {
		cfg.Timeouts.HardwareSeconds = 90
	}
	return cfg, nil
}

// Save writes the configuration file, creating the directory if needed.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// RegistryPath returns the location of the key registry file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "registry.json")
}

// KeysDir returns the directory holding encrypted software key files.
func (c *Config) KeysDir() string {
	return filepath.Join(c.DataDir, "keys")
}

// ResolveTool resolves a logical tool name to an executable path.
// Resolution order: explicit configured path, bundled per-platform
// location next to the running binary, then $PATH.
func (c *Config) ResolveTool(name string) (string, error) {
	t, ok := c.Tools[name]
	if !ok {
		return "", berrors.ToolNotFound(name, fmt.Errorf("tool %q is not configured", name))
	}
	if t.Path != "" {
		if err := checkExecutable(t.Path); err != nil {
			return "", berrors.MissingBinary(name, err)
		}
		return t.Path, nil
	}
	if self, err := os.Executable(); err == nil {
		bundled := filepath.Join(filepath.Dir(self), "bin", runtime.GOOS+"-"+runtime.GOARCH, exeName(name))
		if checkExecutable(bundled) == nil {
			return bundled, nil
		}
	}
	path, err := exec.LookPath(exeName(name))
	if err != nil {
		return "", berrors.MissingBinary(name, err)
	}
	return path, nil
}

// ToolTimeout returns the budget for a logical tool, defaulting to the
// software budget when the tool is unknown.
func (c *Config) ToolTimeout(name string) (seconds int, hardware bool) {
	if t, ok := c.Tools[name]; ok && t.Class == ClassHardware {
		return c.Timeouts.HardwareSeconds, true
	}
	return c.Timeouts.SoftwareSeconds, false
}

// VerifyTools resolves every required tool. The first failure is returned
// as a configuration error so startup can surface it to the user.
func (c *Config) VerifyTools() error {
	for name, t := range c.Tools {
		if !t.Required {
			continue
		}
		if _, err := c.ResolveTool(name); err != nil {
			return err
		}
	}
	return nil
}

func checkExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && fi.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func exeName(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}
