// Package config provides configuration management for Seed.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with SEED_ prefix)
//   - Command line flags bound by the commands package
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./seed.yaml, ~/.seed/seed.yaml, /etc/seed/seed.yaml)
//  3. Environment variables (SEED_ prefix)
//  4. Flags bound to the global viper instance
//
// # Usage Example
//
//	cfg, err := config.Load("seed.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Scanning port %d with %d workers\n", cfg.Scan.Port, cfg.Scan.Workers)
//
// # Environment Variables
//
// Use SEED_ prefix and underscores for nested keys:
//   - SEED_SCAN_WORKERS=128
//   - SEED_ROLES_COMPUTE_MIN_VRAM_GB=6
//   - SEED_SSH_USER=pi
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure for Seed.
type Config struct {
	// ConfigDir holds SSH key material, deployments and logs
	ConfigDir string `mapstructure:"config_dir"`

	// OutputDir is where deployment artifacts are written (defaults to ConfigDir)
	OutputDir string `mapstructure:"output_dir"`

	Scan    ScanConfig    `mapstructure:"scan"`
	Scoring ScoringConfig `mapstructure:"scoring"`
	Roles   RolesConfig   `mapstructure:"roles"`
	SSH     SSHConfig     `mapstructure:"ssh"`
	Install InstallConfig `mapstructure:"install"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ScanConfig controls network discovery.
type ScanConfig struct {
	// Port is the SSH port probed on each address
	Port int `mapstructure:"port"`

	// Timeout is the per-host dial timeout
	Timeout time.Duration `mapstructure:"timeout"`

	// Workers bounds concurrent dials
	Workers int `mapstructure:"workers"`

	// Rate caps dials per second
	Rate float64 `mapstructure:"rate"`

	// Deadline bounds the wall-clock duration of one scan regardless of subnet size
	Deadline time.Duration `mapstructure:"deadline"`
}

// ScoringConfig holds the reference ceilings and the minimum hardware floor.
type ScoringConfig struct {
	RAMGB    float64 `mapstructure:"ram_gb"`
	VRAMGB   float64 `mapstructure:"vram_gb"`
	CPUCores float64 `mapstructure:"cpu_cores"`
	DiskGB   float64 `mapstructure:"disk_gb"`

	MinCores  int     `mapstructure:"min_cores"`
	MinRAMGB  float64 `mapstructure:"min_ram_gb"`
	MinDiskGB float64 `mapstructure:"min_disk_gb"`
}

// RolesConfig holds role election parameters.
type RolesConfig struct {
	// ComputeMinVRAMGB is the GPU memory a device needs to qualify for the compute role
	ComputeMinVRAMGB float64 `mapstructure:"compute_min_vram_gb"`
}

// SSHConfig holds remote execution settings.
type SSHConfig struct {
	// User is the account used on managed nodes
	User string `mapstructure:"user"`

	// Port is the SSH port on managed nodes
	Port int `mapstructure:"port"`

	// ConnectTimeout bounds the TCP dial and handshake
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	// CommandTimeout bounds a single remote command
	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	// KnownHosts is the known_hosts file used for host key verification
	KnownHosts string `mapstructure:"known_hosts"`

	// InsecureIgnoreHostKey disables host key verification
	InsecureIgnoreHostKey bool `mapstructure:"insecure_ignore_host_key"`
}

// InstallConfig controls the installation phase.
type InstallConfig struct {
	// Root is the directory every service installs beneath
	Root string `mapstructure:"root"`

	// Workers bounds the number of nodes installed concurrently
	Workers int `mapstructure:"workers"`

	// SourceDir holds the platform sources shipped to nodes (backend, frontend)
	SourceDir string `mapstructure:"source_dir"`

	// Excludes are glob patterns skipped when transferring sources
	Excludes []string `mapstructure:"excludes"`
}

// StorageConfig controls the shared network export.
type StorageConfig struct {
	ExportPath string `mapstructure:"export_path"`
	MountPath  string `mapstructure:"mount_path"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the console log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the console log format (text, json)
	Format string `mapstructure:"format"`

	// File is the debug log path; empty selects <config_dir>/logs/seed-<timestamp>.log
	File string `mapstructure:"file"`
}

// Load reads configuration from a file, the environment and the global viper
// instance (where the commands package binds its flags).
// If cfgFile is empty, it searches for seed.yaml in standard locations.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("seed")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.seed")
		v.AddConfigPath("/etc/seed")
	}

	if err := v.ReadInConfig(); err != nil {
		if cfgFile != "" {
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("SEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// flags bound by the commands package live on the global instance
	for _, key := range viper.AllKeys() {
		if viper.IsSet(key) {
			v.Set(key, viper.Get(key))
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.OutputDir == "" {
		cfg.OutputDir = cfg.ConfigDir
	}
	cfg.ConfigDir = expandHome(cfg.ConfigDir)
	cfg.OutputDir = expandHome(cfg.OutputDir)
	cfg.SSH.KnownHosts = expandHome(cfg.SSH.KnownHosts)
	if cfg.SSH.KnownHosts == "" {
		cfg.SSH.KnownHosts = filepath.Join(cfg.ConfigDir, "ssh", "known_hosts")
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("config_dir", "~/.seed")
	v.SetDefault("output_dir", "")

	v.SetDefault("scan.port", 22)
	v.SetDefault("scan.timeout", "750ms")
	v.SetDefault("scan.workers", 64)
	v.SetDefault("scan.rate", 200.0)
	v.SetDefault("scan.deadline", "60s")

	v.SetDefault("scoring.ram_gb", 64.0)
	v.SetDefault("scoring.vram_gb", 24.0)
	v.SetDefault("scoring.cpu_cores", 16.0)
	v.SetDefault("scoring.disk_gb", 2048.0)
	v.SetDefault("scoring.min_cores", 2)
	v.SetDefault("scoring.min_ram_gb", 4.0)
	v.SetDefault("scoring.min_disk_gb", 100.0)

	v.SetDefault("roles.compute_min_vram_gb", 8.0)

	v.SetDefault("ssh.user", currentUser())
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.command_timeout", "10m")
	v.SetDefault("ssh.known_hosts", "")
	v.SetDefault("ssh.insecure_ignore_host_key", false)

	v.SetDefault("install.root", "/opt/seed")
	v.SetDefault("install.workers", 4)
	v.SetDefault("install.source_dir", "")
	v.SetDefault("install.excludes", []string{"node_modules", ".git", "__pycache__", "*.pyc", ".venv", ".next", "outputs"})

	v.SetDefault("storage.export_path", "/srv/seed/shared")
	v.SetDefault("storage.mount_path", "/mnt/seed")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
}

func validate(cfg *Config) error {
	if cfg.ConfigDir == "" {
		return fmt.Errorf("config_dir is required")
	}
	if cfg.Scan.Port < 1 || cfg.Scan.Port > 65535 {
		return fmt.Errorf("invalid scan port: %d", cfg.Scan.Port)
	}
	if cfg.SSH.Port < 1 || cfg.SSH.Port > 65535 {
		return fmt.Errorf("invalid ssh port: %d", cfg.SSH.Port)
	}
	if cfg.Scan.Timeout <= 0 || cfg.Scan.Deadline <= 0 {
		return fmt.Errorf("scan timeout and deadline must be positive")
	}
	if cfg.Scan.Workers < 1 || cfg.Install.Workers < 1 {
		return fmt.Errorf("worker counts must be at least 1")
	}
	if cfg.Scan.Rate <= 0 {
		return fmt.Errorf("scan rate must be positive")
	}
	if cfg.SSH.ConnectTimeout <= 0 || cfg.SSH.CommandTimeout <= 0 {
		return fmt.Errorf("ssh timeouts must be positive")
	}
	if cfg.Scoring.RAMGB <= 0 || cfg.Scoring.VRAMGB <= 0 || cfg.Scoring.CPUCores <= 0 || cfg.Scoring.DiskGB <= 0 {
		return fmt.Errorf("scoring reference ceilings must be positive")
	}
	if cfg.Roles.ComputeMinVRAMGB < 0 {
		return fmt.Errorf("roles.compute_min_vram_gb must not be negative")
	}
	if !filepath.IsAbs(cfg.Install.Root) || filepath.Clean(cfg.Install.Root) == "/" {
		return fmt.Errorf("install root must be an absolute path below /: %q", cfg.Install.Root)
	}
	if !filepath.IsAbs(cfg.Storage.ExportPath) || !filepath.IsAbs(cfg.Storage.MountPath) {
		return fmt.Errorf("storage paths must be absolute")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", cfg.Logging.Level)
	}
	return nil
}

// SSHDir returns the directory holding the controller's key pair.
func (c *Config) SSHDir() string {
	return filepath.Join(c.ConfigDir, "ssh")
}

// DeploymentsDir returns the directory holding deployment artifacts.
func (c *Config) DeploymentsDir() string {
	return filepath.Join(c.OutputDir, "deployments")
}

// LogsDir returns the directory holding debug logs.
func (c *Config) LogsDir() string {
	return filepath.Join(c.ConfigDir, "logs")
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
