package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadDefaults tests that default configuration values are loaded correctly.
func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)

	assert.Equal(t, 22, cfg.Scan.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Scan.Timeout)
	assert.Equal(t, 64, cfg.Scan.Workers)
	assert.Equal(t, 60*time.Second, cfg.Scan.Deadline)

	assert.Equal(t, 64.0, cfg.Scoring.RAMGB)
	assert.Equal(t, 24.0, cfg.Scoring.VRAMGB)
	assert.Equal(t, 16.0, cfg.Scoring.CPUCores)
	assert.Equal(t, 2048.0, cfg.Scoring.DiskGB)
	assert.Equal(t, 2, cfg.Scoring.MinCores)
	assert.Equal(t, 4.0, cfg.Scoring.MinRAMGB)
	assert.Equal(t, 100.0, cfg.Scoring.MinDiskGB)

	assert.Equal(t, 8.0, cfg.Roles.ComputeMinVRAMGB)
	assert.Equal(t, "/opt/seed", cfg.Install.Root)
	assert.Equal(t, 4, cfg.Install.Workers)
	assert.Contains(t, cfg.Install.Excludes, "node_modules")

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestLoadExpandsHomeAndDerivesDirs(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, ".seed"), cfg.ConfigDir)
	assert.Equal(t, cfg.ConfigDir, cfg.OutputDir)
	assert.Equal(t, filepath.Join(home, ".seed", "ssh"), cfg.SSHDir())
	assert.Equal(t, filepath.Join(home, ".seed", "ssh", "known_hosts"), cfg.SSH.KnownHosts)
	assert.Equal(t, filepath.Join(home, ".seed", "deployments"), cfg.DeploymentsDir())
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	content := `
config_dir: /var/lib/seed
scan:
  workers: 16
  deadline: 30s
roles:
  compute_min_vram_gb: 6
install:
  root: /srv/platform
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/seed", cfg.ConfigDir)
	assert.Equal(t, 16, cfg.Scan.Workers)
	assert.Equal(t, 30*time.Second, cfg.Scan.Deadline)
	assert.Equal(t, 6.0, cfg.Roles.ComputeMinVRAMGB)
	assert.Equal(t, "/srv/platform", cfg.Install.Root)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SEED_SCAN_WORKERS", "8")
	t.Setenv("SEED_ROLES_COMPUTE_MIN_VRAM_GB", "12")

	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Scan.Workers)
	assert.Equal(t, 12.0, cfg.Roles.ComputeMinVRAMGB)
}

func TestValidate(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	base, err := Load("nonexistent.yaml")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"relative install root", func(c *Config) { c.Install.Root = "opt/seed" }},
		{"filesystem root as install root", func(c *Config) { c.Install.Root = "/" }},
		{"zero scan workers", func(c *Config) { c.Scan.Workers = 0 }},
		{"negative deadline", func(c *Config) { c.Scan.Deadline = -time.Second }},
		{"zero ceiling", func(c *Config) { c.Scoring.VRAMGB = 0 }},
		{"bad port", func(c *Config) { c.SSH.Port = 70000 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"negative vram threshold", func(c *Config) { c.Roles.ComputeMinVRAMGB = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, validate(&cfg))
		})
	}

	assert.NoError(t, validate(base))
}
