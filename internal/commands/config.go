package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var showConfigCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runShowConfig,
}

var initConfigCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default seed.yaml to the current directory",
	RunE:  runInitConfig,
}

func init() {
	configCmd.AddCommand(showConfigCmd)
	configCmd.AddCommand(initConfigCmd)
	rootCmd.AddCommand(configCmd)
}

func runShowConfig(cmd *cobra.Command, args []string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

const defaultConfig = `# Seed configuration

config_dir: ~/.seed

scan:
  port: 22
  timeout: 750ms
  workers: 64
  rate: 200
  deadline: 60s

scoring:
  ram_gb: 64
  vram_gb: 24
  cpu_cores: 16
  disk_gb: 2048
  min_cores: 2
  min_ram_gb: 4
  min_disk_gb: 100

roles:
  compute_min_vram_gb: 8

ssh:
  port: 22
  connect_timeout: 10s
  command_timeout: 10m
  insecure_ignore_host_key: false

install:
  root: /opt/seed
  workers: 4
  source_dir: ""

storage:
  export_path: /srv/seed/shared
  mount_path: /mnt/seed

logging:
  level: info
  format: text
`

func runInitConfig(cmd *cobra.Command, args []string) error {
	const path = "seed.yaml"
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.WriteFile(path, []byte(defaultConfig), 0o644); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
	return nil
}
