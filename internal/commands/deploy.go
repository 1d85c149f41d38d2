package commands

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"evalgo.org/seed/internal/discovery"
	"evalgo.org/seed/internal/hardware"
	"evalgo.org/seed/internal/installer"
	"evalgo.org/seed/internal/logging"
	"evalgo.org/seed/internal/orchestration"
	"evalgo.org/seed/internal/remote"
	"evalgo.org/seed/internal/scoring"
	"evalgo.org/seed/internal/storage"
	"evalgo.org/seed/internal/validation"
	"evalgo.org/seed/models"
)

// passwordEnv supplies the SSH password non-interactively.
const passwordEnv = "SEED_SSH_PASSWORD"

func runDeploy(cmd *cobra.Command) error {
	format, err := parseFormat(reportFormat)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}

	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}
	defer logger.Close()

	password, err := sshPassword(cmd.ErrOrStderr())
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}
	vault := remote.NewVault()
	if password != "" {
		vault.SetDefault(remote.NewCredentials(cfg.SSH.User, password))
	}

	mgr := newRemoteManager(logger.Logger)
	defer mgr.Close()

	catalog := models.DefaultCatalog()
	mode := models.ModeMulti
	if singleDevice {
		mode = models.ModeSingle
	}

	orch := orchestration.New(orchestration.Deps{
		Remote: mgr,
		Scanner: discovery.New(discovery.Options{
			Port:     cfg.Scan.Port,
			Timeout:  cfg.Scan.Timeout,
			Workers:  cfg.Scan.Workers,
			Rate:     cfg.Scan.Rate,
			Deadline: cfg.Scan.Deadline,
		}, logger.Logger),
		Profiler: hardware.New(mgr, 0, logger.Logger),
		Scorer: scoring.New(scoring.Ceilings{
			RAMGB:    cfg.Scoring.RAMGB,
			VRAMGB:   cfg.Scoring.VRAMGB,
			CPUCores: cfg.Scoring.CPUCores,
			DiskGB:   cfg.Scoring.DiskGB,
		}, scoring.Minimum{
			Cores:  cfg.Scoring.MinCores,
			RAMGB:  cfg.Scoring.MinRAMGB,
			DiskGB: cfg.Scoring.MinDiskGB,
		}, logger.Logger),
		Assigner: orchestration.NewRoleAssigner(catalog, orchestration.PlacementOptions{
			ComputeMinVRAMGB: cfg.Roles.ComputeMinVRAMGB,
			InstallRoot:      cfg.Install.Root,
			ExportPath:       cfg.Storage.ExportPath,
			MountPath:        cfg.Storage.MountPath,
		}),
		Validator: validation.New(catalog),
		Registry:  installer.DefaultRegistry(),
		Store:     storage.New(cfg.OutputDir, logger.Logger),
		Catalog:   catalog,
	}, orchestration.Options{
		Mode:           mode,
		Network:        network,
		Hosts:          discovery.ParseList(ips),
		SkipScan:       skipScan,
		DryRun:         dryRun,
		Workers:        cfg.Install.Workers,
		SourceDir:      cfg.Install.SourceDir,
		Excludes:       cfg.Install.Excludes,
		CommandTimeout: cfg.SSH.CommandTimeout,
	}, logger.Logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, runErr := orch.Run(ctx, vault)
	if result != nil {
		if err := renderDeployment(cmd.OutOrStdout(), format, result, runErr); err != nil {
			logger.Error("failed to render summary", "error", err)
		}
	}

	var report *models.DeploymentReport
	if result != nil {
		report = result.Report
	}
	return deployExit(report, runErr)
}

func newLogger(console io.Writer) (*logging.Logger, error) {
	file := cfg.Logging.File
	if file == "" {
		file = logging.DefaultFile(filepath.Join(cfg.ConfigDir, "logs"), time.Now())
	}
	return logging.New(console, logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   file,
	})
}

func newRemoteManager(logger *slog.Logger) *remote.Manager {
	return remote.NewManager(remote.Options{
		KeyDir:                cfg.SSHDir(),
		User:                  cfg.SSH.User,
		Port:                  cfg.SSH.Port,
		ConnectTimeout:        cfg.SSH.ConnectTimeout,
		CommandTimeout:        cfg.SSH.CommandTimeout,
		KnownHostsPath:        cfg.SSH.KnownHosts,
		InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
	}, logger)
}

// sshPassword returns the password used to install the controller key on
// devices that do not trust it yet. Key-only operation needs none.
func sshPassword(prompt io.Writer) (string, error) {
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	if !askPass {
		return "", nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("--ask-pass needs an interactive terminal, set %s instead", passwordEnv)
	}
	fmt.Fprintf(prompt, "SSH password for %s: ", cfg.SSH.User)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(raw) == 0 {
		return "", errors.New("empty password")
	}
	return string(raw), nil
}
