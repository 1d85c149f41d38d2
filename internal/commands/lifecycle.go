package commands

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"evalgo.org/seed/internal/installer"
	"evalgo.org/seed/internal/lifecycle"
	"evalgo.org/seed/internal/storage"
	"evalgo.org/seed/models"
)

func lifecycleAction() (lifecycle.Action, bool) {
	switch {
	case startServices:
		return lifecycle.ActionStart, true
	case stopServices:
		return lifecycle.ActionStop, true
	case restartServices:
		return lifecycle.ActionRestart, true
	case statusServices:
		return lifecycle.ActionStatus, true
	case uninstall:
		return actionUninstall, true
	}
	return "", false
}

const actionUninstall lifecycle.Action = "uninstall"

func runLifecycle(cmd *cobra.Command, action lifecycle.Action) error {
	format, err := parseFormat(reportFormat)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}

	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}
	defer logger.Close()

	mgr := newRemoteManager(logger.Logger)
	defer mgr.Close()
	mgr.EnablePooling()

	services := lifecycle.New(
		storage.New(cfg.OutputDir, logger.Logger),
		mgr,
		installer.DefaultRegistry(),
		models.DefaultCatalog(),
		lifecycle.Options{Workers: cfg.Install.Workers, CommandTimeout: cfg.SSH.CommandTimeout},
		logger.Logger,
	)

	plan, err := services.Load(deploymentID)
	if err != nil {
		return &ExitError{Code: ExitFailure, Err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var statuses []lifecycle.ServiceStatus
	switch action {
	case lifecycle.ActionStart:
		statuses, err = services.Start(ctx, plan)
	case lifecycle.ActionStop:
		statuses, err = services.Stop(ctx, plan)
	case lifecycle.ActionRestart:
		statuses, err = services.Restart(ctx, plan)
	case lifecycle.ActionStatus:
		statuses, err = services.Status(ctx, plan)
	case actionUninstall:
		confirmed := assumeYes || confirm(cmd.InOrStdin(), cmd.ErrOrStderr(),
			fmt.Sprintf("Remove every service of %s from %d nodes?", plan.DeploymentID, len(plan.Nodes)))
		statuses, err = services.Uninstall(ctx, plan, confirmed)
	}
	if err != nil {
		return lifecycleExit(nil, err)
	}

	if err := renderStatuses(cmd.OutOrStdout(), format, plan.DeploymentID, statuses); err != nil {
		logger.Error("failed to render status", "error", err)
	}
	if ctx.Err() != nil {
		return lifecycleExit(statuses, ctx.Err())
	}
	return lifecycleExit(statuses, nil)
}

// confirm asks a yes/no question; anything but y or yes declines.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprintf(out, "%s [y/N]: ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
