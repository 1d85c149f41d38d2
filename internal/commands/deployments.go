package commands

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"evalgo.org/seed/internal/logging"
	"evalgo.org/seed/internal/orchestration"
	"evalgo.org/seed/internal/storage"
	"evalgo.org/seed/models"
)

var deploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "Inspect recorded deployments",
	Long:  `Browse the deployment artifacts written under the output directory`,
}

var deploymentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded deployments, newest first",
	Long: `List recorded deployments with their mode, node count and outcome.

Examples:
  seed deployments list
  seed deployments list --report-format json`,
	Args: cobra.NoArgs,
	RunE: runDeploymentsList,
}

var deploymentsShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show the plan and report of a deployment",
	Long: `Show the plan and, when installation ran, the report of a deployment.
Without an id the most recent deployment is shown.

Examples:
  seed deployments show
  seed deployments show seed-20260301-093000-a1b2c3 --report-format yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDeploymentsShow,
}

func init() {
	deploymentsCmd.PersistentFlags().StringVar(&reportFormat, "report-format", "table", "output format (table, yaml, json)")
	deploymentsCmd.AddCommand(deploymentsListCmd)
	deploymentsCmd.AddCommand(deploymentsShowCmd)
	rootCmd.AddCommand(deploymentsCmd)
}

// deploymentEntry is one row of the deployment listing.
type deploymentEntry struct {
	ID      string `json:"deployment_id"`
	Mode    string `json:"mode"`
	Nodes   int    `json:"nodes"`
	Outcome string `json:"outcome"`
}

func runDeploymentsList(cmd *cobra.Command, args []string) error {
	format, err := parseFormat(reportFormat)
	if err != nil {
		return err
	}
	store := storage.New(cfg.OutputDir, logging.Discard())

	ids, err := store.ListDeployments()
	if err != nil {
		return err
	}

	entries := make([]deploymentEntry, 0, len(ids))
	for _, id := range ids {
		plan, err := store.GetDeploymentPlan(id)
		if err != nil {
			return err
		}
		entries = append(entries, deploymentEntry{
			ID:      id,
			Mode:    string(plan.Mode),
			Nodes:   len(plan.Nodes),
			Outcome: outcome(store, id),
		})
	}

	if format != formatTable {
		return encode(cmd.OutOrStdout(), format, entries)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tNODES\tOUTCOME")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", e.ID, e.Mode, e.Nodes, e.Outcome)
	}
	w.Flush()
	fmt.Fprintf(cmd.OutOrStdout(), "\nTotal: %d deployments\n", len(entries))
	return nil
}

func runDeploymentsShow(cmd *cobra.Command, args []string) error {
	format, err := parseFormat(reportFormat)
	if err != nil {
		return err
	}
	store := storage.New(cfg.OutputDir, logging.Discard())

	id := ""
	if len(args) == 1 {
		id = args[0]
	}
	if id == "" {
		if id, err = store.LatestDeployment(); err != nil {
			return err
		}
	}

	plan, err := store.GetDeploymentPlan(id)
	if err != nil {
		return err
	}
	report, err := store.GetDeploymentReport(id)
	if err != nil && !errors.Is(err, storage.ErrDeploymentNotFound) {
		return err
	}

	return renderDeployment(cmd.OutOrStdout(), format, &orchestration.Result{Plan: plan, Report: report}, nil)
}

// outcome summarizes a deployment report in a few words.
func outcome(store *storage.Storage, id string) string {
	report, err := store.GetDeploymentReport(id)
	if err != nil {
		return "planned"
	}
	switch {
	case report.Aborted:
		return "aborted"
	case report.Succeeded():
		return "ready"
	}
	var failed []string
	for _, u := range report.Failures() {
		failed = append(failed, u.Node+"/"+u.Service)
	}
	return fmt.Sprintf("%d/%d ready, failed: %s",
		report.Count(models.UnitReady), len(report.Units), strings.Join(failed, ","))
}
