package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"evalgo.org/seed/internal/lifecycle"
	"evalgo.org/seed/internal/orchestration"
	"evalgo.org/seed/models"
)

type outputFormat string

const (
	formatTable outputFormat = "table"
	formatYAML  outputFormat = "yaml"
	formatJSON  outputFormat = "json"
)

func parseFormat(raw string) (outputFormat, error) {
	switch f := outputFormat(strings.ToLower(strings.TrimSpace(raw))); f {
	case formatTable, formatYAML, formatJSON:
		return f, nil
	case "":
		return formatTable, nil
	}
	return "", fmt.Errorf("invalid report format %q (use table, yaml or json)", raw)
}

// deploymentSummary is the machine-readable form of a run.
type deploymentSummary struct {
	Devices []models.DeviceCapabilities `json:"devices"`
	Plan    *models.DeploymentPlan      `json:"plan,omitempty"`
	Report  *models.DeploymentReport    `json:"report,omitempty"`
	Error   string                      `json:"error,omitempty"`
}

func renderDeployment(w io.Writer, format outputFormat, result *orchestration.Result, runErr error) error {
	if format != formatTable {
		summary := deploymentSummary{Devices: result.Devices, Plan: result.Plan, Report: result.Report}
		if runErr != nil {
			summary.Error = runErr.Error()
		}
		return encode(w, format, summary)
	}

	if len(result.Devices) > 0 {
		fmt.Fprintln(w, "Devices:")
		writeDevices(w, result.Devices)
		fmt.Fprintln(w)
	}
	if result.Plan != nil {
		writePlan(w, result.Plan)
	}
	if result.Report != nil {
		fmt.Fprintln(w)
		writeReport(w, result.Report)
	}
	return nil
}

func writeDevices(w io.Writer, devices []models.DeviceCapabilities) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "HOSTNAME\tIP\tOS\tCORES\tRAM\tVRAM\tDISK FREE\tSCORE\tMINIMUM")
	for _, d := range devices {
		minimum := "yes"
		if !d.MeetsMinimum {
			minimum = "no"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%.1f\t%s\n",
			d.Hostname, d.IP, d.OSFamily, d.CPUCores,
			gigabytes(d.RAMTotalGB), gigabytes(d.GPUVRAMTotalGB), gigabytes(d.DiskAvailGB),
			d.Score, minimum)
	}
	tw.Flush()
}

func writePlan(w io.Writer, plan *models.DeploymentPlan) {
	fmt.Fprintf(w, "Deployment %s (%s)\n", plan.DeploymentID, plan.Mode)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tIP\tROLES\tSERVICES")
	for _, n := range plan.Nodes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			n.Device.Hostname, n.Device.IP, n.RoleNames(), strings.Join(n.Services, ","))
	}
	tw.Flush()

	if plan.Storage.Enabled {
		fmt.Fprintf(w, "\nShared storage: %s:%s mounted at %s on %s\n",
			plan.Storage.ServerIP, plan.Storage.ExportPath, plan.Storage.MountPath,
			strings.Join(plan.Storage.Clients, ", "))
	}
	for _, warning := range plan.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
}

func writeReport(w io.Writer, report *models.DeploymentReport) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSERVICE\tSTATE\tDURATION\tREASON")
	for _, u := range report.Units {
		duration := "-"
		if u.StartedAt != nil && u.FinishedAt != nil {
			duration = u.FinishedAt.Sub(*u.StartedAt).Round(100 * time.Millisecond).String()
		}
		reason := u.Reason
		if u.ManualIntervention && !strings.Contains(reason, "manual intervention") {
			reason += " (manual intervention required)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", u.Node, u.Service, u.State, duration, reason)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nReady: %d  Failed: %d  Pending: %d  Took: %s\n",
		report.Count(models.UnitReady), report.Count(models.UnitFailed), report.Count(models.UnitPending),
		report.CompletedAt.Sub(report.StartedAt).Round(time.Second))
	if report.Aborted {
		fmt.Fprintln(w, "Deployment was aborted; pending units were never started.")
	}
}

func renderStatuses(w io.Writer, format outputFormat, id string, statuses []lifecycle.ServiceStatus) error {
	if format != formatTable {
		return encode(w, format, map[string]any{"deployment_id": id, "services": statuses})
	}
	fmt.Fprintf(w, "Deployment %s\n", id)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSERVICE\tUNIT\tSTATE\tERROR")
	for _, s := range statuses {
		unit := s.Unit
		if unit == "" {
			unit = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Node, s.Service, unit, s.State, s.Error)
	}
	return tw.Flush()
}

// encode writes v as JSON or YAML. YAML goes through the JSON form so both
// formats share the json field names of the models.
func encode(w io.Writer, format outputFormat, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if format == formatJSON {
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func gigabytes(gb float64) string {
	if gb <= 0 {
		return "-"
	}
	return humanize.IBytes(uint64(gb * (1 << 30)))
}
