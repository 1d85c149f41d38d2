package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"evalgo.org/seed/internal/config"
	"evalgo.org/seed/internal/lifecycle"
	"evalgo.org/seed/internal/logging"
	"evalgo.org/seed/internal/orchestration"
	"evalgo.org/seed/internal/storage"
	"evalgo.org/seed/internal/validation"
	"evalgo.org/seed/internal/version"
	"evalgo.org/seed/models"
)

func TestExitCode(t *testing.T) {
	report := &models.DeploymentReport{Units: []models.UnitResult{
		{Node: "d1", Service: "database", State: models.UnitReady},
		{Node: "d1", Service: "generation", State: models.UnitFailed, Reason: "not healthy"},
	}}
	ready := &models.DeploymentReport{Units: []models.UnitResult{
		{Node: "d1", Service: "database", State: models.UnitReady},
	}}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", deployExit(ready, nil), ExitSuccess},
		{"dry run", deployExit(nil, nil), ExitSuccess},
		{"partial", deployExit(report, nil), ExitPartial},
		{"plan invalid", deployExit(nil, fmt.Errorf("plan: %w", validation.ErrPlanInvalid)), ExitFailure},
		{"storage", deployExit(nil, orchestration.ErrStorageSetup), ExitFailure},
		{"aborted", deployExit(report, orchestration.ErrAborted), ExitAborted},
		{"cancelled", deployExit(nil, context.Canceled), ExitAborted},
		{"plain error", errors.New("boom"), ExitFailure},
		{"lifecycle declined", lifecycleExit(nil, lifecycle.ErrNotConfirmed), ExitAborted},
		{"lifecycle failed", lifecycleExit([]lifecycle.ServiceStatus{{Error: "x"}}, nil), ExitPartial},
		{"lifecycle ok", lifecycleExit([]lifecycle.ServiceStatus{{State: "active"}}, nil), ExitSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitErrorUnwraps(t *testing.T) {
	err := deployExit(nil, fmt.Errorf("run: %w", orchestration.ErrAborted))
	assert.ErrorIs(t, err, orchestration.ErrAborted)
	assert.Contains(t, err.Error(), "aborted")
}

func TestParseFormat(t *testing.T) {
	for raw, want := range map[string]outputFormat{"": formatTable, "TABLE": formatTable, "yaml": formatYAML, " json ": formatJSON} {
		got, err := parseFormat(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}
	_, err := parseFormat("xml")
	assert.Error(t, err)
}

func TestConfirm(t *testing.T) {
	var out bytes.Buffer
	assert.True(t, confirm(strings.NewReader("y\n"), &out, "Remove?"))
	assert.True(t, confirm(strings.NewReader("YES\n"), &out, "Remove?"))
	assert.False(t, confirm(strings.NewReader("n\n"), &out, "Remove?"))
	assert.False(t, confirm(strings.NewReader(""), &out, "Remove?"))
	assert.Contains(t, out.String(), "Remove? [y/N]: ")
}

func samplePlan() *models.DeploymentPlan {
	return &models.DeploymentPlan{
		DeploymentID: "seed-20260301-093000-a1b2c3",
		Mode:         models.ModeMulti,
		Nodes: []models.NodeAssignment{
			{
				Device:   models.DeviceCapabilities{Hostname: "d1", IP: "10.0.0.1", OSFamily: models.OSLinux, CPUCores: 16, RAMTotalGB: 32, MeetsMinimum: true},
				Roles:    []models.Role{models.RoleMaster, models.RoleCompute},
				Services: []string{"database", "inference", "backend", "frontend", "generation"},
			},
			{
				Device:   models.DeviceCapabilities{Hostname: "d2", IP: "10.0.0.2", OSFamily: models.OSLinux},
				Roles:    []models.Role{models.RoleStorage, models.RoleClient},
				Services: []string{"media"},
			},
		},
		Storage: models.StorageConfig{
			Enabled: true, ServerHost: "d2", ServerIP: "10.0.0.2",
			ExportPath: "/srv/seed/shared", MountPath: "/mnt/seed", Clients: []string{"d1"},
		},
		InstallRoot: "/opt/seed",
		Warnings:    []string{"d3 is below the minimum hardware floor"},
	}
}

func TestRenderDeploymentTable(t *testing.T) {
	started := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	finished := started.Add(90 * time.Second)
	result := &orchestration.Result{
		Devices: []models.DeviceCapabilities{samplePlan().Nodes[0].Device},
		Plan:    samplePlan(),
		Report: &models.DeploymentReport{
			DeploymentID: "seed-20260301-093000-a1b2c3",
			Units: []models.UnitResult{
				{Node: "d1", Service: "database", State: models.UnitReady, StartedAt: &started, FinishedAt: &finished},
				{Node: "d1", Service: "generation", State: models.UnitFailed, Reason: "rollback failed", ManualIntervention: true},
			},
			StartedAt:   started,
			CompletedAt: finished,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, renderDeployment(&buf, formatTable, result, nil))
	out := buf.String()

	assert.Contains(t, out, "32 GiB")
	assert.Contains(t, out, "master,compute")
	assert.Contains(t, out, "Shared storage: 10.0.0.2:/srv/seed/shared mounted at /mnt/seed on d1")
	assert.Contains(t, out, "warning: d3 is below the minimum hardware floor")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "(manual intervention required)")
	assert.Contains(t, out, "Ready: 1  Failed: 1  Pending: 0")
}

func TestRenderDeploymentYAMLUsesJSONNames(t *testing.T) {
	var buf bytes.Buffer
	err := renderDeployment(&buf, formatYAML, &orchestration.Result{Plan: samplePlan()}, validation.ErrPlanInvalid)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	plan, ok := doc["plan"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "seed-20260301-093000-a1b2c3", plan["deployment_id"])
	assert.Equal(t, validation.ErrPlanInvalid.Error(), doc["error"])
}

func TestRenderStatuses(t *testing.T) {
	statuses := []lifecycle.ServiceStatus{
		{Node: "d1", Service: "database", Unit: "seed-database", State: "active"},
		{Node: "d2", Service: "media", State: "installed"},
	}

	var buf bytes.Buffer
	require.NoError(t, renderStatuses(&buf, formatTable, "seed-x", statuses))
	assert.Contains(t, buf.String(), "seed-database")
	assert.Regexp(t, `d2\s+media\s+-\s+installed`, buf.String())

	buf.Reset()
	require.NoError(t, renderStatuses(&buf, formatJSON, "seed-x", statuses))
	assert.Contains(t, buf.String(), `"deployment_id": "seed-x"`)
}

func TestDeploymentsListAndValidate(t *testing.T) {
	dir := t.TempDir()
	cfg = &config.Config{OutputDir: dir}
	t.Cleanup(func() { cfg = nil })

	store := storage.New(dir, logging.Discard())
	plan := samplePlan()
	require.NoError(t, store.SaveDeployment(plan, map[string]map[string]string{"d1": {}, "d2": {}}))
	require.NoError(t, store.SaveDeploymentReport(&models.DeploymentReport{
		DeploymentID: plan.DeploymentID,
		Units:        []models.UnitResult{{Node: "d1", Service: "database", State: models.UnitReady}},
	}))

	var buf bytes.Buffer
	deploymentsListCmd.SetOut(&buf)
	reportFormat = "table"
	require.NoError(t, runDeploymentsList(deploymentsListCmd, nil))
	assert.Regexp(t, `seed-20260301-093000-a1b2c3\s+multi\s+2\s+ready`, buf.String())

	data, err := storedPlan(store, "")
	require.NoError(t, err)
	result, err := validation.New(models.DefaultCatalog()).ValidatePlanJSON(data)
	require.NoError(t, err)

	buf.Reset()
	printValidation(&buf, result)
	assert.NotEmpty(t, buf.String())
}

func TestWriteVersion(t *testing.T) {
	info := version.Info{Module: version.Module, Version: "1.2.0", GitCommit: "abc123", BuildTime: "2026-03-01", Platform: "linux/amd64"}

	var buf bytes.Buffer
	require.NoError(t, writeVersion(&buf, info, true, false))
	assert.Contains(t, buf.String(), "Seed 1.2.0 (abc123)")
	assert.Contains(t, buf.String(), "Module:     evalgo.org/seed")

	buf.Reset()
	require.NoError(t, writeVersion(&buf, info, false, true))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, "evalgo.org/seed", doc["module"])
	assert.Equal(t, "1.2.0", doc["version"])
}
