package orchestration

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/seed/internal/logging"
	"evalgo.org/seed/internal/scoring"
	"evalgo.org/seed/models"
)

func linuxDevice(host, ip string, cores int, ramGB, vramGB, diskGB float64) models.DeviceCapabilities {
	return models.DeviceCapabilities{
		Hostname:       host,
		IP:             ip,
		CPUCores:       cores,
		RAMTotalGB:     ramGB,
		RAMAvailGB:     ramGB / 2,
		GPUVRAMTotalGB: vramGB,
		DiskTotalGB:    diskGB,
		DiskAvailGB:    diskGB * 0.8,
		OSFamily:       models.OSLinux,
		SSHReachable:   true,
		Confidence:     models.ConfidenceFull,
	}
}

func scenarioB() []models.DeviceCapabilities {
	d1 := linuxDevice("d1", "10.0.0.1", 16, 32, 12, 500)
	d1.GPUVendor = "nvidia"
	d1.GPUCount = 1
	return []models.DeviceCapabilities{
		d1,
		linuxDevice("d2", "10.0.0.2", 8, 16, 0, 2000),
		linuxDevice("d3", "10.0.0.3", 2, 4, 0, 32),
	}
}

func testAssigner() *RoleAssigner {
	return NewRoleAssigner(models.DefaultCatalog(), PlacementOptions{
		ComputeMinVRAMGB: 8,
		InstallRoot:      "/opt/seed",
		ExportPath:       "/srv/seed/shared",
		MountPath:        "/mnt/seed",
	})
}

func testScorer() *scoring.Scorer {
	return scoring.New(scoring.DefaultCeilings, scoring.DefaultMinimum, logging.Discard())
}

func TestAssignSingleDevice(t *testing.T) {
	scored := testScorer().Apply([]models.DeviceCapabilities{linuxDevice("solo", "10.0.0.9", 8, 16, 0, 200)})

	plan, err := testAssigner().Assign(scored, models.ModeSingle)
	require.NoError(t, err)

	require.Len(t, plan.Nodes, 1)
	node := plan.Nodes[0]
	assert.Equal(t, []models.Role{models.RoleAll}, node.Roles)
	assert.True(t, node.Device.MeetsMinimum)
	assert.Equal(t, []string{"database", "inference", "backend", "frontend", "generation", "media"}, node.Services)
	assert.False(t, plan.Storage.Enabled)
	assert.Empty(t, plan.Warnings)
}

func TestAssignSingleDeviceBelowMinimum(t *testing.T) {
	scored := testScorer().Apply([]models.DeviceCapabilities{linuxDevice("tiny", "10.0.0.9", 1, 2, 0, 30)})

	plan, err := testAssigner().Assign(scored, models.ModeSingle)
	require.NoError(t, err)
	assert.Equal(t, []models.Role{models.RoleAll}, plan.Nodes[0].Roles)
	require.Len(t, plan.Warnings, 1)
	assert.Contains(t, plan.Warnings[0], "below the minimum")
}

func TestAssignScenarioB(t *testing.T) {
	scored := testScorer().Apply(scenarioB())

	plan, err := testAssigner().Assign(scored, models.ModeMulti)
	require.NoError(t, err)
	require.Len(t, plan.Nodes, 3)

	d1, d2, d3 := plan.Node("d1"), plan.Node("d2"), plan.Node("d3")
	require.NotNil(t, d1)
	require.NotNil(t, d2)
	require.NotNil(t, d3)

	assert.Equal(t, []models.Role{models.RoleMaster, models.RoleCompute, models.RoleClient}, d1.Roles)
	assert.Equal(t, []models.Role{models.RoleStorage, models.RoleClient}, d2.Roles)
	assert.Equal(t, []models.Role{models.RoleClient}, d3.Roles)
	assert.False(t, d3.Device.MeetsMinimum)

	assert.Equal(t, []string{"media"}, d3.Services)
	assert.Equal(t, "d1", plan.Master().Device.Hostname)

	assert.True(t, plan.Storage.Enabled)
	assert.Equal(t, "d2", plan.Storage.ServerHost)
	assert.Equal(t, "10.0.0.2", plan.Storage.ServerIP)
	assert.Equal(t, []string{"d1", "d3"}, plan.Storage.Clients)

	assert.Contains(t, plan.Warnings, "d3 is below the minimum hardware requirements")
}

func TestAssignMasterHasMaxScore(t *testing.T) {
	scored := testScorer().Apply(scenarioB())
	plan, err := testAssigner().Assign(scored, models.ModeMulti)
	require.NoError(t, err)

	masters := plan.NodesWithRole(models.RoleMaster)
	require.Len(t, masters, 1)
	for _, n := range plan.Nodes {
		assert.LessOrEqual(t, n.Device.Score, masters[0].Device.Score)
	}
}

func TestAssignTieBreakIsDeterministic(t *testing.T) {
	a := linuxDevice("alpha", "10.0.0.5", 8, 16, 0, 500)
	b := linuxDevice("bravo", "10.0.0.4", 8, 16, 0, 500)
	c := linuxDevice("charlie", "10.0.0.6", 8, 32, 0, 500)
	for _, d := range []*models.DeviceCapabilities{&a, &b, &c} {
		d.Score = 40
		d.MeetsMinimum = true
	}

	assigner := testAssigner()
	orders := [][]models.DeviceCapabilities{{a, b, c}, {c, b, a}, {b, c, a}}
	for _, devices := range orders {
		plan, err := assigner.Assign(devices, models.ModeMulti)
		require.NoError(t, err)
		assert.Equal(t, "charlie", plan.Master().Device.Hostname, "more RAM wins a score tie")
	}

	for _, devices := range [][]models.DeviceCapabilities{{a, b}, {b, a}} {
		plan, err := assigner.Assign(devices, models.ModeMulti)
		require.NoError(t, err)
		assert.Equal(t, "alpha", plan.Master().Device.Hostname, "hostname breaks a full tie")
	}
}

func TestAssignClientOnEveryReachableDevice(t *testing.T) {
	devices := scenarioB()
	devices = append(devices, linuxDevice("d4", "10.0.0.4", 4, 8, 0, 100))
	mac := linuxDevice("mac", "10.0.0.5", 10, 16, 0, 500)
	mac.OSFamily = models.OSDarwin
	devices = append(devices, mac)
	offline := linuxDevice("offline", "10.0.0.6", 64, 256, 48, 4000)
	offline.SSHReachable = false
	devices = append(devices, offline)

	plan, err := testAssigner().Assign(testScorer().Apply(devices), models.ModeMulti)
	require.NoError(t, err)

	assert.Len(t, plan.Nodes, 5)
	assert.Nil(t, plan.Node("offline"))
	for _, n := range plan.Nodes {
		assert.True(t, n.HasRole(models.RoleClient), n.Device.Hostname)
		assert.Contains(t, n.Services, "media")
	}
	assert.NotContains(t, plan.Storage.Clients, "mac")
}

func TestAssignComputeFallsBackToMaster(t *testing.T) {
	devices := []models.DeviceCapabilities{
		linuxDevice("a", "10.0.0.1", 8, 32, 4, 500),
		linuxDevice("b", "10.0.0.2", 4, 8, 0, 500),
	}
	plan, err := testAssigner().Assign(testScorer().Apply(devices), models.ModeMulti)
	require.NoError(t, err)

	computes := plan.NodesWithRole(models.RoleCompute)
	require.Len(t, computes, 1)
	assert.Equal(t, "a", computes[0].Device.Hostname)
	assert.Contains(t, computes[0].Services, "generation")
	assert.NotEmpty(t, plan.Warnings)
}

func TestAssignComputeThresholdIsConfigurable(t *testing.T) {
	devices := []models.DeviceCapabilities{
		linuxDevice("a", "10.0.0.1", 16, 64, 0, 500),
		linuxDevice("b", "10.0.0.2", 4, 8, 6, 500),
		linuxDevice("c", "10.0.0.3", 4, 8, 10, 500),
	}
	assigner := NewRoleAssigner(models.DefaultCatalog(), PlacementOptions{
		ComputeMinVRAMGB: 6,
		InstallRoot:      "/opt/seed",
		ExportPath:       "/srv/seed/shared",
		MountPath:        "/mnt/seed",
	})
	plan, err := assigner.Assign(testScorer().Apply(devices), models.ModeMulti)
	require.NoError(t, err)

	var names []string
	for _, n := range plan.NodesWithRole(models.RoleCompute) {
		names = append(names, n.Device.Hostname)
	}
	assert.ElementsMatch(t, []string{"b", "c"}, names)
	assert.False(t, plan.Node("a").HasRole(models.RoleCompute))
}

func TestAssignStorageFallsBackToMaster(t *testing.T) {
	mac := linuxDevice("mac", "10.0.0.2", 4, 8, 0, 4000)
	mac.OSFamily = models.OSDarwin
	devices := []models.DeviceCapabilities{linuxDevice("a", "10.0.0.1", 16, 64, 16, 500), mac}

	plan, err := testAssigner().Assign(testScorer().Apply(devices), models.ModeMulti)
	require.NoError(t, err)
	assert.True(t, plan.Node("a").HasRole(models.RoleStorage))
	assert.False(t, plan.Storage.Enabled, "no linux client mounts the share")
}

func TestAssignErrors(t *testing.T) {
	_, err := testAssigner().Assign(nil, models.ModeMulti)
	assert.ErrorIs(t, err, ErrNoDevices)

	d := linuxDevice("a", "10.0.0.1", 4, 8, 0, 100)
	d.SSHReachable = false
	_, err = testAssigner().Assign([]models.DeviceCapabilities{d}, models.ModeMulti)
	assert.ErrorIs(t, err, ErrNoReachableDevice)
}

func TestAssignOneReachableDeviceHoldsEveryRole(t *testing.T) {
	offline := linuxDevice("b", "10.0.0.2", 8, 16, 0, 500)
	offline.SSHReachable = false
	devices := []models.DeviceCapabilities{linuxDevice("a", "10.0.0.1", 8, 16, 0, 500), offline}

	plan, err := testAssigner().Assign(testScorer().Apply(devices), models.ModeMulti)
	require.NoError(t, err)

	require.Len(t, plan.Nodes, 1)
	assert.Equal(t, models.ModeSingle, plan.Mode)
	assert.Equal(t, []models.Role{models.RoleAll}, plan.Nodes[0].Roles)
	assert.Equal(t, []string{"database", "inference", "backend", "frontend", "generation", "media"}, plan.Nodes[0].Services)
	assert.False(t, plan.Storage.Enabled)
	require.Len(t, plan.Warnings, 2)
	assert.Contains(t, plan.Warnings[0], "b (10.0.0.2) is not reachable")
	assert.Contains(t, plan.Warnings[1], "only a is reachable")
}

func TestNewDeploymentID(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 30, 5, 0, time.UTC)
	id := NewDeploymentID(at)
	assert.Regexp(t, regexp.MustCompile(`^seed-20260301-093005-[0-9a-f]{6}$`), id)
	assert.NotEqual(t, id, NewDeploymentID(at))
}
