package orchestration

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"evalgo.org/seed/models"
)

var (
	// ErrNoDevices is returned when there is nothing to plan for.
	ErrNoDevices = errors.New("no devices to plan for")

	// ErrNoReachableDevice is returned when no device can run remote commands.
	ErrNoReachableDevice = errors.New("no reachable device")
)

// DefaultComputeMinVRAMGB is the GPU memory a device needs for the compute role.
const DefaultComputeMinVRAMGB = 8

// PlacementOptions parameterise role election and the plan skeleton.
type PlacementOptions struct {
	// ComputeMinVRAMGB qualifies a device for the compute role
	ComputeMinVRAMGB float64

	InstallRoot string
	ExportPath  string
	MountPath   string
}

// RoleAssigner elects roles over scored devices and emits a deployment plan.
// It performs no I/O: identical input yields an identical plan apart from
// the deployment ID and creation time.
type RoleAssigner struct {
	catalog models.Catalog
	opts    PlacementOptions
	now     func() time.Time
}

// NewRoleAssigner creates an assigner over catalog.
func NewRoleAssigner(catalog models.Catalog, opts PlacementOptions) *RoleAssigner {
	if opts.ComputeMinVRAMGB <= 0 {
		opts.ComputeMinVRAMGB = DefaultComputeMinVRAMGB
	}
	return &RoleAssigner{catalog: catalog, opts: opts, now: time.Now}
}

// NewDeploymentID returns seed-YYYYMMDD-HHMMSS-<6 hex>. The random suffix
// keeps IDs unique within one second; the timestamp keeps them sortable.
func NewDeploymentID(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("seed-%s-%s", t.UTC().Format("20060102-150405"), suffix)
}

// Assign builds the plan for devices, which must already carry scores.
//
// Single mode assigns every role to the one device, and so does multi mode
// when only one device is reachable. Otherwise multi mode elects:
//   - master: highest score; ties go to more RAM, then hostname, then IP
//   - compute: every device with enough VRAM, most VRAM first; the master
//     when none qualifies
//   - storage: the linux non-master device with the most free disk; the
//     master when none qualifies
//   - client: every reachable device
func (a *RoleAssigner) Assign(devices []models.DeviceCapabilities, mode models.DeploymentMode) (*models.DeploymentPlan, error) {
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	created := a.now().UTC()
	plan := &models.DeploymentPlan{
		DeploymentID: NewDeploymentID(created),
		Mode:         mode,
		InstallRoot:  a.opts.InstallRoot,
		CreatedAt:    created,
		Storage: models.StorageConfig{
			ExportPath: a.opts.ExportPath,
			MountPath:  a.opts.MountPath,
		},
	}

	if mode == models.ModeSingle {
		return a.assignSingle(plan, devices)
	}
	return a.assignMulti(plan, devices)
}

func (a *RoleAssigner) assignSingle(plan *models.DeploymentPlan, devices []models.DeviceCapabilities) (*models.DeploymentPlan, error) {
	device := devices[0]
	if len(devices) > 1 {
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("single-device mode: using %s, ignoring %d other device(s)", device.Hostname, len(devices)-1))
	}
	if !device.MeetsMinimum {
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("%s is below the minimum hardware requirements", device.Hostname))
	}

	roles := []models.Role{models.RoleAll}
	plan.Nodes = []models.NodeAssignment{{
		Device:   device,
		Roles:    roles,
		Services: a.catalog.ServicesFor(roles),
	}}
	return plan, nil
}

func (a *RoleAssigner) assignMulti(plan *models.DeploymentPlan, devices []models.DeviceCapabilities) (*models.DeploymentPlan, error) {
	var reachable []models.DeviceCapabilities
	for _, d := range devices {
		if d.Reachable() {
			reachable = append(reachable, d)
			continue
		}
		plan.Warnings = append(plan.Warnings, fmt.Sprintf("%s (%s) is not reachable and was left out", d.Hostname, d.IP))
	}
	if len(reachable) == 0 {
		return nil, ErrNoReachableDevice
	}
	if len(reachable) == 1 {
		plan.Mode = models.ModeSingle
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("only %s is reachable; it hosts every service", reachable[0].Hostname))
		return a.assignSingle(plan, reachable)
	}

	ranked := electionOrder(reachable)
	master := ranked[0]
	roles := make(map[string][]models.Role, len(ranked))
	roles[master.Hostname] = []models.Role{models.RoleMaster}

	compute := computeCandidates(ranked, a.opts.ComputeMinVRAMGB)
	if len(compute) == 0 {
		compute = []models.DeviceCapabilities{master}
		plan.Warnings = append(plan.Warnings,
			fmt.Sprintf("no device has %.0fGB of GPU memory; %s runs generation on CPU", a.opts.ComputeMinVRAMGB, master.Hostname))
	}
	for _, d := range compute {
		roles[d.Hostname] = append(roles[d.Hostname], models.RoleCompute)
	}

	storage, ok := storageCandidate(ranked, master)
	if !ok {
		storage = master
		if len(ranked) > 1 {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("no other linux device can hold shared storage; using %s", master.Hostname))
		}
	}
	roles[storage.Hostname] = append(roles[storage.Hostname], models.RoleStorage)

	for _, d := range ranked {
		roles[d.Hostname] = append(roles[d.Hostname], models.RoleClient)
	}

	for _, d := range ranked {
		if !d.MeetsMinimum {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("%s is below the minimum hardware requirements", d.Hostname))
		}
		r := roles[d.Hostname]
		plan.Nodes = append(plan.Nodes, models.NodeAssignment{
			Device:   d,
			Roles:    r,
			Services: a.catalog.ServicesFor(r),
		})
	}

	a.storageLayout(plan, storage)
	return plan, nil
}

// storageLayout fills in the export served by the storage node and the
// linux nodes that mount it.
func (a *RoleAssigner) storageLayout(plan *models.DeploymentPlan, server models.DeviceCapabilities) {
	plan.Storage.ServerHost = server.Hostname
	plan.Storage.ServerIP = server.Address()
	for _, n := range plan.Nodes {
		d := n.Device
		if d.Hostname == server.Hostname {
			continue
		}
		if d.OSFamily != models.OSLinux {
			plan.Warnings = append(plan.Warnings,
				fmt.Sprintf("%s (%s) does not mount shared storage", d.Hostname, d.OSFamily))
			continue
		}
		plan.Storage.Clients = append(plan.Storage.Clients, d.Hostname)
	}
	sort.Strings(plan.Storage.Clients)
	plan.Storage.Enabled = len(plan.Storage.Clients) > 0
}

// electionOrder sorts devices by score descending with a total order on
// ties, so the same input always elects the same master.
func electionOrder(devices []models.DeviceCapabilities) []models.DeviceCapabilities {
	ranked := append([]models.DeviceCapabilities(nil), devices...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.RAMTotalGB != b.RAMTotalGB {
			return a.RAMTotalGB > b.RAMTotalGB
		}
		if a.Hostname != b.Hostname {
			return a.Hostname < b.Hostname
		}
		return a.IP < b.IP
	})
	return ranked
}

func computeCandidates(ranked []models.DeviceCapabilities, minVRAM float64) []models.DeviceCapabilities {
	var out []models.DeviceCapabilities
	for _, d := range ranked {
		if d.GPUVRAMTotalGB >= minVRAM {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].GPUVRAMTotalGB != out[j].GPUVRAMTotalGB {
			return out[i].GPUVRAMTotalGB > out[j].GPUVRAMTotalGB
		}
		return out[i].Hostname < out[j].Hostname
	})
	return out
}

// storageCandidate picks the linux non-master device with the most free disk.
func storageCandidate(ranked []models.DeviceCapabilities, master models.DeviceCapabilities) (models.DeviceCapabilities, bool) {
	var best models.DeviceCapabilities
	found := false
	for _, d := range ranked {
		if d.Hostname == master.Hostname || d.OSFamily != models.OSLinux {
			continue
		}
		if !found || d.DiskAvailGB > best.DiskAvailGB ||
			(d.DiskAvailGB == best.DiskAvailGB && d.Hostname < best.Hostname) {
			best = d
			found = true
		}
	}
	return best, found
}
