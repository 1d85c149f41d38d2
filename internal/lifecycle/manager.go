// Package lifecycle manages deployed services after installation: start,
// stop, restart, status and uninstall, always against a persisted plan.
//
// Every deployment installs into the same service directories and units, so
// a node belongs to the newest deployment that installed anything on it.
// Actions against an older deployment skip such nodes.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"evalgo.org/seed/internal/installer"
	"evalgo.org/seed/internal/remote"
	"evalgo.org/seed/internal/storage"
	"evalgo.org/seed/models"
)

// ErrNotConfirmed is returned by Uninstall without explicit confirmation.
var ErrNotConfirmed = errors.New("uninstall requires confirmation")

// Action is a supervisor operation.
type Action string

const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionStatus  Action = "status"
)

// StateSuperseded marks a node a newer deployment has taken over.
const StateSuperseded = "superseded"

// PlanStore loads persisted plans and reports.
type PlanStore interface {
	GetDeploymentPlan(id string) (*models.DeploymentPlan, error)
	GetDeploymentReport(id string) (*models.DeploymentReport, error)
	ListDeployments() ([]string, error)
	LatestDeployment() (string, error)
}

// Remote is the SSH manager surface lifecycle commands use.
type Remote interface {
	installer.Executor
	Target(host string, local bool) remote.Target
}

// ServiceStatus is the outcome of one action on one node x service.
type ServiceStatus struct {
	Node    string `json:"node" yaml:"node"`
	Service string `json:"service" yaml:"service"`
	Unit    string `json:"unit,omitempty" yaml:"unit,omitempty"`
	State   string `json:"state" yaml:"state"`
	Error   string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ServiceManager runs lifecycle actions for one deployment at a time.
type ServiceManager struct {
	store    PlanStore
	remote   Remote
	registry *installer.Registry
	catalog  models.Catalog
	workers  int
	timeout  time.Duration
	logger   *slog.Logger
}

// Options tune a ServiceManager.
type Options struct {
	// Workers bounds the nodes acted on concurrently
	Workers int

	// CommandTimeout bounds each supervisor command
	CommandTimeout time.Duration
}

// New creates a service manager.
func New(store PlanStore, rem Remote, registry *installer.Registry, catalog models.Catalog, opts Options, logger *slog.Logger) *ServiceManager {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &ServiceManager{
		store:    store,
		remote:   rem,
		registry: registry,
		catalog:  catalog,
		workers:  opts.Workers,
		timeout:  opts.CommandTimeout,
		logger:   logger,
	}
}

// Load returns the plan for id, or for the newest deployment when id is empty.
func (m *ServiceManager) Load(id string) (*models.DeploymentPlan, error) {
	if id == "" {
		latest, err := m.store.LatestDeployment()
		if err != nil {
			return nil, err
		}
		id = latest
	}
	plan, err := m.store.GetDeploymentPlan(id)
	if err != nil {
		return nil, fmt.Errorf("load deployment %s: %w", id, err)
	}
	return plan, nil
}

// Start starts every service in install order.
func (m *ServiceManager) Start(ctx context.Context, plan *models.DeploymentPlan) ([]ServiceStatus, error) {
	return m.apply(ctx, plan, ActionStart)
}

// Stop stops every service in reverse install order.
func (m *ServiceManager) Stop(ctx context.Context, plan *models.DeploymentPlan) ([]ServiceStatus, error) {
	return m.apply(ctx, plan, ActionStop)
}

// Restart restarts every service in install order.
func (m *ServiceManager) Restart(ctx context.Context, plan *models.DeploymentPlan) ([]ServiceStatus, error) {
	return m.apply(ctx, plan, ActionRestart)
}

// Status reports the supervisor state of every service.
func (m *ServiceManager) Status(ctx context.Context, plan *models.DeploymentPlan) ([]ServiceStatus, error) {
	return m.apply(ctx, plan, ActionStatus)
}

// Superseded maps each node of plan that a newer deployment installed on to
// that deployment's ID. Dry runs and nodes a newer run never reached do not
// count.
func (m *ServiceManager) Superseded(plan *models.DeploymentPlan) (map[string]string, error) {
	ids, err := m.store.ListDeployments()
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	owners := make(map[string]string)
	for _, id := range ids {
		if id <= plan.DeploymentID {
			break
		}
		report, err := m.store.GetDeploymentReport(id)
		if errors.Is(err, storage.ErrDeploymentNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load report %s: %w", id, err)
		}
		for _, u := range report.Units {
			if u.State == models.UnitPending || plan.Node(u.Node) == nil {
				continue
			}
			if _, ok := owners[u.Node]; !ok {
				owners[u.Node] = id
			}
		}
	}
	return owners, nil
}

// skipped is the status of every service on a node owned by a newer
// deployment. Only actions that would change the node report an error.
func skipped(node models.NodeAssignment, svc, unit, owner string, mutating bool) ServiceStatus {
	st := ServiceStatus{Node: node.Device.Hostname, Service: svc, Unit: unit, State: StateSuperseded}
	if mutating {
		st.Error = fmt.Sprintf("node is managed by newer deployment %s", owner)
	}
	return st
}

// Uninstall tears every service down in reverse dependency order. Each
// service is removed by its installer's rollback, which deletes only the
// service's directory below the plan's install root. Nodes a newer
// deployment owns are left untouched and reported as superseded.
func (m *ServiceManager) Uninstall(ctx context.Context, plan *models.DeploymentPlan, confirmed bool) ([]ServiceStatus, error) {
	if !confirmed {
		return nil, ErrNotConfirmed
	}
	if !strings.HasPrefix(plan.InstallRoot, "/") || strings.TrimRight(plan.InstallRoot, "/") == "" {
		return nil, fmt.Errorf("%w: refusing to uninstall from %q", installer.ErrOutsideRoot, plan.InstallRoot)
	}
	owners, err := m.Superseded(plan)
	if err != nil {
		return nil, err
	}
	m.logger.Warn("uninstalling deployment", "deployment_id", plan.DeploymentID, "install_root", plan.InstallRoot)

	return m.forEachNode(ctx, plan, func(ctx context.Context, node models.NodeAssignment) []ServiceStatus {
		var out []ServiceStatus
		owner, taken := owners[node.Device.Hostname]
		for _, svc := range models.Reverse(node.Services) {
			if taken {
				out = append(out, skipped(node, svc, m.spec(svc).Unit, owner, true))
				continue
			}
			st := ServiceStatus{Node: node.Device.Hostname, Service: svc, Unit: m.spec(svc).Unit, State: "removed"}
			inst, err := m.registry.New(svc, installer.Deps{
				Node: installer.Node{
					Hostname: node.Device.Hostname,
					Target:   m.targetFor(node.Device),
					OSFamily: node.Device.OSFamily,
					Root:     plan.InstallRoot,
				},
				Spec:   m.spec(svc),
				Exec:   m.remote,
				Logger: m.logger,
			})
			if err == nil {
				err = inst.Rollback(ctx)
			}
			if err != nil {
				st.State = "failed"
				st.Error = err.Error()
			}
			out = append(out, st)
		}
		return out
	})
}

func (m *ServiceManager) apply(ctx context.Context, plan *models.DeploymentPlan, action Action) ([]ServiceStatus, error) {
	owners, err := m.Superseded(plan)
	if err != nil {
		return nil, err
	}
	m.logger.Info("lifecycle action", "action", action, "deployment_id", plan.DeploymentID, "superseded_nodes", len(owners))
	return m.forEachNode(ctx, plan, func(ctx context.Context, node models.NodeAssignment) []ServiceStatus {
		services := node.Services
		if action == ActionStop {
			services = models.Reverse(services)
		}
		owner, taken := owners[node.Device.Hostname]
		statuses := make([]ServiceStatus, 0, len(services))
		for _, svc := range services {
			if taken {
				statuses = append(statuses, skipped(node, svc, m.spec(svc).Unit, owner, action != ActionStatus))
				continue
			}
			statuses = append(statuses, m.act(ctx, node, svc, action))
		}
		return statuses
	})
}

// act runs one supervisor command. Tool-only services have no unit; their
// status is whether the tool is on the PATH.
func (m *ServiceManager) act(ctx context.Context, node models.NodeAssignment, svc string, action Action) ServiceStatus {
	spec := m.spec(svc)
	st := ServiceStatus{Node: node.Device.Hostname, Service: svc, Unit: spec.Unit}
	target := m.targetFor(node.Device)

	var cmd string
	switch {
	case spec.Unit == "" && action == ActionStatus:
		cmd = "command -v ffmpeg >/dev/null 2>&1 && echo installed || echo missing"
		if node.Device.OSFamily == models.OSWindows {
			cmd = "where ffmpeg >nul 2>&1 && echo installed || echo missing"
		}
	case spec.Unit == "":
		st.State = "n/a"
		return st
	case action == ActionStatus:
		cmd = "systemctl is-active " + spec.Unit
	default:
		cmd = fmt.Sprintf("%ssystemctl %s %s", remote.Sudo(target), action, spec.Unit)
	}

	res, err := m.remote.ExecuteRemote(ctx, target, cmd, m.timeout)
	switch {
	case err != nil:
		st.State = "unknown"
		st.Error = err.Error()
	case action == ActionStatus:
		st.State = strings.TrimSpace(res.Stdout)
		if st.State == "" {
			st.State = "unknown"
		}
	case res.OK():
		st.State = pastTense(action)
	default:
		st.State = "failed"
		st.Error = res.Err(cmd).Error()
	}
	m.logger.Debug("lifecycle result", "node", st.Node, "service", svc, "action", action, "state", st.State)
	return st
}

// forEachNode runs fn for every node concurrently and returns the statuses
// in plan order.
func (m *ServiceManager) forEachNode(ctx context.Context, plan *models.DeploymentPlan, fn func(context.Context, models.NodeAssignment) []ServiceStatus) ([]ServiceStatus, error) {
	per := make([][]ServiceStatus, len(plan.Nodes))
	var g errgroup.Group
	g.SetLimit(m.workers)
	for i, node := range plan.Nodes {
		g.Go(func() error {
			per[i] = fn(ctx, node)
			return nil
		})
	}
	err := g.Wait()

	var out []ServiceStatus
	for _, statuses := range per {
		out = append(out, statuses...)
	}
	return out, err
}

func (m *ServiceManager) spec(name string) models.ServiceSpec {
	spec, ok := m.catalog.Get(name)
	if !ok {
		spec = models.ServiceSpec{Name: name}
	}
	return spec
}

func (m *ServiceManager) targetFor(device models.DeviceCapabilities) remote.Target {
	target := m.remote.Target(device.Address(), device.Local)
	if device.SSHUsername != "" {
		target.User = device.SSHUsername
	}
	return target
}

func pastTense(a Action) string {
	switch a {
	case ActionStart:
		return "started"
	case ActionStop:
		return "stopped"
	case ActionRestart:
		return "restarted"
	}
	return string(a)
}

// Failed reports whether any status carries an error.
func Failed(statuses []ServiceStatus) bool {
	for _, s := range statuses {
		if s.Error != "" {
			return true
		}
	}
	return false
}
