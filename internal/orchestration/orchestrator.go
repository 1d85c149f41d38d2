package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"evalgo.org/seed/internal/discovery"
	"evalgo.org/seed/internal/hardware"
	"evalgo.org/seed/internal/installer"
	"evalgo.org/seed/internal/remote"
	"evalgo.org/seed/internal/scoring"
	"evalgo.org/seed/internal/validation"
	"evalgo.org/seed/models"
)

// ErrAborted is returned when the run context was cancelled. Units that were
// never started stay PENDING in the report.
var ErrAborted = errors.New("deployment aborted by user")

// Remote is the SSH manager surface the orchestrator drives.
type Remote interface {
	installer.Executor
	EnsureKeypair() (*remote.Keypair, error)
	EnablePooling()
	Target(host string, local bool) remote.Target
}

// Scanner finds SSH-reachable hosts on a network.
type Scanner interface {
	Scan(ctx context.Context, cidr string) ([]discovery.Candidate, error)
}

// Profiler produces capability snapshots.
type Profiler interface {
	DetectLocal(ctx context.Context) (models.DeviceCapabilities, error)
	DetectRemote(ctx context.Context, host hardware.Host, creds remote.Credentials) (models.DeviceCapabilities, error)
}

// ArtifactStore persists the write-once deployment artifact.
type ArtifactStore interface {
	SaveDeployment(plan *models.DeploymentPlan, envs map[string]map[string]string) error
	SaveDeploymentReport(report *models.DeploymentReport) error
}

// Options select what a run discovers and how it installs.
type Options struct {
	Mode models.DeploymentMode

	// Network is the CIDR to scan; empty selects the local /24
	Network string

	// Hosts bypasses scanning when non-empty
	Hosts []string

	// SkipScan deploys to the local device plus Hosts only
	SkipScan bool

	// DryRun stops once the artifact is written
	DryRun bool

	// Workers bounds concurrent probes and concurrently installed nodes
	Workers int

	SourceDir      string
	Excludes       []string
	CommandTimeout time.Duration
	VerifyAttempts int
	VerifyInterval time.Duration
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Remote    Remote
	Scanner   Scanner
	Profiler  Profiler
	Scorer    *scoring.Scorer
	Assigner  *RoleAssigner
	Validator *validation.Validator
	Registry  *installer.Registry
	Store     ArtifactStore
	Catalog   models.Catalog
}

// Orchestrator sequences a deployment through its phases:
//
//	P0 discovery, P1 planning, P2 shared storage, P3 configuration,
//	P4 installation, P5 verification.
//
// Plan-level failures end the run before anything is installed. Unit
// failures are isolated: the unit is rolled back, marked FAILED and every
// independent unit continues.
type Orchestrator struct {
	remote    Remote
	scanner   Scanner
	profiler  Profiler
	scorer    *scoring.Scorer
	assigner  *RoleAssigner
	validator *validation.Validator
	registry  *installer.Registry
	store     ArtifactStore
	catalog   models.Catalog
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
}

// Result is what a run produced. Plan is nil when planning failed; Report
// is nil for dry runs and for runs that ended before installation.
type Result struct {
	Devices []models.DeviceCapabilities
	Plan    *models.DeploymentPlan
	Report  *models.DeploymentReport
}

// New creates an orchestrator.
func New(deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Mode == "" {
		opts.Mode = models.ModeMulti
	}
	return &Orchestrator{
		remote:    deps.Remote,
		scanner:   deps.Scanner,
		profiler:  deps.Profiler,
		scorer:    deps.Scorer,
		assigner:  deps.Assigner,
		validator: deps.Validator,
		registry:  deps.Registry,
		store:     deps.Store,
		catalog:   deps.Catalog,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
	}
}

// Run executes a deployment. The vault is closed, and its passwords zeroed,
// as soon as discovery no longer needs them.
func (o *Orchestrator) Run(ctx context.Context, vault *remote.Vault) (*Result, error) {
	started := o.now()
	result := &Result{}

	if _, err := o.remote.EnsureKeypair(); err != nil {
		vault.Close()
		return result, fmt.Errorf("ssh key setup: %w", err)
	}

	// P0
	devices, warnings, err := o.Discover(ctx, vault)
	vault.Close()
	if err != nil {
		return result, err
	}
	result.Devices = devices

	// P1
	plan, err := o.Plan(devices, warnings)
	result.Plan = plan
	if err != nil {
		return result, err
	}
	if err := aborted(ctx); err != nil {
		return result, err
	}

	// P2
	if plan.Storage.Enabled && !o.opts.DryRun {
		if err := o.setupStorage(ctx, plan); err != nil {
			if ctx.Err() != nil {
				return result, ErrAborted
			}
			return result, err
		}
	}

	// P3
	envs := BuildEnvironment(plan, o.catalog)
	if err := o.store.SaveDeployment(plan, envs); err != nil {
		return result, fmt.Errorf("write deployment artifact: %w", err)
	}
	if o.opts.DryRun {
		o.logger.Info("dry run complete, nothing installed", "deployment_id", plan.DeploymentID)
		return result, nil
	}
	if err := aborted(ctx); err != nil {
		return result, err
	}

	// P4
	units := o.Install(ctx, plan, envs)

	// P5
	report := &models.DeploymentReport{
		DeploymentID: plan.DeploymentID,
		Units:        units,
		Warnings:     plan.Warnings,
		Aborted:      ctx.Err() != nil,
		StartedAt:    started.UTC(),
		CompletedAt:  o.now().UTC(),
	}
	result.Report = report
	if err := o.store.SaveDeploymentReport(report); err != nil {
		o.logger.Error("failed to save deployment report", "deployment_id", plan.DeploymentID, "error", err)
	}
	o.logger.Info("deployment finished",
		"deployment_id", plan.DeploymentID,
		"ready", report.Count(models.UnitReady),
		"failed", report.Count(models.UnitFailed),
		"pending", report.Count(models.UnitPending),
	)
	if report.Aborted {
		return result, ErrAborted
	}
	return result, nil
}

// Discover assembles the candidate set: the local device, then every host
// found by scanning or listed explicitly, probed concurrently. A failed probe
// only produces a warning.
func (o *Orchestrator) Discover(ctx context.Context, vault *remote.Vault) ([]models.DeviceCapabilities, []string, error) {
	local, err := o.profiler.DetectLocal(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("local detection: %w", err)
	}
	var warnings []string
	if err := hardware.Incomplete(local); err != nil {
		warnings = append(warnings, err.Error())
	}
	if o.opts.Mode == models.ModeSingle {
		return []models.DeviceCapabilities{local}, warnings, nil
	}

	candidates, err := o.candidates(ctx, local)
	if err != nil {
		return nil, warnings, err
	}

	found := make([]*models.DeviceCapabilities, len(candidates))
	problems := make([]string, len(candidates))
	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for i, c := range candidates {
		g.Go(func() error {
			creds, _ := vault.Lookup(c.IP)
			host := hardware.Host{IP: c.IP, Hostname: c.Hostname, Target: o.remote.Target(c.IP, false)}
			caps, err := o.profiler.DetectRemote(ctx, host, creds)
			if err != nil {
				problems[i] = fmt.Sprintf("%s: %v", c.IP, err)
				o.logger.Warn("device probe failed", "ip", c.IP, "error", err)
				return nil
			}
			found[i] = &caps
			return nil
		})
	}
	_ = g.Wait()

	if err := aborted(ctx); err != nil {
		return nil, warnings, err
	}

	devices := []models.DeviceCapabilities{local}
	seen := map[string]bool{local.Hostname: true}
	for i := range candidates {
		if problems[i] != "" {
			warnings = append(warnings, "probe failed for "+problems[i])
			continue
		}
		caps := *found[i]
		if seen[caps.Hostname] {
			warnings = append(warnings, fmt.Sprintf("%s (%s) reports hostname %s already seen; skipped", caps.IP, caps.Hostname, caps.Hostname))
			continue
		}
		seen[caps.Hostname] = true
		if err := hardware.Incomplete(caps); err != nil {
			warnings = append(warnings, err.Error())
		}
		devices = append(devices, caps)
	}

	o.logger.Info("discovery complete", "devices", len(devices), "candidates", len(candidates))
	return devices, warnings, nil
}

func (o *Orchestrator) candidates(ctx context.Context, local models.DeviceCapabilities) ([]discovery.Candidate, error) {
	var candidates []discovery.Candidate
	switch {
	case len(o.opts.Hosts) > 0:
		candidates = discovery.Explicit(o.opts.Hosts)
	case o.opts.SkipScan:
		return nil, nil
	default:
		cidr := o.opts.Network
		if cidr == "" {
			var err error
			if cidr, err = discovery.LocalNetwork(local.IP); err != nil {
				return nil, err
			}
		}
		found, err := o.scanner.Scan(ctx, cidr)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrAborted
			}
			return nil, fmt.Errorf("scan %s: %w", cidr, err)
		}
		candidates = found
	}

	out := candidates[:0]
	for _, c := range candidates {
		if c.IP == local.IP || (c.Hostname != "" && c.Hostname == local.Hostname) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Plan scores devices, elects roles and validates the result. An invalid
// plan is returned alongside an error wrapping validation.ErrPlanInvalid so
// callers can show it.
func (o *Orchestrator) Plan(devices []models.DeviceCapabilities, warnings []string) (*models.DeploymentPlan, error) {
	scored := o.scorer.Apply(devices)
	plan, err := o.assigner.Assign(scored, o.opts.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", validation.ErrPlanInvalid, err)
	}
	plan.Warnings = append(append([]string(nil), warnings...), plan.Warnings...)

	for _, n := range plan.Nodes {
		o.logger.Info("node planned",
			"host", n.Device.Hostname,
			"score", n.Device.Score,
			"roles", n.RoleNames(),
			"services", n.Services,
		)
	}
	for _, w := range plan.Warnings {
		o.logger.Warn(w)
	}

	if err := o.validator.ValidatePlan(plan).Err(); err != nil {
		return plan, err
	}
	return plan, nil
}

// Install runs every unit of the plan. Nodes install concurrently; services
// on one node install strictly in order. At most one SSH connection per host
// stays open while it runs.
func (o *Orchestrator) Install(ctx context.Context, plan *models.DeploymentPlan, envs map[string]map[string]string) []models.UnitResult {
	tracker := newUnitTracker(plan, o.logger, o.now)
	o.remote.EnablePooling()

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for _, node := range plan.Nodes {
		g.Go(func() error {
			o.installNode(ctx, plan, node, envs[node.Device.Hostname], tracker)
			return nil
		})
	}
	_ = g.Wait()
	return tracker.results()
}

func (o *Orchestrator) installNode(ctx context.Context, plan *models.DeploymentPlan, node models.NodeAssignment, env map[string]string, tracker *unitTracker) {
	host := node.Device.Hostname
	for _, svc := range node.Services {
		if ctx.Err() != nil {
			o.logger.Warn("run aborted, leaving remaining units pending", "node", host)
			return
		}
		if dep, ok := o.blockedBy(node, svc, tracker); ok {
			tracker.fail(host, svc, fmt.Sprintf("dependency %s not ready", dep), false)
			continue
		}

		inst, err := o.registry.New(svc, installer.Deps{
			Node: installer.Node{
				Hostname: host,
				Target:   o.targetFor(node.Device),
				OSFamily: node.Device.OSFamily,
				Root:     plan.InstallRoot,
			},
			Spec:           o.spec(svc),
			Exec:           o.remote,
			Logger:         o.logger,
			SourceDir:      o.opts.SourceDir,
			Excludes:       o.opts.Excludes,
			CommandTimeout: o.opts.CommandTimeout,
			VerifyAttempts: o.opts.VerifyAttempts,
			VerifyInterval: o.opts.VerifyInterval,
		})
		if err != nil {
			tracker.fail(host, svc, err.Error(), false)
			continue
		}
		o.runUnit(ctx, host, inst, env, tracker)
	}
}

// runUnit drives one installer through the contract. Any failure triggers
// exactly one rollback before the unit is marked FAILED. A service that was
// already installed when the run began is restored, never removed.
func (o *Orchestrator) runUnit(ctx context.Context, host string, inst installer.Installer, env map[string]string, tracker *unitTracker) {
	svc := inst.Name()
	fresh := false
	err := func() error {
		tracker.transition(host, svc, models.UnitInstalling)
		installed, err := inst.CheckInstalled(ctx)
		if err != nil {
			return err
		}
		if installed {
			o.logger.Info("service already installed", "node", host, "service", svc)
		} else {
			fresh = true
			if err := inst.Install(ctx); err != nil {
				return err
			}
		}

		tracker.transition(host, svc, models.UnitConfiguring)
		if err := inst.Configure(ctx, env); err != nil {
			return err
		}

		tracker.transition(host, svc, models.UnitStarting)
		if err := inst.Start(ctx); err != nil {
			return err
		}

		tracker.transition(host, svc, models.UnitVerifying)
		if status := inst.Verify(ctx); !status.Healthy {
			return fmt.Errorf("%w: %s on %s: %s", installer.ErrVerifyFailed, svc, host, status.Message)
		}
		return nil
	}()
	if err == nil {
		tracker.ready(host, svc)
		return
	}

	// cleanup belongs to the in-flight unit and still runs after an abort
	cleanupCtx := context.WithoutCancel(ctx)
	undo := inst.Rollback
	if !fresh {
		undo = inst.Restore
	}
	o.logger.Warn("rolling back service", "node", host, "service", svc, "remove", fresh, "error", err)
	reason := err.Error()
	manual := false
	if rbErr := undo(cleanupCtx); rbErr != nil {
		manual = true
		reason = fmt.Sprintf("%s; %v: manual intervention required", reason, rbErr)
	}
	tracker.fail(host, svc, reason, manual)
}

// blockedBy returns a same-node dependency of svc that did not reach READY.
func (o *Orchestrator) blockedBy(node models.NodeAssignment, svc string, tracker *unitTracker) (string, bool) {
	for _, dep := range o.spec(svc).DependsOn {
		for _, placed := range node.Services {
			if placed == dep && tracker.state(node.Device.Hostname, dep) != models.UnitReady {
				return dep, true
			}
		}
	}
	return "", false
}

func (o *Orchestrator) spec(name string) models.ServiceSpec {
	spec, _ := o.catalog.Get(name)
	return spec
}

func (o *Orchestrator) targetFor(device models.DeviceCapabilities) remote.Target {
	target := o.remote.Target(device.Address(), device.Local)
	if device.SSHUsername != "" {
		target.User = device.SSHUsername
	}
	return target
}

func aborted(ctx context.Context) error {
	if ctx.Err() != nil {
		return ErrAborted
	}
	return nil
}
