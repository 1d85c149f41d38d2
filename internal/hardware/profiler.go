// Package hardware collects capability snapshots of devices.
//
// Local detection reads the controller's own facilities through gopsutil.
// Remote detection classifies the operating system with one lightweight
// command and then runs the fixed, read-only probe battery owned by that OS
// family. Any command in the battery may fail: the affected field falls back
// to a conservative default and the snapshot is marked partial instead of the
// whole probe failing.
package hardware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"evalgo.org/seed/internal/remote"
	"evalgo.org/seed/models"
)

var (
	// ErrUnknownOS is returned when the classification command output matches no known family.
	ErrUnknownOS = errors.New("hardware: unknown operating system")

	// ErrProbeIncomplete marks a snapshot in which some fields fell back to defaults.
	ErrProbeIncomplete = errors.New("hardware: probe incomplete, defaults used")
)

// classifyCommand works under POSIX shells and, through the || fallback, cmd.exe.
const classifyCommand = "uname -s 2>/dev/null || ver"

// DefaultProbeTimeout bounds each command of a probe battery.
const DefaultProbeTimeout = 20 * time.Second

// Executor is the subset of the SSH manager the profiler needs.
type Executor interface {
	ExecuteRemote(ctx context.Context, target remote.Target, command string, timeout time.Duration) (remote.Result, error)
	DistributeKey(ctx context.Context, target remote.Target, creds remote.Credentials) error
}

// Host is a discovered device that has not been profiled yet.
type Host struct {
	IP       string
	Hostname string
	Target   remote.Target
}

// Profiler produces DeviceCapabilities snapshots.
type Profiler struct {
	exec    Executor
	logger  *slog.Logger
	timeout time.Duration
}

// New creates a profiler. A zero timeout selects DefaultProbeTimeout.
func New(exec Executor, timeout time.Duration, logger *slog.Logger) *Profiler {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Profiler{exec: exec, logger: logger, timeout: timeout}
}

// DetectRemote profiles one remote device. When creds carry a password the
// controller's public key is installed first, so the probe itself always runs
// key-authenticated. Transport failures surface as remote.ErrUnreachable or
// remote.ErrAuthFailed; a device that answers with an unrecognised OS yields
// ErrUnknownOS.
func (p *Profiler) DetectRemote(ctx context.Context, host Host, creds remote.Credentials) (models.DeviceCapabilities, error) {
	target := host.Target
	if target.Host == "" {
		target.Host = host.IP
	}

	if !creds.Empty() {
		if creds.Username != "" {
			target.User = creds.Username
		}
		if err := p.exec.DistributeKey(ctx, target, creds); err != nil {
			return models.DeviceCapabilities{}, fmt.Errorf("distribute key to %s: %w", host.IP, err)
		}
	}

	res, err := p.exec.ExecuteRemote(ctx, target, classifyCommand, p.timeout)
	if err != nil {
		return models.DeviceCapabilities{}, fmt.Errorf("classify %s: %w", host.IP, err)
	}
	family := classify(res.Stdout)
	pr, ok := probeFor(family)
	if !ok {
		return models.DeviceCapabilities{}, fmt.Errorf("%w: %s answered %q", ErrUnknownOS, host.IP, firstLine(res.Stdout))
	}

	caps := models.DeviceCapabilities{
		Hostname:     host.Hostname,
		IP:           host.IP,
		OSFamily:     pr.family(),
		SSHReachable: true,
		SSHUsername:  target.User,
	}
	if err := p.runBattery(ctx, target, pr.battery(), &caps); err != nil {
		return models.DeviceCapabilities{}, err
	}
	finish(&caps)

	p.logger.Info("profiled device",
		"host", caps.Hostname,
		"ip", caps.IP,
		"os", caps.OSFamily,
		"cores", caps.CPUCores,
		"ram_gb", caps.RAMTotalGB,
		"vram_gb", caps.GPUVRAMTotalGB,
		"confidence", caps.Confidence,
	)
	return caps, nil
}

// runBattery runs every check, recording failed ones as missing. Only
// transport-level errors (unreachable, aborted) stop the battery.
func (p *Profiler) runBattery(ctx context.Context, target remote.Target, checks []check, caps *models.DeviceCapabilities) error {
	for _, c := range checks {
		res, err := p.exec.ExecuteRemote(ctx, target, c.cmd, p.timeout)
		if err != nil {
			var cmdErr *remote.CommandError
			if !errors.As(err, &cmdErr) && !errors.Is(err, remote.ErrTimeout) {
				return fmt.Errorf("probe %s on %s: %w", c.field, target.Host, err)
			}
			p.apply(c, "", err, caps)
			continue
		}
		if !res.OK() {
			p.apply(c, "", res.Err(c.cmd), caps)
			continue
		}
		p.apply(c, res.Stdout, nil, caps)
	}
	return nil
}

func (p *Profiler) apply(c check, out string, runErr error, caps *models.DeviceCapabilities) {
	err := runErr
	if err == nil {
		err = c.parse(out, caps)
	}
	if err == nil {
		return
	}
	if c.optional {
		p.logger.Debug("optional probe yielded nothing", "host", caps.IP, "field", c.field, "err", err)
		return
	}
	p.logger.Debug("probe fell back to default", "host", caps.IP, "field", c.field, "err", err)
	if c.fallback != nil {
		c.fallback(caps)
	}
	caps.Missing = append(caps.Missing, c.field)
}

// Incomplete returns an error wrapping ErrProbeIncomplete when caps holds
// defaulted fields, or nil for a fully measured snapshot.
func Incomplete(caps models.DeviceCapabilities) error {
	if caps.Confidence != models.ConfidencePartial {
		return nil
	}
	return fmt.Errorf("%w: %s missing %s", ErrProbeIncomplete, caps.Hostname, strings.Join(caps.Missing, ","))
}

func finish(caps *models.DeviceCapabilities) {
	if caps.Hostname == "" {
		caps.Hostname = caps.IP
	}
	if caps.RAMAvailGB > caps.RAMTotalGB {
		caps.RAMAvailGB = caps.RAMTotalGB
	}
	if caps.DiskAvailGB > caps.DiskTotalGB {
		caps.DiskAvailGB = caps.DiskTotalGB
	}
	caps.Confidence = models.ConfidenceFull
	if len(caps.Missing) > 0 {
		caps.Confidence = models.ConfidencePartial
	}
}

func classify(output string) models.OSFamily {
	line := strings.ToLower(firstLine(output))
	switch {
	case strings.HasPrefix(line, "linux"):
		return models.OSLinux
	case strings.HasPrefix(line, "darwin"):
		return models.OSDarwin
	case strings.Contains(line, "windows"),
		strings.HasPrefix(line, "mingw"),
		strings.HasPrefix(line, "msys"),
		strings.HasPrefix(line, "cygwin"):
		return models.OSWindows
	}
	return models.OSUnknown
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
