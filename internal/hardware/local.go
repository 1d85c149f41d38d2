package hardware

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	psnet "github.com/shirou/gopsutil/v4/net"

	"evalgo.org/seed/internal/remote"
	"evalgo.org/seed/models"
)

// DetectLocal profiles the controlling device. CPU, memory, disk and OS facts
// come from gopsutil; the GPU check of the local OS family runs through the
// executor against a local target, the same path remote probes use.
func (p *Profiler) DetectLocal(ctx context.Context) (models.DeviceCapabilities, error) {
	caps := models.DeviceCapabilities{
		Local:       true,
		SSHUsername: os.Getenv("USER"),
		OSFamily:    familyOf(runtime.GOOS),
		Arch:        normaliseArch(runtime.GOARCH),
	}
	missing := func(field string) { caps.Missing = append(caps.Missing, field) }

	if info, err := host.InfoWithContext(ctx); err == nil {
		caps.Hostname = info.Hostname
		caps.OSVersion = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
		if info.KernelArch != "" {
			caps.Arch = normaliseArch(info.KernelArch)
		}
	} else {
		p.logger.Debug("host info unavailable", "err", err)
		if name, err := os.Hostname(); err == nil {
			caps.Hostname = name
		}
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		caps.CPUCores = n
	} else {
		caps.CPUCores = runtime.NumCPU()
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 && infos[0].Mhz > 0 {
		caps.CPUGHz = round2(infos[0].Mhz / 1000)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps.RAMTotalGB = bytesToGB(float64(vm.Total))
		caps.RAMAvailGB = bytesToGB(float64(vm.Available))
	} else {
		p.logger.Debug("memory info unavailable", "err", err)
		missing("ram")
	}

	if usage, err := disk.UsageWithContext(ctx, rootVolume()); err == nil {
		caps.DiskTotalGB = bytesToGB(float64(usage.Total))
		caps.DiskAvailGB = bytesToGB(float64(usage.Free))
	} else {
		p.logger.Debug("disk info unavailable", "err", err)
		missing("disk")
	}

	caps.IP = localIPv4(ctx)
	if caps.IP == "" {
		caps.IP = "127.0.0.1"
	}

	if pr, ok := probeFor(caps.OSFamily); ok {
		g := pr.gpu()
		res, err := p.exec.ExecuteRemote(ctx, remote.Target{Local: true}, g.cmd, p.timeout)
		switch {
		case err != nil:
			p.apply(g, "", err, &caps)
		case !res.OK():
			p.apply(g, "", res.Err(g.cmd), &caps)
		default:
			p.apply(g, res.Stdout, nil, &caps)
		}
	}

	finish(&caps)
	p.logger.Info("profiled local device",
		"host", caps.Hostname,
		"cores", caps.CPUCores,
		"ram_gb", caps.RAMTotalGB,
		"vram_gb", caps.GPUVRAMTotalGB,
		"disk_gb", caps.DiskTotalGB,
	)
	return caps, nil
}

// localIPv4 returns the first IPv4 address of an up, non-loopback interface.
func localIPv4(ctx context.Context) string {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if hasFlag(iface.Flags, "loopback") || !hasFlag(iface.Flags, "up") {
			continue
		}
		for _, addr := range iface.Addrs {
			ip, _, _ := strings.Cut(addr.Addr, "/")
			if strings.Count(ip, ".") == 3 && !strings.HasPrefix(ip, "127.") && !strings.HasPrefix(ip, "169.254.") {
				return ip
			}
		}
	}
	return ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if f == want {
			return true
		}
	}
	return false
}

func rootVolume() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}

func familyOf(goos string) models.OSFamily {
	switch goos {
	case "linux":
		return models.OSLinux
	case "darwin":
		return models.OSDarwin
	case "windows":
		return models.OSWindows
	}
	return models.OSUnknown
}

func normaliseArch(arch string) string {
	switch strings.ToLower(arch) {
	case "amd64":
		return "x86_64"
	case "aarch64":
		return "arm64"
	}
	return strings.ToLower(arch)
}
