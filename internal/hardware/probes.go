package hardware

import (
	"fmt"
	"strings"

	"github.com/subosito/gotenv"

	"evalgo.org/seed/models"
)

// check is one read-only command of a probe battery and the parser that
// folds its output into a snapshot.
type check struct {
	// field is reported in DeviceCapabilities.Missing when the check fails
	field string
	cmd   string
	parse func(out string, caps *models.DeviceCapabilities) error

	// fallback sets the conservative default used when the check fails
	fallback func(caps *models.DeviceCapabilities)

	// optional checks do not lower confidence when they fail (e.g. no GPU)
	optional bool
}

// probe is the per-OS-family variant. The set of implementations is closed:
// linuxProbe, darwinProbe and windowsProbe.
type probe interface {
	family() models.OSFamily
	battery() []check

	// gpu is the battery's GPU check, reused by local detection
	gpu() check
}

func probeFor(family models.OSFamily) (probe, bool) {
	switch family {
	case models.OSLinux:
		return linuxProbe{}, true
	case models.OSDarwin:
		return darwinProbe{}, true
	case models.OSWindows:
		return windowsProbe{}, true
	}
	return nil, false
}

// Conservative defaults: a device whose facts are unknown must not win an
// election or pass the minimum floor by accident.
func defaultCores(c *models.DeviceCapabilities) { c.CPUCores = 1 }
func defaultRAM(c *models.DeviceCapabilities)   { c.RAMTotalGB, c.RAMAvailGB = 0, 0 }
func defaultDisk(c *models.DeviceCapabilities)  { c.DiskTotalGB, c.DiskAvailGB = 0, 0 }
func defaultArch(c *models.DeviceCapabilities)  { c.Arch = "unknown" }

type linuxProbe struct{}

func (linuxProbe) family() models.OSFamily { return models.OSLinux }

func (l linuxProbe) battery() []check {
	return []check{
		{field: "hostname", cmd: "hostname", parse: parseHostname, optional: true},
		{field: "os_version", cmd: "cat /etc/os-release", parse: parseOSRelease, optional: true},
		{field: "arch", cmd: "uname -m", parse: parseArch, fallback: defaultArch},
		{field: "cpu_cores", cmd: "nproc", parse: parseCores, fallback: defaultCores},
		{field: "cpu_ghz", cmd: "lscpu", parse: parseLscpu, optional: true},
		{field: "ram", cmd: "cat /proc/meminfo", parse: parseMeminfo, fallback: defaultRAM},
		{field: "disk", cmd: "df -Pk /", parse: parseDF, fallback: defaultDisk},
		l.gpu(),
	}
}

func (linuxProbe) gpu() check {
	return check{
		field: "gpu",
		// nvidia-smi reports VRAM; lspci at least names the vendor of other cards
		cmd:      "nvidia-smi " + nvidiaQuery + " 2>/dev/null || lspci 2>/dev/null | grep -Ei 'vga|3d controller'",
		parse:    parseLinuxGPU,
		optional: true,
	}
}

type darwinProbe struct{}

func (darwinProbe) family() models.OSFamily { return models.OSDarwin }

func (d darwinProbe) battery() []check {
	return []check{
		{field: "hostname", cmd: "scutil --get LocalHostName 2>/dev/null || hostname", parse: parseHostname, optional: true},
		{field: "os_version", cmd: "sw_vers -productVersion", parse: parseVersion, optional: true},
		{field: "arch", cmd: "uname -m", parse: parseArch, fallback: defaultArch},
		{field: "cpu_cores", cmd: "sysctl -n hw.logicalcpu", parse: parseCores, fallback: defaultCores},
		// absent on Apple silicon
		{field: "cpu_ghz", cmd: "sysctl -n hw.cpufrequency_max", parse: parseHz, optional: true},
		{field: "ram", cmd: "sysctl -n hw.memsize && vm_stat", parse: parseDarwinMemory, fallback: defaultRAM},
		{field: "disk", cmd: "df -Pk /", parse: parseDF, fallback: defaultDisk},
		d.gpu(),
	}
}

func (darwinProbe) gpu() check {
	return check{
		field:    "gpu",
		cmd:      "system_profiler SPDisplaysDataType",
		parse:    parseSystemProfilerGPU,
		optional: true,
	}
}

type windowsProbe struct{}

func (windowsProbe) family() models.OSFamily { return models.OSWindows }

func powershell(script string) string {
	return `powershell -NoProfile -NonInteractive -Command "` + script + `"`
}

func (w windowsProbe) battery() []check {
	return []check{
		{field: "hostname", cmd: "hostname", parse: parseHostname, optional: true},
		{field: "os_version", cmd: powershell("(Get-CimInstance Win32_OperatingSystem).Version"), parse: parseVersion, optional: true},
		{field: "arch", cmd: powershell("$env:PROCESSOR_ARCHITECTURE"), parse: parseArch, fallback: defaultArch},
		{field: "cpu_cores", cmd: powershell("(Get-CimInstance Win32_Processor | Measure-Object -Property NumberOfLogicalProcessors -Sum).Sum"), parse: parseCores, fallback: defaultCores},
		{field: "cpu_ghz", cmd: powershell("(Get-CimInstance Win32_Processor | Select-Object -First 1).MaxClockSpeed"), parse: parseMHz, optional: true},
		{field: "ram", cmd: powershell("$o = Get-CimInstance Win32_OperatingSystem; Write-Output $o.TotalVisibleMemorySize $o.FreePhysicalMemory"), parse: parseKiBPair(setRAM), fallback: defaultRAM},
		{field: "disk", cmd: powershell("$d = Get-CimInstance Win32_LogicalDisk | Where-Object DeviceID -eq 'C:'; Write-Output $d.Size $d.FreeSpace"), parse: parseBytePair(setDisk), fallback: defaultDisk},
		w.gpu(),
	}
}

func (windowsProbe) gpu() check {
	return check{
		field:    "gpu",
		cmd:      "nvidia-smi " + nvidiaQuery,
		parse:    parseNvidiaSMI,
		optional: true,
	}
}

func parseHostname(out string, caps *models.DeviceCapabilities) error {
	name := firstLine(out)
	if name == "" {
		return fmt.Errorf("empty hostname")
	}
	caps.Hostname = name
	return nil
}

func parseVersion(out string, caps *models.DeviceCapabilities) error {
	v := firstLine(out)
	if v == "" {
		return fmt.Errorf("empty version")
	}
	caps.OSVersion = v
	return nil
}

func parseArch(out string, caps *models.DeviceCapabilities) error {
	arch := firstLine(out)
	if arch == "" {
		return fmt.Errorf("empty architecture")
	}
	caps.Arch = normaliseArch(arch)
	return nil
}

// parseOSRelease reads /etc/os-release, which is a shell-style assignment file.
func parseOSRelease(out string, caps *models.DeviceCapabilities) error {
	env := gotenv.Parse(strings.NewReader(out))
	for _, key := range []string{"PRETTY_NAME", "NAME"} {
		if v := env[key]; v != "" {
			if key == "NAME" && env["VERSION_ID"] != "" {
				v += " " + env["VERSION_ID"]
			}
			caps.OSVersion = v
			return nil
		}
	}
	return fmt.Errorf("no PRETTY_NAME or NAME")
}

func parseCores(out string, caps *models.DeviceCapabilities) error {
	n, err := parseInt(firstLine(out))
	if err != nil {
		return err
	}
	if n < 1 {
		return fmt.Errorf("implausible core count %d", n)
	}
	caps.CPUCores = n
	return nil
}

func setRAM(total, avail float64, caps *models.DeviceCapabilities) {
	caps.RAMTotalGB, caps.RAMAvailGB = total, avail
}

func setDisk(total, avail float64, caps *models.DeviceCapabilities) {
	caps.DiskTotalGB, caps.DiskAvailGB = total, avail
}
