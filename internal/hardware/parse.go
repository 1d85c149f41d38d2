package hardware

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"

	"evalgo.org/seed/models"
)

const nvidiaQuery = "--query-gpu=name,memory.total,memory.free --format=csv,noheader,nounits"

const (
	kib = 1024.0
	gib = 1024.0 * 1024 * 1024
)

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func bytesToGB(b float64) float64 { return round2(b / gib) }
func kibToGB(k float64) float64   { return round2(k * kib / gib) }
func mibToGB(m float64) float64   { return round2(m / 1024) }

func parseInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse integer %q: %w", s, err)
	}
	return n, nil
}

func parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("parse number %q: %w", s, err)
	}
	return f, nil
}

// parseNvidiaSMI folds nvidia-smi CSV rows (name, total MiB, free MiB) into
// caps, summing memory over all GPUs.
func parseNvidiaSMI(out string, caps *models.DeviceCapabilities) error {
	var count int
	var total, free float64
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			continue
		}
		t, err := parseFloat(fields[1])
		if err != nil {
			return err
		}
		f, err := parseFloat(fields[2])
		if err != nil {
			return err
		}
		count++
		total += t
		free += f
	}
	if count == 0 {
		return fmt.Errorf("no nvidia gpu reported")
	}
	caps.GPUVendor = "nvidia"
	caps.GPUCount = count
	caps.GPUVRAMTotalGB = mibToGB(total)
	caps.GPUVRAMAvailGB = mibToGB(free)
	return nil
}

// parseLinuxGPU accepts either nvidia-smi rows or lspci display controller
// lines. lspci identifies the vendor but not the memory size.
func parseLinuxGPU(out string, caps *models.DeviceCapabilities) error {
	if err := parseNvidiaSMI(out, caps); err == nil {
		return nil
	}
	var count int
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		vendor := vendorOf(line)
		if vendor == "" {
			continue
		}
		if caps.GPUVendor == "" {
			caps.GPUVendor = vendor
		}
		count++
	}
	if count == 0 {
		return fmt.Errorf("no gpu found")
	}
	caps.GPUCount = count
	return nil
}

func vendorOf(line string) string {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "nvidia"):
		return "nvidia"
	case strings.Contains(l, "advanced micro devices"), strings.Contains(l, "amd"), strings.Contains(l, "ati "):
		return "amd"
	case strings.Contains(l, "intel"):
		return "intel"
	case strings.Contains(l, "apple"):
		return "apple"
	}
	return ""
}

// parseSystemProfilerGPU reads `system_profiler SPDisplaysDataType`. Apple
// silicon reports no dedicated VRAM; unified memory is not counted as VRAM.
func parseSystemProfilerGPU(out string, caps *models.DeviceCapabilities) error {
	var count int
	var vram float64
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch {
		case key == "Chipset Model":
			count++
			if caps.GPUVendor == "" {
				caps.GPUVendor = vendorOf(value)
			}
		case strings.HasPrefix(key, "VRAM"):
			if gb, err := parseSize(value); err == nil {
				vram += gb
			}
		}
	}
	if count == 0 {
		return fmt.Errorf("no display adapters listed")
	}
	caps.GPUCount = count
	caps.GPUVRAMTotalGB = round2(vram)
	return nil
}

// parseSize converts "4 GB" or "1536 MB" into gigabytes.
func parseSize(s string) (float64, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return 0, fmt.Errorf("size without unit: %q", s)
	}
	v, err := parseFloat(fields[0])
	if err != nil {
		return 0, err
	}
	switch strings.ToUpper(fields[1]) {
	case "GB":
		return v, nil
	case "MB":
		return v / 1024, nil
	}
	return 0, fmt.Errorf("unknown unit in %q", s)
}

func parseLscpu(out string, caps *models.DeviceCapabilities) error {
	var curMHz, maxMHz float64
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		v, err := parseFloat(value)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "CPU max MHz":
			maxMHz = v
		case "CPU MHz":
			curMHz = v
		}
	}
	mhz := maxMHz
	if mhz == 0 {
		mhz = curMHz
	}
	if mhz == 0 {
		return fmt.Errorf("no clock frequency in lscpu output")
	}
	caps.CPUGHz = round2(mhz / 1000)
	return nil
}

func parseHz(out string, caps *models.DeviceCapabilities) error {
	hz, err := parseFloat(firstLine(out))
	if err != nil {
		return err
	}
	caps.CPUGHz = round2(hz / 1e9)
	return nil
}

func parseMHz(out string, caps *models.DeviceCapabilities) error {
	mhz, err := parseFloat(firstLine(out))
	if err != nil {
		return err
	}
	caps.CPUGHz = round2(mhz / 1000)
	return nil
}

// parseMeminfo reads /proc/meminfo (values in kB). Kernels without
// MemAvailable fall back to free + buffers + cached.
func parseMeminfo(out string, caps *models.DeviceCapabilities) error {
	values := make(map[string]float64)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := parseFloat(fields[1])
		if err != nil {
			continue
		}
		values[strings.TrimSuffix(fields[0], ":")] = v
	}

	total, ok := values["MemTotal"]
	if !ok || total == 0 {
		return fmt.Errorf("MemTotal not found")
	}
	avail, ok := values["MemAvailable"]
	if !ok {
		avail = values["MemFree"] + values["Buffers"] + values["Cached"]
	}
	caps.RAMTotalGB = kibToGB(total)
	caps.RAMAvailGB = kibToGB(avail)
	return nil
}

// parseDarwinMemory reads `sysctl -n hw.memsize` followed by vm_stat output.
func parseDarwinMemory(out string, caps *models.DeviceCapabilities) error {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	total, err := parseFloat(lines[0])
	if err != nil {
		return err
	}
	caps.RAMTotalGB = bytesToGB(total)

	pageSize := 4096.0
	var pages float64
	for _, line := range lines[1:] {
		if i := strings.Index(line, "page size of "); i >= 0 {
			rest := strings.Fields(line[i+len("page size of "):])
			if len(rest) > 0 {
				if v, err := parseFloat(rest[0]); err == nil {
					pageSize = v
				}
			}
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Pages free", "Pages inactive", "Pages speculative":
			if v, err := parseFloat(strings.TrimSuffix(strings.TrimSpace(value), ".")); err == nil {
				pages += v
			}
		}
	}
	caps.RAMAvailGB = bytesToGB(pages * pageSize)
	return nil
}

// parseDF reads POSIX `df -Pk` output for a single filesystem.
func parseDF(out string, caps *models.DeviceCapabilities) error {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return fmt.Errorf("df printed no filesystem line")
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 6 {
		return fmt.Errorf("unexpected df line %q", lines[len(lines)-1])
	}
	total, err := parseFloat(fields[1])
	if err != nil {
		return err
	}
	avail, err := parseFloat(fields[3])
	if err != nil {
		return err
	}
	caps.DiskTotalGB = kibToGB(total)
	caps.DiskAvailGB = kibToGB(avail)
	return nil
}

func parsePair(out string) (float64, float64, error) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("expected two values, got %q", strings.TrimSpace(out))
	}
	a, err := parseFloat(fields[0])
	if err != nil {
		return 0, 0, err
	}
	b, err := parseFloat(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func parseKiBPair(set func(total, avail float64, caps *models.DeviceCapabilities)) func(string, *models.DeviceCapabilities) error {
	return func(out string, caps *models.DeviceCapabilities) error {
		total, avail, err := parsePair(out)
		if err != nil {
			return err
		}
		set(kibToGB(total), kibToGB(avail), caps)
		return nil
	}
}

func parseBytePair(set func(total, avail float64, caps *models.DeviceCapabilities)) func(string, *models.DeviceCapabilities) error {
	return func(out string, caps *models.DeviceCapabilities) error {
		total, avail, err := parsePair(out)
		if err != nil {
			return err
		}
		set(bytesToGB(total), bytesToGB(avail), caps)
		return nil
	}
}
