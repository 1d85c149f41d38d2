// Package scoring computes the capability score used to elect roles.
//
// The score is a weighted sum of normalised hardware metrics:
//
//	score = 100 * (0.4*norm(ram) + 0.3*norm(vram) + 0.2*norm(cpu) + 0.1*norm(disk))
//
// where norm(x) = min(x/ceiling, 1). Ceilings are fixed for the lifetime of a
// Scorer and logged when it is created, so scores from one run are comparable.
// The score is monotonic in every metric: raising one input while holding the
// others fixed never lowers it.
package scoring

import (
	"log/slog"
	"math"

	"evalgo.org/seed/models"
)

const (
	weightRAM  = 0.4
	weightVRAM = 0.3
	weightCPU  = 0.2
	weightDisk = 0.1
)

// Ceilings are the reference values at which each metric saturates.
type Ceilings struct {
	RAMGB    float64
	VRAMGB   float64
	CPUCores float64
	DiskGB   float64
}

// DefaultCeilings are 64GB RAM, 24GB VRAM, 16 cores and 2TB disk.
var DefaultCeilings = Ceilings{RAMGB: 64, VRAMGB: 24, CPUCores: 16, DiskGB: 2048}

// Minimum is the hardware floor a device must clear to be considered adequate.
type Minimum struct {
	Cores  int
	RAMGB  float64
	DiskGB float64
}

// DefaultMinimum is 2 cores, 4GB RAM and 100GB disk.
var DefaultMinimum = Minimum{Cores: 2, RAMGB: 4, DiskGB: 100}

// Scorer scores capability snapshots against fixed ceilings.
type Scorer struct {
	ceilings Ceilings
	minimum  Minimum
}

// New creates a scorer. Non-positive ceilings fall back to DefaultCeilings.
func New(ceilings Ceilings, minimum Minimum, logger *slog.Logger) *Scorer {
	if ceilings.RAMGB <= 0 {
		ceilings.RAMGB = DefaultCeilings.RAMGB
	}
	if ceilings.VRAMGB <= 0 {
		ceilings.VRAMGB = DefaultCeilings.VRAMGB
	}
	if ceilings.CPUCores <= 0 {
		ceilings.CPUCores = DefaultCeilings.CPUCores
	}
	if ceilings.DiskGB <= 0 {
		ceilings.DiskGB = DefaultCeilings.DiskGB
	}

	if logger != nil {
		logger.Info("capability scoring ceilings",
			"ram_gb", ceilings.RAMGB,
			"vram_gb", ceilings.VRAMGB,
			"cpu_cores", ceilings.CPUCores,
			"disk_gb", ceilings.DiskGB,
			"min_cores", minimum.Cores,
			"min_ram_gb", minimum.RAMGB,
			"min_disk_gb", minimum.DiskGB,
		)
	}

	return &Scorer{ceilings: ceilings, minimum: minimum}
}

// Score returns the 0-100 capability score of caps.
func (s *Scorer) Score(caps models.DeviceCapabilities) float64 {
	score := weightRAM*norm(caps.RAMTotalGB, s.ceilings.RAMGB) +
		weightVRAM*norm(caps.GPUVRAMTotalGB, s.ceilings.VRAMGB) +
		weightCPU*norm(float64(caps.CPUCores), s.ceilings.CPUCores) +
		weightDisk*norm(caps.DiskAvailGB, s.ceilings.DiskGB)

	// two decimals keep tie-breaks stable across float noise
	return math.Round(score*100*100) / 100
}

// MeetsMinimum reports whether caps clears the hardware floor.
func (s *Scorer) MeetsMinimum(caps models.DeviceCapabilities) bool {
	return caps.CPUCores >= s.minimum.Cores &&
		caps.RAMTotalGB >= s.minimum.RAMGB &&
		caps.DiskTotalGB >= s.minimum.DiskGB
}

// Apply returns copies of devices with Score and MeetsMinimum filled in.
func (s *Scorer) Apply(devices []models.DeviceCapabilities) []models.DeviceCapabilities {
	out := make([]models.DeviceCapabilities, len(devices))
	for i, d := range devices {
		d.Score = s.Score(d)
		d.MeetsMinimum = s.MeetsMinimum(d)
		out[i] = d
	}
	return out
}

func norm(value, ceiling float64) float64 {
	if value <= 0 || ceiling <= 0 {
		return 0
	}
	return math.Min(value/ceiling, 1)
}
