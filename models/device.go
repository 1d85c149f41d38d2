package models

// OSFamily classifies a device's operating system. Each family owns its own
// probe battery in the hardware package.
type OSFamily string

const (
	OSLinux   OSFamily = "linux"
	OSDarwin  OSFamily = "darwin"
	OSWindows OSFamily = "windows"
	OSUnknown OSFamily = "unknown"
)

// Confidence records whether every capability field was measured or whether
// some fell back to conservative defaults.
type Confidence string

const (
	ConfidenceFull    Confidence = "full"
	ConfidencePartial Confidence = "partial"
)

// DeviceCapabilities is the hardware snapshot of one device, taken once per
// discovery run. Apart from Score and MeetsMinimum, which the scorer fills in,
// a snapshot is never modified after it is produced, and snapshots from
// different runs are never merged.
//
// Sizes are expressed in gigabytes (base 2) so that the scorer and the role
// assigner can compare them without unit conversions.
//
// Example JSON representation:
//
//	{
//	  "hostname": "studio-01",
//	  "ip": "192.168.1.20",
//	  "cpu_cores": 16,
//	  "ram_total_gb": 32,
//	  "gpu_vendor": "nvidia",
//	  "gpu_vram_total_gb": 12,
//	  "os_family": "linux",
//	  "score": 61.5,
//	  "meets_minimum": true,
//	  "confidence": "full"
//	}
type DeviceCapabilities struct {
	// Hostname is the device's self-reported host name (required, unique within a plan)
	Hostname string `json:"hostname" validate:"required"`

	// IP is the address the controller reaches the device on
	IP string `json:"ip" validate:"required"`

	// CPUCores is the number of logical processors
	CPUCores int `json:"cpu_cores" validate:"gte=0"`

	// CPUGHz is the nominal (or maximum) clock frequency
	CPUGHz float64 `json:"cpu_ghz"`

	// Arch is the machine architecture as reported by the OS (x86_64, arm64, ...)
	Arch string `json:"arch"`

	// RAMTotalGB is installed memory
	RAMTotalGB float64 `json:"ram_total_gb" validate:"gte=0"`

	// RAMAvailGB is memory available at probe time
	RAMAvailGB float64 `json:"ram_avail_gb" validate:"gte=0"`

	// GPUVendor is nvidia, amd, intel, apple, or empty when no GPU was found
	GPUVendor string `json:"gpu_vendor,omitempty"`

	// GPUVRAMTotalGB is the dedicated video memory summed over all GPUs
	GPUVRAMTotalGB float64 `json:"gpu_vram_total_gb" validate:"gte=0"`

	// GPUVRAMAvailGB is the free video memory summed over all GPUs
	GPUVRAMAvailGB float64 `json:"gpu_vram_avail_gb" validate:"gte=0"`

	// GPUCount is the number of discrete GPUs
	GPUCount int `json:"gpu_count" validate:"gte=0"`

	// DiskTotalGB is the size of the root (or system) volume
	DiskTotalGB float64 `json:"disk_total_gb" validate:"gte=0"`

	// DiskAvailGB is free space on the root (or system) volume
	DiskAvailGB float64 `json:"disk_avail_gb" validate:"gte=0"`

	// OSFamily is the classified operating system family
	OSFamily OSFamily `json:"os_family"`

	// OSVersion is the distribution/product version string
	OSVersion string `json:"os_version,omitempty"`

	// SSHReachable is true when the controller can run commands on the device
	SSHReachable bool `json:"ssh_reachable"`

	// SSHUsername is the account used for remote commands
	SSHUsername string `json:"ssh_username,omitempty"`

	// Local marks the controlling device itself
	Local bool `json:"local,omitempty"`

	// Score is the 0-100 capability score assigned after probing
	Score float64 `json:"score"`

	// MeetsMinimum reports whether the device clears the minimum hardware floor
	MeetsMinimum bool `json:"meets_minimum"`

	// Confidence is full when every field was measured
	Confidence Confidence `json:"confidence"`

	// Missing lists the fields that fell back to defaults
	Missing []string `json:"missing,omitempty"`
}

// Address returns the address remote commands should be sent to.
func (d DeviceCapabilities) Address() string {
	if d.IP != "" {
		return d.IP
	}
	return d.Hostname
}

// Reachable reports whether commands can be executed on the device.
func (d DeviceCapabilities) Reachable() bool {
	return d.Local || d.SSHReachable
}
