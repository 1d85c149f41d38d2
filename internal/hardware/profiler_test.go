package hardware

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalgo.org/seed/internal/logging"
	"evalgo.org/seed/internal/remote"
	"evalgo.org/seed/models"
)

// fakeExecutor answers commands from a table keyed by exact command text.
// Unknown commands exit 127 like a missing binary.
type fakeExecutor struct {
	mu          sync.Mutex
	answers     map[string]remote.Result
	errs        map[string]error
	commands    []string
	distributed []remote.Target
	distErr     error
}

func (f *fakeExecutor) ExecuteRemote(_ context.Context, _ remote.Target, command string, _ time.Duration) (remote.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	if err, ok := f.errs[command]; ok {
		return remote.Result{}, err
	}
	if res, ok := f.answers[command]; ok {
		return res, nil
	}
	return remote.Result{ExitCode: 127, Stderr: "command not found"}, nil
}

func (f *fakeExecutor) DistributeKey(_ context.Context, target remote.Target, _ remote.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.distributed = append(f.distributed, target)
	return f.distErr
}

func answer(stdout string) remote.Result { return remote.Result{Stdout: stdout} }

const meminfo = `MemTotal:       32768000 kB
MemFree:         1000000 kB
MemAvailable:   16384000 kB
Buffers:          200000 kB
`

const dfOutput = `Filesystem     1024-blocks      Used Available Capacity Mounted on
/dev/nvme0n1p2   976762584 400000000 524288000      44% /
`

func linuxAnswers() map[string]remote.Result {
	battery := linuxProbe{}.battery()
	byField := make(map[string]string)
	for _, c := range battery {
		byField[c.field] = c.cmd
	}
	return map[string]remote.Result{
		classifyCommand:       answer("Linux\n"),
		byField["hostname"]:   answer("studio-01\n"),
		byField["os_version"]: answer("NAME=\"Ubuntu\"\nVERSION_ID=\"22.04\"\nPRETTY_NAME=\"Ubuntu 22.04.4 LTS\"\n"),
		byField["arch"]:       answer("x86_64\n"),
		byField["cpu_cores"]:  answer("16\n"),
		byField["cpu_ghz"]:    answer("Architecture: x86_64\nCPU max MHz:  4900.0000\nCPU min MHz: 800.0000\n"),
		byField["ram"]:        answer(meminfo),
		byField["disk"]:       answer(dfOutput),
		byField["gpu"]:        answer("NVIDIA GeForce RTX 3060, 12288, 11264\n"),
	}
}

func newTestProfiler(exec Executor) *Profiler {
	return New(exec, time.Second, logging.Discard())
}

func TestDetectRemoteLinuxFull(t *testing.T) {
	exec := &fakeExecutor{answers: linuxAnswers()}
	p := newTestProfiler(exec)

	caps, err := p.DetectRemote(context.Background(), Host{IP: "192.168.1.20", Target: remote.Target{Host: "192.168.1.20", User: "seed"}}, remote.Credentials{})
	require.NoError(t, err)

	assert.Equal(t, "studio-01", caps.Hostname)
	assert.Equal(t, "192.168.1.20", caps.IP)
	assert.Equal(t, models.OSLinux, caps.OSFamily)
	assert.Equal(t, "Ubuntu 22.04.4 LTS", caps.OSVersion)
	assert.Equal(t, 16, caps.CPUCores)
	assert.Equal(t, 4.9, caps.CPUGHz)
	assert.InDelta(t, 31.25, caps.RAMTotalGB, 0.01)
	assert.InDelta(t, 15.63, caps.RAMAvailGB, 0.01)
	assert.InDelta(t, 931.51, caps.DiskTotalGB, 0.01)
	assert.InDelta(t, 500, caps.DiskAvailGB, 0.01)
	assert.Equal(t, "nvidia", caps.GPUVendor)
	assert.Equal(t, 1, caps.GPUCount)
	assert.Equal(t, 12.0, caps.GPUVRAMTotalGB)
	assert.Equal(t, 11.0, caps.GPUVRAMAvailGB)
	assert.True(t, caps.SSHReachable)
	assert.Equal(t, "seed", caps.SSHUsername)
	assert.Equal(t, models.ConfidenceFull, caps.Confidence)
	assert.Empty(t, caps.Missing)
	assert.NoError(t, Incomplete(caps))
	assert.Empty(t, exec.distributed, "no password means no key distribution")
}

func TestDetectRemoteDegradesToDefaults(t *testing.T) {
	answers := linuxAnswers()
	for _, c := range (linuxProbe{}).battery() {
		if c.field == "ram" || c.field == "cpu_cores" || c.field == "gpu" {
			delete(answers, c.cmd)
		}
	}
	exec := &fakeExecutor{answers: answers}
	p := newTestProfiler(exec)

	caps, err := p.DetectRemote(context.Background(), Host{IP: "10.0.0.3"}, remote.Credentials{})
	require.NoError(t, err)

	assert.Equal(t, models.ConfidencePartial, caps.Confidence)
	assert.ElementsMatch(t, []string{"ram", "cpu_cores"}, caps.Missing, "a missing GPU is not a gap")
	assert.Equal(t, 1, caps.CPUCores)
	assert.Zero(t, caps.RAMTotalGB)
	assert.Zero(t, caps.GPUVRAMTotalGB)
	assert.Empty(t, caps.GPUVendor)
	assert.InDelta(t, 931.51, caps.DiskTotalGB, 0.01)

	err = Incomplete(caps)
	assert.ErrorIs(t, err, ErrProbeIncomplete)
}

func TestDetectRemoteUnknownOS(t *testing.T) {
	exec := &fakeExecutor{answers: map[string]remote.Result{classifyCommand: answer("Plan9\n")}}
	p := newTestProfiler(exec)

	_, err := p.DetectRemote(context.Background(), Host{IP: "10.0.0.4"}, remote.Credentials{})
	assert.ErrorIs(t, err, ErrUnknownOS)
	assert.Len(t, exec.commands, 1, "nothing beyond classification runs on an unknown OS")
}

func TestDetectRemoteSurfacesTransportErrors(t *testing.T) {
	exec := &fakeExecutor{errs: map[string]error{
		classifyCommand: fmt.Errorf("dial 10.0.0.5:22: %w", remote.ErrUnreachable),
	}}
	p := newTestProfiler(exec)

	_, err := p.DetectRemote(context.Background(), Host{IP: "10.0.0.5"}, remote.Credentials{})
	assert.ErrorIs(t, err, remote.ErrUnreachable)
}

func TestDetectRemoteDistributesKeyWithPassword(t *testing.T) {
	exec := &fakeExecutor{answers: linuxAnswers()}
	p := newTestProfiler(exec)

	_, err := p.DetectRemote(context.Background(),
		Host{IP: "10.0.0.6", Target: remote.Target{Host: "10.0.0.6", User: "seed"}},
		remote.NewCredentials("pi", "raspberry"))
	require.NoError(t, err)

	require.Len(t, exec.distributed, 1)
	assert.Equal(t, "pi", exec.distributed[0].User)

	exec = &fakeExecutor{answers: linuxAnswers(), distErr: remote.ErrAuthFailed}
	p = newTestProfiler(exec)
	_, err = p.DetectRemote(context.Background(), Host{IP: "10.0.0.6"}, remote.NewCredentials("pi", "wrong"))
	assert.ErrorIs(t, err, remote.ErrAuthFailed)
	assert.Empty(t, exec.commands)
}

func TestDetectRemoteDarwin(t *testing.T) {
	battery := darwinProbe{}.battery()
	answers := map[string]remote.Result{classifyCommand: answer("Darwin\n")}
	for _, c := range battery {
		switch c.field {
		case "hostname":
			answers[c.cmd] = answer("macbook\n")
		case "cpu_cores":
			answers[c.cmd] = answer("10\n")
		case "ram":
			answers[c.cmd] = answer("17179869184\nMach Virtual Memory Statistics: (page size of 16384 bytes)\nPages free:                               65536.\nPages active:                             100000.\nPages inactive:                           65536.\n")
		case "disk":
			answers[c.cmd] = answer(dfOutput)
		case "arch":
			answers[c.cmd] = answer("arm64\n")
		case "gpu":
			answers[c.cmd] = answer("Graphics/Displays:\n\n    Apple M1 Pro:\n\n      Chipset Model: Apple M1 Pro\n      Type: GPU\n      Total Number of Cores: 16\n")
		}
	}
	p := newTestProfiler(&fakeExecutor{answers: answers})

	caps, err := p.DetectRemote(context.Background(), Host{IP: "10.0.0.8"}, remote.Credentials{})
	require.NoError(t, err)

	assert.Equal(t, models.OSDarwin, caps.OSFamily)
	assert.Equal(t, "macbook", caps.Hostname)
	assert.Equal(t, 16.0, caps.RAMTotalGB)
	assert.Equal(t, 2.0, caps.RAMAvailGB)
	assert.Equal(t, "apple", caps.GPUVendor)
	assert.Zero(t, caps.GPUVRAMTotalGB, "unified memory is not counted as VRAM")
	assert.Equal(t, models.ConfidenceFull, caps.Confidence, "cpu_ghz and os_version are optional")
}

func TestDetectRemoteWindows(t *testing.T) {
	answers := map[string]remote.Result{classifyCommand: answer("\r\nMicrosoft Windows [Version 10.0.22631.3447]\r\n")}
	for _, c := range (windowsProbe{}).battery() {
		switch c.field {
		case "hostname":
			answers[c.cmd] = answer("GAMING-PC\r\n")
		case "arch":
			answers[c.cmd] = answer("AMD64\r\n")
		case "cpu_cores":
			answers[c.cmd] = answer("12\r\n")
		case "ram":
			answers[c.cmd] = answer("33554432\r\n8388608\r\n")
		case "disk":
			answers[c.cmd] = answer("1099511627776\r\n549755813888\r\n")
		case "gpu":
			answers[c.cmd] = answer("NVIDIA GeForce RTX 4090, 24564, 23000\r\n")
		}
	}
	p := newTestProfiler(&fakeExecutor{answers: answers})

	caps, err := p.DetectRemote(context.Background(), Host{IP: "10.0.0.9"}, remote.Credentials{})
	require.NoError(t, err)

	assert.Equal(t, models.OSWindows, caps.OSFamily)
	assert.Equal(t, "GAMING-PC", caps.Hostname)
	assert.Equal(t, "x86_64", caps.Arch)
	assert.Equal(t, 12, caps.CPUCores)
	assert.Equal(t, 32.0, caps.RAMTotalGB)
	assert.Equal(t, 8.0, caps.RAMAvailGB)
	assert.Equal(t, 1024.0, caps.DiskTotalGB)
	assert.Equal(t, 512.0, caps.DiskAvailGB)
	assert.InDelta(t, 23.99, caps.GPUVRAMTotalGB, 0.01)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		out  string
		want models.OSFamily
	}{
		{"Linux\n", models.OSLinux},
		{"Darwin", models.OSDarwin},
		{"\nMicrosoft Windows [Version 10.0.19045]\n", models.OSWindows},
		{"MINGW64_NT-10.0-19045", models.OSWindows},
		{"FreeBSD", models.OSUnknown},
		{"", models.OSUnknown},
	}
	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.out), func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.out))
		})
	}
}

func TestParseNvidiaSMIMultipleGPUs(t *testing.T) {
	var caps models.DeviceCapabilities
	require.NoError(t, parseNvidiaSMI("NVIDIA A4000, 16376, 16000\nNVIDIA A4000, 16376, 8000\n", &caps))
	assert.Equal(t, 2, caps.GPUCount)
	assert.InDelta(t, 31.98, caps.GPUVRAMTotalGB, 0.01)

	var none models.DeviceCapabilities
	assert.Error(t, parseNvidiaSMI("", &none))
	assert.Zero(t, none.GPUCount)
}

func TestParseLinuxGPUFallsBackToLspci(t *testing.T) {
	var caps models.DeviceCapabilities
	out := "03:00.0 VGA compatible controller: Advanced Micro Devices, Inc. [AMD/ATI] Navi 21 [Radeon RX 6800]\n"
	require.NoError(t, parseLinuxGPU(out, &caps))
	assert.Equal(t, "amd", caps.GPUVendor)
	assert.Equal(t, 1, caps.GPUCount)
	assert.Zero(t, caps.GPUVRAMTotalGB)
}

func TestParseMeminfoWithoutMemAvailable(t *testing.T) {
	var caps models.DeviceCapabilities
	require.NoError(t, parseMeminfo("MemTotal: 4194304 kB\nMemFree: 1048576 kB\nBuffers: 0 kB\nCached: 1048576 kB\n", &caps))
	assert.Equal(t, 4.0, caps.RAMTotalGB)
	assert.Equal(t, 2.0, caps.RAMAvailGB)
}

func TestDetectLocal(t *testing.T) {
	p := newTestProfiler(&fakeExecutor{})

	caps, err := p.DetectLocal(context.Background())
	require.NoError(t, err)

	assert.True(t, caps.Local)
	assert.True(t, caps.Reachable())
	assert.NotEmpty(t, caps.Hostname)
	assert.NotEmpty(t, caps.IP)
	assert.Positive(t, caps.CPUCores)
	assert.Zero(t, caps.GPUCount, "fake executor reports no GPU tooling")
}
