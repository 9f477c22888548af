package sandbox

import (
	"encoding/json"
	"fmt"
	"strconv"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ResourceLimits is the per-container ceiling policy. The defaults mirror the
// flags callers depend on: --memory=256m --cpus=0.5 --pids-limit=50.
type ResourceLimits struct {
	CPUShares int64 `json:"cpu_shares" yaml:"cpu_shares"` // 1024 = 1 CPU core
	MemoryMB  int64 `json:"memory_mb" yaml:"memory_mb"`   // Hard memory limit, swap included
	PidsLimit int64 `json:"pids_limit" yaml:"pids_limit"` // Max processes (fork bomb protection)
	DiskMB    int64 `json:"disk_mb" yaml:"disk_mb"`       // Tmpfs size for /tmp
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		CPUShares: 512, // 0.5 CPU
		MemoryMB:  256,
		PidsLimit: 50,
		DiskMB:    100,
	}
}

// CPUs converts shares to the fractional core count docker expects.
func (rl ResourceLimits) CPUs() float64 {
	return float64(rl.CPUShares) / 1024.0
}

// DockerFlags renders the limits as docker run flags.
func (rl ResourceLimits) DockerFlags() []string {
	return []string{
		fmt.Sprintf("--memory=%dm", rl.MemoryMB),
		fmt.Sprintf("--memory-swap=%dm", rl.MemoryMB),
		"--cpus=" + strconv.FormatFloat(rl.CPUs(), 'f', -1, 64),
		fmt.Sprintf("--pids-limit=%d", rl.PidsLimit),
		"--tmpfs", fmt.Sprintf("/tmp:rw,exec,nosuid,nodev,size=%dm", rl.DiskMB),
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.CPUShares < 2 || rl.CPUShares > 4096 {
		return fmt.Errorf("%w: cpu_shares must be 2-4096, got %d", ErrInvalidRequest, rl.CPUShares)
	}
	if rl.MemoryMB < 16 || rl.MemoryMB > 2048 {
		return fmt.Errorf("%w: memory_mb must be 16-2048, got %d", ErrInvalidRequest, rl.MemoryMB)
	}
	if rl.PidsLimit < 5 || rl.PidsLimit > 500 {
		return fmt.Errorf("%w: pids_limit must be 5-500, got %d", ErrInvalidRequest, rl.PidsLimit)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 1024 {
		return fmt.Errorf("%w: disk_mb must be 1-1024, got %d", ErrInvalidRequest, rl.DiskMB)
	}
	return nil
}

func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	// Use CFS quota for a hard CPU cap instead of shares (soft, best-effort).
	// period=100ms, quota = (CPUShares/1024) * period.
	period := uint64(100000) // 100ms in microseconds
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000 // minimum 1ms
	}

	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = pidsLimit(limits.PidsLimit)

	tmpfsBytes := limits.DiskMB * 1024 * 1024
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
			"exec",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(tmpfsBytes), Soft: safeUint64(tmpfsBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

// pidsLimit decodes the limit so the code is independent of whether the
// runtime-spec release models pids.limit as a value or a pointer.
func pidsLimit(n int64) *specs.LinuxPids {
	pids := &specs.LinuxPids{}
	_ = json.Unmarshal([]byte(`{"limit":`+strconv.FormatInt(n, 10)+`}`), pids)
	return pids
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
