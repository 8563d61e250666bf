//go:build linux

package engine

import (
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"agent-toollease/internal/registry"
)

// applyProcessLimits sets best-effort rlimit caps on an already-started tool
// process. Failures are logged, not fatal: the caps are advisory and the
// wall-clock timeout remains the hard bound.
func applyProcessLimits(pid int, tool *registry.ToolDefinition, logger zerolog.Logger) {
	lim := tool.Limits

	if lim.MaxMemoryMB > 0 {
		bytes := uint64(lim.MaxMemoryMB) << 20
		setRlimit(pid, unix.RLIMIT_AS, bytes, logger, "memory")
	}
	if lim.MaxDiskWriteMB > 0 {
		bytes := uint64(lim.MaxDiskWriteMB) << 20
		setRlimit(pid, unix.RLIMIT_FSIZE, bytes, logger, "disk_write")
	}
	if lim.MaxCPUPercent > 0 {
		// Approximate a CPU ceiling as cpu-seconds over the tool's wall-clock
		// budget, rounded up.
		cpuSeconds := (uint64(tool.MaxDurationSeconds)*uint64(lim.MaxCPUPercent) + 99) / 100
		if cpuSeconds < 1 {
			cpuSeconds = 1
		}
		setRlimit(pid, unix.RLIMIT_CPU, cpuSeconds, logger, "cpu")
	}
	setRlimit(pid, unix.RLIMIT_CORE, 0, logger, "core")
}

func setRlimit(pid, resource int, value uint64, logger zerolog.Logger, name string) {
	rl := unix.Rlimit{Cur: value, Max: value}
	if err := unix.Prlimit(pid, resource, &rl, nil); err != nil {
		logger.Warn().Err(err).Str("limit", name).Msg("failed to apply resource limit")
	}
}
