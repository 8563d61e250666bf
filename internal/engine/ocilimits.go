package engine

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"agent-toollease/internal/registry"
	"agent-toollease/pkg/seccomp"
)

const containerPidsLimit = 256

// applyOCILimits maps the tool's resource caps onto the OCI runtime spec for
// the containerd backend. CPU uses a hard CFS quota derived from the percent
// cap; memory and disk-write map to cgroup and rlimit ceilings.
func applyOCILimits(spec *specs.Spec, lim registry.ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}

	if lim.MaxCPUPercent > 0 {
		period := uint64(100000) // 100ms in microseconds
		quota := int64(period) * lim.MaxCPUPercent / 100
		if quota < 1000 {
			quota = 1000 // minimum 1ms
		}
		spec.Linux.Resources.CPU = &specs.LinuxCPU{
			Period: &period,
			Quota:  &quota,
		}
	}

	if lim.MaxMemoryMB > 0 {
		memoryBytes := lim.MaxMemoryMB * 1024 * 1024
		spec.Linux.Resources.Memory = &specs.LinuxMemory{
			Limit: &memoryBytes,
			Swap:  &memoryBytes,
		}
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: containerPidsLimit,
	}

	rlimits := []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
	if lim.MaxDiskWriteMB > 0 {
		diskBytes := uint64(lim.MaxDiskWriteMB) * 1024 * 1024
		rlimits = append(rlimits, specs.POSIXRlimit{
			Type: "RLIMIT_FSIZE", Hard: diskBytes, Soft: diskBytes,
		})
	}
	spec.Process.Rlimits = rlimits
}

// hardenSpec locks the container down: no privileges, nobody user, private
// namespaces, read-only rootfs, deny-by-default seccomp. The session
// workspace is the only writable mount.
func hardenSpec(spec *specs.Spec) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	if spec.Process.Capabilities == nil {
		spec.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	none := []string{}
	spec.Process.Capabilities.Bounding = none
	spec.Process.Capabilities.Effective = none
	spec.Process.Capabilities.Inheritable = none
	spec.Process.Capabilities.Permitted = none
	spec.Process.Capabilities.Ambient = none

	spec.Linux.Namespaces = []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.NetworkNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
	}

	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{UID: 65534, GID: 65534}
	spec.Linux.Seccomp = seccomp.ToolProfile()

	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}

func workspaceMount(workspace string) specs.Mount {
	return specs.Mount{
		Destination: containerWorkspace,
		Type:        "bind",
		Source:      workspace,
		Options:     []string{"rbind", "rw"},
	}
}
