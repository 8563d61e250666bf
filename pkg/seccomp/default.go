package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// fileAndProcessSyscalls allows what ordinary CLI tools need: file I/O
// inside the workspace mount, memory management, process lifecycle, and
// time. Whitelisted tools are things like wc, grep, and sort; anything
// fancier earns a syscall here deliberately, not by default.
func fileAndProcessSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		AllowSyscalls(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname",
			"getcwd",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"statx",
			"copy_file_range",
		)
}

// hostileSyscalls traps or blocks the syscalls an escaping tool would reach
// for: tracing other processes, loading kernel modules, remounting, and
// namespace manipulation. Trapped calls leave a signal trail for the
// provider; blocked ones just fail with an errno.
func hostileSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"personality",
			"ioperm", "iopl",
		)
}

// ToolProfile is the deny-by-default seccomp profile applied to every
// containerized tool invocation. Network syscalls are absent on purpose:
// rented tools operate on the session workspace, nothing else.
func ToolProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = fileAndProcessSyscalls(b)
	b = hostileSyscalls(b)
	return b.Build()
}

// NetworkToolProfile extends ToolProfile with socket syscalls, for
// providers that choose to whitelist network-using tools.
func NetworkToolProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = fileAndProcessSyscalls(b)

	b.AllowSyscalls(
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)

	b = hostileSyscalls(b)
	return b.Build()
}
