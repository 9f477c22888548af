package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// runtimeGroups is what python, node, go run and busybox sh need to start,
// read /code, write /output and /tmp, and exit.
var runtimeGroups = []Group{
	{Name: "file_io", Action: specs.ActAllow, Syscalls: []string{
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "openat2", "creat", "close", "close_range", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx", "statfs", "fstatfs",
		"access", "faccessat", "faccessat2", "readlink", "readlinkat",
		"getdents", "getdents64", "getcwd", "chdir", "fchdir",
		"dup", "dup2", "dup3", "fcntl", "flock", "ioctl",
		"pipe", "pipe2", "sendfile", "splice", "tee", "copy_file_range",
		"truncate", "ftruncate", "fallocate", "fsync", "fdatasync",
		"getxattr", "lgetxattr", "fgetxattr", "utimensat", "futimesat", "umask",
	}},
	// tmpfs and the output mount are writable; the rootfs is read-only anyway
	{Name: "file_mutation", Action: specs.ActAllow, Syscalls: []string{
		"chmod", "fchmod", "fchmodat",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat", "mkdir", "mkdirat", "rmdir",
		"symlink", "symlinkat", "link", "linkat",
	}},
	{Name: "memory", Action: specs.ActAllow, Syscalls: []string{
		"brk", "mmap", "munmap", "mprotect", "mremap", "madvise", "mincore",
		"memfd_create", "membarrier", "get_mempolicy",
	}},
	{Name: "process", Action: specs.ActAllow, Syscalls: []string{
		"execve", "execveat", "clone", "clone3", "vfork",
		"exit", "exit_group", "wait4", "waitid",
		"set_tid_address", "set_robust_list", "get_robust_list", "rseq",
		"arch_prctl", "prctl", "getrlimit", "prlimit64", "getrusage", "times", "sysinfo",
		"getpgrp", "getpgid", "setpgid", "getsid", "setsid",
		"pidfd_open", "pidfd_send_signal",
		"sched_yield", "sched_getaffinity", "sched_getparam", "sched_getscheduler",
	}},
	{Name: "signals", Action: specs.ActAllow, Syscalls: []string{
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "rt_sigsuspend", "rt_sigtimedwait",
		"sigaltstack", "kill", "tkill", "tgkill", "pause",
	}},
	{Name: "time", Action: specs.ActAllow, Syscalls: []string{
		"clock_gettime", "clock_getres", "gettimeofday", "nanosleep", "clock_nanosleep",
		"setitimer", "getitimer", "timer_create", "timer_settime", "timer_delete",
		"timerfd_create", "timerfd_settime", "timerfd_gettime",
	}},
	{Name: "identity", Action: specs.ActAllow, Syscalls: []string{
		"getpid", "getppid", "gettid", "getuid", "geteuid", "getgid", "getegid",
		"getgroups", "capget", "uname", "getrandom",
	}},
	// event loops (node, go). socketpair stays local; socket is not allowed.
	{Name: "events", Action: specs.ActAllow, Syscalls: []string{
		"futex", "poll", "ppoll", "select", "pselect6",
		"epoll_create", "epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait", "epoll_pwait2",
		"eventfd2", "socketpair",
	}},
}

// escapeGroups are never needed by user code. Introspection and kernel
// loading trap so the process dies instead of probing for a fallback.
var escapeGroups = []Group{
	{Name: "introspection", Action: specs.ActTrap, Syscalls: []string{
		"ptrace", "process_vm_readv", "process_vm_writev",
		"bpf", "perf_event_open", "userfaultfd",
		"keyctl", "add_key", "request_key",
	}},
	{Name: "kernel", Action: specs.ActTrap, Syscalls: []string{
		"init_module", "finit_module", "delete_module", "kexec_load", "kexec_file_load",
	}},
	{Name: "host_state", Action: specs.ActErrno, Syscalls: []string{
		"mount", "umount2", "pivot_root", "setns", "unshare",
		"sethostname", "setdomainname", "settimeofday", "adjtimex", "clock_adjtime",
		"reboot", "swapon", "swapoff", "acct", "nfsservctl",
		"personality", "lookup_dcookie", "ioperm", "iopl",
	}},
}

// DefaultProfile is the filter for every supported language. It never
// allows socket: sandboxed code has no network.
func DefaultProfile() *specs.LinuxSeccomp {
	groups := make([]Group, 0, len(runtimeGroups)+len(escapeGroups))
	groups = append(groups, escapeGroups...)
	groups = append(groups, runtimeGroups...)
	return Build(groups...)
}

// DockerProfileJSON renders DefaultProfile for
// "docker run --security-opt seccomp=<file>". The runtime-spec JSON field
// names are the ones Docker's profile schema uses.
func DockerProfileJSON() ([]byte, error) {
	data, err := json.MarshalIndent(DefaultProfile(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding seccomp profile: %w", err)
	}
	return data, nil
}
