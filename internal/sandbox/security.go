package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"code-runner-sandbox/pkg/seccomp"
)

// isolatedNamespaces are created fresh for every containerd sandbox. A new
// network namespace with no interfaces is the containerd form of
// --network=none.
var isolatedNamespaces = []specs.LinuxNamespaceType{
	specs.PIDNamespace,
	specs.NetworkNamespace,
	specs.MountNamespace,
	specs.UTSNamespace,
	specs.IPCNamespace,
}

var maskedPaths = []string{
	"/proc/acpi", "/proc/kcore", "/proc/keys", "/proc/kallsyms",
	"/proc/latency_stats", "/proc/timer_list", "/proc/sched_debug", "/proc/scsi",
	"/sys/firmware", "/sys/devices/virtual/powercap",
}

var readonlyPaths = []string{
	"/proc/asound", "/proc/bus", "/proc/fs", "/proc/irq", "/proc/sys", "/proc/sysrq-trigger",
}

// SecurityProfile is the containerd rendition of the docker flags
// --cap-drop=ALL, --security-opt=no-new-privileges, --read-only and --user.
type SecurityProfile struct {
	Seccomp  *specs.LinuxSeccomp
	UID, GID uint32
	Hostname string
}

// securityProfile builds the profile for a container running as user
// ("uid:gid" or "uid"); empty means nobody.
func securityProfile(user string) (SecurityProfile, error) {
	p := SecurityProfile{
		Seccomp:  seccomp.DefaultProfile(),
		UID:      65534,
		GID:      65534,
		Hostname: "sandbox",
	}
	if user == "" {
		return p, nil
	}
	uid, gid, err := parseUser(user)
	if err != nil {
		return SecurityProfile{}, err
	}
	p.UID, p.GID = uid, gid
	return p, nil
}

// Apply writes the profile into an OCI spec. Every capability set is empty.
func (p SecurityProfile) Apply(s *specs.Spec) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}

	s.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    []string{},
		Effective:   []string{},
		Inheritable: []string{},
		Permitted:   []string{},
		Ambient:     []string{},
	}
	s.Process.NoNewPrivileges = true
	s.Process.User = specs.User{UID: p.UID, GID: p.GID}

	s.Linux.Seccomp = p.Seccomp
	s.Linux.Namespaces = make([]specs.LinuxNamespace, 0, len(isolatedNamespaces))
	for _, ns := range isolatedNamespaces {
		s.Linux.Namespaces = append(s.Linux.Namespaces, specs.LinuxNamespace{Type: ns})
	}
	s.Linux.MaskedPaths = append([]string(nil), maskedPaths...)
	s.Linux.ReadonlyPaths = append([]string(nil), readonlyPaths...)

	if p.Hostname != "" {
		s.Hostname = p.Hostname
	}
	if s.Root != nil {
		s.Root.Readonly = true
	}
}
