package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// Severity ranks a finding.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Source says where a finding was seen.
type Source string

const (
	SourceCode   Source = "code"
	SourceOutput Source = "output"
)

// Finding is one suspicious match. Findings are advisory: they are logged,
// counted and audited but never block an execution.
type Finding struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Source   Source `json:"source"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// Rule matches a single line of code.
type Rule struct {
	Name     string
	Detail   string
	Regex    *regexp.Regexp
	Severity Severity
}

// outputMarker matches anywhere in a program's output.
type outputMarker struct {
	name   string
	substr string
	sev    Severity
}

// Scanner inspects saved code before it runs and output after it ran.
type Scanner struct {
	rules   []Rule
	markers []outputMarker
}

// NewScanner returns a scanner with the built-in rule set.
func NewScanner() *Scanner {
	return &Scanner{
		rules:   defaultRules(),
		markers: defaultMarkers(),
	}
}

// AddRule appends a code rule.
func (s *Scanner) AddRule(r Rule) {
	s.rules = append(s.rules, r)
}

// ScanCode reports every rule hit, one per rule per line.
func (s *Scanner) ScanCode(code string) []Finding {
	var out []Finding
	for i, line := range strings.Split(code, "\n") {
		for _, r := range s.rules {
			if !r.Regex.MatchString(line) {
				continue
			}
			out = append(out, Finding{
				Pattern:  r.Name,
				Severity: r.Severity.String(),
				Source:   SourceCode,
				Detail:   r.Detail,
				Line:     i + 1,
			})
			log.Warn().
				Str("pattern", r.Name).
				Str("severity", r.Severity.String()).
				Int("line", i+1).
				Msg("suspicious pattern in submitted code")
		}
	}
	return out
}

// ScanOutput reports host details leaking into a program's output.
func (s *Scanner) ScanOutput(output string) []Finding {
	var out []Finding
	for _, m := range s.markers {
		if strings.Contains(output, m.substr) {
			out = append(out, Finding{
				Pattern:  m.name,
				Severity: m.sev.String(),
				Source:   SourceOutput,
				Detail:   "output contains " + m.substr,
			})
		}
	}
	return out
}

func defaultMarkers() []outputMarker {
	return []outputMarker{
		{"kernel_banner", "Linux version", SeverityHigh},
		{"passwd_dump", "root:x:0:0", SeverityCritical},
		{"docker_socket", "docker.sock", SeverityCritical},
		{"containerd_socket", "containerd.sock", SeverityCritical},
	}
}

func defaultRules() []Rule {
	return []Rule{
		{
			Name:     "proc_self_access",
			Detail:   "reads /proc/self internals",
			Regex:    regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status)`),
			Severity: SeverityHigh,
		},
		{
			Name:     "cgroup_escape",
			Detail:   "touches cgroup release hooks",
			Regex:    regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity: SeverityCritical,
		},
		{
			Name:     "runtime_socket",
			Detail:   "references a container runtime socket",
			Regex:    regexp.MustCompile(`/var/run/docker|/var/run/containerd|/run/containerd`),
			Severity: SeverityCritical,
		},
		{
			Name:     "kernel_exploit",
			Detail:   "names a known kernel exploit",
			Regex:    regexp.MustCompile(`(?i)(dirty.?cow|dirty.?pipe|userfaultfd)`),
			Severity: SeverityCritical,
		},
		{
			Name:     "metadata_service",
			Detail:   "addresses a cloud metadata endpoint",
			Regex:    regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity: SeverityHigh,
		},
		{
			Name:     "reverse_shell",
			Detail:   "looks like a reverse shell",
			Regex:    regexp.MustCompile(`(?i)\b(nc|ncat|netcat|socat)\s+.*-[elp]|/dev/tcp/|bash\s+-i\s+>&`),
			Severity: SeverityCritical,
		},
		{
			Name:     "capability_probe",
			Detail:   "inspects or changes capabilities",
			Regex:    regexp.MustCompile(`(?i)(cap_sys_admin|setcap|getcap|capsh)`),
			Severity: SeverityHigh,
		},
		{
			Name:     "ptrace",
			Detail:   "uses ptrace or cross-process memory calls",
			Regex:    regexp.MustCompile(`(?i)(ptrace|process_vm_readv|process_vm_writev)`),
			Severity: SeverityCritical,
		},
		{
			Name:     "fork_bomb",
			Detail:   "classic shell fork bomb",
			Regex:    regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`),
			Severity: SeverityMedium,
		},
		{
			Name:     "crypto_miner",
			Detail:   "mining pool or miner binary",
			Regex:    regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity: SeverityMedium,
		},
	}
}
