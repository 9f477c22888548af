// Package seccomp builds the syscall filter applied to sandbox containers.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Group is a named set of syscalls that share one action.
type Group struct {
	Name     string
	Action   specs.LinuxSeccompAction
	Syscalls []string
}

// Build renders groups into a deny-by-default filter for amd64 and arm64.
// A syscall listed in more than one group keeps the first group's action.
func Build(groups ...Group) *specs.LinuxSeccomp {
	p := &specs.LinuxSeccomp{
		DefaultAction: specs.ActErrno,
		Architectures: []specs.Arch{specs.ArchX86_64, specs.ArchAARCH64},
	}

	seen := make(map[string]bool)
	for _, g := range groups {
		names := make([]string, 0, len(g.Syscalls))
		for _, name := range g.Syscalls {
			if seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
		if len(names) == 0 {
			continue
		}
		p.Syscalls = append(p.Syscalls, specs.LinuxSyscall{Names: names, Action: g.Action})
	}
	return p
}

// Action reports the rule action for name. ok is false when no rule names it
// and the default action applies.
func Action(p *specs.LinuxSeccomp, name string) (action specs.LinuxSeccompAction, ok bool) {
	for _, rule := range p.Syscalls {
		for _, n := range rule.Names {
			if n == name {
				return rule.Action, true
			}
		}
	}
	return p.DefaultAction, false
}
