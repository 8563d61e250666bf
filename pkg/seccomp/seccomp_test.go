package seccomp

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func allowed(p *specs.LinuxSeccomp, syscall string) bool {
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, name := range rule.Names {
			if name == syscall {
				return true
			}
		}
	}
	return false
}

func TestToolProfile_DenyByDefault(t *testing.T) {
	p := ToolProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestToolProfile_FileIOAllowed(t *testing.T) {
	p := ToolProfile()
	for _, name := range []string{"openat", "read", "write", "execve", "wait4"} {
		if !allowed(p, name) {
			t.Errorf("tool profile should allow %q", name)
		}
	}
}

func TestToolProfile_NoNetworkSyscalls(t *testing.T) {
	p := ToolProfile()
	for _, name := range []string{"socket", "connect", "bind"} {
		if allowed(p, name) {
			t.Errorf("tool profile should not allow %q", name)
		}
	}
}

func TestToolProfile_HostileSyscallsNotAllowed(t *testing.T) {
	p := ToolProfile()
	for _, name := range []string{"mount", "ptrace", "setns", "init_module"} {
		if allowed(p, name) {
			t.Errorf("tool profile should not allow %q", name)
		}
	}
}

func TestNetworkToolProfile_HasSocketSyscalls(t *testing.T) {
	p := NetworkToolProfile()
	for _, name := range []string{"socket", "connect", "bind"} {
		if !allowed(p, name) {
			t.Errorf("network profile missing allowed syscall %q", name)
		}
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 || rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}

func TestTrapRulesPresent(t *testing.T) {
	p := ToolProfile()
	var trapped bool
	for _, rule := range p.Syscalls {
		if rule.Action == specs.ActTrap {
			for _, name := range rule.Names {
				if name == "ptrace" {
					trapped = true
				}
			}
		}
	}
	if !trapped {
		t.Error("ptrace should be trapped, not silently denied")
	}
}
