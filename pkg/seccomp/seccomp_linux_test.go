package seccomp

import (
	"testing"

	libseccomp "github.com/elastic/go-seccomp-bpf"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestBuild(t *testing.T) {
	profile := &specs.LinuxSeccomp{
		DefaultAction: specs.ActErrno,
		Syscalls: []specs.LinuxSyscall{
			{Names: []string{"read", "write", "exit_group"}, Action: specs.ActAllow},
			{Names: []string{"ptrace"}, Action: specs.ActKill},
		},
	}
	filter, err := Build(profile)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if filter.Policy.DefaultAction != libseccomp.ActionErrno {
		t.Errorf("unexpected default action: %v", filter.Policy.DefaultAction)
	}
	if len(filter.Policy.Syscalls) != 2 {
		t.Fatalf("expected 2 syscall groups, got %d", len(filter.Policy.Syscalls))
	}
	if filter.Policy.Syscalls[1].Action != libseccomp.ActionKillThread {
		t.Errorf("expected kill thread action, got %v", filter.Policy.Syscalls[1].Action)
	}
}

func TestBuildUnsupportedAction(t *testing.T) {
	profile := &specs.LinuxSeccomp{DefaultAction: specs.LinuxSeccompAction("SCMP_ACT_NOTIFY")}
	if _, err := Build(profile); err == nil {
		t.Fatal("expected error for unsupported action")
	}
}

func TestBuildArgConditionsRejected(t *testing.T) {
	profile := &specs.LinuxSeccomp{
		DefaultAction: specs.ActAllow,
		Syscalls: []specs.LinuxSyscall{
			{
				Names:  []string{"personality"},
				Action: specs.ActErrno,
				Args:   []specs.LinuxSeccompArg{{Index: 0, Value: 131072, Op: specs.OpEqualTo}},
			},
		},
	}
	if _, err := Build(profile); err == nil {
		t.Fatal("expected error for argument conditions")
	}
}
