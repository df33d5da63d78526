// Package seccomp translates OCI seccomp profiles into BPF filters and
// installs them on the current thread group.
package seccomp

import (
	libseccomp "github.com/elastic/go-seccomp-bpf"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
)

var actionNames = map[specs.LinuxSeccompAction]libseccomp.Action{
	specs.ActAllow:       libseccomp.ActionAllow,
	specs.ActErrno:       libseccomp.ActionErrno,
	specs.ActKill:        libseccomp.ActionKillThread,
	specs.ActKillProcess: libseccomp.ActionKillProcess,
	specs.ActKillThread:  libseccomp.ActionKillThread,
	specs.ActLog:         libseccomp.ActionLog,
	specs.ActTrace:       libseccomp.ActionTrace,
	specs.ActTrap:        libseccomp.ActionTrap,
}

func translateAction(a specs.LinuxSeccompAction) (libseccomp.Action, error) {
	act, ok := actionNames[a]
	if !ok {
		return 0, errors.Errorf("seccomp: unsupported action %q", a)
	}
	return act, nil
}

// Build converts an OCI seccomp profile to a loadable filter. Rules with
// argument conditions are rejected since the BPF backend matches on syscall
// number only.
func Build(profile *specs.LinuxSeccomp) (*libseccomp.Filter, error) {
	def, err := translateAction(profile.DefaultAction)
	if err != nil {
		return nil, err
	}
	policy := libseccomp.Policy{DefaultAction: def}
	for _, rule := range profile.Syscalls {
		if len(rule.Args) > 0 {
			return nil, errors.Errorf("seccomp: argument conditions not supported for %v", rule.Names)
		}
		act, err := translateAction(rule.Action)
		if err != nil {
			return nil, err
		}
		policy.Syscalls = append(policy.Syscalls, libseccomp.SyscallGroup{
			Action: act,
			Names:  rule.Names,
		})
	}
	return &libseccomp.Filter{
		NoNewPrivs: false,
		Flag:       libseccomp.FilterFlagTSync,
		Policy:     policy,
	}, nil
}

// Load builds and installs the profile. no_new_privs must already be set by
// the caller.
func Load(profile *specs.LinuxSeccomp) error {
	filter, err := Build(profile)
	if err != nil {
		return err
	}
	if err := libseccomp.LoadFilter(*filter); err != nil {
		return errors.Wrap(err, "seccomp: load filter")
	}
	return nil
}
