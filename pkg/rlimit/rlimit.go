// Package rlimit applies OCI POSIX resource limits to the current process.
package rlimit

import (
	"fmt"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// RLimit is a single resolved resource limit ready to apply.
type RLimit struct {
	Type string
	Res  int
	Rlim unix.Rlimit
}

var resourceNames = map[string]int{
	"RLIMIT_AS":         unix.RLIMIT_AS,
	"RLIMIT_CORE":       unix.RLIMIT_CORE,
	"RLIMIT_CPU":        unix.RLIMIT_CPU,
	"RLIMIT_DATA":       unix.RLIMIT_DATA,
	"RLIMIT_FSIZE":      unix.RLIMIT_FSIZE,
	"RLIMIT_LOCKS":      unix.RLIMIT_LOCKS,
	"RLIMIT_MEMLOCK":    unix.RLIMIT_MEMLOCK,
	"RLIMIT_MSGQUEUE":   unix.RLIMIT_MSGQUEUE,
	"RLIMIT_NICE":       unix.RLIMIT_NICE,
	"RLIMIT_NOFILE":     unix.RLIMIT_NOFILE,
	"RLIMIT_NPROC":      unix.RLIMIT_NPROC,
	"RLIMIT_RSS":        unix.RLIMIT_RSS,
	"RLIMIT_RTPRIO":     unix.RLIMIT_RTPRIO,
	"RLIMIT_RTTIME":     unix.RLIMIT_RTTIME,
	"RLIMIT_SIGPENDING": unix.RLIMIT_SIGPENDING,
	"RLIMIT_STACK":      unix.RLIMIT_STACK,
}

// FromSpec resolves OCI rlimit entries. Unknown resource names are an error.
func FromSpec(limits []specs.POSIXRlimit) ([]RLimit, error) {
	ret := make([]RLimit, 0, len(limits))
	for _, l := range limits {
		res, ok := resourceNames[l.Type]
		if !ok {
			return nil, errors.Errorf("rlimit: unknown resource %q", l.Type)
		}
		ret = append(ret, RLimit{
			Type: l.Type,
			Res:  res,
			Rlim: unix.Rlimit{Cur: l.Soft, Max: l.Hard},
		})
	}
	return ret, nil
}

// Apply sets each limit on the current process.
func Apply(limits []RLimit) error {
	for _, l := range limits {
		if err := unix.Setrlimit(l.Res, &l.Rlim); err != nil {
			return errors.Wrapf(err, "rlimit: set %s", l.Type)
		}
	}
	return nil
}

func (r RLimit) String() string {
	name := strings.TrimPrefix(r.Type, "RLIMIT_")
	return fmt.Sprintf("%s[%d:%d]", name, r.Rlim.Cur, r.Rlim.Max)
}
