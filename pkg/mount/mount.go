// Package mount applies OCI mount entries inside the container rootfs and
// finalizes the root with pivot_root or a move mount.
package mount

import (
	"fmt"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// Mount defines one mount syscall to perform under the rootfs.
type Mount struct {
	Source, Target, FsType, Data string
	Flags                        uintptr
}

// option name to mount flag, the subset meaningful inside a container
var optionFlags = map[string]uintptr{
	"ro":          unix.MS_RDONLY,
	"rw":          0,
	"nosuid":      unix.MS_NOSUID,
	"suid":        0,
	"nodev":       unix.MS_NODEV,
	"dev":         0,
	"noexec":      unix.MS_NOEXEC,
	"exec":        0,
	"sync":        unix.MS_SYNCHRONOUS,
	"async":       0,
	"noatime":     unix.MS_NOATIME,
	"atime":       0,
	"nodiratime":  unix.MS_NODIRATIME,
	"diratime":    0,
	"relatime":    unix.MS_RELATIME,
	"norelatime":  0,
	"strictatime": unix.MS_STRICTATIME,
	"bind":        unix.MS_BIND,
	"rbind":       unix.MS_BIND | unix.MS_REC,
	"private":     unix.MS_PRIVATE,
	"rprivate":    unix.MS_PRIVATE | unix.MS_REC,
	"shared":      unix.MS_SHARED,
	"rshared":     unix.MS_SHARED | unix.MS_REC,
	"slave":       unix.MS_SLAVE,
	"rslave":      unix.MS_SLAVE | unix.MS_REC,
}

// FromSpec converts an OCI mount entry into a Mount rooted at rootfs.
// Unrecognized options become fs specific data.
func FromSpec(rootfs string, m *specs.Mount) Mount {
	var flags uintptr
	var data []string
	for _, o := range m.Options {
		if f, ok := optionFlags[o]; ok {
			flags |= f
		} else {
			data = append(data, o)
		}
	}
	target := m.Destination
	if !strings.HasPrefix(target, rootfs) {
		target = rootfs + target
	}
	return Mount{
		Source: m.Source,
		Target: target,
		FsType: m.Type,
		Data:   strings.Join(data, ","),
		Flags:  flags,
	}
}

func (m Mount) String() string {
	switch {
	case m.Flags&unix.MS_BIND == unix.MS_BIND:
		flag := "rw"
		if m.Flags&unix.MS_RDONLY == unix.MS_RDONLY {
			flag = "ro"
		}
		return fmt.Sprintf("bind[%s:%s:%s]", m.Source, m.Target, flag)

	case m.FsType != "":
		return fmt.Sprintf("%s[%s]", m.FsType, m.Target)

	default:
		return fmt.Sprintf("mount[%s:%s]", m.Source, m.Target)
	}
}
