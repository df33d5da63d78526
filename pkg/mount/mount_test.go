package mount

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

func TestFromSpec(t *testing.T) {
	m := FromSpec("/run/c1/rootfs", &specs.Mount{
		Destination: "/proc",
		Type:        "proc",
		Source:      "proc",
		Options:     []string{"nosuid", "noexec", "nodev"},
	})
	if m.Target != "/run/c1/rootfs/proc" {
		t.Errorf("Target = %q, want rootfs prefixed", m.Target)
	}
	want := uintptr(unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV)
	if m.Flags != want {
		t.Errorf("Flags = %#x, want %#x", m.Flags, want)
	}
}

func TestFromSpecDataOptions(t *testing.T) {
	m := FromSpec("/root", &specs.Mount{
		Destination: "/dev/shm",
		Type:        "tmpfs",
		Source:      "shm",
		Options:     []string{"nosuid", "mode=1777", "size=65536k"},
	})
	if m.Data != "mode=1777,size=65536k" {
		t.Errorf("Data = %q", m.Data)
	}
}

func TestMountString(t *testing.T) {
	m := Mount{Source: "/a", Target: "/b", Flags: unix.MS_BIND | unix.MS_RDONLY}
	if m.String() != "bind[/a:/b:ro]" {
		t.Errorf("String() = %q", m.String())
	}
	m = Mount{Source: "proc", Target: "/proc", FsType: "proc"}
	if m.String() != "proc[/proc]" {
		t.Errorf("String() = %q", m.String())
	}
}
