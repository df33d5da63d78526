package rlimit

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

func TestFromSpec(t *testing.T) {
	limits, err := FromSpec([]specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Soft: 1024, Hard: 4096},
		{Type: "RLIMIT_CPU", Soft: 10, Hard: 10},
	})
	if err != nil {
		t.Fatalf("FromSpec: %v", err)
	}
	if len(limits) != 2 {
		t.Fatalf("expected 2 limits, got %d", len(limits))
	}
	if limits[0].Res != unix.RLIMIT_NOFILE {
		t.Errorf("expected RLIMIT_NOFILE resource, got %d", limits[0].Res)
	}
	if limits[0].Rlim.Cur != 1024 || limits[0].Rlim.Max != 4096 {
		t.Errorf("unexpected rlim: %+v", limits[0].Rlim)
	}
}

func TestFromSpecUnknown(t *testing.T) {
	if _, err := FromSpec([]specs.POSIXRlimit{{Type: "RLIMIT_BOGUS"}}); err == nil {
		t.Fatal("expected error for unknown resource")
	}
}

func TestString(t *testing.T) {
	l := RLimit{Type: "RLIMIT_STACK", Res: unix.RLIMIT_STACK, Rlim: unix.Rlimit{Cur: 8192, Max: 8192}}
	if s := l.String(); s != "STACK[8192:8192]" {
		t.Errorf("unexpected string: %s", s)
	}
}
