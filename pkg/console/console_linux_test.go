package console

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestNewPty(t *testing.T) {
	pty, err := NewPty()
	if err != nil {
		t.Skipf("pty not available: %v", err)
	}
	defer pty.Master.Close()
	defer pty.Slave.Close()

	// writes to the master must arrive on the slave
	if _, err := pty.Master.Write([]byte("ping\n")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 16)
	n, err := pty.Slave.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Error("expected data on slave")
	}

	// slave must be a terminal
	if _, err := unix.IoctlGetTermios(int(pty.Slave.Fd()), unix.TCGETS); err != nil {
		t.Errorf("slave is not a tty: %v", err)
	}
}
