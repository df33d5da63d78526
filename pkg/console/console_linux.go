// Package console allocates a pseudo terminal for a container process and
// hands the master end back over a unix socket.
package console

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/hikaen/go-microvm/pkg/unixsocket"
)

// Pty is an allocated pseudo terminal pair.
type Pty struct {
	Master *os.File
	Slave  *os.File
}

// NewPty opens a pty master, unlocks it and opens the matching slave.
func NewPty() (*Pty, error) {
	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "console: open ptmx")
	}
	ptn, err := unix.IoctlGetUint32(int(master.Fd()), unix.TIOCGPTN)
	if err != nil {
		master.Close()
		return nil, errors.Wrap(err, "console: get pty number")
	}
	unlock := 0
	if err := unix.IoctlSetPointerInt(int(master.Fd()), unix.TIOCSPTLCK, unlock); err != nil {
		master.Close()
		return nil, errors.Wrap(err, "console: unlock pty")
	}
	slavePath := fmt.Sprintf("/dev/pts/%d", ptn)
	slave, err := os.OpenFile(slavePath, os.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		master.Close()
		return nil, errors.Wrapf(err, "console: open %s", slavePath)
	}
	return &Pty{Master: master, Slave: slave}, nil
}

// Setup allocates a pty, sends the master end over the console socket fd and
// installs the slave as the controlling terminal on stdio. The master is
// closed locally once sent.
func Setup(socketFd int) error {
	pty, err := NewPty()
	if err != nil {
		return err
	}
	defer pty.Master.Close()
	defer pty.Slave.Close()

	sock, err := unixsocket.FromFd(socketFd)
	if err != nil {
		return err
	}
	defer sock.Close()
	if err := sock.SendFds([]byte("/dev/ptmx"), int(pty.Master.Fd())); err != nil {
		return err
	}

	slaveFd := int(pty.Slave.Fd())
	if err := unix.IoctlSetInt(slaveFd, unix.TIOCSCTTY, 0); err != nil {
		return errors.Wrap(err, "console: set controlling terminal")
	}
	for fd := 0; fd < 3; fd++ {
		if err := unix.Dup3(slaveFd, fd, 0); err != nil {
			return errors.Wrapf(err, "console: dup onto fd %d", fd)
		}
	}
	return nil
}
