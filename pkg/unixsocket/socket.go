// Package unixsocket passes file descriptors over SOCK_SEQPACKET unix
// sockets using SCM_RIGHTS control messages.
package unixsocket

import (
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// oob size default to page size
const oobSize = 4096

var oobPool = sync.Pool{
	New: func() interface{} {
		return make([]byte, oobSize)
	},
}

// Socket wraps a connected unix socket that carries descriptor rights
// alongside its payload.
type Socket struct {
	*net.UnixConn
}

// FromFd adopts an existing connected unix socket fd. The fd is duplicated
// into the runtime poller and the original is closed.
func FromFd(fd int) (*Socket, error) {
	unix.CloseOnExec(fd)
	file := os.NewFile(uintptr(fd), "unix-socket")
	if file == nil {
		return nil, errors.Errorf("unixsocket: fd %d is not valid", fd)
	}
	defer file.Close()
	conn, err := net.FileConn(file)
	if err != nil {
		return nil, errors.Wrap(err, "unixsocket: adopt fd")
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, errors.Errorf("unixsocket: fd %d is not a unix socket", fd)
	}
	return &Socket{unixConn}, nil
}

// NewPair creates a connected SOCK_SEQPACKET socketpair.
func NewPair() (*Socket, *Socket, error) {
	fds, err := unix.Socketpair(unix.AF_LOCAL, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unixsocket: socketpair")
	}
	a, err := FromFd(fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := FromFd(fds[1])
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

// SendFds sends the payload together with descriptor rights.
func (s *Socket) SendFds(b []byte, fds ...int) error {
	oob := unix.UnixRights(fds...)
	if _, _, err := s.WriteMsgUnix(b, oob, nil); err != nil {
		return errors.Wrap(err, "unixsocket: sendmsg")
	}
	return nil
}

// RecvFds receives one message and any descriptor rights attached to it.
func (s *Socket) RecvFds(b []byte) (int, []int, error) {
	oob := oobPool.Get().([]byte)
	defer oobPool.Put(oob)
	n, oobn, _, _, err := s.ReadMsgUnix(b, oob)
	if err != nil {
		return 0, nil, errors.Wrap(err, "unixsocket: recvmsg")
	}
	msgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, nil, errors.Wrap(err, "unixsocket: parse control message")
	}
	var fds []int
	for _, m := range msgs {
		if m.Header.Level == syscall.SOL_SOCKET && m.Header.Type == syscall.SCM_RIGHTS {
			got, err := syscall.ParseUnixRights(&m)
			if err != nil {
				return 0, nil, errors.Wrap(err, "unixsocket: parse rights")
			}
			fds = append(fds, got...)
		}
	}
	return n, fds, nil
}
