// Package syncfd provides full-buffer read / write helpers over a raw
// file descriptor, retrying on interrupted system calls.
package syncfd

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// WriteAll writes the whole buf to fd, retrying partial writes and EINTR.
// Returns the total bytes written, always len(buf) on success.
func WriteAll(fd int, buf []byte) (int, error) {
	count := 0
	for count < len(buf) {
		n, err := unix.Write(fd, buf[count:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return count, err
		}
		count += n
	}
	return count, nil
}

// ReadCount reads up to count bytes from fd, retrying EINTR. A zero-length
// read means the peer closed; what was read so far is returned without
// error and the caller decides whether a short result is acceptable.
func ReadCount(fd int, count int) ([]byte, error) {
	buf := make([]byte, count)
	got := 0
	for got < count {
		n, err := unix.Read(fd, buf[got:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		got += n
	}
	return buf[:got], nil
}

// ReadExact reads exactly count bytes from fd, failing if the peer closes
// the descriptor before count bytes arrive.
func ReadExact(fd int, count int) ([]byte, error) {
	buf, err := ReadCount(fd, count)
	if err != nil {
		return nil, err
	}
	if len(buf) != count {
		return nil, fmt.Errorf("invalid read count, want %d bytes got %d", count, len(buf))
	}
	return buf, nil
}
