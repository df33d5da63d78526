// Package syncmsg implements the synchronization message protocol spoken
// between a process supervisor and the bootstrapped child over a pipe pair.
//
// Wire format: a 4 byte big endian tag, then a tag dependent payload:
//
//   - SyncSuccess: no payload
//   - SyncData:    4 byte big endian length, then that many raw bytes
//   - SyncFailed:  raw UTF-8 error message; the sender closes the
//     descriptor after the last byte, the receiver collects DataSize
//     sized chunks until a short chunk signals the close
//
// SyncFailed is terminal: the writer closes the descriptor whether or not
// the write succeeded. SyncSuccess and SyncData leave the descriptor open
// on the success path so further protocol steps can follow.
package syncmsg

import (
	"encoding/binary"
	"os"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/hikaen/go-microvm/pkg/syncfd"
)

// Message tags on the wire.
const (
	SyncSuccess int32 = 1
	SyncFailed  int32 = 2
	SyncData    int32 = 3
)

// DataSize is the chunk size used when receiving a SyncFailed payload.
const DataSize = 100

// ErrUnknownTag reports a tag value outside the protocol.
var ErrUnknownTag = errors.New("error in receive sync message")

// ErrBadErrorPayload reports a SyncFailed payload that is not valid UTF-8.
var ErrBadErrorPayload = errors.New("receive error message from child process failed")

// ChildError is a failure the child reported through a SyncFailed message.
// It is distinct from transport errors and protocol violations: the
// handshake itself worked, the reported setup step did not.
type ChildError struct {
	Msg string
}

func (e *ChildError) Error() string {
	return e.Msg
}

func closeFd(fd int) {
	_ = unix.Close(fd)
}

func encodeInt32(v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

// WriteSync writes one sync message to fd.
//
// The descriptor close contract is asymmetric and deliberate: SyncFailed
// always closes fd before returning, SyncData closes fd only when an
// intermediate write failed, SyncSuccess never closes.
func WriteSync(fd int, msgType int32, data []byte) error {
	if _, err := syncfd.WriteAll(fd, encodeInt32(msgType)); err != nil {
		return errors.Wrapf(err, "write sync tag %d to fd %d", msgType, fd)
	}

	switch msgType {
	case SyncFailed:
		_, err := syncfd.WriteAll(fd, data)
		// terminal message: close on both paths
		closeFd(fd)
		if err != nil {
			return errors.Wrapf(err, "write error message to fd %d", fd)
		}
	case SyncData:
		if _, err := syncfd.WriteAll(fd, encodeInt32(int32(len(data)))); err != nil {
			closeFd(fd)
			return errors.Wrapf(err, "write data length %d to fd %d", len(data), fd)
		}
		if _, err := syncfd.WriteAll(fd, data); err != nil {
			closeFd(fd)
			return errors.Wrapf(err, "write data payload to fd %d", fd)
		}
	}
	// SyncSuccess and unknown tags carry no payload
	return nil
}

// ReadSync reads one sync message from fd.
//
// It returns the payload for SyncData, an empty slice for SyncSuccess and
// a *ChildError carrying the reported message for SyncFailed. Transport
// errors and protocol violations are returned as distinct error values so
// the supervisor can tell "the child said it failed" apart from "the
// child could not be understood".
func ReadSync(fd int) ([]byte, error) {
	buf, err := syncfd.ReadExact(fd, 4)
	if err != nil {
		return nil, errors.Wrapf(err, "process %d read sync tag from fd %d", os.Getpid(), fd)
	}
	tag := int32(binary.BigEndian.Uint32(buf))

	switch tag {
	case SyncSuccess:
		return []byte{}, nil

	case SyncData:
		buf, err := syncfd.ReadExact(fd, 4)
		if err != nil {
			return nil, errors.Wrapf(err, "process %d read data length from fd %d", os.Getpid(), fd)
		}
		length := int(int32(binary.BigEndian.Uint32(buf)))
		if length < 0 {
			return nil, errors.Wrapf(ErrUnknownTag, "negative data length %d", length)
		}
		data, err := syncfd.ReadExact(fd, length)
		if err != nil {
			return nil, errors.Wrapf(err, "process %d read %d byte data payload from fd %d",
				os.Getpid(), length, fd)
		}
		return data, nil

	case SyncFailed:
		var msg []byte
		for {
			chunk, err := syncfd.ReadCount(fd, DataSize)
			if err != nil {
				return nil, errors.Wrapf(err, "process %d read error message from fd %d",
					os.Getpid(), fd)
			}
			msg = append(msg, chunk...)
			// the sender closes after the final write; a short chunk
			// (possibly empty) is the terminator
			if len(chunk) < DataSize {
				break
			}
		}
		if !utf8.Valid(msg) {
			return nil, ErrBadErrorPayload
		}
		return nil, &ChildError{Msg: string(msg)}

	default:
		return nil, errors.Wrapf(ErrUnknownTag, "tag %d", tag)
	}
}
