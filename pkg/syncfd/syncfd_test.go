package syncfd

import (
	"bytes"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func makePipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe error: %v", err)
	}
	return fds[0], fds[1]
}

func TestWriteAllReadExact(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	data := bytes.Repeat([]byte("abc"), 100)
	n, err := WriteAll(w, data)
	if err != nil {
		t.Fatalf("WriteAll error: %v", err)
	}
	if n != len(data) {
		t.Errorf("WriteAll n = %d, want %d", n, len(data))
	}

	got, err := ReadExact(r, len(data))
	if err != nil {
		t.Fatalf("ReadExact error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadExact = %q, want %q", got, data)
	}
}

// The EINTR retry branch cannot be provoked directly: the runtime installs
// its signal handlers with SA_RESTART, so reads and writes on a pipe are
// restarted in the kernel before userspace sees the interruption. The
// accumulation loops are exercised through partial transfers instead.

func TestReadExactStaggeredWrites(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	go func() {
		// dribble the payload so the reader sees several short reads
		for i := 0; i < len(data); i += 100 {
			if _, err := WriteAll(w, data[i:i+100]); err != nil {
				break
			}
			time.Sleep(time.Millisecond)
		}
		unix.Close(w)
	}()

	got, err := ReadExact(r, len(data))
	if err != nil {
		t.Fatalf("ReadExact error: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("ReadExact reassembled %d bytes incorrectly", len(got))
	}
}

func TestWriteAllLargerThanPipeBuffer(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)

	// well past the default pipe capacity so the kernel forces short writes
	data := make([]byte, 256*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}

	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		var buf []byte
		for {
			chunk, err := ReadCount(r, 4096)
			if err != nil {
				done <- result{nil, err}
				return
			}
			if len(chunk) == 0 {
				done <- result{buf, nil}
				return
			}
			buf = append(buf, chunk...)
		}
	}()

	n, err := WriteAll(w, data)
	if err != nil {
		t.Fatalf("WriteAll error: %v", err)
	}
	if n != len(data) {
		t.Errorf("WriteAll n = %d, want %d", n, len(data))
	}
	unix.Close(w)

	res := <-done
	if res.err != nil {
		t.Fatalf("drain error: %v", res.err)
	}
	if !bytes.Equal(res.buf, data) {
		t.Errorf("drained %d bytes, want %d identical bytes", len(res.buf), len(data))
	}
}

func TestReadCountShortOnClose(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)

	if _, err := WriteAll(w, []byte("hello")); err != nil {
		t.Fatalf("WriteAll error: %v", err)
	}
	unix.Close(w)

	got, err := ReadCount(r, 100)
	if err != nil {
		t.Fatalf("ReadCount error: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("ReadCount = %q, want %q", got, "hello")
	}
}

func TestReadExactEOF(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)

	if _, err := WriteAll(w, []byte("ab")); err != nil {
		t.Fatalf("WriteAll error: %v", err)
	}
	unix.Close(w)

	if _, err := ReadExact(r, 4); err == nil {
		t.Error("ReadExact on early EOF: expected error")
	}
}

func TestReadCountEmpty(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)
	unix.Close(w)

	got, err := ReadCount(r, 10)
	if err != nil {
		t.Fatalf("ReadCount error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadCount length = %d, want 0", len(got))
	}
}
