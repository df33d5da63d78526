package syncmsg

import (
	"bytes"
	"errors"
	"strings"
	"testing"

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

func TestSuccessRoundTrip(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	if err := WriteSync(w, SyncSuccess, nil); err != nil {
		t.Fatalf("WriteSync error: %v", err)
	}
	got, err := ReadSync(r)
	if err != nil {
		t.Fatalf("ReadSync error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadSync = %q, want empty", got)
	}
}

func TestDataRoundTrip(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	if err := WriteSync(w, SyncData, []byte("hello")); err != nil {
		t.Fatalf("WriteSync error: %v", err)
	}
	got, err := ReadSync(r)
	if err != nil {
		t.Fatalf("ReadSync error: %v", err)
	}
	if !bytes.Equal(got, []byte("hello")) {
		t.Errorf("ReadSync = %q, want %q", got, "hello")
	}

	// descriptor stays open after a data message
	if err := WriteSync(w, SyncSuccess, nil); err != nil {
		t.Fatalf("WriteSync after data error: %v", err)
	}
	if _, err := ReadSync(r); err != nil {
		t.Fatalf("ReadSync after data error: %v", err)
	}
}

func TestFailedRoundTrip(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)

	if err := WriteSync(w, SyncFailed, []byte("boom")); err != nil {
		t.Fatalf("WriteSync error: %v", err)
	}
	// w was closed by WriteSync
	if _, err := unix.FcntlInt(uintptr(w), unix.F_GETFD, 0); err == nil {
		t.Error("descriptor not closed after SyncFailed write")
	}

	_, err := ReadSync(r)
	var ce *ChildError
	if !errors.As(err, &ce) {
		t.Fatalf("ReadSync error = %v, want *ChildError", err)
	}
	if ce.Msg != "boom" {
		t.Errorf("child error = %q, want %q", ce.Msg, "boom")
	}
}

func TestFailedLongMessage(t *testing.T) {
	// payloads spanning several chunks, including the exact multiple
	// of the chunk size that must not require an extra read
	for _, n := range []int{DataSize - 1, DataSize, DataSize + 1, 3*DataSize + 17, 2 * DataSize} {
		r, w := makePipe(t)
		msg := strings.Repeat("x", n)
		if err := WriteSync(w, SyncFailed, []byte(msg)); err != nil {
			t.Fatalf("WriteSync error: %v", err)
		}
		_, err := ReadSync(r)
		var ce *ChildError
		if !errors.As(err, &ce) {
			t.Fatalf("length %d: ReadSync error = %v, want *ChildError", n, err)
		}
		if ce.Msg != msg {
			t.Errorf("length %d: message mismatch, got %d bytes", n, len(ce.Msg))
		}
		unix.Close(r)
	}
}

func TestFailedInvalidUTF8(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)

	if err := WriteSync(w, SyncFailed, []byte{0xff, 0xfe, 0xfd}); err != nil {
		t.Fatalf("WriteSync error: %v", err)
	}
	_, err := ReadSync(r)
	if !errors.Is(err, ErrBadErrorPayload) {
		t.Errorf("ReadSync error = %v, want ErrBadErrorPayload", err)
	}
}

func TestUnknownTag(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)
	defer unix.Close(w)

	if err := WriteSync(w, 42, []byte("ignored")); err != nil {
		t.Fatalf("WriteSync error: %v", err)
	}
	_, err := ReadSync(r)
	if !errors.Is(err, ErrUnknownTag) {
		t.Errorf("ReadSync error = %v, want ErrUnknownTag", err)
	}
}

func TestReadSyncPeerClosed(t *testing.T) {
	r, w := makePipe(t)
	defer unix.Close(r)
	unix.Close(w)

	_, err := ReadSync(r)
	if err == nil {
		t.Fatal("ReadSync on closed peer: expected error")
	}
	var ce *ChildError
	if errors.As(err, &ce) {
		t.Error("transport error must not look like a child reported failure")
	}
}
