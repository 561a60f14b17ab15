//go:build linux

package iodriver

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// TestRequestKindFdDirection checks the static metadata every Request
// implementation reports, since ReadinessDriver's dispatch and the
// metrics Observer both key off it.
func TestRequestKindFdDirection(t *testing.T) {
	buf := NewBuffer(make([]byte, 4))

	cases := []struct {
		name    string
		req     Request
		kind    OpKind
		fd      int
		dir     Direction
		indep   bool
	}{
		{"read", &ReadRequest{fd: 3, buf: buf}, OpRead, 3, DirRead, false},
		{"write", &WriteRequest{fd: 4, buf: buf}, OpWrite, 4, DirWrite, false},
		{"send", &SendRequest{fd: 5, buf: buf}, OpSend, 5, DirWrite, false},
		{"recv", &RecvRequest{fd: 6, buf: buf}, OpRecv, 6, DirRead, false},
		{"accept", &AcceptRequest{fd: 7}, OpAccept, 7, DirRead, false},
		{"connect", &ConnectRequest{fd: 8}, OpConnect, 8, DirWrite, false},
		{"close", &CloseRequest{fd: 9}, OpClose, 9, DirRead, true},
		{"timeout", &TimeoutRequest{d: time.Millisecond}, OpTimeout, -1, DirRead, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.req.Kind(); got != tc.kind {
				t.Errorf("Kind() = %v, want %v", got, tc.kind)
			}
			if got := tc.req.Fd(); got != tc.fd {
				t.Errorf("Fd() = %d, want %d", got, tc.fd)
			}
			if got := tc.req.Direction(); got != tc.dir {
				t.Errorf("Direction() = %v, want %v", got, tc.dir)
			}
			if got := tc.req.ReadinessIndependent(); got != tc.indep {
				t.Errorf("ReadinessIndependent() = %v, want %v", got, tc.indep)
			}
		})
	}
}

// TestPrepareSQEBindsUserData checks that every request's PrepareSQE tags
// the SQE with the user-data value it was given, since that is the only
// channel CompletionDriver has for mapping a kernel completion back to a
// slab index.
func TestPrepareSQEBindsUserData(t *testing.T) {
	buf := NewBuffer(make([]byte, 4))
	const want = uint64(12345)

	reqs := []Request{
		&ReadRequest{fd: 3, buf: buf},
		&WriteRequest{fd: 4, buf: buf},
		&SendRequest{fd: 5, buf: buf},
		&RecvRequest{fd: 6, buf: buf},
		&AcceptRequest{fd: 7},
		&ConnectRequest{fd: 8},
		&CloseRequest{fd: 9},
		&TimeoutRequest{d: time.Millisecond},
	}

	for _, req := range reqs {
		var sqe CompletionSQE
		req.PrepareSQE(&sqe, want)
		if sqe.UserData != want {
			t.Errorf("%T: UserData = %d, want %d", req, sqe.UserData, want)
		}
	}
}

// TestPrepareSQEEmptyBufferDoesNotPanic exercises the len(b)==0 branch in
// Read/Write/Send/Recv's PrepareSQE, which must not dereference b[0].
func TestPrepareSQEEmptyBufferDoesNotPanic(t *testing.T) {
	empty := NewBuffer(nil)
	reqs := []Request{
		&ReadRequest{fd: 3, buf: empty},
		&WriteRequest{fd: 4, buf: empty},
		&SendRequest{fd: 5, buf: empty},
		&RecvRequest{fd: 6, buf: empty},
	}
	for _, req := range reqs {
		var sqe CompletionSQE
		req.PrepareSQE(&sqe, 1)
	}
}

// TestSendAlwaysSetsMsgNosignal grounds SPEC_FULL.md's supplemented
// behavior: Send never raises SIGPIPE on a closed peer.
func TestSendAlwaysSetsMsgNosignal(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	unix.Close(fds[1]) // close peer so a send would raise SIGPIPE without MSG_NOSIGNAL

	req := &SendRequest{fd: fds[0], buf: NewBuffer([]byte("x"))}
	_, err = req.Syscall()
	if err == nil {
		t.Fatal("expected an error sending to a closed peer")
	}
}

// TestCloseRequestSyscall exercises the readiness-independent direct path.
func TestCloseRequestSyscall(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	defer unix.Close(fds[1])

	req := &CloseRequest{fd: fds[0]}
	if _, err := req.Syscall(); err != nil {
		t.Fatalf("Close.Syscall: %v", err)
	}
	// fds[0] is now closed; a second close must fail with EBADF.
	if err := unix.Close(fds[0]); err == nil {
		t.Error("expected EBADF closing an already-closed fd")
	}
}
